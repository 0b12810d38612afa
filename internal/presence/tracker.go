package presence

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// Config holds presence tracker settings.
type Config struct {
	// StaleAfter is how long a record may go without a ping before it is
	// treated as offline.
	StaleAfter time.Duration `mapstructure:"stale_after"`

	// SweepInterval is how often the staleness sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// PositionEpsilon is the minimum coordinate delta (degrees) that
	// counts as movement. Repeated pings inside the epsilon do not fan
	// out redundant updates.
	PositionEpsilon float64 `mapstructure:"position_epsilon"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:      2 * time.Minute,
		SweepInterval:   30 * time.Second,
		PositionEpsilon: 0.0001,
	}
}

// Change is a presence update fanned out to subscribers. A nil Record
// means the user left, either explicitly or by staleness eviction.
type Change struct {
	UserID string
	Record *domain.PresenceRecord
}

const changeBuffer = 64

// Tracker keeps the last-known presence state per user. All state lives
// behind a short-held mutex; no I/O happens under the lock.
type Tracker struct {
	cfg   Config
	clock clockwork.Clock

	mu      sync.Mutex
	records map[string]*domain.PresenceRecord
	subs    map[int]chan Change
	nextSub int

	cancel context.CancelFunc
}

// NewTracker creates a presence tracker. Pass clockwork.NewRealClock()
// in production.
func NewTracker(cfg Config, clock clockwork.Clock) *Tracker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.PositionEpsilon <= 0 {
		cfg.PositionEpsilon = DefaultConfig().PositionEpsilon
	}
	return &Tracker{
		cfg:     cfg,
		clock:   clock,
		records: make(map[string]*domain.PresenceRecord),
		subs:    make(map[int]chan Change),
	}
}

// Start launches the background staleness sweep.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.sweepLoop(ctx)
}

// Stop halts the staleness sweep.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// UpdatePing ingests a position/status ping. An unknown user joins; a
// known user only fans out a change when status, visibility, or position
// (beyond the epsilon) actually moved.
func (t *Tracker) UpdatePing(userID, displayName string, pos *domain.Position, status domain.PresenceStatus, visible bool) {
	if userID == "" {
		return
	}
	if status == "" {
		status = domain.PresenceOnline
	}
	now := t.clock.Now()

	t.mu.Lock()
	existing, known := t.records[userID]

	changed := !known
	if known {
		if existing.Status != status || existing.Visible != visible {
			changed = true
		}
		if t.moved(existing.Position, pos) {
			changed = true
		}
		if displayName != "" && existing.DisplayName != displayName {
			changed = true
		}
	}

	record := &domain.PresenceRecord{
		UserID:      userID,
		DisplayName: displayName,
		Position:    pos,
		Status:      status,
		Visible:     visible,
		UpdatedAt:   now,
	}
	if displayName == "" && known {
		record.DisplayName = existing.DisplayName
	}
	t.records[userID] = record

	var out *Change
	if changed {
		cp := *record
		out = &Change{UserID: userID, Record: &cp}
	}
	t.mu.Unlock()

	if out != nil {
		t.publish(*out)
	}
}

// Leave removes the user's record and fans out a nil change.
func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	_, known := t.records[userID]
	delete(t.records, userID)
	t.mu.Unlock()

	if known {
		t.publish(Change{UserID: userID})
	}
}

// Snapshot returns the live, visible record set. Records past the
// staleness threshold are excluded even before the sweep evicts them.
func (t *Tracker) Snapshot() []domain.PresenceRecord {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.PresenceRecord, 0, len(t.records))
	for _, r := range t.records {
		if !r.Visible || now.Sub(r.UpdatedAt) > t.cfg.StaleAfter {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// Nearby returns the visible live records within radiusKm of origin.
func (t *Tracker) Nearby(origin domain.Position, radiusKm float64) []domain.PresenceRecord {
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		radiusKm = 1
	}

	var out []domain.PresenceRecord
	for _, r := range t.Snapshot() {
		if r.Position == nil {
			continue
		}
		if origin.DistanceKm(*r.Position) <= radiusKm {
			out = append(out, r)
		}
	}
	return out
}

// Subscribe returns a change stream and an unsubscribe func. Slow
// consumers drop changes rather than block the tracker.
func (t *Tracker) Subscribe() (<-chan Change, func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan Change, changeBuffer)
	t.subs[id] = ch
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		if existing, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(existing)
		}
		t.mu.Unlock()
	}
}

// publish sends the change to every subscriber. Sends stay under the
// mutex so a concurrent unsubscribe cannot close a channel between the
// subscriber snapshot and the send; the sends are non-blocking, so the
// lock is never held on a stalled consumer.
func (t *Tracker) publish(c Change) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- c:
		default:
			l := log.L()
			l.Warn().Str(log.FieldUserID, c.UserID).Msg("presence subscriber full, change dropped")
		}
	}
}

func (t *Tracker) moved(a, b *domain.Position) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	if a == nil {
		return false
	}
	return math.Abs(a.Latitude-b.Latitude) > t.cfg.PositionEpsilon ||
		math.Abs(a.Longitude-b.Longitude) > t.cfg.PositionEpsilon
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	ticker := t.clock.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.sweep()
		}
	}
}

// sweep evicts stale records, emitting one synthetic leave per record.
func (t *Tracker) sweep() {
	now := t.clock.Now()

	t.mu.Lock()
	var evicted []string
	for id, r := range t.records {
		if now.Sub(r.UpdatedAt) > t.cfg.StaleAfter {
			evicted = append(evicted, id)
			delete(t.records, id)
		}
	}
	t.mu.Unlock()

	for _, id := range evicted {
		l := log.L()
		l.Debug().Str(log.FieldUserID, id).Msg("presence record evicted as stale")
		t.publish(Change{UserID: id})
	}
}
