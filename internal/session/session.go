package session

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// MessageHandler receives de-duplicated, sequence-ordered messages.
type MessageHandler func(domain.Message)

// PresenceHandler receives presence changes. record is nil when the
// user went offline or their record decayed.
type PresenceHandler func(userID string, record *domain.PresenceRecord)

// Session is the application-facing facade over the multiplexer,
// subscription manager, deduplicator, and reconnection supervisor. One
// Session holds one live transport connection; all topics multiplex
// over it.
type Session struct {
	cfg   Config
	clock clockwork.Clock

	mux   *Multiplexer
	subs  *Subscriptions
	dedup *Deduplicator
	api   *APIClient
	sup   *Supervisor

	// deliverMu is held across deduplicator observation and handler
	// emission so the live dispatch path and the reconnect catch-up
	// path cannot interleave a room's stream out of sequence order.
	deliverMu sync.Mutex

	mu             sync.Mutex
	running        bool
	closed         bool
	cancel         context.CancelFunc
	roomHandlers   map[string][]MessageHandler
	anyHandlers    []MessageHandler
	presenceFns    []PresenceHandler
	presenceView   map[string]domain.PresenceRecord
	terminalErr    error
	advisories     chan GapAdvisory
	roomHandles    map[string]SubscriptionHandle
	presenceHandle SubscriptionHandle
}

// New builds a Session. clock may be nil for wall-clock behavior.
func New(cfg Config, clock clockwork.Clock) *Session {
	cfg.normalize()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Session{
		cfg:          cfg,
		clock:        clock,
		api:          NewAPIClient(cfg.APIBaseURL),
		roomHandlers: make(map[string][]MessageHandler),
		presenceView: make(map[string]domain.PresenceRecord),
		advisories:   make(chan GapAdvisory, 16),
		roomHandles:  make(map[string]SubscriptionHandle),
	}

	s.dedup = NewDeduplicator(cfg.DedupBufferSize, s.emitAdvisory)
	s.mux = NewMultiplexer(cfg, clock)
	s.subs = NewSubscriptions(s.mux)
	s.sup = NewSupervisor(cfg, clock, s.mux, s.subs, s.dedup, s.api, s.deliver, s.setTerminal)

	s.mux.RegisterHandler("room:*", s.handleDeliver)
	s.mux.RegisterHandler(domain.TopicPresenceNearby, s.handlePresence)
	s.mux.RegisterHandler("user-queue:*", s.handleUserQueue)

	return s
}

// Connect establishes the transport and starts the reconnection
// supervisor. It blocks until the first handshake completes or fails.
// Returns ErrClosed once the session has been Closed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.terminalErr = nil
	s.mu.Unlock()
	s.sup.attempts.Store(0)

	if err := s.sup.establishAndRestore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		s.sup.Run(runCtx)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return nil
}

// Disconnect stops the supervisor and closes the transport. Idempotent
// and safe to call from any state; cancels in-flight reconnect
// attempts.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.mux.teardown()
}

// Close disconnects and releases the dispatch goroutine. The Session
// cannot be reused afterwards; use Disconnect for a restartable stop.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Disconnect()
	s.mux.Close()
}

// State returns the connection lifecycle state.
func (s *Session) State() State {
	return s.mux.State()
}

// UserID returns the authenticated user id, empty before the first
// handshake.
func (s *Session) UserID() string {
	return s.mux.UserID()
}

// TerminalError returns ErrConnectionLost once the reconnect budget is
// exhausted, nil otherwise.
func (s *Session) TerminalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}

// Advisories yields non-fatal stream advisories, currently gap
// detections from deduplicator buffer overflow. The channel is bounded;
// unread advisories are dropped.
func (s *Session) Advisories() <-chan GapAdvisory {
	return s.advisories
}

// CreateOrFindRoom resolves the canonical room for the authenticated
// user and other, then subscribes to its topic so delivery starts
// immediately.
func (s *Session) CreateOrFindRoom(ctx context.Context, other string) (*domain.Room, error) {
	self := s.mux.UserID()
	room, err := s.api.CreateOrFindRoom(ctx, self, other)
	if err != nil {
		return nil, err
	}
	if err := s.SubscribeRoom(ctx, room.ID); err != nil {
		return nil, err
	}
	return room, nil
}

// SubscribeRoom subscribes to a room's topic and begins tracking its
// watermark for reconnect catch-up. Idempotent per room.
func (s *Session) SubscribeRoom(ctx context.Context, roomID string) error {
	topic := domain.RoomTopic(roomID)

	s.mu.Lock()
	_, held := s.roomHandles[roomID]
	s.mu.Unlock()
	if held {
		return nil
	}

	handle, err := s.subs.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	s.dedup.Track(roomID)

	s.mu.Lock()
	s.roomHandles[roomID] = handle
	s.mu.Unlock()
	return nil
}

// UnsubscribeRoom releases interest in a room's topic.
func (s *Session) UnsubscribeRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	handle, ok := s.roomHandles[roomID]
	delete(s.roomHandles, roomID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.subs.Unsubscribe(ctx, handle)
}

// Subscribe registers interest in an arbitrary topic.
func (s *Session) Subscribe(ctx context.Context, topic string) (SubscriptionHandle, error) {
	return s.subs.Subscribe(ctx, topic)
}

// Unsubscribe releases a handle from Subscribe.
func (s *Session) Unsubscribe(ctx context.Context, handle SubscriptionHandle) error {
	return s.subs.Unsubscribe(ctx, handle)
}

// Publish sends a chat message over the live transport. Returns
// ErrNotConnected when the transport is down and the outbound queue
// cannot hold the frame.
func (s *Session) Publish(roomID, content string) error {
	return s.mux.Publish(domain.RoomTopic(roomID), domain.ChatPayload{Content: content})
}

// SendMessage publishes over the live transport, falling back to the
// persistence store's direct write when the transport rejects it. The
// fallback write still reaches this client through the deliver fan-out
// or the next catch-up fetch.
func (s *Session) SendMessage(ctx context.Context, roomID, content string) error {
	err := s.Publish(roomID, content)
	if err == nil {
		return nil
	}
	if err != ErrNotConnected {
		return err
	}
	_, err = s.api.PersistMessage(ctx, roomID, s.mux.UserID(), content)
	return err
}

// ListRooms returns the authenticated user's rooms with previews.
func (s *Session) ListRooms(ctx context.Context) ([]domain.RoomSummary, error) {
	return s.api.ListRoomsForUser(ctx, s.mux.UserID())
}

// MarkRead marks a room's messages read for the authenticated user.
func (s *Session) MarkRead(ctx context.Context, roomID string) error {
	return s.api.MarkRead(ctx, roomID, s.mux.UserID())
}

// OnMessage registers a handler for a room's de-duplicated stream.
// Pass roomID "" to receive every room's messages.
func (s *Session) OnMessage(roomID string, fn MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roomID == "" {
		s.anyHandlers = append(s.anyHandlers, fn)
		return
	}
	s.roomHandlers[roomID] = append(s.roomHandlers[roomID], fn)
}

// OnPresenceChange registers a handler for presence updates.
func (s *Session) OnPresenceChange(fn PresenceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceFns = append(s.presenceFns, fn)
}

// JoinPresence subscribes to the presence broadcast topic. The broker
// replays the current snapshot onto this session's user queue.
func (s *Session) JoinPresence(ctx context.Context) error {
	s.mu.Lock()
	already := s.presenceHandle.topic != ""
	s.mu.Unlock()
	if already {
		return nil
	}

	handle, err := s.subs.Subscribe(ctx, domain.TopicPresenceNearby)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.presenceHandle = handle
	s.mu.Unlock()
	return nil
}

// LeavePresence unsubscribes from the presence topic and tells the
// broker to drop this user's record.
func (s *Session) LeavePresence(ctx context.Context) error {
	s.mu.Lock()
	handle := s.presenceHandle
	s.presenceHandle = SubscriptionHandle{}
	s.mu.Unlock()

	if err := s.mux.send(&domain.Frame{Type: domain.FramePresenceLeave}); err != nil && err != ErrNotConnected {
		return err
	}
	if handle.topic == "" {
		return nil
	}
	return s.subs.Unsubscribe(ctx, handle)
}

// UpdatePresence sends a presence ping with this user's current state.
func (s *Session) UpdatePresence(displayName string, position *domain.Position, status domain.PresenceStatus, visible bool) error {
	frame := &domain.Frame{Type: domain.FramePresencePing}
	rec := domain.PresenceRecord{
		DisplayName: displayName,
		Position:    position,
		Status:      status,
		Visible:     visible,
	}
	if err := frame.SetPayload(rec); err != nil {
		return err
	}
	return s.mux.send(frame)
}

// PresenceSnapshot returns this session's current view of visible
// users, built from the broker's snapshot replay plus live updates.
func (s *Session) PresenceSnapshot() []domain.PresenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PresenceRecord, 0, len(s.presenceView))
	for _, rec := range s.presenceView {
		out = append(out, rec)
	}
	return out
}

func (s *Session) handleDeliver(frame *domain.Frame) {
	if frame.Type != domain.FrameDeliver {
		return
	}
	var payload domain.ChatPayload
	if err := frame.UnmarshalPayload(&payload); err != nil {
		log.L().Warn().Str(log.FieldRoomID, frame.RoomID).Msg("malformed deliver payload")
		return
	}
	msg := domain.Message{
		RoomID:   frame.RoomID,
		Seq:      frame.Seq,
		SenderID: frame.SenderID,
		Content:  payload.Content,
		SentAt:   frame.Timestamp,
	}
	s.deliver(msg)
}

// deliver funnels a message through the deduplicator and out to the
// registered handlers under deliverMu. Both the dispatch goroutine and
// the supervisor's catch-up workers enter here, so a room's messages
// reach handlers in watermark order no matter how the two paths
// overlap during a reconnect.
func (s *Session) deliver(msg domain.Message) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, ready := range s.dedup.Observe(msg) {
		s.emitMessage(ready)
	}
}

func (s *Session) handlePresence(frame *domain.Frame) {
	if frame.Type != domain.FramePresence {
		return
	}
	s.ingestPresence(frame)
}

// handleUserQueue consumes the private queue: presence snapshot replay
// and room_created notifications, which trigger auto-subscribe.
func (s *Session) handleUserQueue(frame *domain.Frame) {
	switch frame.Type {
	case domain.FramePresence:
		s.ingestPresence(frame)
	case domain.FrameRoomCreated:
		var payload domain.RoomCreatedPayload
		if err := frame.UnmarshalPayload(&payload); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
		defer cancel()
		if err := s.SubscribeRoom(ctx, payload.Room.ID); err != nil {
			log.L().Warn().Err(err).Str(log.FieldRoomID, payload.Room.ID).Msg("auto-subscribe failed")
		}
	}
}

func (s *Session) ingestPresence(frame *domain.Frame) {
	var rec domain.PresenceRecord
	if err := frame.UnmarshalPayload(&rec); err != nil || rec.UserID == "" {
		return
	}

	s.mu.Lock()
	var change *domain.PresenceRecord
	if rec.Status == domain.PresenceOffline {
		delete(s.presenceView, rec.UserID)
	} else {
		s.presenceView[rec.UserID] = rec
		change = &rec
	}
	fns := make([]PresenceHandler, len(s.presenceFns))
	copy(fns, s.presenceFns)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(rec.UserID, change)
	}
}

func (s *Session) emitMessage(msg domain.Message) {
	s.mu.Lock()
	fns := make([]MessageHandler, 0, len(s.roomHandlers[msg.RoomID])+len(s.anyHandlers))
	fns = append(fns, s.roomHandlers[msg.RoomID]...)
	fns = append(fns, s.anyHandlers...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (s *Session) emitAdvisory(adv GapAdvisory) {
	select {
	case s.advisories <- adv:
	default:
	}
}

func (s *Session) setTerminal(err error) {
	s.mu.Lock()
	s.terminalErr = err
	s.mu.Unlock()
}
