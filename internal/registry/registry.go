package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// Registry owns the mapping between a participant pair and its single
// canonical room. Creation is a compare-and-swap on the normalized pair
// key: racing callers all resolve to the row the first writer inserted.
type Registry struct {
	store Store
	cache *Cache

	sf singleflight.Group

	mu        sync.RWMutex
	onCreated []func(*domain.Room)
}

// New creates a registry backed by store. cache may be nil.
func New(store Store, cache *Cache) *Registry {
	return &Registry{store: store, cache: cache}
}

// OnRoomCreated registers a hook fired exactly once per room, by the
// caller that won the creation race.
func (r *Registry) OnRoomCreated(fn func(*domain.Room)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreated = append(r.onCreated, fn)
}

// PairKey normalizes an unordered participant pair to its canonical key.
func PairKey(a, b string) (string, error) {
	if a == "" || b == "" || a == b {
		return "", ErrInvalidParticipant
	}
	if b < a {
		a, b = b, a
	}
	return a + ":" + b, nil
}

// CreateOrFind resolves the canonical room for the unordered pair (a, b),
// creating it if absent. Concurrent calls for the same pair, from either
// side, all return the same room.
func (r *Registry) CreateOrFind(ctx context.Context, a, b string) (*domain.Room, error) {
	key, err := PairKey(a, b)
	if err != nil {
		return nil, err
	}

	// Collapse in-process racers onto one store round-trip.
	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		return r.createOrFind(ctx, key, a, b)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Room), nil
}

func (r *Registry) createOrFind(ctx context.Context, key, a, b string) (*domain.Room, error) {
	l := log.Ctx(ctx)

	if r.cache != nil {
		if room, ok := r.cache.Get(ctx, key); ok {
			return room, nil
		}
	}

	room, err := r.store.GetByPairKey(ctx, key)
	if err == nil {
		r.cacheSet(ctx, key, room)
		return room, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return nil, err
	}

	if a > b {
		a, b = b, a
	}
	room = &domain.Room{
		ID:        uuid.New().String(),
		UserAID:   a,
		UserBID:   b,
		CreatedAt: time.Now().UTC(),
	}

	err = r.store.Insert(ctx, room)
	if err == nil {
		l.Info().Str(log.FieldRoomID, room.ID).Str("pair_key", key).Msg("room created")
		r.cacheSet(ctx, key, room)
		r.fireCreated(room)
		return room, nil
	}

	// Another writer won the pair-key race; their row is canonical.
	if errors.Is(err, ErrDuplicatePair) {
		l.Debug().Str("pair_key", key).Msg("room creation race lost, fetching winner")
		room, err = r.store.GetByPairKey(ctx, key)
		if err != nil {
			return nil, err
		}
		r.cacheSet(ctx, key, room)
		return room, nil
	}

	return nil, err
}

// GetByID returns the room with the given id.
func (r *Registry) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	return r.store.GetByID(ctx, id)
}

func (r *Registry) cacheSet(ctx context.Context, key string, room *domain.Room) {
	if r.cache != nil {
		r.cache.Set(ctx, key, room)
	}
}

func (r *Registry) fireCreated(room *domain.Room) {
	r.mu.RLock()
	hooks := make([]func(*domain.Room), len(r.onCreated))
	copy(hooks, r.onCreated)
	r.mu.RUnlock()

	for _, fn := range hooks {
		fn(room)
	}
}
