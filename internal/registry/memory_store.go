package registry

import (
	"context"
	"sync"

	"github.com/imhypeboy/haksamate-live/internal/domain"
)

// MemoryStore implements Store with an in-process map. Used for local
// development and tests; the mutex-guarded insert gives the same
// pair-key atomicity the database unique index gives GormStore.
type MemoryStore struct {
	mu    sync.Mutex
	byKey map[string]*domain.Room
	byID  map[string]*domain.Room
}

// NewMemoryStore creates an empty in-memory room store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[string]*domain.Room),
		byID:  make(map[string]*domain.Room),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, room *domain.Room) error {
	key, err := PairKey(room.UserAID, room.UserBID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[key]; exists {
		return ErrDuplicatePair
	}

	cp := *room
	s.byKey[key] = &cp
	s.byID[room.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByPairKey(ctx context.Context, pairKey string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.byKey[pairKey]
	if !ok {
		return nil, ErrRoomNotFound
	}
	cp := *room
	return &cp, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.byID[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	cp := *room
	return &cp, nil
}
