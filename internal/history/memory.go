package history

import (
	"context"
	"sync"
	"time"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/internal/registry"
)

// MemoryStore implements both history.Store and registry.Store against a
// single in-process data set, so the broker can run without a database
// in local development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]*domain.Room // id -> room
	byKey    map[string]string       // pair key -> room id
	messages map[string][]domain.MessageModel
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]*domain.Room),
		byKey:    make(map[string]string),
		messages: make(map[string][]domain.MessageModel),
	}
}

// Insert implements registry.Store.
func (s *MemoryStore) Insert(ctx context.Context, room *domain.Room) error {
	key, err := registry.PairKey(room.UserAID, room.UserBID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[key]; exists {
		return registry.ErrDuplicatePair
	}

	cp := *room
	s.rooms[room.ID] = &cp
	s.byKey[key] = room.ID
	return nil
}

// GetByPairKey implements registry.Store.
func (s *MemoryStore) GetByPairKey(ctx context.Context, pairKey string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[pairKey]
	if !ok {
		return nil, registry.ErrRoomNotFound
	}
	cp := *s.rooms[id]
	return &cp, nil
}

// GetByID implements registry.Store.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, registry.ErrRoomNotFound
	}
	cp := *room
	return &cp, nil
}

func (s *MemoryStore) PersistMessage(ctx context.Context, roomID, senderID, content string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}

	msgs := s.messages[roomID]
	var maxSeq uint64
	if len(msgs) > 0 {
		maxSeq = msgs[len(msgs)-1].Seq
	}

	model := domain.MessageModel{
		RoomID:   roomID,
		Seq:      maxSeq + 1,
		SenderID: senderID,
		Content:  content,
		SentAt:   time.Now().UTC(),
	}
	s.messages[roomID] = append(msgs, model)

	return model.ToDomain(), nil
}

func (s *MemoryStore) FetchMessagesSince(ctx context.Context, roomID string, afterSeq uint64) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Message
	for _, m := range s.messages[roomID] {
		if m.Seq > afterSeq {
			out = append(out, *m.ToDomain())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRoomsForUser(ctx context.Context, userID string) ([]domain.RoomSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.RoomSummary
	for id, room := range s.rooms {
		if !room.HasParticipant(userID) {
			continue
		}

		summary := domain.RoomSummary{Room: *room}
		msgs := s.messages[id]
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			summary.LastMessage = last.Content
			at := last.SentAt
			summary.LastMessageAt = &at
		}
		for _, m := range msgs {
			if m.SenderID != userID && !m.IsRead {
				summary.UnreadCount++
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, roomID, readerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[roomID]
	for i := range msgs {
		if msgs[i].SenderID != readerID {
			msgs[i].IsRead = true
		}
	}
	return nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}

	key, err := registry.PairKey(room.UserAID, room.UserBID)
	if err == nil {
		delete(s.byKey, key)
	}
	delete(s.rooms, roomID)
	delete(s.messages, roomID)
	return nil
}
