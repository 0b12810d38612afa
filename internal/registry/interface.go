package registry

import (
	"context"
	"errors"

	"github.com/imhypeboy/haksamate-live/internal/domain"
)

var (
	// ErrInvalidParticipant is returned for empty or self-pair participants.
	ErrInvalidParticipant = errors.New("invalid participant")

	// ErrRegistryUnavailable is returned when the backing store cannot be
	// reached. Callers must retry with backoff, never create a second room.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrRoomNotFound is returned when no room exists for the given key.
	ErrRoomNotFound = errors.New("room not found")

	// ErrDuplicatePair is returned by Store.Insert when another writer won
	// the race for the same pair key.
	ErrDuplicatePair = errors.New("duplicate pair key")
)

// Store persists rooms keyed by their normalized participant pair.
// Insert must be atomic with respect to the pair key: the second insert
// for the same key fails with ErrDuplicatePair instead of creating a
// duplicate row.
type Store interface {
	Insert(ctx context.Context, room *domain.Room) error
	GetByPairKey(ctx context.Context, pairKey string) (*domain.Room, error)
	GetByID(ctx context.Context, id string) (*domain.Room, error)
}
