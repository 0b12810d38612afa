package history

import (
	"context"
	"errors"

	"github.com/imhypeboy/haksamate-live/internal/domain"
)

var (
	// ErrRoomNotFound is returned when the target room does not exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached.
	ErrStoreUnavailable = errors.New("history store unavailable")
)

// Store is the message persistence boundary. PersistMessage assigns the
// per-room monotonic sequence number; FetchMessagesSince is the catch-up
// path used to backfill messages missed while disconnected.
type Store interface {
	PersistMessage(ctx context.Context, roomID, senderID, content string) (*domain.Message, error)
	FetchMessagesSince(ctx context.Context, roomID string, afterSeq uint64) ([]domain.Message, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]domain.RoomSummary, error)
	MarkRead(ctx context.Context, roomID, readerID string) error
	DeleteRoom(ctx context.Context, roomID string) error
}
