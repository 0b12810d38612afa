package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// insertRetries bounds the seq-collision retry loop in PersistMessage.
const insertRetries = 5

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GORM-backed history store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// PersistMessage appends a message to the room's stream. The sequence
// number is max(seq)+1 guarded by the unique (room_id, seq) index:
// concurrent writers that collide on a seq retry with a fresh read, so
// sequence numbers are strictly increasing with no reuse.
func (s *GormStore) PersistMessage(ctx context.Context, roomID, senderID, content string) (*domain.Message, error) {
	l := log.Ctx(ctx)

	var room domain.RoomModel
	if err := s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var lastErr error
	for attempt := 0; attempt < insertRetries; attempt++ {
		var maxSeq uint64
		row := s.db.WithContext(ctx).Model(&domain.MessageModel{}).
			Where("room_id = ?", roomID).
			Select("COALESCE(MAX(seq), 0)").
			Row()
		if err := row.Scan(&maxSeq); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		model := &domain.MessageModel{
			RoomID:   roomID,
			Seq:      maxSeq + 1,
			SenderID: senderID,
			Content:  content,
			SentAt:   time.Now().UTC(),
		}

		err := s.db.WithContext(ctx).Create(model).Error
		if err == nil {
			now := model.SentAt
			if err := s.db.WithContext(ctx).Model(&domain.RoomModel{}).
				Where("id = ?", roomID).
				Updates(map[string]interface{}{
					"last_message":    content,
					"last_message_at": now,
				}).Error; err != nil {
				l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to update room preview")
			}
			return model.ToDomain(), nil
		}

		if isDuplicateErr(err) {
			lastErr = err
			continue
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return nil, fmt.Errorf("%w: seq contention: %v", ErrStoreUnavailable, lastErr)
}

// FetchMessagesSince returns the room's messages with seq > afterSeq in
// ascending sequence order.
func (s *GormStore) FetchMessagesSince(ctx context.Context, roomID string, afterSeq uint64) ([]domain.Message, error) {
	var models []domain.MessageModel
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND seq > ?", roomID, afterSeq).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	messages := make([]domain.Message, len(models))
	for i := range models {
		messages[i] = *models[i].ToDomain()
	}
	return messages, nil
}

// ListRoomsForUser returns every room the user participates in, with the
// last-message preview and unread count for list rendering.
func (s *GormStore) ListRoomsForUser(ctx context.Context, userID string) ([]domain.RoomSummary, error) {
	var models []domain.RoomModel
	err := s.db.WithContext(ctx).
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	summaries := make([]domain.RoomSummary, 0, len(models))
	for i := range models {
		m := &models[i]

		var unread int64
		if err := s.db.WithContext(ctx).Model(&domain.MessageModel{}).
			Where("room_id = ? AND sender_id <> ? AND is_read = ?", m.ID, userID, false).
			Count(&unread).Error; err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		summaries = append(summaries, domain.RoomSummary{
			Room:          *m.ToDomain(),
			LastMessage:   m.LastMessage,
			LastMessageAt: m.LastMessageAt,
			UnreadCount:   int(unread),
		})
	}
	return summaries, nil
}

// MarkRead marks every message in the room not sent by readerID as read.
func (s *GormStore) MarkRead(ctx context.Context, roomID, readerID string) error {
	err := s.db.WithContext(ctx).Model(&domain.MessageModel{}).
		Where("room_id = ? AND sender_id <> ?", roomID, readerID).
		Update("is_read", true).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteRoom removes a room and all of its messages.
func (s *GormStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&domain.MessageModel{}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		result := tx.Where("id = ?", roomID).Delete(&domain.RoomModel{})
		if result.Error != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrRoomNotFound
		}
		return nil
	})
}

func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}
