package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GORM-backed room store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Insert(ctx context.Context, room *domain.Room) error {
	l := log.Ctx(ctx)

	key, err := PairKey(room.UserAID, room.UserBID)
	if err != nil {
		return err
	}

	model := &domain.RoomModel{
		ID:        room.ID,
		PairKey:   key,
		UserAID:   room.UserAID,
		UserBID:   room.UserBID,
		CreatedAt: room.CreatedAt,
	}

	result := s.db.WithContext(ctx).Create(model)
	if result.Error != nil {
		if isDuplicateErr(result.Error) {
			return ErrDuplicatePair
		}
		l.Error().Err(result.Error).Msg("failed to insert room")
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, result.Error)
	}

	room.CreatedAt = model.CreatedAt
	return nil
}

func (s *GormStore) GetByPairKey(ctx context.Context, pairKey string) (*domain.Room, error) {
	var model domain.RoomModel
	result := s.db.WithContext(ctx).First(&model, "pair_key = ?", pairKey)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, result.Error)
	}
	return model.ToDomain(), nil
}

func (s *GormStore) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	var model domain.RoomModel
	result := s.db.WithContext(ctx).First(&model, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, result.Error)
	}
	return model.ToDomain(), nil
}

// isDuplicateErr detects a unique-constraint violation across drivers.
func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}
