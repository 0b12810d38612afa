package domain

import "time"

// RoomModel is the GORM persistence model for rooms. The unique index on
// PairKey is what turns concurrent create-or-find races into a single
// canonical row.
type RoomModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	PairKey       string `gorm:"uniqueIndex;size:80;not null"`
	UserAID       string `gorm:"size:36;index;not null"`
	UserBID       string `gorm:"size:36;index;not null"`
	CreatedAt     time.Time
	LastMessage   string `gorm:"size:512"`
	LastMessageAt *time.Time
}

func (RoomModel) TableName() string { return "chat_rooms" }

// ToDomain converts the model to a domain room.
func (m *RoomModel) ToDomain() *Room {
	return &Room{
		ID:        m.ID,
		UserAID:   m.UserAID,
		UserBID:   m.UserBID,
		CreatedAt: m.CreatedAt,
	}
}

// MessageModel is the GORM persistence model for messages. (RoomID, Seq)
// is unique; Seq is assigned inside the persist transaction.
type MessageModel struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	RoomID   string `gorm:"size:36;not null;uniqueIndex:idx_room_seq,priority:1"`
	Seq      uint64 `gorm:"not null;uniqueIndex:idx_room_seq,priority:2"`
	SenderID string `gorm:"size:36;index;not null"`
	Content  string `gorm:"size:4096"`
	SentAt   time.Time
	IsRead   bool
}

func (MessageModel) TableName() string { return "chat_messages" }

// ToDomain converts the model to a domain message.
func (m *MessageModel) ToDomain() *Message {
	return &Message{
		RoomID:   m.RoomID,
		Seq:      m.Seq,
		SenderID: m.SenderID,
		Content:  m.Content,
		SentAt:   m.SentAt,
	}
}
