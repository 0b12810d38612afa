package domain

import "time"

// Room is a conversation between exactly two participants. UserAID and
// UserBID are stored in normalized (sorted) order so that the unordered
// pair maps to a single canonical room.
type Room struct {
	ID        string    `json:"id"`
	UserAID   string    `json:"user_a_id"`
	UserBID   string    `json:"user_b_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Other returns the participant that is not userID.
func (r *Room) Other(userID string) string {
	if r.UserAID == userID {
		return r.UserBID
	}
	return r.UserAID
}

// HasParticipant reports whether userID belongs to the room.
func (r *Room) HasParticipant(userID string) bool {
	return r.UserAID == userID || r.UserBID == userID
}

// RoomSummary is a room plus its list-preview fields.
type RoomSummary struct {
	Room
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
}

// Message belongs to exactly one room. Seq is the per-room monotonic
// sequence number assigned by the store at persist time; messages are
// immutable once created.
type Message struct {
	RoomID   string    `json:"room_id"`
	Seq      uint64    `json:"seq"`
	SenderID string    `json:"sender_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}
