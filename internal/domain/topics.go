package domain

import "strings"

// Topic naming conventions for the realtime transport.
const (
	// TopicPresenceNearby carries presence updates for every visible user.
	TopicPresenceNearby = "presence:nearby"

	roomTopicPrefix      = "room:"
	userQueueTopicPrefix = "user-queue:"
)

// RoomTopic returns the topic for a conversation room.
func RoomTopic(roomID string) string {
	return roomTopicPrefix + roomID
}

// UserQueueTopic returns the private per-user queue topic.
func UserQueueTopic(userID string) string {
	return userQueueTopicPrefix + userID
}

// RoomIDFromTopic extracts the room id from a room topic.
func RoomIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, roomTopicPrefix) {
		return "", false
	}
	id := topic[len(roomTopicPrefix):]
	return id, id != ""
}

// IsUserQueueTopic reports whether topic is a per-user queue.
func IsUserQueueTopic(topic string) bool {
	return strings.HasPrefix(topic, userQueueTopicPrefix)
}

// MatchTopic reports whether a handler pattern matches a concrete topic.
// A pattern is either an exact topic name or a prefix followed by "*"
// (e.g. "room:*" matches every room topic).
func MatchTopic(pattern, topic string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return pattern == topic
}
