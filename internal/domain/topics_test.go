package domain

import "testing"

func TestRoomTopicRoundTrip(t *testing.T) {
	topic := RoomTopic("abc-123")
	if topic != "room:abc-123" {
		t.Fatalf("unexpected topic %q", topic)
	}

	id, ok := RoomIDFromTopic(topic)
	if !ok || id != "abc-123" {
		t.Fatalf("RoomIDFromTopic(%q) = %q, %v", topic, id, ok)
	}
}

func TestRoomIDFromTopicRejects(t *testing.T) {
	for _, topic := range []string{"", "room:", "user-queue:u1", "presence:nearby"} {
		if _, ok := RoomIDFromTopic(topic); ok {
			t.Errorf("RoomIDFromTopic(%q) should fail", topic)
		}
	}
}

func TestIsUserQueueTopic(t *testing.T) {
	if !IsUserQueueTopic(UserQueueTopic("u1")) {
		t.Fatal("user queue topic not recognized")
	}
	if IsUserQueueTopic(TopicPresenceNearby) {
		t.Fatal("presence topic misclassified as user queue")
	}
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"room:*", "room:abc", true},
		{"room:*", "user-queue:abc", false},
		{"room:abc", "room:abc", true},
		{"room:abc", "room:abcd", false},
		{"presence:nearby", "presence:nearby", true},
		{"user-queue:*", "user-queue:u1", true},
		{"*", "anything", true},
	}
	for _, c := range cases {
		if got := MatchTopic(c.pattern, c.topic); got != c.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}

func TestDistanceKm(t *testing.T) {
	seoul := Position{Latitude: 37.5665, Longitude: 126.9780}
	busan := Position{Latitude: 35.1796, Longitude: 129.0756}

	d := seoul.DistanceKm(busan)
	if d < 300 || d > 340 {
		t.Fatalf("Seoul-Busan distance %f km out of expected range", d)
	}

	if d := seoul.DistanceKm(seoul); d != 0 {
		t.Fatalf("distance to self = %f, want 0", d)
	}
}

func TestFramePayloadRoundTrip(t *testing.T) {
	f := &Frame{Type: FramePublish, Topic: RoomTopic("r1")}
	if err := f.SetPayload(ChatPayload{Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	var got ChatPayload
	if err := f.UnmarshalPayload(&got); err != nil {
		t.Fatal(err)
	}
	if got.Content != "hi" {
		t.Fatalf("payload content %q", got.Content)
	}
}
