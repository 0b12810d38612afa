package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/imhypeboy/haksamate-live/internal/config"
	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/internal/history"
	"github.com/imhypeboy/haksamate-live/internal/identity"
	"github.com/imhypeboy/haksamate-live/internal/presence"
	"github.com/imhypeboy/haksamate-live/internal/registry"
)

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		PingInterval:   10 * time.Second,
		PongWait:       20 * time.Second,
		WriteWait:      5 * time.Second,
		MaxMessageSize: 8192,
	}
}

type testBroker struct {
	server  *httptest.Server
	store   *history.MemoryStore
	reg     *registry.Registry
	tracker *presence.Tracker
	svc     *Service
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()

	store := history.NewMemoryStore()
	reg := registry.New(store, nil)
	tracker := presence.NewTracker(presence.DefaultConfig(), clockwork.NewRealClock())

	hub := NewHub(testWSConfig())
	go hub.Run()

	svc := NewService(hub, reg, store, tracker, identity.InsecureProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	wsHandler := NewWSHandler(hub, svc, testWSConfig())
	server := httptest.NewServer(http.HandlerFunc(wsHandler.HandleWebSocket))

	t.Cleanup(func() {
		server.Close()
		svc.Stop()
		cancel()
	})

	return &testBroker{server: server, store: store, reg: reg, tracker: tracker, svc: svc}
}

func (b *testBroker) wsURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// dial connects and completes the hello handshake as userID. The
// insecure identity provider treats the token as the user id.
func dial(t *testing.T, b *testBroker, userID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	hello := &domain.Frame{Type: domain.FrameHello}
	if err := hello.SetPayload(domain.HelloPayload{Token: userID}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatal(err)
	}

	ack := readFrame(t, conn)
	if ack.Type != domain.FrameHelloAck {
		t.Fatalf("handshake got %q frame", ack.Type)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *domain.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame domain.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	return &frame
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string) {
	t.Helper()
	if err := conn.WriteJSON(&domain.Frame{Type: domain.FrameSubscribe, Topic: topic}); err != nil {
		t.Fatal(err)
	}
	ack := readFrame(t, conn)
	if ack.Type != domain.FrameSubAck || ack.Topic != topic {
		t.Fatalf("subscribe to %q got %q frame for %q", topic, ack.Type, ack.Topic)
	}
}

func TestHelloRejectsEmptyToken(t *testing.T) {
	b := newTestBroker(t)

	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hello := &domain.Frame{Type: domain.FrameHello}
	if err := hello.SetPayload(domain.HelloPayload{Token: ""}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, conn)
	if frame.Type != domain.FrameError || frame.Code != domain.ErrCodeUnauthorized {
		t.Fatalf("got %q/%q, want error/UNAUTHORIZED", frame.Type, frame.Code)
	}
}

func TestSubscribeRequiresHello(t *testing.T) {
	b := newTestBroker(t)

	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(&domain.Frame{Type: domain.FrameSubscribe, Topic: "room:x"}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.Type != domain.FrameError || frame.Code != domain.ErrCodeUnauthorized {
		t.Fatalf("got %q/%q, want error/UNAUTHORIZED", frame.Type, frame.Code)
	}
}

func TestPublishDeliversWithSequence(t *testing.T) {
	b := newTestBroker(t)

	room, err := b.reg.CreateOrFind(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	sender := dial(t, b, "u1")
	receiver := dial(t, b, "u2")

	topic := domain.RoomTopic(room.ID)
	subscribe(t, sender, topic)
	subscribe(t, receiver, topic)

	for i, content := range []string{"one", "two", "three"} {
		pub := &domain.Frame{Type: domain.FramePublish, Topic: topic}
		if err := pub.SetPayload(domain.ChatPayload{Content: content}); err != nil {
			t.Fatal(err)
		}
		if err := sender.WriteJSON(pub); err != nil {
			t.Fatal(err)
		}

		deliver := readFrame(t, receiver)
		if deliver.Type != domain.FrameDeliver {
			t.Fatalf("got %q frame, want deliver", deliver.Type)
		}
		if deliver.Seq != uint64(i+1) {
			t.Fatalf("seq = %d, want %d", deliver.Seq, i+1)
		}
		if deliver.SenderID != "u1" || deliver.RoomID != room.ID {
			t.Fatalf("deliver frame %+v", deliver)
		}

		var payload domain.ChatPayload
		if err := deliver.UnmarshalPayload(&payload); err != nil {
			t.Fatal(err)
		}
		if payload.Content != content {
			t.Fatalf("content = %q, want %q", payload.Content, content)
		}
	}
}

func TestPublishRejectsNonParticipant(t *testing.T) {
	b := newTestBroker(t)

	room, err := b.reg.CreateOrFind(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	outsider := dial(t, b, "u3")
	topic := domain.RoomTopic(room.ID)
	subscribe(t, outsider, topic)

	pub := &domain.Frame{Type: domain.FramePublish, Topic: topic}
	if err := pub.SetPayload(domain.ChatPayload{Content: "intrusion"}); err != nil {
		t.Fatal(err)
	}
	if err := outsider.WriteJSON(pub); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, outsider)
	if frame.Type != domain.FrameError || frame.Code != domain.ErrCodeUnauthorized {
		t.Fatalf("got %q/%q, want error/UNAUTHORIZED", frame.Type, frame.Code)
	}
}

func TestPresencePingFansOut(t *testing.T) {
	b := newTestBroker(t)

	watcher := dial(t, b, "watcher")
	mover := dial(t, b, "mover")

	subscribe(t, watcher, domain.TopicPresenceNearby)

	ping := &domain.Frame{Type: domain.FramePresencePing}
	rec := domain.PresenceRecord{
		DisplayName: "Mover",
		Position:    &domain.Position{Latitude: 37.0, Longitude: 127.0},
		Status:      domain.PresenceOnline,
		Visible:     true,
	}
	if err := ping.SetPayload(rec); err != nil {
		t.Fatal(err)
	}
	if err := mover.WriteJSON(ping); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, watcher)
	if frame.Type != domain.FramePresence {
		t.Fatalf("got %q frame, want presence", frame.Type)
	}

	var got domain.PresenceRecord
	if err := frame.UnmarshalPayload(&got); err != nil {
		t.Fatal(err)
	}
	// The connection identity wins over anything in the payload.
	if got.UserID != "mover" {
		t.Fatalf("presence user = %q, want mover", got.UserID)
	}
}

func TestPresenceLeaveBroadcastsOffline(t *testing.T) {
	b := newTestBroker(t)

	watcher := dial(t, b, "watcher")
	mover := dial(t, b, "mover")
	subscribe(t, watcher, domain.TopicPresenceNearby)

	ping := &domain.Frame{Type: domain.FramePresencePing}
	if err := ping.SetPayload(domain.PresenceRecord{Status: domain.PresenceOnline, Visible: true}); err != nil {
		t.Fatal(err)
	}
	if err := mover.WriteJSON(ping); err != nil {
		t.Fatal(err)
	}
	readFrame(t, watcher) // join

	if err := mover.WriteJSON(&domain.Frame{Type: domain.FramePresenceLeave}); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, watcher)
	var got domain.PresenceRecord
	if err := frame.UnmarshalPayload(&got); err != nil {
		t.Fatal(err)
	}
	if got.UserID != "mover" || got.Status != domain.PresenceOffline {
		t.Fatalf("leave broadcast %+v, want offline marker for mover", got)
	}
}

func TestRoomCreatedPushedToUserQueues(t *testing.T) {
	b := newTestBroker(t)

	u1 := dial(t, b, "u1")

	// The hello auto-subscribes the user queue, so the room_created
	// notification arrives without an explicit subscribe.
	if _, err := b.reg.CreateOrFind(context.Background(), "u1", "u2"); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, u1)
	if frame.Type != domain.FrameRoomCreated {
		t.Fatalf("got %q frame, want room_created", frame.Type)
	}
	var payload domain.RoomCreatedPayload
	if err := frame.UnmarshalPayload(&payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Room.HasParticipant("u1") || !payload.Room.HasParticipant("u2") {
		t.Fatalf("room payload %+v", payload.Room)
	}
}

func TestPingPongFrame(t *testing.T) {
	b := newTestBroker(t)
	conn := dial(t, b, "u1")

	if err := conn.WriteJSON(&domain.Frame{Type: domain.FramePing}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.Type != domain.FramePong {
		t.Fatalf("got %q frame, want pong", frame.Type)
	}
}

// Unsubscribing a topic the connection never subscribed yields a
// NOT_SUBSCRIBED error frame. A held subscription still acks, and a
// repeat unsubscribe of the same topic errors.
func TestUnsubscribeUnknownTopicErrors(t *testing.T) {
	b := newTestBroker(t)
	conn := dial(t, b, "u1")

	if err := conn.WriteJSON(&domain.Frame{Type: domain.FrameUnsubscribe, Topic: "room:ghost"}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.Type != domain.FrameError || frame.Code != domain.ErrCodeNotSubscribed {
		t.Fatalf("got %q frame with code %q, want error with %q", frame.Type, frame.Code, domain.ErrCodeNotSubscribed)
	}

	subscribe(t, conn, "room:r1")
	if err := conn.WriteJSON(&domain.Frame{Type: domain.FrameUnsubscribe, Topic: "room:r1"}); err != nil {
		t.Fatal(err)
	}
	frame = readFrame(t, conn)
	if frame.Type != domain.FrameUnsubAck || frame.Topic != "room:r1" {
		t.Fatalf("got %q frame for %q, want unsub_ack", frame.Type, frame.Topic)
	}

	if err := conn.WriteJSON(&domain.Frame{Type: domain.FrameUnsubscribe, Topic: "room:r1"}); err != nil {
		t.Fatal(err)
	}
	frame = readFrame(t, conn)
	if frame.Type != domain.FrameError || frame.Code != domain.ErrCodeNotSubscribed {
		t.Fatalf("repeat unsubscribe got %q with code %q", frame.Type, frame.Code)
	}
}
