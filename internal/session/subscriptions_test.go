package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func offlineMux(t *testing.T) *Multiplexer {
	t.Helper()
	m := NewMultiplexer(Config{BrokerURL: "ws://127.0.0.1:1/ws"}, clockwork.NewFakeClock())
	t.Cleanup(m.Close)
	return m
}

// While disconnected, Subscribe only records desired state; the
// transport subscription happens on replay.
func TestSubscribeWhileDisconnectedRecordsOnly(t *testing.T) {
	subs := NewSubscriptions(offlineMux(t))
	ctx := context.Background()

	h, err := subs.Subscribe(ctx, "room:r1")
	if err != nil {
		t.Fatal(err)
	}
	if h.Topic() != "room:r1" {
		t.Fatalf("handle topic %q", h.Topic())
	}
	if !subs.Holds("room:r1") {
		t.Fatal("desired set missing the topic")
	}
}

func TestSubscribeRefCounting(t *testing.T) {
	subs := NewSubscriptions(offlineMux(t))
	ctx := context.Background()

	h1, _ := subs.Subscribe(ctx, "room:r1")
	h2, _ := subs.Subscribe(ctx, "room:r1")

	if got := subs.Topics(); len(got) != 1 {
		t.Fatalf("duplicate subscribe produced topics %v", got)
	}

	if err := subs.Unsubscribe(ctx, h1); err != nil {
		t.Fatal(err)
	}
	if !subs.Holds("room:r1") {
		t.Fatal("topic released while a holder remains")
	}

	if err := subs.Unsubscribe(ctx, h2); err != nil {
		t.Fatal(err)
	}
	if subs.Holds("room:r1") {
		t.Fatal("topic still held after last unsubscribe")
	}
}

func TestUnsubscribeUnknownHandleIsNoop(t *testing.T) {
	subs := NewSubscriptions(offlineMux(t))
	if err := subs.Unsubscribe(context.Background(), SubscriptionHandle{}); err != nil {
		t.Fatal(err)
	}
	if err := subs.Unsubscribe(context.Background(), SubscriptionHandle{topic: "room:never"}); err != nil {
		t.Fatal(err)
	}
}

func TestTopicsSorted(t *testing.T) {
	subs := NewSubscriptions(offlineMux(t))
	ctx := context.Background()

	subs.Subscribe(ctx, "room:b")
	subs.Subscribe(ctx, "presence:nearby")
	subs.Subscribe(ctx, "room:a")

	got := subs.Topics()
	want := []string{"presence:nearby", "room:a", "room:b"}
	if len(got) != len(want) {
		t.Fatalf("topics %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("topics %v, want %v", got, want)
		}
	}
}

// Publish on a Disconnected connection must fail fast, not block.
func TestPublishDisconnectedFailsFast(t *testing.T) {
	m := offlineMux(t)

	done := make(chan error, 1)
	go func() {
		done <- m.Publish("room:r1", map[string]string{"content": "x"})
	}()

	select {
	case err := <-done:
		if err != ErrNotConnected {
			t.Fatalf("err = %v, want ErrNotConnected", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Publish blocked while disconnected")
	}
}

// Frames queue while the connection is being rebuilt and the queue
// bound rejects overflow with ErrNotConnected.
func TestPublishQueuesWhileReconnecting(t *testing.T) {
	m := NewMultiplexer(Config{BrokerURL: "ws://127.0.0.1:1/ws", OutboundQueueSize: 2}, clockwork.NewFakeClock())
	t.Cleanup(m.Close)

	m.SetReconnecting()

	if err := m.Publish("room:r1", nil); err != nil {
		t.Fatalf("first queued publish: %v", err)
	}
	if err := m.Publish("room:r1", nil); err != nil {
		t.Fatalf("second queued publish: %v", err)
	}
	if err := m.Publish("room:r1", nil); err != ErrNotConnected {
		t.Fatalf("overflow err = %v, want ErrNotConnected", err)
	}
}
