package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/imhypeboy/haksamate-live/internal/broker"
	"github.com/imhypeboy/haksamate-live/internal/config"
	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/internal/history"
	"github.com/imhypeboy/haksamate-live/internal/identity"
	"github.com/imhypeboy/haksamate-live/internal/presence"
	"github.com/imhypeboy/haksamate-live/internal/registry"
)

type testServer struct {
	server  *httptest.Server
	store   *history.MemoryStore
	reg     *registry.Registry
	svc     *broker.Service
	tracker *presence.Tracker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	wsCfg := config.WebSocketConfig{
		PingInterval:   10 * time.Second,
		PongWait:       20 * time.Second,
		WriteWait:      5 * time.Second,
		MaxMessageSize: 8192,
	}

	store := history.NewMemoryStore()
	reg := registry.New(store, nil)
	tracker := presence.NewTracker(presence.DefaultConfig(), clockwork.NewRealClock())

	hub := broker.NewHub(wsCfg)
	go hub.Run()

	svc := broker.NewService(hub, reg, store, tracker, identity.InsecureProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	wsHandler := broker.NewWSHandler(hub, svc, wsCfg)
	broker.NewHTTPHandler(reg, store, tracker, svc, wsHandler).RegisterRoutes(r)

	server := httptest.NewServer(r)
	t.Cleanup(func() {
		server.Close()
		svc.Stop()
		cancel()
	})

	return &testServer{server: server, store: store, reg: reg, svc: svc, tracker: tracker}
}

func (ts *testServer) sessionConfig(token string) Config {
	return Config{
		BrokerURL:       "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws",
		APIBaseURL:      ts.server.URL,
		Token:           token,
		MinBackoff:      200 * time.Millisecond,
		MaxBackoff:      time.Second,
		StabilityWindow: 50 * time.Millisecond,
		MaxAttempts:     20,
		MaxElapsed:      time.Minute,
	}
}

// publishServerSide persists a message with its broker-assigned
// sequence and fans it out to live subscribers.
func (ts *testServer) publishServerSide(t *testing.T, roomID, sender, content string) {
	t.Helper()
	msg, err := ts.store.PersistMessage(context.Background(), roomID, sender, content)
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.svc.BroadcastMessage(msg); err != nil {
		t.Fatal(err)
	}
}

type collector struct {
	mu   sync.Mutex
	seqs []uint64
}

func (c *collector) add(msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = append(c.seqs, msg.Seq)
}

func (c *collector) snapshot() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.seqs))
	copy(out, c.seqs)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []uint64 {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %v", n, c.snapshot())
	return nil
}

func TestConnectHandshake(t *testing.T) {
	ts := newTestServer(t)
	sess := New(ts.sessionConfig("u1"), nil)
	t.Cleanup(sess.Close)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sess.State() != StateConnected {
		t.Fatalf("state = %v, want connected", sess.State())
	}
	if sess.UserID() != "u1" {
		t.Fatalf("user id = %q, want u1", sess.UserID())
	}
}

func TestCreateOrFindRoomAndPublish(t *testing.T) {
	ts := newTestServer(t)

	sess := New(ts.sessionConfig("u1"), nil)
	t.Cleanup(sess.Close)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	room, err := sess.CreateOrFindRoom(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}

	var col collector
	sess.OnMessage(room.ID, col.add)

	// Subscribed publishers receive their own messages.
	if err := sess.Publish(room.ID, "hello"); err != nil {
		t.Fatal(err)
	}

	got := col.waitFor(t, 1)
	if got[0] != 1 {
		t.Fatalf("first seq = %d, want 1", got[0])
	}
}

// Connect, receive 1-3, drop the transport, let the server queue 4-6,
// reconnect: the observed stream must be exactly [1..6] with no gaps
// or duplicates.
func TestReconnectConvergence(t *testing.T) {
	ts := newTestServer(t)

	room, err := ts.reg.CreateOrFind(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	sess := New(ts.sessionConfig("u1"), nil)
	t.Cleanup(sess.Close)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.SubscribeRoom(context.Background(), room.ID); err != nil {
		t.Fatal(err)
	}

	var col collector
	sess.OnMessage(room.ID, col.add)

	for _, content := range []string{"m1", "m2", "m3"} {
		ts.publishServerSide(t, room.ID, "u2", content)
	}
	col.waitFor(t, 3)

	// Tear the transport out from under the session.
	sess.mux.signalLost(errors.New("cable pulled"))

	// Messages land while the client is away.
	for _, content := range []string{"m4", "m5", "m6"} {
		ts.publishServerSide(t, room.ID, "u2", content)
	}

	got := col.waitFor(t, 6)
	want := []uint64{1, 2, 3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("stream = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stream = %v, want %v", got, want)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for sess.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sess.State() != StateConnected {
		t.Fatalf("state = %v after reconnect, want connected", sess.State())
	}
}

// A publish queued mid-reconnect flushes once the connection is
// restored and comes back with the next sequence number.
func TestPublishQueuedDuringReconnectFlushes(t *testing.T) {
	ts := newTestServer(t)

	room, err := ts.reg.CreateOrFind(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	sess := New(ts.sessionConfig("u1"), nil)
	t.Cleanup(sess.Close)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.SubscribeRoom(context.Background(), room.ID); err != nil {
		t.Fatal(err)
	}

	var col collector
	sess.OnMessage(room.ID, col.add)

	sess.mux.signalLost(errors.New("cable pulled"))

	// Wait for the supervisor to take over so the publish queues
	// instead of failing fast.
	deadline := time.Now().Add(5 * time.Second)
	for sess.State() != StateReconnecting && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sess.State() != StateReconnecting {
		t.Fatalf("state = %v, want reconnecting", sess.State())
	}

	if err := sess.Publish(room.ID, "queued while away"); err != nil {
		t.Fatalf("publish while reconnecting: %v", err)
	}

	got := col.waitFor(t, 1)
	if got[0] != 1 {
		t.Fatalf("flushed publish seq = %d, want 1", got[0])
	}
}

// After an explicit Disconnect, Publish fails fast and SendMessage
// falls back to the direct-write path.
func TestSendMessageFallsBackWhenDisconnected(t *testing.T) {
	ts := newTestServer(t)

	room, err := ts.reg.CreateOrFind(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	sess := New(ts.sessionConfig("u1"), nil)
	t.Cleanup(sess.Close)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess.Disconnect()

	start := time.Now()
	if err := sess.Publish(room.ID, "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("publish err = %v, want ErrNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish took %v, want immediate failure", elapsed)
	}

	if err := sess.SendMessage(context.Background(), room.ID, "via fallback"); err != nil {
		t.Fatal(err)
	}

	msgs, err := ts.store.FetchMessagesSince(context.Background(), room.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "via fallback" || msgs[0].SenderID != "u1" {
		t.Fatalf("fallback write missing: %v", msgs)
	}
}

func TestPresenceFlow(t *testing.T) {
	ts := newTestServer(t)

	watcher := New(ts.sessionConfig("watcher"), nil)
	t.Cleanup(watcher.Close)
	if err := watcher.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := watcher.JoinPresence(context.Background()); err != nil {
		t.Fatal(err)
	}

	type change struct {
		userID string
		gone   bool
	}
	changes := make(chan change, 16)
	watcher.OnPresenceChange(func(userID string, rec *domain.PresenceRecord) {
		changes <- change{userID: userID, gone: rec == nil}
	})

	mover := New(ts.sessionConfig("mover"), nil)
	t.Cleanup(mover.Close)
	if err := mover.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	pos := &domain.Position{Latitude: 37.0, Longitude: 127.0}
	if err := mover.UpdatePresence("Mover", pos, domain.PresenceOnline, true); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		if c.userID != "mover" || c.gone {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("presence join never arrived")
	}

	snap := watcher.PresenceSnapshot()
	if len(snap) != 1 || snap[0].UserID != "mover" {
		t.Fatalf("snapshot = %v", snap)
	}

	if err := mover.LeavePresence(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		if c.userID != "mover" || !c.gone {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("presence leave never arrived")
	}
	if snap := watcher.PresenceSnapshot(); len(snap) != 0 {
		t.Fatalf("snapshot after leave = %v", snap)
	}
}

func TestListRoomsAndMarkRead(t *testing.T) {
	ts := newTestServer(t)

	sess := New(ts.sessionConfig("u1"), nil)
	t.Cleanup(sess.Close)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	room, err := sess.CreateOrFindRoom(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	ts.publishServerSide(t, room.ID, "u2", "unread one")

	rooms, err := sess.ListRooms(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].UnreadCount != 1 || rooms[0].LastMessage != "unread one" {
		t.Fatalf("rooms = %+v", rooms)
	}

	if err := sess.MarkRead(context.Background(), room.ID); err != nil {
		t.Fatal(err)
	}
	rooms, err = sess.ListRooms(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rooms[0].UnreadCount != 0 {
		t.Fatalf("unread after mark-read = %d", rooms[0].UnreadCount)
	}
}

// A live deliver frame racing a catch-up worker that carries an
// earlier sequence must never reach handlers first. Both paths share
// one serialized dedup-and-emit section, so whichever goroutine enters
// second either buffers (seq ahead of the watermark) or drains the
// buffer in order.
func TestOverlappingCatchUpAndLiveDeliveryOrdered(t *testing.T) {
	for i := 0; i < 500; i++ {
		sess := New(Config{}, nil)

		var mu sync.Mutex
		var got []uint64
		sess.OnMessage("r1", func(m domain.Message) {
			mu.Lock()
			got = append(got, m.Seq)
			mu.Unlock()
		})

		catchUp := domain.Message{RoomID: "r1", Seq: 1, SenderID: "u2", Content: "one"}
		live := &domain.Frame{
			Type:      domain.FrameDeliver,
			RoomID:    "r1",
			Seq:       2,
			SenderID:  "u2",
			Timestamp: time.Now(),
		}
		if err := live.SetPayload(domain.ChatPayload{Content: "two"}); err != nil {
			t.Fatal(err)
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			sess.deliver(catchUp)
		}()
		go func() {
			defer wg.Done()
			<-start
			sess.handleDeliver(live)
		}()
		close(start)
		wg.Wait()

		mu.Lock()
		order := append([]uint64(nil), got...)
		mu.Unlock()
		if len(order) != 2 || order[0] != 1 || order[1] != 2 {
			t.Fatalf("iteration %d: delivery order = %v, want [1 2]", i, order)
		}
		sess.Close()
	}
}

// Close is terminal: a closed session refuses to reconnect, unlike
// Disconnect which leaves Connect usable again.
func TestConnectAfterCloseReturnsErrClosed(t *testing.T) {
	ts := newTestServer(t)

	sess := New(ts.sessionConfig("u1"), nil)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess.Close()

	if err := sess.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close = %v, want ErrClosed", err)
	}
}
