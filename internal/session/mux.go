package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler consumes inbound frames whose topic matches the registered
// pattern. Handlers run on the dispatch goroutine, never on the read
// loop; a panicking handler is isolated and does not block the others.
type Handler func(*domain.Frame)

type patternHandler struct {
	pattern string
	fn      Handler
}

// Multiplexer owns the single live transport connection. The read loop
// feeds a bounded inbound queue drained by a dispatch goroutine;
// outbound writes go through a mutex so control frames and publishes
// never interleave. While the connection is being rebuilt, publishes
// accumulate in a bounded FIFO that flushes in submission order once
// the reconnect completes.
type Multiplexer struct {
	cfg   Config
	clock clockwork.Clock

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	connID string
	userID string

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   []patternHandler

	queueMu sync.Mutex
	queue   []*domain.Frame

	ackMu sync.Mutex
	acks  map[string]chan *domain.Frame

	inbound chan *domain.Frame
	lost    chan error
	quit    chan struct{}
	once    sync.Once
}

// NewMultiplexer creates a Multiplexer and starts its dispatch
// goroutine. The transport is not dialed until Establish.
func NewMultiplexer(cfg Config, clock clockwork.Clock) *Multiplexer {
	cfg.normalize()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Multiplexer{
		cfg:     cfg,
		clock:   clock,
		state:   StateDisconnected,
		acks:    make(map[string]chan *domain.Frame),
		inbound: make(chan *domain.Frame, cfg.InboundQueueSize),
		lost:    make(chan error, 1),
		quit:    make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// State returns the current lifecycle state.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the authenticated user id from the last handshake.
func (m *Multiplexer) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *Multiplexer) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Lost yields one error per established connection when its transport
// fails. The reconnection supervisor blocks on it.
func (m *Multiplexer) Lost() <-chan error {
	return m.lost
}

// RegisterHandler dispatches inbound frames whose topic matches
// pattern. A pattern is an exact topic or a prefix ending in "*".
func (m *Multiplexer) RegisterHandler(pattern string, fn Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, patternHandler{pattern: pattern, fn: fn})
}

// Establish dials the broker and completes the hello handshake. On
// success the read loop is running, the state is Connecting, and the
// caller (the supervisor) finishes re-subscription and catch-up before
// promoting the connection with MarkConnected.
func (m *Multiplexer) Establish(ctx context.Context) error {
	m.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.BrokerURL, nil)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("dial broker: %w", err)
	}

	hello := &domain.Frame{Type: domain.FrameHello}
	if err := hello.SetPayload(domain.HelloPayload{Token: m.cfg.Token}); err != nil {
		conn.Close()
		m.setState(StateDisconnected)
		return err
	}

	deadline := time.Now().Add(m.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("send hello: %w", err)
	}

	// The broker subscribes the user queue before acking, so a queue
	// broadcast can slip in ahead of the hello ack. Buffer anything
	// else for the dispatch loop.
	conn.SetReadDeadline(deadline)
	var ack domain.Frame
	for {
		if err := conn.ReadJSON(&ack); err != nil {
			conn.Close()
			m.setState(StateDisconnected)
			return fmt.Errorf("await hello ack: %w", err)
		}
		if ack.Type == domain.FrameHelloAck {
			break
		}
		if ack.Type == domain.FrameError {
			conn.Close()
			m.setState(StateDisconnected)
			return fmt.Errorf("%w: %s: %s", ErrHandshakeFailed, ack.Code, ack.Message)
		}
		early := ack
		select {
		case m.inbound <- &early:
		default:
		}
	}

	var ackPayload domain.HelloAckPayload
	if err := ack.UnmarshalPayload(&ackPayload); err != nil {
		conn.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("%w: malformed hello ack", ErrHandshakeFailed)
	}

	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.cfg.WriteTimeout))
	})

	m.mu.Lock()
	m.conn = conn
	m.connID = ackPayload.ConnID
	m.userID = ackPayload.UserID
	m.mu.Unlock()

	go m.readPump(conn)

	log.L().Info().
		Str(log.FieldConnID, ackPayload.ConnID).
		Str(log.FieldUserID, ackPayload.UserID).
		Msg("transport established")
	return nil
}

// MarkConnected promotes the connection to Connected and flushes the
// outbound FIFO in submission order. Called by the supervisor after
// re-subscription and catch-up complete.
func (m *Multiplexer) MarkConnected() {
	m.setState(StateConnected)

	m.queueMu.Lock()
	pending := m.queue
	m.queue = nil
	m.queueMu.Unlock()

	for _, f := range pending {
		if err := m.writeFrame(f); err != nil {
			log.L().Warn().Err(err).Str(log.FieldTopic, f.Topic).Msg("queued publish lost on flush")
			m.signalLost(err)
			return
		}
	}
}

// Publish sends a frame on topic. When the connection is mid-rebuild
// (Connecting or Reconnecting) the frame is queued; when Disconnected,
// or when the queue is full, it fails fast with ErrNotConnected so the
// caller can fall back to the direct-write path.
func (m *Multiplexer) Publish(topic string, payload interface{}) error {
	frame := &domain.Frame{Type: domain.FramePublish, Topic: topic}
	if payload != nil {
		if err := frame.SetPayload(payload); err != nil {
			return err
		}
	}
	return m.send(frame)
}

func (m *Multiplexer) send(frame *domain.Frame) error {
	switch m.State() {
	case StateConnected:
		if err := m.writeFrame(frame); err != nil {
			m.signalLost(err)
			return ErrNotConnected
		}
		return nil
	case StateConnecting, StateReconnecting:
		m.queueMu.Lock()
		defer m.queueMu.Unlock()
		if len(m.queue) >= m.cfg.OutboundQueueSize {
			return ErrNotConnected
		}
		m.queue = append(m.queue, frame)
		return nil
	default:
		return ErrNotConnected
	}
}

func (m *Multiplexer) writeFrame(frame *domain.Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteJSON(frame)
}

// WriteControlFrame writes a frame immediately, bypassing the outbound
// queue. Used for subscribe/unsubscribe during reconnect, when the
// state is not yet Connected.
func (m *Multiplexer) WriteControlFrame(frame *domain.Frame) error {
	return m.writeFrame(frame)
}

// expectAck registers a one-shot wait for a frame of ackType on topic.
// Register before sending the request frame to avoid losing a fast
// broker's reply.
func (m *Multiplexer) expectAck(ackType, topic string) chan *domain.Frame {
	ch := make(chan *domain.Frame, 1)
	m.ackMu.Lock()
	m.acks[ackKey(ackType, topic)] = ch
	m.ackMu.Unlock()
	return ch
}

func (m *Multiplexer) cancelAck(ackType, topic string) {
	m.ackMu.Lock()
	delete(m.acks, ackKey(ackType, topic))
	m.ackMu.Unlock()
}

func (m *Multiplexer) awaitAck(ctx context.Context, ch chan *domain.Frame) (*domain.Frame, error) {
	select {
	case f := <-ch:
		return f, nil
	case <-m.clock.After(m.cfg.AckTimeout):
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func ackKey(ackType, topic string) string {
	return ackType + "|" + topic
}

func (m *Multiplexer) readPump(conn *websocket.Conn) {
	for {
		var frame domain.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			m.signalLost(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

		switch frame.Type {
		case domain.FrameSubAck, domain.FrameUnsubAck, domain.FramePong:
			m.resolveAck(&frame)
		default:
			select {
			case m.inbound <- &frame:
			case <-m.quit:
				return
			}
		}
	}
}

func (m *Multiplexer) resolveAck(frame *domain.Frame) {
	m.ackMu.Lock()
	key := ackKey(frame.Type, frame.Topic)
	ch, ok := m.acks[key]
	if ok {
		delete(m.acks, key)
	}
	m.ackMu.Unlock()
	if ok {
		ch <- frame
	}
}

func (m *Multiplexer) dispatchLoop() {
	for {
		select {
		case frame := <-m.inbound:
			m.dispatch(frame)
		case <-m.quit:
			return
		}
	}
}

func (m *Multiplexer) dispatch(frame *domain.Frame) {
	m.handlersMu.RLock()
	handlers := make([]patternHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		if !domain.MatchTopic(h.pattern, frame.Topic) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.L().Error().
						Str(log.FieldTopic, frame.Topic).
						Interface("panic", r).
						Msg("frame handler panicked")
				}
			}()
			h.fn(frame)
		}()
	}
}

// signalLost tears down the current connection and, if it had been
// fully Connected, notifies the supervisor. Failures during a
// reconnect attempt are reported synchronously by the attempt itself
// and must not also land on the lost channel.
func (m *Multiplexer) signalLost(err error) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !wasConnected {
		return
	}

	log.L().Warn().Err(err).Msg("transport lost")
	select {
	case m.lost <- err:
	default:
	}
}

// teardown closes the connection without notifying the supervisor.
// Used to abort a partially restored reconnect attempt.
func (m *Multiplexer) teardown() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close tears down the connection and stops the dispatch loop. The
// Multiplexer cannot be reused afterwards.
func (m *Multiplexer) Close() {
	m.once.Do(func() {
		close(m.quit)
	})
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// SetReconnecting marks the connection as being rebuilt so publishes
// queue instead of failing fast.
func (m *Multiplexer) SetReconnecting() {
	m.setState(StateReconnecting)
}
