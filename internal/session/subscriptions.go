package session

import (
	"context"
	"sort"
	"sync"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// SubscriptionHandle identifies one Subscribe call so interest can be
// released without affecting other holders of the same topic.
type SubscriptionHandle struct {
	topic string
	id    uint64
}

// Topic returns the topic this handle holds interest in.
func (h SubscriptionHandle) Topic() string {
	return h.topic
}

// Subscriptions tracks the desired topic set independent of connection
// state. Topics are reference counted: duplicate Subscribe calls share
// one transport subscription, and the unsubscribe frame only goes out
// when the last holder releases. After every reconnect the full set is
// replayed before the connection is considered live.
type Subscriptions struct {
	mux *Multiplexer

	mu     sync.Mutex
	refs   map[string]int
	nextID uint64
}

func NewSubscriptions(mux *Multiplexer) *Subscriptions {
	return &Subscriptions{
		mux:  mux,
		refs: make(map[string]int),
	}
}

// Subscribe registers interest in topic. If this is the first holder
// and the connection is live, the subscribe frame is sent and the call
// blocks until the broker acknowledges it; on ack timeout the interest
// is rolled back so desired state never drifts from transport state.
// While disconnected the topic is only recorded and will be replayed.
func (s *Subscriptions) Subscribe(ctx context.Context, topic string) (SubscriptionHandle, error) {
	s.mu.Lock()
	s.nextID++
	handle := SubscriptionHandle{topic: topic, id: s.nextID}
	s.refs[topic]++
	first := s.refs[topic] == 1
	s.mu.Unlock()

	if !first || s.mux.State() != StateConnected {
		return handle, nil
	}

	if err := s.sendSubscribe(ctx, topic); err != nil {
		s.mu.Lock()
		s.refs[topic]--
		if s.refs[topic] <= 0 {
			delete(s.refs, topic)
		}
		s.mu.Unlock()
		return SubscriptionHandle{}, err
	}
	return handle, nil
}

// Unsubscribe releases one holder's interest. The transport
// unsubscribe is best-effort: if it cannot be sent the broker-side
// subscription dies with the connection anyway.
func (s *Subscriptions) Unsubscribe(ctx context.Context, handle SubscriptionHandle) error {
	if handle.topic == "" {
		return nil
	}

	s.mu.Lock()
	count, ok := s.refs[handle.topic]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	count--
	if count <= 0 {
		delete(s.refs, handle.topic)
	} else {
		s.refs[handle.topic] = count
	}
	last := count <= 0
	s.mu.Unlock()

	if !last || s.mux.State() != StateConnected {
		return nil
	}

	frame := &domain.Frame{Type: domain.FrameUnsubscribe, Topic: handle.topic}
	ack := s.mux.expectAck(domain.FrameUnsubAck, handle.topic)
	if err := s.mux.WriteControlFrame(frame); err != nil {
		s.mux.cancelAck(domain.FrameUnsubAck, handle.topic)
		return nil
	}
	if _, err := s.mux.awaitAck(ctx, ack); err != nil {
		s.mux.cancelAck(domain.FrameUnsubAck, handle.topic)
		log.L().Debug().Str(log.FieldTopic, handle.topic).Msg("unsubscribe ack not received")
	}
	return nil
}

// Topics returns the desired set in stable order.
func (s *Subscriptions) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.refs))
	for topic := range s.refs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Holds reports whether topic is in the desired set.
func (s *Subscriptions) Holds(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[topic] > 0
}

// ReplayAll re-issues subscribe frames for the whole desired set and
// waits for each acknowledgment. Called on every transition into
// Connected; message delivery is not live for a topic until its ack
// arrived, so the supervisor treats any failure here as a failed
// reconnect attempt.
func (s *Subscriptions) ReplayAll(ctx context.Context) error {
	for _, topic := range s.Topics() {
		if err := s.sendSubscribe(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

func (s *Subscriptions) sendSubscribe(ctx context.Context, topic string) error {
	frame := &domain.Frame{Type: domain.FrameSubscribe, Topic: topic}
	ack := s.mux.expectAck(domain.FrameSubAck, topic)
	if err := s.mux.WriteControlFrame(frame); err != nil {
		s.mux.cancelAck(domain.FrameSubAck, topic)
		return err
	}
	if _, err := s.mux.awaitAck(ctx, ack); err != nil {
		s.mux.cancelAck(domain.FrameSubAck, topic)
		return err
	}
	return nil
}
