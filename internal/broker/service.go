package broker

import (
	"context"
	"errors"
	"time"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/internal/history"
	"github.com/imhypeboy/haksamate-live/internal/identity"
	"github.com/imhypeboy/haksamate-live/internal/presence"
	"github.com/imhypeboy/haksamate-live/internal/registry"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// Service implements the broker-side frame semantics: hello handshake,
// topic subscription, room publish (persist then fan out), and presence
// ingestion.
type Service struct {
	hub     *Hub
	reg     *registry.Registry
	store   history.Store
	tracker *presence.Tracker
	idp     identity.Provider

	cancel context.CancelFunc
}

func NewService(
	h *Hub,
	reg *registry.Registry,
	store history.Store,
	tracker *presence.Tracker,
	idp identity.Provider,
) *Service {
	s := &Service{
		hub:     h,
		reg:     reg,
		store:   store,
		tracker: tracker,
		idp:     idp,
	}

	// Push room_created to both participants' user queues so clients can
	// auto-subscribe without polling the room list.
	reg.OnRoomCreated(s.notifyRoomCreated)

	return s
}

// Start launches the presence fan-out pump.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	changes, unsubscribe := s.tracker.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				s.broadcastPresence(change)
			}
		}
	}()
}

// Stop halts the presence pump.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// HandleHello authenticates the connection. On success the client is
// auto-subscribed to its private user queue.
func (s *Service) HandleHello(ctx context.Context, c *Client, token string) error {
	userID, err := s.idp.GetCurrentUserID(token)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeUnauthorized, "invalid token"))
		}
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeInternalError, "auth provider unavailable"))
	}

	c.SetUserID(userID)
	s.hub.Subscribe(c, domain.UserQueueTopic(userID))

	ack := &domain.Frame{Type: domain.FrameHelloAck, Timestamp: time.Now().UTC()}
	if err := ack.SetPayload(domain.HelloAckPayload{ConnID: c.ID, UserID: userID}); err != nil {
		return err
	}
	return c.SendFrame(ack)
}

// HandleSubscribe adds the client to the topic and acknowledges. For the
// presence topic the current visible snapshot is replayed onto the
// client's user queue, so a fresh subscriber starts from known state.
func (s *Service) HandleSubscribe(ctx context.Context, c *Client, topic string) error {
	if !c.Authenticated() {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeUnauthorized, "hello required"))
	}
	if topic == "" {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeBadRequest, "topic required"))
	}

	s.hub.Subscribe(c, topic)

	if err := c.SendFrame(&domain.Frame{Type: domain.FrameSubAck, Topic: topic}); err != nil {
		return err
	}

	if topic == domain.TopicPresenceNearby {
		s.sendPresenceSnapshot(c)
	}
	return nil
}

// HandleUnsubscribe removes the client from the topic and acknowledges.
// Unsubscribing a topic the client never subscribed is an error frame,
// not an ack.
func (s *Service) HandleUnsubscribe(ctx context.Context, c *Client, topic string) error {
	if !c.Authenticated() {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeUnauthorized, "hello required"))
	}

	if !s.hub.Unsubscribe(c, topic) {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeNotSubscribed, "not subscribed to topic"))
	}
	return c.SendFrame(&domain.Frame{Type: domain.FrameUnsubAck, Topic: topic})
}

// HandlePublish persists a room message (assigning its sequence number)
// and fans the deliver frame out to the room topic. Persist happens
// before fan-out so the sequence on the wire is the stored one.
func (s *Service) HandlePublish(ctx context.Context, c *Client, frame *domain.Frame) error {
	l := log.Ctx(ctx)

	if !c.Authenticated() {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeUnauthorized, "hello required"))
	}

	roomID, ok := domain.RoomIDFromTopic(frame.Topic)
	if !ok {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeBadRequest, "publish requires a room topic"))
	}

	var payload domain.ChatPayload
	if err := frame.UnmarshalPayload(&payload); err != nil || payload.Content == "" {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeBadRequest, "invalid chat payload"))
	}

	room, err := s.reg.GetByID(ctx, roomID)
	if err != nil {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeBadRequest, "unknown room"))
	}
	if !room.HasParticipant(c.UserID()) {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeUnauthorized, "not a room participant"))
	}

	msg, err := s.store.PersistMessage(ctx, roomID, c.UserID(), payload.Content)
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to persist message")
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeInternalError, "failed to persist message"))
	}

	return s.BroadcastMessage(msg)
}

// BroadcastMessage fans a persisted message out to its room topic. Also
// used by the HTTP fallback write path so offline-path messages reach
// live subscribers with their assigned sequence.
func (s *Service) BroadcastMessage(msg *domain.Message) error {
	out := &domain.Frame{
		Type:      domain.FrameDeliver,
		Topic:     domain.RoomTopic(msg.RoomID),
		RoomID:    msg.RoomID,
		Seq:       msg.Seq,
		SenderID:  msg.SenderID,
		Timestamp: msg.SentAt,
	}
	if err := out.SetPayload(domain.ChatPayload{Content: msg.Content}); err != nil {
		return err
	}
	return s.hub.Broadcast(out.Topic, out, "")
}

// HandlePresencePing ingests a presence ping from the client.
func (s *Service) HandlePresencePing(ctx context.Context, c *Client, frame *domain.Frame) error {
	if !c.Authenticated() {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeUnauthorized, "hello required"))
	}

	var rec domain.PresenceRecord
	if err := frame.UnmarshalPayload(&rec); err != nil {
		return c.SendFrame(domain.NewErrorFrame(domain.ErrCodeBadRequest, "invalid presence payload"))
	}

	// The connection's identity is authoritative, not the payload.
	s.tracker.UpdatePing(c.UserID(), rec.DisplayName, rec.Position, rec.Status, rec.Visible)
	return nil
}

// HandlePresenceLeave removes the client's presence record.
func (s *Service) HandlePresenceLeave(ctx context.Context, c *Client) error {
	if !c.Authenticated() {
		return nil
	}
	s.tracker.Leave(c.UserID())
	return nil
}

// HandleDisconnect clears presence when the connection drops without an
// explicit leave.
func (s *Service) HandleDisconnect(ctx context.Context, c *Client) {
	if c.Authenticated() {
		s.tracker.Leave(c.UserID())
	}
}

func (s *Service) sendPresenceSnapshot(c *Client) {
	for _, rec := range s.tracker.Snapshot() {
		if rec.UserID == c.UserID() {
			continue
		}
		frame := &domain.Frame{
			Type:      domain.FramePresence,
			Topic:     domain.UserQueueTopic(c.UserID()),
			Timestamp: rec.UpdatedAt,
		}
		if err := frame.SetPayload(rec); err != nil {
			continue
		}
		c.SendFrame(frame)
	}
}

func (s *Service) broadcastPresence(change presence.Change) {
	frame := &domain.Frame{
		Type:      domain.FramePresence,
		Topic:     domain.TopicPresenceNearby,
		Timestamp: time.Now().UTC(),
	}

	record := change.Record
	if record == nil {
		// Leave or staleness eviction: broadcast an offline marker so
		// consumers drop the user.
		record = &domain.PresenceRecord{
			UserID: change.UserID,
			Status: domain.PresenceOffline,
		}
	} else if !record.Visible {
		return
	}

	if err := frame.SetPayload(record); err != nil {
		return
	}
	if err := s.hub.Broadcast(domain.TopicPresenceNearby, frame, ""); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("failed to broadcast presence change")
	}
}

func (s *Service) notifyRoomCreated(room *domain.Room) {
	for _, userID := range []string{room.UserAID, room.UserBID} {
		frame := &domain.Frame{
			Type:      domain.FrameRoomCreated,
			Topic:     domain.UserQueueTopic(userID),
			RoomID:    room.ID,
			Timestamp: time.Now().UTC(),
		}
		if err := frame.SetPayload(domain.RoomCreatedPayload{Room: *room}); err != nil {
			continue
		}
		if err := s.hub.Broadcast(frame.Topic, frame, ""); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldRoomID, room.ID).Msg("failed to notify room creation")
		}
	}
}
