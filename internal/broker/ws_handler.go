package broker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/imhypeboy/haksamate-live/internal/config"
	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub     *Hub
	service *Service
	wsCfg   config.WebSocketConfig
}

func NewWSHandler(h *Hub, svc *Service, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		wsCfg:   wsCfg,
	}
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)

	h.hub.Register(client)

	go client.WritePump()
	go func() {
		client.ReadPump(h.handleFrame)
		h.service.HandleDisconnect(context.Background(), client)
	}()
}

func (h *WSHandler) handleFrame(client *Client, message []byte) {
	l := log.L()

	var frame domain.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		client.SendFrame(domain.NewErrorFrame(domain.ErrCodeBadRequest, "invalid frame"))
		return
	}

	ctx := context.Background()

	switch frame.Type {
	case domain.FrameHello:
		var payload domain.HelloPayload
		if err := frame.UnmarshalPayload(&payload); err != nil {
			client.SendFrame(domain.NewErrorFrame(domain.ErrCodeBadRequest, "invalid hello payload"))
			return
		}
		if err := h.service.HandleHello(ctx, client, payload.Token); err != nil {
			l.Warn().Err(err).Str(log.FieldConnID, client.ID).Msg("hello failed")
		}

	case domain.FrameSubscribe:
		if err := h.service.HandleSubscribe(ctx, client, frame.Topic); err != nil {
			l.Warn().Err(err).Str(log.FieldConnID, client.ID).Msg("subscribe failed")
		}

	case domain.FrameUnsubscribe:
		if err := h.service.HandleUnsubscribe(ctx, client, frame.Topic); err != nil {
			l.Warn().Err(err).Str(log.FieldConnID, client.ID).Msg("unsubscribe failed")
		}

	case domain.FramePublish:
		if err := h.service.HandlePublish(ctx, client, &frame); err != nil {
			l.Warn().Err(err).Str(log.FieldConnID, client.ID).Msg("publish failed")
		}

	case domain.FramePresencePing:
		if err := h.service.HandlePresencePing(ctx, client, &frame); err != nil {
			l.Warn().Err(err).Str(log.FieldConnID, client.ID).Msg("presence ping failed")
		}

	case domain.FramePresenceLeave:
		if err := h.service.HandlePresenceLeave(ctx, client); err != nil {
			l.Warn().Err(err).Str(log.FieldConnID, client.ID).Msg("presence leave failed")
		}

	case domain.FramePing:
		client.SendFrame(&domain.Frame{Type: domain.FramePong})

	default:
		client.SendFrame(domain.NewErrorFrame(domain.ErrCodeBadRequest, "unknown frame type"))
	}
}
