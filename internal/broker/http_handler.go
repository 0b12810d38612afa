package broker

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/internal/history"
	"github.com/imhypeboy/haksamate-live/internal/presence"
	"github.com/imhypeboy/haksamate-live/internal/registry"
	"github.com/imhypeboy/haksamate-live/pkg/log"
	"github.com/imhypeboy/haksamate-live/pkg/response"
)

// HTTPHandler exposes the request/response collaborator surface: room
// create-or-find, room lists, the catch-up fetch, the fallback direct
// write, and presence snapshots.
type HTTPHandler struct {
	reg     *registry.Registry
	store   history.Store
	tracker *presence.Tracker
	service *Service
	ws      *WSHandler
}

func NewHTTPHandler(reg *registry.Registry, store history.Store, tracker *presence.Tracker, svc *Service, ws *WSHandler) *HTTPHandler {
	return &HTTPHandler{
		reg:     reg,
		store:   store,
		tracker: tracker,
		service: svc,
		ws:      ws,
	}
}

// RegisterRoutes registers all routes.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", gin.WrapF(h.ws.HandleWebSocket))
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		rooms := api.Group("/rooms")
		{
			rooms.POST("", h.CreateOrFindRoom)
			rooms.GET("/user/:userId", h.ListRoomsForUser)
			rooms.GET("/:id/messages", h.FetchMessagesSince)
			rooms.POST("/:id/messages", h.PersistMessage)
			rooms.POST("/:id/read", h.MarkRead)
			rooms.DELETE("/:id", h.DeleteRoom)
		}

		pres := api.Group("/presence")
		{
			pres.GET("", h.PresenceSnapshot)
			pres.GET("/nearby", h.PresenceNearby)
		}
	}
}

// CreateOrFindRoomRequest is the create-or-find request body.
type CreateOrFindRoomRequest struct {
	User1ID string `json:"user1_id" binding:"required"`
	User2ID string `json:"user2_id" binding:"required"`
}

// CreateOrFindRoom resolves the canonical room for a participant pair.
func (h *HTTPHandler) CreateOrFindRoom(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req CreateOrFindRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	room, err := h.reg.CreateOrFind(ctx, req.User1ID, req.User2ID)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidParticipant) {
			response.BadRequest(c, "participants must be two distinct non-empty ids")
			return
		}
		if errors.Is(err, registry.ErrRegistryUnavailable) {
			response.ServiceUnavailable(c, "room registry unavailable, retry with backoff")
			return
		}
		l.Error().Err(err).Msg("create-or-find room failed")
		response.InternalError(c, "failed to resolve room")
		return
	}

	response.Success(c, room)
}

// ListRoomsForUser returns the user's rooms with list previews.
func (h *HTTPHandler) ListRoomsForUser(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	userID := c.Param("userId")
	if userID == "" {
		response.BadRequest(c, "user id required")
		return
	}

	rooms, err := h.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		l.Error().Err(err).Str(log.FieldUserID, userID).Msg("failed to list rooms")
		response.InternalError(c, "failed to list rooms")
		return
	}

	response.Success(c, rooms)
}

// FetchMessagesSince returns messages with seq greater than after_seq.
// This is the catch-up path clients replay through their deduplicator.
func (h *HTTPHandler) FetchMessagesSince(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	roomID := c.Param("id")
	afterSeq, err := strconv.ParseUint(c.DefaultQuery("after_seq", "0"), 10, 64)
	if err != nil {
		response.BadRequest(c, "after_seq must be a non-negative integer")
		return
	}

	messages, err := h.store.FetchMessagesSince(ctx, roomID, afterSeq)
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to fetch messages")
		response.InternalError(c, "failed to fetch messages")
		return
	}

	response.Success(c, messages)
}

// PersistMessageRequest is the fallback direct-write request body.
type PersistMessageRequest struct {
	SenderID string `json:"sender_id" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

// PersistMessage writes a message through the store directly. Used by
// clients whose live transport is down; the message still fans out to
// live subscribers with its assigned sequence.
func (h *HTTPHandler) PersistMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	roomID := c.Param("id")

	var req PersistMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	msg, err := h.store.PersistMessage(ctx, roomID, req.SenderID, req.Content)
	if err != nil {
		if errors.Is(err, history.ErrRoomNotFound) {
			response.NotFound(c, "room not found")
			return
		}
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to persist message")
		response.InternalError(c, "failed to persist message")
		return
	}

	if err := h.service.BroadcastMessage(msg); err != nil {
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to broadcast fallback message")
	}

	response.Created(c, msg)
}

// MarkReadRequest is the mark-read request body.
type MarkReadRequest struct {
	ReaderID string `json:"reader_id" binding:"required"`
}

// MarkRead marks the room's messages as read for the reader.
func (h *HTTPHandler) MarkRead(c *gin.Context) {
	ctx := c.Request.Context()

	roomID := c.Param("id")

	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.store.MarkRead(ctx, roomID, req.ReaderID); err != nil {
		response.InternalError(c, "failed to mark read")
		return
	}
	response.Success(c, gin.H{"room_id": roomID})
}

// DeleteRoom removes a room and its messages.
func (h *HTTPHandler) DeleteRoom(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	roomID := c.Param("id")
	if err := h.store.DeleteRoom(ctx, roomID); err != nil {
		if errors.Is(err, history.ErrRoomNotFound) {
			response.NotFound(c, "room not found")
			return
		}
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to delete room")
		response.InternalError(c, "failed to delete room")
		return
	}
	response.Success(c, gin.H{"room_id": roomID})
}

// PresenceSnapshot returns the live, visible presence set.
func (h *HTTPHandler) PresenceSnapshot(c *gin.Context) {
	response.Success(c, h.tracker.Snapshot())
}

// PresenceNearby returns visible users within radius_km of (lat, lng).
func (h *HTTPHandler) PresenceNearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		response.BadRequest(c, "lat and lng are required")
		return
	}

	radius, err := strconv.ParseFloat(c.DefaultQuery("radius_km", "1"), 64)
	if err != nil {
		response.BadRequest(c, "radius_km must be a number")
		return
	}

	origin := domain.Position{Latitude: lat, Longitude: lng}
	response.Success(c, h.tracker.Nearby(origin, radius))
}

// Health reports broker liveness.
func (h *HTTPHandler) Health(c *gin.Context) {
	c.String(200, "OK")
}
