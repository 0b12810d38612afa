package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/imhypeboy/haksamate-live/internal/domain"
)

// APIClient talks to the broker's request/response surface: room
// resolution, room lists, the catch-up fetch, and the direct-write
// fallback used when the live transport is down.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) String() string {
	if e == nil {
		return "unknown error"
	}
	return e.Code + ": " + e.Message
}

// CreateOrFindRoom resolves the canonical room for a participant pair.
func (c *APIClient) CreateOrFindRoom(ctx context.Context, userA, userB string) (*domain.Room, error) {
	body := map[string]string{"user1_id": userA, "user2_id": userB}
	var room domain.Room
	if err := c.do(ctx, http.MethodPost, "/api/v1/rooms", body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRoomsForUser returns the user's rooms with previews.
func (c *APIClient) ListRoomsForUser(ctx context.Context, userID string) ([]domain.RoomSummary, error) {
	var rooms []domain.RoomSummary
	path := "/api/v1/rooms/user/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// FetchMessagesSince is the catch-up fetch: every message in roomID
// with seq greater than afterSeq, in sequence order.
func (c *APIClient) FetchMessagesSince(ctx context.Context, roomID string, afterSeq uint64) ([]domain.Message, error) {
	var messages []domain.Message
	path := "/api/v1/rooms/" + url.PathEscape(roomID) + "/messages?after_seq=" + strconv.FormatUint(afterSeq, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// PersistMessage writes a message through the store directly,
// bypassing the live transport. The broker still fans it out to
// connected subscribers.
func (c *APIClient) PersistMessage(ctx context.Context, roomID, senderID, content string) (*domain.Message, error) {
	body := map[string]string{"sender_id": senderID, "content": content}
	var msg domain.Message
	path := "/api/v1/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead marks the room's messages read for readerID.
func (c *APIClient) MarkRead(ctx context.Context, roomID, readerID string) error {
	body := map[string]string{"reader_id": readerID}
	path := "/api/v1/rooms/" + url.PathEscape(roomID) + "/read"
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (%s %s, status %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s failed: %s", method, path, env.Error.String())
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data (%s %s): %w", method, path, err)
		}
	}
	return nil
}
