package broker

import (
	"encoding/json"
	"sync"

	"github.com/imhypeboy/haksamate-live/internal/config"
	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// Hub routes frames between connected clients and the topics they
// subscribe to.
type Hub struct {
	clients    map[string]*Client            // clientID -> client
	topics     map[string]map[string]*Client // topic -> clientID -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *topicMessage
	mu         sync.RWMutex
	config     config.WebSocketConfig
}

type topicMessage struct {
	Topic   string
	Data    []byte
	Exclude string // client ID to exclude
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		topics:     make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *topicMessage, 256),
		config:     cfg,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldConnID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for topic, subs := range h.topics {
					delete(subs, client.ID)
					if len(subs) == 0 {
						delete(h.topics, topic)
					}
				}
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldConnID, client.ID).Msg("client unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			if subs, ok := h.topics[msg.Topic]; ok {
				for clientID, client := range subs {
					if clientID == msg.Exclude {
						continue
					}
					select {
					case client.Send <- msg.Data:
					default:
						go h.removeClient(client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds the client to a topic.
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[string]*Client)
	}
	h.topics[topic][client.ID] = client
	l := log.L()
	l.Debug().Str(log.FieldConnID, client.ID).Str(log.FieldTopic, topic).Msg("client subscribed")
}

// Unsubscribe removes the client from a topic. Reports whether the
// client actually held the subscription.
func (h *Hub) Unsubscribe(client *Client, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		return false
	}
	if _, held := subs[client.ID]; !held {
		return false
	}
	delete(subs, client.ID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	l := log.L()
	l.Debug().Str(log.FieldConnID, client.ID).Str(log.FieldTopic, topic).Msg("client unsubscribed")
	return true
}

// Broadcast sends a frame to every subscriber of the topic.
func (h *Hub) Broadcast(topic string, frame *domain.Frame, exclude string) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	h.broadcast <- &topicMessage{
		Topic:   topic,
		Data:    data,
		Exclude: exclude,
	}
	return nil
}

// TopicCount returns the number of subscribers on a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if subs, ok := h.topics[topic]; ok {
		return len(subs)
	}
	return 0
}

func (h *Hub) removeClient(client *Client) {
	h.unregister <- client
}
