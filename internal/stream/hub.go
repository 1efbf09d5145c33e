package stream

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Hub fans session timeline events out to websocket clients, locally and
// across instances via redis pub/sub.
type Hub struct {
	redis   *redis.Client
	log     *zap.Logger
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	OwnerID string
	Send    chan []byte
}

func NewHub(redisClient *redis.Client, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		redis:   redisClient,
		log:     log,
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(ownerID string) *Client {
	client := &Client{
		OwnerID: ownerID,
		Send:    make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[ownerID] == nil {
		h.clients[ownerID] = map[*Client]struct{}{}
	}
	h.clients[ownerID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ownerClients, ok := h.clients[client.OwnerID]; ok {
		delete(ownerClients, client)
		if len(ownerClients) == 0 {
			delete(h.clients, client.OwnerID)
		}
	}
	close(client.Send)
}

func (h *Hub) Broadcast(ownerID string, payload []byte) {
	h.mu.RLock()
	clients := h.clients[ownerID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.Send <- payload:
		default:
		}
	}

	if h.redis != nil {
		err := h.redis.Publish(context.Background(), redisChannel(ownerID), payload).Err()
		if err != nil {
			h.log.Warn("redis publish error", zap.Error(err))
		}
	}
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.Subscribe(ctx, "timeline:*:events")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		ownerID := ownerIDFromChannel(msg.Channel)
		h.mu.RLock()
		clients := h.clients[ownerID]
		h.mu.RUnlock()
		for client := range clients {
			select {
			case client.Send <- []byte(msg.Payload):
			default:
			}
		}
	}
}

func redisChannel(ownerID string) string {
	return "timeline:" + ownerID + ":events"
}

func ownerIDFromChannel(ch string) string {
	// timeline:{owner}:events
	const prefix = "timeline:"
	const suffix = ":events"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
