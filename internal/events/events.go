// Package events rebroadcasts reservation lifecycle events
// (reservation.allocated/released/reaped) to external observers: an
// optional Redis pub/sub channel and a local WebSocket hub for the admin
// dashboard. Disabled by default and never consulted for admission
// decisions or cross-broker coordination — this is observability only.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/aiserve/gpubroker/internal/config"
	"github.com/aiserve/gpubroker/internal/logging"
	"github.com/aiserve/gpubroker/internal/resilience"
)

type Event struct {
	Type        string    `json:"type"`
	Handle      string    `json:"handle"`
	DeviceIndex int       `json:"device_index"`
	Exclusive   bool      `json:"exclusive"`
	At          time.Time `json:"at"`
}

// Publisher fans an Event out to whichever sinks are configured.
type Publisher struct {
	redisClient *redis.Client
	channel     string
	hub         *Hub
}

func New(cfg config.EventsConfig) *Publisher {
	p := &Publisher{hub: NewHub()}
	if cfg.RedisEnabled {
		p.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisHost + ":" + strconv.Itoa(cfg.RedisPort),
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		p.channel = cfg.RedisChannel
	}
	return p
}

// Publish fans ev out to Redis (if configured) and the local WebSocket hub.
// Best-effort: publish failures are logged, never propagated to the caller
// — a dashboard disconnect must never affect an allocate/release decision.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error("events: marshal failed", map[string]interface{}{"error": err})
		return
	}

	if p.redisClient != nil {
		err := resilience.Retry(ctx, resilience.DefaultRetryConfig, func() error {
			return p.redisClient.Publish(ctx, p.channel, data).Err()
		})
		if err != nil {
			logging.Error("events: redis publish failed", map[string]interface{}{"error": err, "channel": p.channel})
		}
	}

	p.hub.Broadcast(data)
}

// WebSocketHub exposes the local rebroadcast hub so internal/admin can
// mount it as a handler without reaching into the publisher's redis half.
func (p *Publisher) WebSocketHub() *Hub { return p.hub }

func (p *Publisher) Close() error {
	if p.redisClient != nil {
		return p.redisClient.Close()
	}
	return nil
}

// Hub rebroadcasts published events to connected admin-dashboard WebSocket
// clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("events: websocket upgrade failed", map[string]interface{}{"error": err})
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// The admin dashboard never sends anything meaningful over this
	// socket; read until close just to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Warn("events: websocket write failed", map[string]interface{}{"error": err})
		}
	}
}
