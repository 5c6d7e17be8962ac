package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tmhealth/companion-platform/internal/events"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// feedBuffer is how many events a slow console connection may lag before
// newer events are dropped for it.
const feedBuffer = 64

// FeedMessage is the JSON frame pushed to connected consoles.
type FeedMessage struct {
	Event     string          `json:"event"`
	Aggregate string          `json:"aggregate"`
	Payload   json.RawMessage `json:"payload"`
	TS        int64           `json:"ts"`
}

// CrisisFeedHub pushes safety events to connected counselor consoles over
// WebSocket. It satisfies events.DeliveryHandler so the outbox deliverer
// can feed it directly; delivery to the hub never fails, a console that
// cannot keep up just misses frames.
type CrisisFeedHub struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[chan FeedMessage]struct{}
}

// NewCrisisFeedHub creates a hub. checkOrigin guards the WebSocket upgrade;
// nil allows same-origin requests only.
func NewCrisisFeedHub(logger *logging.Logger, checkOrigin func(*http.Request) bool) *CrisisFeedHub {
	if logger == nil {
		logger = logging.Default()
	}
	return &CrisisFeedHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[chan FeedMessage]struct{}),
	}
}

// Handle implements events.DeliveryHandler.
func (h *CrisisFeedHub) Handle(_ context.Context, entry events.OutboxEntry) error {
	h.Broadcast(FeedMessage{
		Event:     entry.Type,
		Aggregate: entry.Aggregate,
		Payload:   entry.Payload,
		TS:        time.Now().UnixMilli(),
	})
	return nil
}

// Broadcast fans a frame out to every connected console.
func (h *CrisisFeedHub) Broadcast(msg FeedMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// Slow consumer, drop the frame rather than block the
			// delivery loop.
		}
	}
}

// ClientCount returns the number of connected consoles.
func (h *CrisisFeedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the connection and streams safety events until the
// console disconnects. Auth happens upstream in the admin JWT middleware.
// GET /admin/escalations/feed
func (h *CrisisFeedHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan FeedMessage, feedBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}()

	h.logger.Info("console connected to crisis feed", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
