package webchat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/tmhealth/companion-platform/internal/arbiter"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Handler manages the embeddable teen chat widget: a WebSocket session per
// visitor plus HTTP fallbacks. Messages run the safety pipeline inline; the
// reply, and with it the crisis decision, comes back on the same turn rather
// than through a queue.
type Handler struct {
	service  conversation.Service
	logger   *logging.Logger
	widgetJS []byte

	mu       sync.RWMutex
	sessions map[string]*wsConn // conversationID -> active connection
}

type wsConn struct {
	conn *websocket.Conn
	done chan struct{}
}

// InboundMessage is what the widget sends.
type InboundMessage struct {
	Type      string `json:"type"` // "message", "ping"
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// OutboundMessage is what we send to the widget.
type OutboundMessage struct {
	Type      string             `json:"type"` // "message", "typing", "history", "session", "error", "pong"
	Text      string             `json:"text,omitempty"`
	Role      string             `json:"role,omitempty"` // "assistant" or "user"
	SessionID string             `json:"session_id,omitempty"`
	Timestamp string             `json:"timestamp,omitempty"`
	Resources []arbiter.Resource `json:"resources,omitempty"`
	Messages  []HistoryMessage   `json:"messages,omitempty"`
}

// HistoryMessage is a simplified message for history responses.
type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NewHandler creates a web chat handler.
func NewHandler(service conversation.Service, widgetJS []byte, logger *logging.Logger) *Handler {
	if service == nil {
		panic("webchat: conversation service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		service:  service,
		logger:   logger,
		widgetJS: widgetJS,
		sessions: make(map[string]*wsConn),
	}
}

// ConversationID builds the canonical conversation ID for a webchat session.
func ConversationID(sessionID string) string {
	return fmt.Sprintf("webchat:%s", sessionID)
}

// generateSessionID creates a random session identifier.
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(b)
}

// HandleWebSocket upgrades to WebSocket and handles real-time messaging.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = generateSessionID()
	}
	region := strings.ToUpper(r.URL.Query().Get("region"))

	convID := ConversationID(sessionID)

	_ = websocket.JSON.Send(conn, OutboundMessage{
		Type:      "session",
		SessionID: sessionID,
	})

	if msgs, err := h.service.GetHistory(r.Context(), convID); err == nil && len(msgs) > 0 {
		history := make([]HistoryMessage, 0, len(msgs))
		for _, m := range msgs {
			history = append(history, HistoryMessage{Role: m.Role, Text: m.Content})
		}
		_ = websocket.JSON.Send(conn, OutboundMessage{Type: "history", Messages: history})
	}

	wsc := &wsConn{conn: conn, done: make(chan struct{})}
	h.mu.Lock()
	h.sessions[convID] = wsc
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.sessions[convID] == wsc {
			delete(h.sessions, convID)
		}
		h.mu.Unlock()
		close(wsc.done)
	}()

	h.logger.Info("webchat: connection opened", "session_id", sessionID)

	for {
		var msg InboundMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("webchat: connection closed", "session_id", sessionID, "error", err)
			return
		}

		if msg.Type == "ping" {
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "pong"})
			continue
		}

		if msg.Type != "message" || strings.TrimSpace(msg.Text) == "" {
			continue
		}

		h.processMessage(r.Context(), sessionID, region, msg.Text)
	}
}

// processMessage runs one widget turn through the companion service and
// pushes the reply to the session. Errors surface as a gentle retry prompt,
// never as raw internals.
func (h *Handler) processMessage(ctx context.Context, sessionID, region, text string) {
	convID := ConversationID(sessionID)

	h.SendToSession(convID, OutboundMessage{Type: "typing"})

	resp, err := h.service.ProcessMessage(ctx, conversation.MessageRequest{
		UserID:         sessionID,
		ConversationID: convID,
		Message:        text,
		Channel:        conversation.ChannelWebchat,
		Region:         region,
	})
	if err != nil {
		h.logger.Error("webchat: message processing failed", "session_id", sessionID, "error", err)
		h.SendToSession(convID, OutboundMessage{
			Type: "error",
			Text: "Sorry, something went wrong. Please try again.",
		})
		return
	}

	h.SendToSession(convID, OutboundMessage{
		Type:      "message",
		Role:      "assistant",
		Text:      resp.Message,
		Resources: resp.Resources,
		Timestamp: resp.Timestamp.Format(time.RFC3339),
	})
}

// SendToSession sends a message to an active WebSocket session.
func (h *Handler) SendToSession(convID string, msg OutboundMessage) {
	h.mu.RLock()
	wsc, ok := h.sessions[convID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	_ = websocket.JSON.Send(wsc.conn, msg)
}

// HandleMessage is the HTTP fallback for environments that block WebSockets.
// The reply comes back in the response body instead of over a socket.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Region    string `json:"region"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = generateSessionID()
	}

	resp, err := h.service.ProcessMessage(r.Context(), conversation.MessageRequest{
		UserID:         req.SessionID,
		ConversationID: ConversationID(req.SessionID),
		Message:        req.Text,
		Channel:        conversation.ChannelWebchat,
		Region:         strings.ToUpper(req.Region),
	})
	if err != nil {
		h.logger.Error("webchat: message processing failed", "session_id", req.SessionID, "error", err)
		http.Error(w, "failed to process message", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"session_id": req.SessionID,
		"message":    resp.Message,
		"resources":  resp.Resources,
		"timestamp":  resp.Timestamp.Format(time.RFC3339),
	})
}

// HandleHistory returns chat history for a session.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session parameter required", http.StatusBadRequest)
		return
	}

	msgs, err := h.service.GetHistory(r.Context(), ConversationID(sessionID))
	if err != nil {
		h.logger.Error("webchat: failed to load history", "session_id", sessionID, "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	history := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, HistoryMessage{Role: m.Role, Text: m.Content})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": history})
}

// HandleWidgetJS serves the embeddable widget JavaScript.
func (h *Handler) HandleWidgetJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(h.widgetJS)
}
