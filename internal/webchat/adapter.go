package webchat

import (
	"context"
	"time"

	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// ReplyMessenger implements conversation.ReplyMessenger for web chat. The
// worker uses it to push queue-driven replies, mostly proactive check-ins,
// into a live widget session. A visitor with no open socket simply misses the
// push; the turn is still in the transcript when they reconnect.
type ReplyMessenger struct {
	handler *Handler
	logger  *logging.Logger
}

// NewReplyMessenger creates a webchat reply messenger.
func NewReplyMessenger(handler *Handler, logger *logging.Logger) *ReplyMessenger {
	if handler == nil {
		panic("webchat: handler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ReplyMessenger{handler: handler, logger: logger}
}

// SendReply pushes the companion's reply to the visitor's WebSocket.
func (m *ReplyMessenger) SendReply(_ context.Context, reply conversation.OutboundReply) error {
	m.handler.SendToSession(reply.ConversationID, OutboundMessage{
		Type:      "message",
		Role:      "assistant",
		Text:      reply.Body,
		Resources: reply.Resources,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	m.logger.Info("webchat: reply sent",
		"conversation_id", reply.ConversationID,
		"check_in", reply.CheckIn,
		"length", len(reply.Body),
	)
	return nil
}
