package conversation

import (
	"context"

	"github.com/tmhealth/companion-platform/internal/arbiter"
)

// ReplyMessenger delivers companion replies back to the user's channel
// (e.g. the Telegram bot or a webchat session).
type ReplyMessenger interface {
	SendReply(ctx context.Context, reply OutboundReply) error
}

// OutboundReply carries the data required to push a message to the user.
// Resources travel alongside the body so channel adapters can render them
// natively (Telegram keyboards, webchat cards) instead of reparsing text.
type OutboundReply struct {
	ConversationID string
	UserID         string
	Channel        Channel
	Body           string
	Resources      []arbiter.Resource
	CheckIn        bool
	Metadata       map[string]string
}
