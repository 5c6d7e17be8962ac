package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/tmhealth/companion-platform/internal/arbiter"
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/risk"
)

// Service describes how the companion engine should behave.
type Service interface {
	ProcessMessage(ctx context.Context, req MessageRequest) (*Response, error)
	GetHistory(ctx context.Context, conversationID string) ([]Message, error)
}

// Message represents a single message in a conversation transcript.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Channel identifies which transport the conversation is happening on.
type Channel string

const (
	ChannelUnknown  Channel = ""
	ChannelTelegram Channel = "telegram"
	ChannelWebchat  Channel = "webchat"
)

// MessageRequest represents a single turn in the conversation.
type MessageRequest struct {
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id"`
	Message        string            `json:"message"`
	Channel        Channel           `json:"channel"`
	Region         string            `json:"region,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Response is the DTO returned to transports. Strategy, state and tier echo
// the safety decision behind the reply so callers can render resource cards
// or escalate without re-running the pipeline.
type Response struct {
	ConversationID string             `json:"conversation_id"`
	Message        string             `json:"message"`
	Strategy       arbiter.Strategy   `json:"strategy"`
	State          escalation.State   `json:"state"`
	Tier           risk.Tier          `json:"tier"`
	Resources      []arbiter.Resource `json:"resources,omitempty"`
	CheckIn        bool               `json:"check_in,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// StubService is a placeholder implementation used in early wiring and tests.
type StubService struct{}

// NewStubService returns the stub implementation.
func NewStubService() *StubService {
	return &StubService{}
}

// ProcessMessage echoes back the user's message for now.
func (s *StubService) ProcessMessage(ctx context.Context, req MessageRequest) (*Response, error) {
	id := req.ConversationID
	if id == "" {
		id = fmt.Sprintf("conv_%s_%d", req.UserID, time.Now().UnixNano())
	}
	return &Response{
		ConversationID: id,
		Message:        fmt.Sprintf("You said: %s. The full companion engine is not wired yet.", req.Message),
		Strategy:       arbiter.StrategyGenerativePassthrough,
		State:          escalation.StateNormal,
		Tier:           risk.TierNone,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// GetHistory returns empty history for stub service.
func (s *StubService) GetHistory(ctx context.Context, conversationID string) ([]Message, error) {
	return []Message{}, nil
}
