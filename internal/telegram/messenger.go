package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Messenger delivers worker-driven replies (async turns, scheduled mood
// check-ins) back into the originating Telegram chat. It implements
// conversation.ReplyMessenger.
type Messenger struct {
	s      sender
	logger *logging.Logger
}

// NewMessenger creates a messenger on top of an authorized bot API.
func NewMessenger(api *tgbotapi.BotAPI, logger *logging.Logger) *Messenger {
	if api == nil {
		panic("telegram: nil bot api")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Messenger{s: botAPISender{api: api}, logger: logger}
}

// SendReply pushes an outbound reply to its chat. Non-Telegram replies are
// skipped so a mixed-channel worker can fan replies through one messenger
// chain.
func (m *Messenger) SendReply(_ context.Context, reply conversation.OutboundReply) error {
	if reply.Channel != conversation.ChannelTelegram {
		return nil
	}
	chatID, err := ChatID(reply.ConversationID)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, renderReply(reply.Body, reply.Resources))
	if _, err := m.s.Send(msg); err != nil {
		return fmt.Errorf("telegram: failed to send reply: %w", err)
	}
	m.logger.Info("reply delivered",
		"conversation_id", reply.ConversationID,
		"check_in", reply.CheckIn,
	)
	return nil
}

// ChatID extracts the Telegram chat id from a canonical conversation id.
func ChatID(conversationID string) (int64, error) {
	raw, ok := strings.CutPrefix(conversationID, "telegram:")
	if !ok {
		return 0, fmt.Errorf("telegram: conversation id %q is not a telegram conversation", conversationID)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id in %q: %w", conversationID, err)
	}
	return chatID, nil
}
