package webchat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

func TestReplyMessenger_SendReply_NoSession(t *testing.T) {
	h := NewHandler(newMockService(), nil, logging.New("error"))
	m := NewReplyMessenger(h, logging.New("error"))

	// No open socket for the conversation: the push is dropped, not an error.
	err := m.SendReply(context.Background(), conversation.OutboundReply{
		ConversationID: "webchat:sess1",
		UserID:         "sess1",
		Channel:        conversation.ChannelWebchat,
		Body:           "Hey, just checking in.",
		CheckIn:        true,
	})

	assert.NoError(t, err)
}

func TestNewReplyMessenger_NilHandlerPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewReplyMessenger(nil, nil)
	})
}
