package telegram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmhealth/companion-platform/internal/arbiter"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

func TestMessengerSendsCheckInToChat(t *testing.T) {
	fs := &fakeSender{}
	m := &Messenger{s: fs, logger: logging.Default()}

	err := m.SendReply(context.Background(), conversation.OutboundReply{
		ConversationID: "telegram:9001",
		Channel:        conversation.ChannelTelegram,
		Body:           "Just checking in. How are you feeling today, 1-5?",
		CheckIn:        true,
	})
	require.NoError(t, err)
	require.Len(t, fs.sent, 1)
	assert.Contains(t, fs.sent[0], "checking in")
}

func TestMessengerSkipsOtherChannels(t *testing.T) {
	fs := &fakeSender{}
	m := &Messenger{s: fs, logger: logging.Default()}

	err := m.SendReply(context.Background(), conversation.OutboundReply{
		ConversationID: "webchat:abc",
		Channel:        conversation.ChannelWebchat,
		Body:           "hello",
	})
	require.NoError(t, err)
	assert.Empty(t, fs.sent)
}

func TestMessengerRendersResources(t *testing.T) {
	fs := &fakeSender{}
	m := &Messenger{s: fs, logger: logging.Default()}

	err := m.SendReply(context.Background(), conversation.OutboundReply{
		ConversationID: "telegram:9001",
		Channel:        conversation.ChannelTelegram,
		Body:           "You deserve support right now.",
		Resources: []arbiter.Resource{
			{Name: "988 Lifeline", Contact: "call or text 988", Availability: "24/7"},
		},
	})
	require.NoError(t, err)
	require.Len(t, fs.sent, 1)
	assert.Contains(t, fs.sent[0], "988 Lifeline: call or text 988 (24/7)")
}

func TestMessengerRejectsMalformedConversationID(t *testing.T) {
	fs := &fakeSender{}
	m := &Messenger{s: fs, logger: logging.Default()}

	err := m.SendReply(context.Background(), conversation.OutboundReply{
		ConversationID: "telegram:not-a-number",
		Channel:        conversation.ChannelTelegram,
		Body:           "hello",
	})
	assert.Error(t, err)
}
