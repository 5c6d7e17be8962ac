package telegram

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmhealth/companion-platform/internal/arbiter"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/mood"
	"github.com/tmhealth/companion-platform/internal/risk"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if mc, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, mc.Text)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type fakeService struct {
	requests []conversation.MessageRequest
	resp     *conversation.Response
	err      error
}

func (s *fakeService) ProcessMessage(_ context.Context, req conversation.MessageRequest) (*conversation.Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.resp != nil {
		return s.resp, nil
	}
	return &conversation.Response{
		ConversationID: req.ConversationID,
		Message:        "I'm listening.",
		Strategy:       arbiter.StrategyGenerativePassthrough,
		State:          escalation.StateNormal,
		Tier:           risk.TierNone,
	}, nil
}

func (s *fakeService) GetHistory(context.Context, string) ([]conversation.Message, error) {
	return nil, nil
}

func newTestBot(service *fakeService) (*Bot, *fakeSender) {
	fs := &fakeSender{}
	b := &Bot{
		s:        fs,
		service:  service,
		sessions: mood.NewMemorySessionStore(),
		tracker:  mood.NewTracker(mood.NewMemoryEntryStore(), logging.Default()),
		optOut:   mood.NewOptOutDetector(),
		logger:   logging.Default(),
	}
	return b, fs
}

func textMessage(chatID int64, text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{
		Text: text,
		From: &tgbotapi.User{ID: 42},
		Chat: &tgbotapi.Chat{ID: chatID},
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.TrimPrefix(strings.Fields(text)[0], "/")
		msg.Entities = []tgbotapi.MessageEntity{{
			Type:   "bot_command",
			Offset: 0,
			Length: len(cmd) + 1,
		}}
	}
	return msg
}

func TestFreeTextGoesThroughPipeline(t *testing.T) {
	svc := &fakeService{}
	b, fs := newTestBot(svc)

	b.handleMessage(context.Background(), textMessage(9001, "rough day at school"))

	require.Len(t, svc.requests, 1)
	assert.Equal(t, "telegram:9001", svc.requests[0].ConversationID)
	assert.Equal(t, "tg:42", svc.requests[0].UserID)
	assert.Equal(t, conversation.ChannelTelegram, svc.requests[0].Channel)
	require.Len(t, fs.sent, 1)
	assert.Equal(t, "I'm listening.", fs.sent[0])
}

func TestCrisisReplyRendersResources(t *testing.T) {
	svc := &fakeService{resp: &conversation.Response{
		Message:  "Please reach out to someone right now.",
		Strategy: arbiter.StrategyFixedSafety,
		State:    escalation.StateCrisis,
		Tier:     risk.TierCrisis,
		Resources: []arbiter.Resource{
			{Name: "Kids Helpline", Contact: "1800 55 1800", Availability: "24/7"},
		},
	}}
	b, fs := newTestBot(svc)

	b.handleMessage(context.Background(), textMessage(9001, "i cant do this anymore"))

	require.Len(t, fs.sent, 1)
	assert.Contains(t, fs.sent[0], "Please reach out to someone right now.")
	assert.Contains(t, fs.sent[0], "Kids Helpline: 1800 55 1800 (24/7)")
}

func TestStartCommandSendsDisclaimer(t *testing.T) {
	b, fs := newTestBot(&fakeService{})

	b.handleMessage(context.Background(), textMessage(9001, "/start"))

	require.Len(t, fs.sent, 1)
	assert.Contains(t, fs.sent[0], "not a crisis service")
}

func TestScreenerFlowCompletes(t *testing.T) {
	svc := &fakeService{}
	b, fs := newTestBot(svc)
	ctx := context.Background()

	b.startScreener(ctx, 9001, "telegram:9001", "tg:42", "GAD-7")
	require.Len(t, fs.sent, 2, "intro and first question")

	screener, err := mood.ByInstrument(mood.InstrumentGAD7)
	require.NoError(t, err)

	for i := 0; i < len(screener.Questions); i++ {
		b.handleMessage(ctx, textMessage(9001, "1"))
	}

	// No free-text turns should have reached the pipeline.
	assert.Empty(t, svc.requests)

	last := fs.sent[len(fs.sent)-1]
	assert.Contains(t, last, "GAD-7")
	assert.Contains(t, last, "7/21")

	// Session is cleared; the next message is a normal turn.
	b.handleMessage(ctx, textMessage(9001, "thanks"))
	assert.Len(t, svc.requests, 1)
}

func TestScreenerLetsCrisisTextThrough(t *testing.T) {
	svc := &fakeService{}
	b, _ := newTestBot(svc)
	ctx := context.Background()

	b.startScreener(ctx, 9001, "telegram:9001", "tg:42", "PHQ-9")

	// Not a 0-3 answer and not an opt-out: must reach the pipeline while
	// the screener stays active.
	b.handleMessage(ctx, textMessage(9001, "i want to end my life"))
	require.Len(t, svc.requests, 1)

	session, err := b.sessions.Get(ctx, "telegram:9001")
	require.NoError(t, err)
	assert.Equal(t, mood.InstrumentPHQ9, session.Instrument)
}

func TestScreenerOptOut(t *testing.T) {
	svc := &fakeService{}
	b, fs := newTestBot(svc)
	ctx := context.Background()

	b.startScreener(ctx, 9001, "telegram:9001", "tg:42", "PHQ-9")
	b.handleMessage(ctx, textMessage(9001, "stop"))

	_, err := b.sessions.Get(ctx, "telegram:9001")
	assert.ErrorIs(t, err, mood.ErrNoSession)
	assert.Contains(t, fs.sent[len(fs.sent)-1], "stopping there")
	assert.Empty(t, svc.requests)
}

func TestMoodButtonRecordsEntry(t *testing.T) {
	b, fs := newTestBot(&fakeService{})
	ctx := context.Background()

	b.recordMoodButton(ctx, 9001, "telegram:9001", "tg:42", "2")

	entries, err := b.tracker.History(ctx, "telegram:9001", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Score)
	assert.Equal(t, mood.SourceCheckIn, entries[0].Source)
	require.Len(t, fs.sent, 1)
	assert.Contains(t, fs.sent[0], "I'm here")
}

func TestConversationIDRoundTrip(t *testing.T) {
	id := ConversationID(987654)
	assert.Equal(t, "telegram:987654", id)

	chatID, err := ChatID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(987654), chatID)

	_, err = ChatID("webchat:abc")
	assert.Error(t, err)
}
