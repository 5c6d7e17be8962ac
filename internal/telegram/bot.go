// Package telegram runs the long-polling bot transport. Every inbound turn
// goes through the conversation service's safety pipeline; the bot itself
// only owns channel chrome: commands, inline keyboards, and the screener
// question loop.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tmhealth/companion-platform/internal/arbiter"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/mood"
	"github.com/tmhealth/companion-platform/internal/observability/metrics"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

const (
	welcomeText = "Hey, I'm here whenever you want to talk.\n\n" +
		"I'm a supportive companion, not a crisis service and not a " +
		"substitute for professional care. If you're in immediate danger, " +
		"contact your local emergency number.\n\n" +
		"Type /help to see what I can do."

	helpText = "Here's what I can do:\n\n" +
		"/mood - log how you're feeling (1-5)\n" +
		"/breathe - a short breathing exercise\n" +
		"/assess - a structured check-in (PHQ-9 or GAD-7)\n" +
		"/crisis - support resources, right now\n" +
		"/cancel - stop an in-progress check-in\n\n" +
		"Or just tell me what's on your mind."

	breatheText = "Let's slow things down for a minute.\n\n" +
		"1. Breathe in through your nose for 4 seconds\n" +
		"2. Hold for 4 seconds\n" +
		"3. Breathe out slowly through your mouth for 6 seconds\n" +
		"4. Repeat 5 times\n\n" +
		"I'm still here when you're done."

	screenerCancelledText = "Okay, stopping there. No pressure, we can pick " +
		"this up any time. How are you doing otherwise?"

	errorText = "Sorry, something went wrong on my end. Please try again in a moment."
)

// moodKeyboard is the 1-5 quick rating row sent with /mood.
var moodKeyboard = tgbotapi.NewInlineKeyboardMarkup(
	tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("1", "mood:1"),
		tgbotapi.NewInlineKeyboardButtonData("2", "mood:2"),
		tgbotapi.NewInlineKeyboardButtonData("3", "mood:3"),
		tgbotapi.NewInlineKeyboardButtonData("4", "mood:4"),
		tgbotapi.NewInlineKeyboardButtonData("5", "mood:5"),
	),
)

var assessKeyboard = tgbotapi.NewInlineKeyboardMarkup(
	tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Depression (PHQ-9)", "assess:PHQ-9"),
		tgbotapi.NewInlineKeyboardButtonData("Anxiety (GAD-7)", "assess:GAD-7"),
	),
)

// Bot is the Telegram transport.
type Bot struct {
	api           *tgbotapi.BotAPI
	s             sender
	service       conversation.Service
	sessions      mood.SessionStore
	tracker       *mood.Tracker
	assessments   *mood.AssessmentStore
	optOut        *mood.OptOutDetector
	payloads      *arbiter.PayloadRegistry
	metrics       *metrics.IntakeMetrics
	logger        *logging.Logger
	defaultRegion string
}

// Option customizes the bot.
type Option func(*Bot)

// WithAssessmentStore persists completed screener results.
func WithAssessmentStore(store *mood.AssessmentStore) Option {
	return func(b *Bot) { b.assessments = store }
}

// WithMetrics wires inbound/latency counters.
func WithMetrics(m *metrics.IntakeMetrics) Option {
	return func(b *Bot) { b.metrics = m }
}

// WithDefaultRegion sets the region used to resolve crisis payloads for
// /crisis and screener follow-ups.
func WithDefaultRegion(region string) Option {
	return func(b *Bot) { b.defaultRegion = region }
}

// New creates the bot and verifies the token against the Telegram API.
func New(token string, service conversation.Service, sessions mood.SessionStore, tracker *mood.Tracker, payloads *arbiter.PayloadRegistry, logger *logging.Logger, opts ...Option) (*Bot, error) {
	if service == nil {
		panic("telegram: nil conversation service")
	}
	if logger == nil {
		logger = logging.Default()
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: failed to create bot api: %w", err)
	}
	b := &Bot{
		api:      api,
		s:        botAPISender{api: api},
		service:  service,
		sessions: sessions,
		tracker:  tracker,
		optOut:   mood.NewOptOutDetector(),
		payloads: payloads,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// ConversationID maps a Telegram chat to its canonical conversation id.
func ConversationID(chatID int64) string {
	return fmt.Sprintf("telegram:%d", chatID)
}

// UserID maps a Telegram account to its canonical user id.
func UserID(tgUserID int64) string {
	return fmt.Sprintf("tg:%d", tgUserID)
}

// Start long-polls for updates until the context is cancelled.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram bot started", "username", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("telegram bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
				continue
			}
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	convID := ConversationID(msg.Chat.ID)

	// An in-progress screener consumes 0-3 answers and opt-outs. Anything
	// else falls through to the safety pipeline so a crisis message typed
	// mid-questionnaire is still detected.
	if b.consumeScreenerAnswer(ctx, msg, convID) {
		return
	}

	b.processTurn(ctx, msg.Chat.ID, convID, UserID(msg.From.ID), msg.Text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	convID := ConversationID(msg.Chat.ID)

	switch msg.Command() {
	case "start":
		b.send(msg.Chat.ID, welcomeText)
	case "help":
		b.send(msg.Chat.ID, helpText)
	case "breathe":
		b.send(msg.Chat.ID, breatheText)
	case "mood":
		out := tgbotapi.NewMessage(msg.Chat.ID, "How are you feeling right now? 1 is rough, 5 is great.")
		out.ReplyMarkup = moodKeyboard
		b.sendMsg(out)
	case "assess":
		out := tgbotapi.NewMessage(msg.Chat.ID, "Which check-in would you like to do? Each one takes a couple of minutes, and you can stop any time with /cancel.")
		out.ReplyMarkup = assessKeyboard
		b.sendMsg(out)
	case "crisis":
		b.sendCrisisPayload(msg.Chat.ID)
	case "cancel":
		b.cancelScreener(ctx, msg.Chat.ID, convID)
	default:
		b.send(msg.Chat.ID, "I don't know that command. Try /help.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	// Ack the button press so the client stops the spinner.
	if _, err := b.s.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.logger.Warn("callback ack failed", "error", err)
	}

	chatID := cb.Message.Chat.ID
	convID := ConversationID(chatID)

	switch {
	case strings.HasPrefix(cb.Data, "mood:"):
		b.recordMoodButton(ctx, chatID, convID, UserID(cb.From.ID), strings.TrimPrefix(cb.Data, "mood:"))
	case strings.HasPrefix(cb.Data, "assess:"):
		b.startScreener(ctx, chatID, convID, UserID(cb.From.ID), strings.TrimPrefix(cb.Data, "assess:"))
	}
}

// processTurn runs one free-text message through the safety pipeline and
// renders the reply.
func (b *Bot) processTurn(ctx context.Context, chatID int64, convID, userID, text string) {
	started := time.Now()

	resp, err := b.service.ProcessMessage(ctx, conversation.MessageRequest{
		UserID:         userID,
		ConversationID: convID,
		Message:        text,
		Channel:        conversation.ChannelTelegram,
		Region:         b.defaultRegion,
	})
	if err != nil {
		b.logger.Error("process message failed", "conversation_id", convID, "error", err)
		b.metrics.ObserveInbound(string(conversation.ChannelTelegram), "error")
		b.send(chatID, errorText)
		return
	}

	b.metrics.ObserveInbound(string(conversation.ChannelTelegram), "ok")
	b.metrics.ObserveTurnLatency(string(conversation.ChannelTelegram), time.Since(started).Seconds())

	b.send(chatID, renderReply(resp.Message, resp.Resources))
}

func (b *Bot) recordMoodButton(ctx context.Context, chatID int64, convID, userID, raw string) {
	score, ok := mood.ParseCheckInScore(raw)
	if !ok || b.tracker == nil {
		return
	}
	if _, err := b.tracker.RecordCheckIn(ctx, convID, userID, score, time.Now().UTC()); err != nil {
		b.logger.Error("mood check-in failed", "conversation_id", convID, "error", err)
		b.send(chatID, errorText)
		return
	}
	b.send(chatID, moodAck(score))
}

func moodAck(score int) string {
	switch {
	case score <= 2:
		return "Thanks for being honest, that sounds hard. I'm here if you want to talk about it."
	case score == 3:
		return "Thanks for checking in. Anything on your mind?"
	default:
		return "Glad to hear it! Thanks for checking in."
	}
}

func (b *Bot) startScreener(ctx context.Context, chatID int64, convID, userID, instrument string) {
	if b.sessions == nil {
		return
	}
	screener, err := mood.ByInstrument(mood.Instrument(instrument))
	if err != nil {
		b.logger.Warn("unknown screener requested", "instrument", instrument)
		return
	}

	session := mood.Session{
		ConversationID: convID,
		UserID:         userID,
		Instrument:     screener.Instrument,
		StartedAt:      time.Now().UTC(),
	}
	if err := b.sessions.Put(ctx, session); err != nil {
		b.logger.Error("screener session start failed", "conversation_id", convID, "error", err)
		b.send(chatID, errorText)
		return
	}

	b.send(chatID, screener.Title+"\n\n"+screener.Intro)
	b.send(chatID, screener.QuestionPrompt(0))
}

// consumeScreenerAnswer handles one message while a screener is active.
// It returns false when no session exists or the text is neither an answer
// nor an opt-out, in which case the message flows to the pipeline.
func (b *Bot) consumeScreenerAnswer(ctx context.Context, msg *tgbotapi.Message, convID string) bool {
	if b.sessions == nil {
		return false
	}
	session, err := b.sessions.Get(ctx, convID)
	if err != nil {
		return false
	}

	if b.optOut.IsOptOut(msg.Text) {
		b.cancelScreener(ctx, msg.Chat.ID, convID)
		return true
	}

	answer, err := mood.ParseAnswer(msg.Text)
	if err != nil {
		// Not an answer. Let the pipeline see it; the session stays open.
		return false
	}

	session.Responses = append(session.Responses, answer)
	session.UpdatedAt = time.Now().UTC()

	if !session.Complete() {
		if err := b.sessions.Put(ctx, session); err != nil {
			b.logger.Error("screener session update failed", "conversation_id", convID, "error", err)
			b.send(msg.Chat.ID, errorText)
			return true
		}
		screener, _ := mood.ByInstrument(session.Instrument)
		b.send(msg.Chat.ID, screener.QuestionPrompt(session.Step()))
		return true
	}

	b.finishScreener(ctx, msg.Chat.ID, session)
	return true
}

func (b *Bot) finishScreener(ctx context.Context, chatID int64, session mood.Session) {
	_ = b.sessions.Clear(ctx, session.ConversationID)

	result, err := mood.Score(session.Instrument, session.Responses)
	if err != nil {
		b.logger.Error("screener scoring failed", "conversation_id", session.ConversationID, "error", err)
		b.send(chatID, errorText)
		return
	}

	now := time.Now().UTC()
	if b.tracker != nil {
		if _, err := b.tracker.RecordResult(ctx, session.ConversationID, session.UserID, result, now); err != nil {
			b.logger.Error("screener result record failed", "conversation_id", session.ConversationID, "error", err)
		}
	}
	if b.assessments != nil {
		if _, err := b.assessments.Save(ctx, mood.AssessmentRecord{
			ConversationID: session.ConversationID,
			UserID:         session.UserID,
			Instrument:     session.Instrument,
			Score:          result.Score,
			Responses:      session.Responses,
			Severity:       result.Severity,
			RecordedAt:     now,
		}); err != nil {
			b.logger.Error("assessment save failed", "conversation_id", session.ConversationID, "error", err)
		}
	}

	summary := fmt.Sprintf("Thanks for finishing the %s.\n\nScore: %d/%d (%s)\n\n%s",
		session.Instrument, result.Score, result.MaxScore, result.Severity, result.Recommendation)
	b.send(chatID, summary)

	if result.CrisisFollowUp || result.SelfHarmFlag {
		b.sendCrisisPayload(chatID)
	}
}

func (b *Bot) cancelScreener(ctx context.Context, chatID int64, convID string) {
	if b.sessions != nil {
		_ = b.sessions.Clear(ctx, convID)
	}
	b.send(chatID, screenerCancelledText)
}

func (b *Bot) sendCrisisPayload(chatID int64) {
	if b.payloads == nil {
		return
	}
	payload := b.payloads.Resolve(b.defaultRegion)
	b.send(chatID, renderReply(payload.Message, payload.Resources))
}

// renderReply appends resource contact lines under the reply body.
func renderReply(body string, resources []arbiter.Resource) string {
	if len(resources) == 0 {
		return body
	}
	var sb strings.Builder
	sb.WriteString(body)
	sb.WriteString("\n")
	for _, res := range resources {
		sb.WriteString("\n")
		sb.WriteString(res.Name)
		sb.WriteString(": ")
		sb.WriteString(res.Contact)
		if res.Availability != "" {
			sb.WriteString(" (")
			sb.WriteString(res.Availability)
			sb.WriteString(")")
		}
	}
	return sb.String()
}

func (b *Bot) send(chatID int64, text string) {
	b.sendMsg(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) sendMsg(msg tgbotapi.MessageConfig) {
	if _, err := b.s.Send(msg); err != nil {
		b.logger.Error("telegram send failed", "chat_id", msg.ChatID, "error", err)
	}
}
