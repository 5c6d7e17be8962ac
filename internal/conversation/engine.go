package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tmhealth/companion-platform/internal/arbiter"
	"github.com/tmhealth/companion-platform/internal/compliance"
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/events"
	"github.com/tmhealth/companion-platform/internal/mood"
	"github.com/tmhealth/companion-platform/internal/risk"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

const (
	llmMaxTokens   = 450
	llmTemperature = 0.7
	llmCallTimeout = 45 * time.Second

	// stateCommitTimeout bounds the detached writes that must land even when
	// the caller has hung up: the state commit, the audit trail, transcripts.
	stateCommitTimeout = 5 * time.Second

	checkInPrompt = "Quick check-in: on a scale of 1-5, how are you feeling right now? " +
		"(1 = really rough, 5 = pretty good). You can say \"skip\" if you'd rather not."
	checkInOptOutReply = "No problem, no more check-ins. I'm still here whenever you want to talk."

	// degradedReply covers the case where every generative backend in the
	// chain failed. The conversation continues rather than erroring out.
	degradedReply = "I'm having trouble putting a reply together right now, but I'm still here and I read what you said. Can you tell me a bit more?"

	// guardReplacementReply stands in for a generated reply the output guard
	// refused to send.
	guardReplacementReply = "I want to be careful with what I say here, so let me keep it simple: what you're feeling matters, and you deserve real support. Do you want to tell me more about what's going on?"
)

var engineTracer = otel.Tracer("companion/conversation-engine")

var llmLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "companion",
		Subsystem: "conversation",
		Name:      "llm_latency_seconds",
		Help:      "Latency of LLM completions",
		// Focus on sub-10s buckets with a few higher ones for visibility.
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15, 20, 30},
	},
	[]string{"model", "status"},
)

var llmTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "conversation",
		Name:      "llm_tokens_total",
		Help:      "Tokens used by the LLM",
	},
	[]string{"model", "type"}, // type: input, output, total
)

var crisisPayloadTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "conversation",
		Name:      "crisis_payload_served_total",
		Help:      "Fixed safety payloads served, by region and trigger kind",
	},
	[]string{"region", "hard_trigger"},
)

var stateTransitionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "conversation",
		Name:      "escalation_transitions_total",
		Help:      "Escalation state changes, by from/to state",
	},
	[]string{"from", "to"},
)

var guardBlockTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "conversation",
		Name:      "guard_blocks_total",
		Help:      "Messages or replies withheld by a guard",
	},
	[]string{"guard"}, // guard: prompt, reply
)

var failedClosedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "conversation",
		Name:      "failed_closed_total",
		Help:      "Turns answered with the fixed payload because state was unavailable",
	},
)

var checkInScoreTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "companion",
		Subsystem: "conversation",
		Name:      "checkin_scores_total",
		Help:      "Recorded 1-5 mood check-in answers",
	},
	[]string{"score"},
)

func init() {
	prometheus.MustRegister(llmLatency)
	prometheus.MustRegister(llmTokensTotal)
	prometheus.MustRegister(crisisPayloadTotal)
	prometheus.MustRegister(stateTransitionTotal)
	prometheus.MustRegister(guardBlockTotal)
	prometheus.MustRegister(failedClosedTotal)
	prometheus.MustRegister(checkInScoreTotal)
}

// RegisterMetrics registers conversation metrics with a custom registry.
// Use this when exposing a non-default registry (e.g., HTTP handlers with a private registry).
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil || reg == prometheus.DefaultRegisterer {
		return
	}
	reg.MustRegister(llmLatency, llmTokensTotal, crisisPayloadTotal, stateTransitionTotal, guardBlockTotal, failedClosedTotal, checkInScoreTotal)
}

// SafetyPipeline bundles the stages every message passes through. All fields
// are required; NewEngine panics on a missing stage rather than running a
// conversation without it.
type SafetyPipeline struct {
	Extractor  *risk.Extractor
	Classifier *risk.Classifier
	Machine    *escalation.Machine
	States     escalation.StateStore
	Arbiter    *arbiter.Arbiter
	Moods      *mood.Tracker
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithAuditService configures compliance audit logging.
func WithAuditService(audit *compliance.AuditService) EngineOption {
	return func(e *Engine) {
		e.audit = audit
	}
}

// WithDisclaimerService configures the automated-support disclaimer added to
// first replies.
func WithDisclaimerService(disclaimer *compliance.DisclaimerService) EngineOption {
	return func(e *Engine) {
		e.disclaimer = disclaimer
	}
}

// WithConversationStore configures the durable Postgres transcript.
func WithConversationStore(store *ConversationStore) EngineOption {
	return func(e *Engine) {
		e.convStore = store
	}
}

// WithTransitionLog configures the append-only escalation trail.
func WithTransitionLog(log escalation.TransitionLog) EngineOption {
	return func(e *Engine) {
		e.transitions = log
	}
}

// WithDefaultRegion sets the payload region used when neither the request
// nor the stored conversation carries one.
func WithDefaultRegion(region string) EngineOption {
	return func(e *Engine) {
		e.defaultRegion = region
	}
}

// OutboxWriter appends safety events for reliable downstream delivery.
// *events.OutboxStore satisfies it.
type OutboxWriter interface {
	Insert(ctx context.Context, aggregate string, eventType string, payload any) (uuid.UUID, error)
}

// WithSafetyOutbox configures the transactional outbox that feeds crisis
// notifications and check-in scheduling.
func WithSafetyOutbox(outbox OutboxWriter) EngineOption {
	return func(e *Engine) {
		e.outbox = outbox
	}
}

// Engine is the production Service implementation. Every message runs the
// same pipeline: extract signals from the raw text, classify, advance the
// escalation state machine, commit the new state, then let the arbiter pick
// the reply strategy. The generative backend is consulted only when the
// directive allows it; in crisis the fixed payload is served verbatim.
type Engine struct {
	client  LLMClient
	model   string
	logger  *logging.Logger
	history *historyStore
	events  *EventLogger

	extractor  *risk.Extractor
	classifier *risk.Classifier
	machine    *escalation.Machine
	states     escalation.StateStore
	arb        *arbiter.Arbiter
	moods      *mood.Tracker
	optOut     *mood.OptOutDetector

	transitions   escalation.TransitionLog
	audit         *compliance.AuditService
	disclaimer    *compliance.DisclaimerService
	convStore     *ConversationStore
	outbox        OutboxWriter
	defaultRegion string

	locks conversationLocks
}

var _ Service = (*Engine)(nil)

// NewEngine returns the pipeline-backed Service implementation.
func NewEngine(client LLMClient, redisClient *redis.Client, pipeline SafetyPipeline, model string, logger *logging.Logger, opts ...EngineOption) *Engine {
	if client == nil {
		panic("conversation: llm client cannot be nil")
	}
	if redisClient == nil {
		panic("conversation: redis client cannot be nil")
	}
	if pipeline.Extractor == nil || pipeline.Classifier == nil {
		panic("conversation: risk pipeline cannot be nil")
	}
	if pipeline.Machine == nil || pipeline.States == nil {
		panic("conversation: escalation pipeline cannot be nil")
	}
	if pipeline.Arbiter == nil {
		panic("conversation: arbiter cannot be nil")
	}
	if pipeline.Moods == nil {
		panic("conversation: mood tracker cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}

	engine := &Engine{
		client:     client,
		model:      model,
		logger:     logger,
		history:    newHistoryStore(redisClient, engineTracer),
		events:     NewEventLogger(logger),
		extractor:  pipeline.Extractor,
		classifier: pipeline.Classifier,
		machine:    pipeline.Machine,
		states:     pipeline.States,
		arb:        pipeline.Arbiter,
		moods:      pipeline.Moods,
		optOut:     mood.NewOptOutDetector(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// ProcessMessage runs one user turn through the safety pipeline and returns
// the reply. It only returns an error for invalid input; infrastructure
// failures degrade to a safe reply instead, because a teen mid-conversation
// must never see a dead end.
func (s *Engine) ProcessMessage(ctx context.Context, req MessageRequest) (*Response, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, errors.New("conversation: conversationID required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("conversation: message required")
	}

	redactedMessage, _ := Redact(req.Message)
	s.logger.Info("ProcessMessage called",
		"conversation_id", req.ConversationID,
		"user_id", req.UserID,
		"channel", req.Channel,
		"message", RedactForAudit(req.Message),
	)
	s.events.MessageReceived(ctx, req.ConversationID, req.UserID, req.Channel, req.Message)

	ctx, span := engineTracer.Start(ctx, "conversation.message")
	defer span.End()
	span.SetAttributes(
		attribute.String("companion.conversation_id", req.ConversationID),
		attribute.String("companion.channel", string(req.Channel)),
	)

	// Turns for one conversation run strictly one at a time in this process;
	// cross-process lost updates are rejected by the state store version check.
	unlock := s.locks.lock(req.ConversationID)
	defer unlock()

	now := time.Now().UTC()

	conv, err := s.loadState(ctx, req, now)
	if err != nil {
		span.RecordError(err)
		return s.failClosed(ctx, req, fmt.Sprintf("state load failed: %v", err), now), nil
	}

	// A pending check-in consumes a 1-5 answer before classification so the
	// rating lands in the trend this same turn reads.
	ackReply, answered := s.consumeCheckInAnswer(ctx, req, now)

	// Risk extraction always runs on the raw message, before any guard or
	// redaction. An injection attempt that also contains crisis language
	// still escalates.
	signals := s.extractor.Extract(ctx, req.Message)
	trend := s.moods.RecentTrend(ctx, req.ConversationID)
	convCtx := risk.ConversationContext{
		Heightened:    conv.State.Heightened(),
		DecliningMood: trend.Declining || trend.SelfHarmFlagged,
	}
	assessment := s.classifier.Classify(ctx, signals, convCtx, now)
	s.events.RiskAssessed(ctx, req.ConversationID, string(assessment.Tier), assessment.AggregateScore, assessment.HardTrigger, len(assessment.Signals))

	// The state commit lands before any reply is produced. If it cannot,
	// the turn is answered as if it were a crisis.
	committed, tr, err := s.advanceAndCommit(ctx, conv, assessment)
	if err != nil {
		span.RecordError(err)
		return s.failClosed(ctx, req, fmt.Sprintf("state commit failed: %v", err), now), nil
	}
	s.recordTransition(ctx, committed, tr)

	region := s.region(req, committed)
	directive := s.arb.Decide(tr, region)
	span.SetAttributes(
		attribute.String("companion.tier", string(assessment.Tier)),
		attribute.String("companion.state", string(committed.State)),
		attribute.String("companion.strategy", string(directive.Strategy)),
	)

	history, err := s.history.Load(ctx, req.ConversationID)
	if err != nil {
		s.logger.Warn("history load failed, continuing without context",
			"conversation_id", req.ConversationID, "error", err)
		history = nil
	}

	var reply string
	var resources []arbiter.Resource

	switch {
	case directive.MustUseFixedPayload:
		// Verbatim, no generative call, no decoration.
		reply = directive.Payload.Message
		resources = directive.Payload.Resources
		crisisPayloadTotal.WithLabelValues(directive.Payload.Region, strconv.FormatBool(tr.HardTrigger)).Inc()
		s.events.CrisisPayloadServed(ctx, req.ConversationID, directive.PayloadID, directive.Payload.Region, tr.HardTrigger)
		if s.audit != nil {
			_ = s.audit.LogCrisisPayloadServed(ctx, req.ConversationID, req.UserID, string(req.Channel), string(tr.Tier), tr.TriggerKeyword, directive.PayloadID, tr.HardTrigger)
		}

	case answered && ackReply != "":
		reply = ackReply

	default:
		reply = s.generateGuardedReply(ctx, req, directive, history, redactedMessage)
		if directive.Strategy == arbiter.StrategySupportiveBlended {
			resources = directive.Payload.Resources
		}
	}

	if s.disclaimer != nil && !directive.MustUseFixedPayload {
		reply = s.applyDisclaimer(ctx, req, history, reply)
	}

	checkIn := false
	if directive.CheckIn && !directive.MustUseFixedPayload {
		if optedOut, err := s.history.CheckInOptedOut(ctx, req.ConversationID); err == nil && !optedOut {
			if err := s.history.MarkCheckInPending(ctx, req.ConversationID); err != nil {
				s.logger.Warn("failed to mark check-in pending",
					"conversation_id", req.ConversationID, "error", err)
			} else {
				reply = reply + "\n\n" + checkInPrompt
				checkIn = true
			}
		}
	}

	// The reply is already decided; a transcript write failure never
	// withholds it.
	updated := append(history,
		ChatMessage{Role: ChatRoleUser, Content: redactedMessage},
		ChatMessage{Role: ChatRoleAssistant, Content: reply},
	)
	if err := s.history.Save(ctx, req.ConversationID, updated); err != nil {
		s.logger.Error("history save failed",
			"conversation_id", req.ConversationID, "error", err)
	}
	s.persistTranscript(ctx, req, redactedMessage, reply, now)

	s.events.ReplySent(ctx, req.ConversationID, string(directive.Strategy), len(reply))

	return &Response{
		ConversationID: req.ConversationID,
		Message:        reply,
		Strategy:       directive.Strategy,
		State:          committed.State,
		Tier:           assessment.Tier,
		Resources:      resources,
		CheckIn:        checkIn,
		Timestamp:      now,
	}, nil
}

// PromptCheckIn pushes a proactive 1-5 mood check-in into the conversation.
// A nil response with nil error means the conversation opted out and nothing
// should be sent.
func (s *Engine) PromptCheckIn(ctx context.Context, req CheckInRequest) (*Response, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, errors.New("conversation: conversationID required")
	}

	optedOut, err := s.history.CheckInOptedOut(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if optedOut {
		return nil, nil
	}

	unlock := s.locks.lock(req.ConversationID)
	defer unlock()

	now := time.Now().UTC()
	state := escalation.StateNormal
	if conv, err := s.states.Get(ctx, req.ConversationID); err == nil {
		state = conv.State
	}
	// A conversation sitting in crisis gets the payload flow, not a casual
	// prompt; the sweep should not have picked it, but guard anyway.
	if state == escalation.StateCrisis {
		return nil, nil
	}

	if err := s.history.MarkCheckInPending(ctx, req.ConversationID); err != nil {
		return nil, fmt.Errorf("conversation: failed to mark check-in pending: %w", err)
	}

	reply := "Hey, just checking in. " + checkInPrompt
	if history, err := s.history.Load(ctx, req.ConversationID); err == nil {
		history = append(history, ChatMessage{Role: ChatRoleAssistant, Content: reply})
		if err := s.history.Save(ctx, req.ConversationID, history); err != nil {
			s.logger.Warn("history save failed",
				"conversation_id", req.ConversationID, "error", err)
		}
	}
	s.events.Log(ctx, "check_in_prompted", req.ConversationID, req.UserID, nil)

	return &Response{
		ConversationID: req.ConversationID,
		Message:        reply,
		Strategy:       arbiter.StrategyGenerativePassthrough,
		State:          state,
		Tier:           risk.TierNone,
		CheckIn:        true,
		Timestamp:      now,
	}, nil
}

// GetHistory returns the user-visible transcript, oldest first. The Redis
// window is authoritative for recent turns; once it has expired the durable
// store is consulted.
func (s *Engine) GetHistory(ctx context.Context, conversationID string) ([]Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("conversation: conversationID required")
	}

	history, err := s.history.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		out := make([]Message, 0, len(history))
		for _, msg := range history {
			if msg.Role == ChatRoleSystem {
				continue
			}
			out = append(out, Message{Role: msg.Role, Content: msg.Content})
		}
		return out, nil
	}

	if s.convStore == nil {
		return []Message{}, nil
	}
	records, err := s.convStore.GetMessages(ctx, conversationID, historyWindow)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(records))
	for _, rec := range records {
		out = append(out, Message{Role: rec.Role, Content: rec.Content})
	}
	return out, nil
}

// loadState fetches the escalation record, creating the initial one on a
// first message. Any other store failure is returned for fail-closed
// handling.
func (s *Engine) loadState(ctx context.Context, req MessageRequest, now time.Time) (escalation.Conversation, error) {
	conv, err := s.states.Get(ctx, req.ConversationID)
	if errors.Is(err, escalation.ErrConversationNotFound) {
		return escalation.NewConversation(req.ConversationID, req.UserID, string(req.Channel), req.Region, now), nil
	}
	if err != nil {
		return escalation.Conversation{}, err
	}
	if conv.Region == "" && req.Region != "" {
		conv.Region = req.Region
	}
	return conv, nil
}

// advanceAndCommit applies the assessment and persists the resulting state.
// The commit runs on a detached context: a crisis decision that is acted on
// but never persisted could be skipped on the next message, so a caller
// hangup must not abort it. A version conflict is retried once against the
// fresh record.
func (s *Engine) advanceAndCommit(ctx context.Context, conv escalation.Conversation, assessment risk.Assessment) (escalation.Conversation, escalation.Transition, error) {
	next, tr := s.machine.Advance(conv, assessment)

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateCommitTimeout)
	defer cancel()

	committed, err := s.states.Put(commitCtx, next)
	if errors.Is(err, escalation.ErrVersionConflict) {
		fresh, getErr := s.states.Get(commitCtx, conv.ID)
		if getErr != nil {
			return escalation.Conversation{}, escalation.Transition{}, fmt.Errorf("conversation: reload after version conflict: %w", getErr)
		}
		next, tr = s.machine.Advance(fresh, assessment)
		committed, err = s.states.Put(commitCtx, next)
	}
	if err != nil {
		return escalation.Conversation{}, escalation.Transition{}, fmt.Errorf("conversation: state commit: %w", err)
	}
	return committed, tr, nil
}

// recordTransition writes the escalation trail for a committed step. The
// trail is best effort; the reply never blocks on it.
func (s *Engine) recordTransition(ctx context.Context, conv escalation.Conversation, tr escalation.Transition) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateCommitTimeout)
	defer cancel()

	if s.transitions != nil {
		if err := s.transitions.Append(ctx, tr); err != nil {
			s.logger.Error("transition log append failed",
				"conversation_id", tr.ConversationID, "error", err)
		}
	}
	if !tr.Changed() {
		return
	}
	stateTransitionTotal.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	s.events.StateChanged(ctx, tr.ConversationID, string(tr.From), string(tr.To), string(tr.Tier))
	if s.audit != nil {
		_ = s.audit.LogStateChanged(ctx, tr.ConversationID, string(tr.From), string(tr.To), string(tr.Tier), tr.HardTrigger)
	}
	s.emitSafetyEvents(ctx, conv, tr)
}

// emitSafetyEvents appends outbox entries for downstream consumers: crisis
// entry feeds counselor notification, cooldown entry feeds the proactive
// check-in scheduler.
func (s *Engine) emitSafetyEvents(ctx context.Context, conv escalation.Conversation, tr escalation.Transition) {
	if s.outbox == nil {
		return
	}
	aggregate := "conversation:" + tr.ConversationID

	changed := events.StateChangedV1{
		EventID:        uuid.NewString(),
		ConversationID: tr.ConversationID,
		UserID:         conv.UserID,
		Channel:        conv.Channel,
		FromState:      string(tr.From),
		ToState:        string(tr.To),
		Tier:           string(tr.Tier),
		OccurredAt:     tr.At,
	}
	if _, err := s.outbox.Insert(ctx, aggregate, changed.EventType(), changed); err != nil {
		s.logger.Error("outbox append failed",
			"conversation_id", tr.ConversationID, "event_type", changed.EventType(), "error", err)
	}

	if tr.EnteredCrisis() {
		crisis := events.CrisisDetectedV1{
			EventID:        uuid.NewString(),
			ConversationID: tr.ConversationID,
			UserID:         conv.UserID,
			Channel:        conv.Channel,
			Region:         conv.Region,
			FromState:      string(tr.From),
			Tier:           string(tr.Tier),
			HardTrigger:    tr.HardTrigger,
			TriggerKeyword: tr.TriggerKeyword,
			OccurredAt:     tr.At,
		}
		if _, err := s.outbox.Insert(ctx, aggregate, crisis.EventType(), crisis); err != nil {
			s.logger.Error("outbox append failed",
				"conversation_id", tr.ConversationID, "event_type", crisis.EventType(), "error", err)
		}
	}

	if tr.EnteredCooldown() {
		cooldown := events.CooldownEnteredV1{
			EventID:        uuid.NewString(),
			ConversationID: tr.ConversationID,
			UserID:         conv.UserID,
			Channel:        conv.Channel,
			Region:         conv.Region,
			CooldownUntil:  conv.CooldownUntil,
			OccurredAt:     tr.At,
		}
		if _, err := s.outbox.Insert(ctx, aggregate, cooldown.EventType(), cooldown); err != nil {
			s.logger.Error("outbox append failed",
				"conversation_id", tr.ConversationID, "event_type", cooldown.EventType(), "error", err)
		}
	}
}

// failClosed answers a turn with the fixed safety payload when conversation
// state cannot be read or written. An outage must never downgrade the reply
// below what a crisis would receive.
func (s *Engine) failClosed(ctx context.Context, req MessageRequest, reason string, now time.Time) *Response {
	failedClosedTotal.Inc()
	s.logger.Error("failing closed",
		"conversation_id", req.ConversationID, "reason", reason)
	s.events.FailedClosed(ctx, req.ConversationID, reason)
	if s.audit != nil {
		auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateCommitTimeout)
		defer cancel()
		_ = s.audit.LogFailedClosed(auditCtx, req.ConversationID, reason)
	}

	directive := s.arb.Decide(escalation.Transition{
		ConversationID: req.ConversationID,
		To:             escalation.StateCrisis,
		Tier:           risk.TierCrisis,
		At:             now,
	}, s.region(req, escalation.Conversation{}))

	return &Response{
		ConversationID: req.ConversationID,
		Message:        directive.Payload.Message,
		Strategy:       directive.Strategy,
		State:          escalation.StateCrisis,
		Tier:           risk.TierCrisis,
		Resources:      directive.Payload.Resources,
		Timestamp:      now,
	}
}

// consumeCheckInAnswer handles the turn after a reply that asked for a 1-5
// mood rating. The prompt is one-shot: whatever comes back clears the flag,
// and anything that does not parse as a rating flows on as a normal message
// rather than being re-asked.
func (s *Engine) consumeCheckInAnswer(ctx context.Context, req MessageRequest, now time.Time) (string, bool) {
	pending, err := s.history.CheckInPending(ctx, req.ConversationID)
	if err != nil {
		s.logger.Warn("check-in flag lookup failed",
			"conversation_id", req.ConversationID, "error", err)
		return "", false
	}
	if !pending {
		return "", false
	}
	if err := s.history.ClearCheckIn(ctx, req.ConversationID); err != nil {
		s.logger.Warn("check-in flag clear failed",
			"conversation_id", req.ConversationID, "error", err)
	}

	if s.optOut.IsOptOut(req.Message) {
		if err := s.history.MarkCheckInOptOut(ctx, req.ConversationID); err != nil {
			s.logger.Warn("check-in opt-out persist failed",
				"conversation_id", req.ConversationID, "error", err)
		}
		return checkInOptOutReply, true
	}

	score, ok := mood.ParseCheckInScore(req.Message)
	if !ok {
		return "", false
	}
	if _, err := s.moods.RecordCheckIn(ctx, req.ConversationID, req.UserID, score, now); err != nil {
		s.logger.Error("check-in record failed",
			"conversation_id", req.ConversationID, "error", err)
		return "", false
	}
	s.events.CheckInRecorded(ctx, req.ConversationID, score)
	checkInScoreTotal.WithLabelValues(strconv.Itoa(score)).Inc()
	if s.outbox != nil {
		recorded := events.CheckInRecordedV1{
			EventID:        uuid.NewString(),
			ConversationID: req.ConversationID,
			UserID:         req.UserID,
			Score:          score,
			OccurredAt:     now,
		}
		if _, err := s.outbox.Insert(ctx, "conversation:"+req.ConversationID, recorded.EventType(), recorded); err != nil {
			s.logger.Error("outbox append failed",
				"conversation_id", req.ConversationID, "event_type", recorded.EventType(), "error", err)
		}
	}
	return checkInAck(score), true
}

func checkInAck(score int) string {
	switch {
	case score <= 2:
		return "Thanks for telling me. That sounds like a rough spot to be in. Want to talk about what's weighing on you?"
	case score == 3:
		return "Thanks for checking in. Middling days count too. Anything on your mind?"
	default:
		return "Glad to hear it. I'm around if anything changes. What's been going well?"
	}
}

// generateGuardedReply runs the generative path: injection scan, redaction,
// completion, then the output guard. Every failure mode lands on a safe
// canned reply, never an error back to the user.
func (s *Engine) generateGuardedReply(ctx context.Context, req MessageRequest, directive arbiter.Directive, history []ChatMessage, redactedMessage string) string {
	scan := ScanForPromptInjection(req.Message)
	if scan.Blocked {
		guardBlockTotal.WithLabelValues("prompt").Inc()
		s.logger.Warn("prompt injection blocked",
			"conversation_id", req.ConversationID,
			"score", scan.Score,
			"reasons", strings.Join(scan.Reasons, ","),
		)
		s.events.Log(ctx, "prompt_injection_blocked", req.ConversationID, req.UserID, map[string]any{
			"score":   scan.Score,
			"reasons": scan.Reasons,
		})
		return injectionRedirectReply
	}

	userTurn := redactedMessage
	if scan.Score >= warnThreshold {
		userTurn, _ = Redact(SanitizeForLLM(req.Message))
	}

	messages := make([]ChatMessage, 0, len(history)+1)
	messages = append(messages, trimHistory(history, historyWindow)...)
	messages = append(messages, ChatMessage{Role: ChatRoleUser, Content: userTurn})

	text, err := s.generateReply(ctx, req.ConversationID, directive, messages)
	if err != nil {
		s.events.ErrorOccurred(ctx, req.ConversationID, "llm", err)
		return degradedReply
	}

	result := GuardReply(text)
	if result.Blocked {
		guardBlockTotal.WithLabelValues("reply").Inc()
		s.events.ReplyGuardTriggered(ctx, req.ConversationID, true, result.Reasons)
		if s.audit != nil {
			_ = s.audit.LogReplyGuardModified(ctx, req.ConversationID, result.Reasons)
		}
		return guardReplacementReply
	}
	if result.Modified {
		s.events.ReplyGuardTriggered(ctx, req.ConversationID, false, result.Reasons)
		if s.audit != nil {
			_ = s.audit.LogReplyGuardModified(ctx, req.ConversationID, result.Reasons)
		}
		return result.Sanitized
	}
	return text
}

// generateReply calls the model chain with the directive's system blocks.
func (s *Engine) generateReply(ctx context.Context, conversationID string, directive arbiter.Directive, messages []ChatMessage) (string, error) {
	ctx, span := engineTracer.Start(ctx, "conversation.llm")
	defer span.End()

	llmReq := LLMRequest{
		Model:       s.model,
		System:      buildSystemPrompt(directive),
		Messages:    messages,
		MaxTokens:   llmMaxTokens,
		Temperature: llmTemperature,
	}
	callCtx, cancel := context.WithTimeout(ctx, llmCallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.Complete(callCtx, llmReq)
	latency := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
	}
	llmLatency.WithLabelValues(s.model, status).Observe(latency.Seconds())
	if span.IsRecording() {
		span.SetAttributes(
			attribute.Float64("companion.llm.latency_ms", float64(latency.Milliseconds())),
			attribute.String("companion.llm.model", s.model),
			attribute.Int("companion.llm.total_tokens", int(resp.Usage.TotalTokens)),
			attribute.String("companion.llm.stop_reason", resp.StopReason),
		)
	}
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("llm completion failed",
			"model", s.model, "latency_ms", latency.Milliseconds(), "error", err)
		return "", fmt.Errorf("conversation: llm completion failed: %w", err)
	}
	if resp.Usage.InputTokens > 0 {
		llmTokensTotal.WithLabelValues(s.model, "input").Add(float64(resp.Usage.InputTokens))
	}
	if resp.Usage.OutputTokens > 0 {
		llmTokensTotal.WithLabelValues(s.model, "output").Add(float64(resp.Usage.OutputTokens))
	}
	if resp.Usage.TotalTokens > 0 {
		llmTokensTotal.WithLabelValues(s.model, "total").Add(float64(resp.Usage.TotalTokens))
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("conversation: llm returned empty response")
	}
	s.events.LLMResponseGenerated(ctx, conversationID, latency.Milliseconds(), resp.Usage.TotalTokens)
	return sanitizeChatReply(text), nil
}

// applyDisclaimer prepends the automated-support notice per the disclaimer
// service's cadence. First contact is detected from the transcript so a
// Redis expiry doesn't re-trigger it.
func (s *Engine) applyDisclaimer(ctx context.Context, req MessageRequest, history []ChatMessage, reply string) string {
	isFirst := len(history) == 0
	if isFirst && s.convStore != nil {
		if has, err := s.convStore.HasAssistantMessage(ctx, req.ConversationID); err == nil && has {
			isFirst = false
		}
	}

	out, err := s.disclaimer.AddDisclaimer(ctx, reply, compliance.DisclaimerOptions{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		IsFirstMessage: isFirst,
	})
	if err != nil {
		s.logger.Warn("disclaimer failed",
			"conversation_id", req.ConversationID, "error", err)
		return reply
	}
	return out
}

// persistTranscript mirrors the turn into Postgres for dashboards and
// handoff bundles. Best effort on a detached context.
func (s *Engine) persistTranscript(ctx context.Context, req MessageRequest, userBody, reply string, now time.Time) {
	if s.convStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateCommitTimeout)
	defer cancel()

	if _, err := s.convStore.EnsureConversation(ctx, req.ConversationID, req.UserID); err != nil {
		s.logger.Warn("transcript upsert failed",
			"conversation_id", req.ConversationID, "error", err)
		return
	}
	if err := s.convStore.AppendMessage(ctx, req.ConversationID, req.UserID, TranscriptMessage{
		Role: ChatRoleUser, Body: userBody, Timestamp: now,
	}); err != nil {
		s.logger.Warn("transcript append failed",
			"conversation_id", req.ConversationID, "role", ChatRoleUser, "error", err)
	}
	if err := s.convStore.AppendMessage(ctx, req.ConversationID, req.UserID, TranscriptMessage{
		Role: ChatRoleAssistant, Body: reply, Timestamp: now,
	}); err != nil {
		s.logger.Warn("transcript append failed",
			"conversation_id", req.ConversationID, "role", ChatRoleAssistant, "error", err)
	}
}

func (s *Engine) region(req MessageRequest, conv escalation.Conversation) string {
	if req.Region != "" {
		return req.Region
	}
	if conv.Region != "" {
		return conv.Region
	}
	return s.defaultRegion
}

func trimHistory(history []ChatMessage, limit int) []ChatMessage {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

// sanitizeChatReply strips markdown formatting the system prompt forbids but
// models still emit. Replies render as plain chat bubbles.
func sanitizeChatReply(msg string) string {
	msg = strings.ReplaceAll(msg, "**", "")
	msg = regexp.MustCompile(`\*([^\s*][^*]*[^\s*])\*`).ReplaceAllString(msg, "$1")
	msg = regexp.MustCompile(`(?m)^[\s]*[-•]\s+`).ReplaceAllString(msg, "")
	msg = regexp.MustCompile(`(?m)^#{1,4}\s+`).ReplaceAllString(msg, "")
	msg = regexp.MustCompile(`[ \t]{2,}`).ReplaceAllString(msg, " ")
	return strings.TrimSpace(msg)
}

// conversationLocks serializes turns per conversation within a process.
type conversationLocks struct {
	mu sync.Map // conversation ID -> *sync.Mutex
}

func (l *conversationLocks) lock(id string) func() {
	v, _ := l.mu.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
