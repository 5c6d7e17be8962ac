package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// conversationTTL keeps a rolling transcript long enough for a support
	// conversation to pick up across days; Postgres holds the durable copy.
	conversationTTL = 72 * time.Hour

	// historyWindow caps how many turns are replayed into the model.
	historyWindow = 40

	// checkInTTL bounds how long an unanswered check-in stays pending.
	checkInTTL = 2 * time.Hour
)

type historyStore struct {
	redis  *redis.Client
	tracer trace.Tracer
}

func newHistoryStore(redis *redis.Client, tracer trace.Tracer) *historyStore {
	if redis == nil {
		panic("conversation: redis client cannot be nil")
	}
	if tracer == nil {
		tracer = otel.Tracer("companion/conversation-history")
	}
	return &historyStore{
		redis:  redis,
		tracer: tracer,
	}
}

func (s *historyStore) Save(ctx context.Context, conversationID string, history []ChatMessage) error {
	ctx, span := s.tracer.Start(ctx, "conversation.save_history")
	defer span.End()

	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	data, err := json.Marshal(history)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to marshal history: %w", err)
	}
	if err := s.redis.Set(ctx, conversationKey(conversationID), data, conversationTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to persist history: %w", err)
	}
	return nil
}

// Load returns the rolling transcript, or an empty slice for a conversation
// that has none yet. A missing key is not an error; first messages are the
// common case.
func (s *historyStore) Load(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.load_history")
	defer span.End()

	data, err := s.redis.Get(ctx, conversationKey(conversationID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: failed to load history: %w", err)
	}

	var history []ChatMessage
	if err := json.Unmarshal(data, &history); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: failed to decode history: %w", err)
	}
	return history, nil
}

func conversationKey(id string) string {
	return fmt.Sprintf("conversation:%s", id)
}

func checkInKey(conversationID string) string {
	return fmt.Sprintf("checkin:%s", conversationID)
}

func checkInOptOutKey(conversationID string) string {
	return fmt.Sprintf("checkin-optout:%s", conversationID)
}

// MarkCheckInPending flags that the last reply asked for a 1-5 mood rating,
// so the next inbound message is first tried as a check-in answer.
func (s *historyStore) MarkCheckInPending(ctx context.Context, conversationID string) error {
	ctx, span := s.tracer.Start(ctx, "conversation.mark_checkin")
	defer span.End()

	if err := s.redis.Set(ctx, checkInKey(conversationID), "1", checkInTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to mark check-in pending: %w", err)
	}
	return nil
}

// CheckInPending reports whether a mood check-in is awaiting an answer.
func (s *historyStore) CheckInPending(ctx context.Context, conversationID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.checkin_pending")
	defer span.End()

	_, err := s.redis.Get(ctx, checkInKey(conversationID)).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		span.RecordError(err)
		return false, fmt.Errorf("conversation: failed to read check-in flag: %w", err)
	}
	return true, nil
}

// ClearCheckIn removes the pending check-in marker.
func (s *historyStore) ClearCheckIn(ctx context.Context, conversationID string) error {
	ctx, span := s.tracer.Start(ctx, "conversation.clear_checkin")
	defer span.End()

	if err := s.redis.Del(ctx, checkInKey(conversationID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to clear check-in flag: %w", err)
	}
	return nil
}

// MarkCheckInOptOut records that this conversation asked to stop receiving
// mood check-ins. The flag has no expiry; the user can re-enable via /mood.
func (s *historyStore) MarkCheckInOptOut(ctx context.Context, conversationID string) error {
	if err := s.redis.Set(ctx, checkInOptOutKey(conversationID), "1", 0).Err(); err != nil {
		return fmt.Errorf("conversation: failed to mark check-in opt-out: %w", err)
	}
	return nil
}

// CheckInOptedOut reports whether the conversation opted out of check-ins.
func (s *historyStore) CheckInOptedOut(ctx context.Context, conversationID string) (bool, error) {
	_, err := s.redis.Get(ctx, checkInOptOutKey(conversationID)).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("conversation: failed to read check-in opt-out: %w", err)
	}
	return true, nil
}

// ClearCheckInOptOut re-enables mood check-ins for the conversation.
func (s *historyStore) ClearCheckInOptOut(ctx context.Context, conversationID string) error {
	if err := s.redis.Del(ctx, checkInOptOutKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("conversation: failed to clear check-in opt-out: %w", err)
	}
	return nil
}
