package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmhealth/companion-platform/internal/events"
)

// OutboxDispatcher turns stored safety events into conversation jobs. It
// schedules a proactive mood check-in when a conversation de-escalates into
// cooldown; state-change entries are acknowledged without action since the
// outbox row itself is the audit record.
type OutboxDispatcher struct {
	publisher *Publisher
}

func NewOutboxDispatcher(publisher *Publisher) *OutboxDispatcher {
	if publisher == nil {
		panic("conversation: publisher cannot be nil")
	}
	return &OutboxDispatcher{publisher: publisher}
}

var _ events.DeliveryHandler = (*OutboxDispatcher)(nil)

func (d *OutboxDispatcher) Handle(ctx context.Context, entry events.OutboxEntry) error {
	switch entry.Type {
	case "safety.cooldown.entered.v1":
		var evt events.CooldownEnteredV1
		if err := json.Unmarshal(entry.Payload, &evt); err != nil {
			return fmt.Errorf("conversation: decode cooldown event: %w", err)
		}
		req := CheckInRequest{
			ConversationID: evt.ConversationID,
			UserID:         evt.UserID,
			Channel:        Channel(evt.Channel),
			Region:         evt.Region,
		}
		return d.publisher.EnqueueCheckIn(ctx, evt.EventID, req)
	case "safety.state.changed.v1", "safety.checkin.recorded.v1",
		"safety.crisis.detected.v1", "safety.handoff.requested.v1":
		// Counselor-facing consumers own these; nothing to schedule here.
		return nil
	default:
		return fmt.Errorf("conversation: unhandled outbox type %s", entry.Type)
	}
}
