package escalationworker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmhealth/companion-platform/internal/events"
	"github.com/tmhealth/companion-platform/internal/support"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// CaseOpener turns crisis detections from the outbox into counselor cases.
// Other safety event types pass through untouched; the fanout decides who
// else sees them.
type CaseOpener struct {
	cases  *support.CaseService
	logger *logging.Logger
}

func NewCaseOpener(cases *support.CaseService, logger *logging.Logger) *CaseOpener {
	if cases == nil {
		panic("escalationworker: case service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CaseOpener{cases: cases, logger: logger}
}

var _ events.DeliveryHandler = (*CaseOpener)(nil)

func (o *CaseOpener) Handle(ctx context.Context, entry events.OutboxEntry) error {
	if entry.Type != "safety.crisis.detected.v1" {
		return nil
	}

	var evt events.CrisisDetectedV1
	if err := json.Unmarshal(entry.Payload, &evt); err != nil {
		return fmt.Errorf("escalationworker: decode crisis event: %w", err)
	}

	c, err := o.cases.OpenCase(ctx, support.CaseRequest{
		ConversationID: evt.ConversationID,
		UserID:         evt.UserID,
		Channel:        evt.Channel,
		Region:         evt.Region,
		Severity:       support.SeverityForCrisis(evt.HardTrigger),
		HardTrigger:    evt.HardTrigger,
		TriggerKeyword: evt.TriggerKeyword,
		SourceEventID:  evt.EventID,
	})
	if err != nil {
		return fmt.Errorf("escalationworker: open case: %w", err)
	}

	o.logger.Info("crisis case opened",
		"case_id", c.ID,
		"conversation_id", evt.ConversationID,
		"severity", c.Severity,
		"hard_trigger", evt.HardTrigger,
	)
	return nil
}

// Fanout runs an outbox entry through every handler in order. The first
// failure stops the chain so the deliverer retries the whole entry, which
// is safe because each handler is idempotent on its source event id.
type Fanout []events.DeliveryHandler

var _ events.DeliveryHandler = (Fanout)(nil)

func (f Fanout) Handle(ctx context.Context, entry events.OutboxEntry) error {
	for _, h := range f {
		if h == nil {
			continue
		}
		if err := h.Handle(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
