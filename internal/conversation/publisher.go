package conversation

import (
	"context"
	"fmt"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Publisher enqueues conversation jobs for asynchronous processing.
type Publisher struct {
	queue  queueClient
	logger *logging.Logger
}

// PublishOption adjusts a single enqueue call.
type PublishOption func(*queuePayload)

// WithoutJobTracking disables job status persistence for fire-and-forget work.
func WithoutJobTracking() PublishOption {
	return func(p *queuePayload) {
		p.TrackStatus = false
	}
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue queueClient, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		logger: logger,
	}
}

// EnqueueMessage publishes a ProcessMessage job, serialized on the
// conversation id.
func (p *Publisher) EnqueueMessage(ctx context.Context, jobID string, req MessageRequest, opts ...PublishOption) error {
	payload := queuePayload{
		ID:          jobID,
		Kind:        jobTypeMessage,
		Message:     req,
		TrackStatus: true,
	}
	return p.enqueue(ctx, payload, opts...)
}

// EnqueueCheckIn publishes a proactive mood check-in job.
func (p *Publisher) EnqueueCheckIn(ctx context.Context, jobID string, req CheckInRequest, opts ...PublishOption) error {
	payload := queuePayload{
		ID:          jobID,
		Kind:        jobTypeCheckIn,
		CheckIn:     &req,
		TrackStatus: false,
	}
	return p.enqueue(ctx, payload, opts...)
}

func (p *Publisher) enqueue(ctx context.Context, payload queuePayload, opts ...PublishOption) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for _, opt := range opts {
		opt(&payload)
	}

	payload, body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	if err := p.queue.Send(ctx, body, payload.groupID()); err != nil {
		return fmt.Errorf("conversation: failed to enqueue job: %w", err)
	}

	p.logger.Debug("conversation job enqueued", "job_id", payload.ID, "kind", payload.Kind)
	return nil
}
