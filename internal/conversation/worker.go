package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
	sendTimeout          = 10 * time.Second

	// workerFallbackReply goes out when a job fails outright. The engine
	// already degrades gracefully inside ProcessMessage; this covers decode
	// and validation failures where no response exists at all.
	workerFallbackReply = "Sorry, I'm having trouble replying right now. Please send your message again in a moment."
)

// CheckInPrompter pushes a proactive mood check-in prompt. *Engine
// implements it; check-in jobs fail when the worker runs without one.
type CheckInPrompter interface {
	PromptCheckIn(ctx context.Context, req CheckInRequest) (*Response, error)
}

// Worker consumes conversation jobs from the queue, runs them through the
// engine, and pushes replies back out through the channel messenger.
type Worker struct {
	processor Service
	queue     queueClient
	jobs      JobUpdater
	messenger ReplyMessenger
	prompter  CheckInPrompter
	logger    *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	prompter         CheckInPrompter
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithCheckInPrompter wires the handler for proactive check-in jobs.
func WithCheckInPrompter(prompter CheckInPrompter) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.prompter = prompter
	}
}

// NewWorker constructs a queue consumer around the provided processor. The
// jobs updater may be nil when no caller polls job status; the messenger may
// be nil in deployments where callers poll for the response instead.
func NewWorker(processor Service, queue queueClient, jobs JobUpdater, messenger ReplyMessenger, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("conversation: processor cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		processor: processor,
		queue:     queue,
		jobs:      jobs,
		messenger: messenger,
		prompter:  cfg.prompter,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("conversation worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("conversation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive conversation jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode conversation job", "error", err)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	w.logger.Info("worker processing job",
		"job_id", payload.ID,
		"kind", payload.Kind,
		"msg_id", msg.ID,
	)

	var (
		resp *Response
		err  error
	)
	switch payload.Kind {
	case jobTypeMessage:
		resp, err = w.processor.ProcessMessage(ctx, payload.Message)
	case jobTypeCheckIn:
		resp, err = w.promptCheckIn(ctx, payload)
	default:
		err = fmt.Errorf("conversation: unknown job type %q", payload.Kind)
	}

	if err != nil {
		w.logger.Error("conversation job failed", "error", err, "job_id", payload.ID, "kind", payload.Kind)
		if payload.TrackStatus && w.jobs != nil {
			if storeErr := w.jobs.MarkFailed(ctx, payload.ID, err.Error()); storeErr != nil {
				w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
			}
		}
		if payload.Kind == jobTypeMessage && strings.TrimSpace(payload.Message.ConversationID) != "" {
			w.logger.Warn("sending fallback reply after conversation failure", "job_id", payload.ID)
			w.deliver(ctx, OutboundReply{
				ConversationID: payload.Message.ConversationID,
				UserID:         payload.Message.UserID,
				Channel:        payload.Message.Channel,
				Body:           workerFallbackReply,
				Metadata:       payload.Message.Metadata,
			})
		}
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	w.logger.Debug("conversation job processed", "job_id", payload.ID, "kind", payload.Kind)
	if payload.TrackStatus && w.jobs != nil {
		convID := payload.Message.ConversationID
		if resp != nil && resp.ConversationID != "" {
			convID = resp.ConversationID
		}
		if storeErr := w.jobs.MarkCompleted(ctx, payload.ID, resp, convID); storeErr != nil {
			w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
		}
	}
	// A nil response with no error means nothing should be sent (e.g. a
	// check-in for a conversation that opted out).
	if resp != nil {
		w.deliver(ctx, outboundFromResponse(payload, resp))
	}

	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (w *Worker) promptCheckIn(ctx context.Context, payload queuePayload) (*Response, error) {
	if w.prompter == nil {
		return nil, errors.New("conversation: no check-in prompter configured")
	}
	if payload.CheckIn == nil {
		return nil, errors.New("conversation: check-in job missing request")
	}
	return w.prompter.PromptCheckIn(ctx, *payload.CheckIn)
}

func (w *Worker) deliver(ctx context.Context, reply OutboundReply) {
	if w.messenger == nil || strings.TrimSpace(reply.Body) == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := w.messenger.SendReply(sendCtx, reply); err != nil {
		w.logger.Error("failed to deliver reply",
			"conversation_id", reply.ConversationID,
			"channel", reply.Channel,
			"error", err,
		)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete conversation job", "error", err)
	}
}

func outboundFromResponse(payload queuePayload, resp *Response) OutboundReply {
	reply := OutboundReply{
		ConversationID: resp.ConversationID,
		Body:           resp.Message,
		Resources:      resp.Resources,
		CheckIn:        resp.CheckIn,
	}
	switch payload.Kind {
	case jobTypeCheckIn:
		if payload.CheckIn != nil {
			reply.UserID = payload.CheckIn.UserID
			reply.Channel = payload.CheckIn.Channel
		}
	default:
		reply.UserID = payload.Message.UserID
		reply.Channel = payload.Message.Channel
		reply.Metadata = payload.Message.Metadata
	}
	return reply
}
