package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

// ErrDispatcherClosed is returned for requests that arrive after Shutdown.
var ErrDispatcherClosed = errors.New("conversation: dispatcher closed")

// Dispatcher gives synchronous callers FIFO ordering. Each message is pushed
// through the queue, consumed by the dispatcher's own workers, and handed
// back to the waiting caller in-process. The group id is the conversation id,
// so two messages for the same conversation never interleave even when
// several API replicas share the queue.
type Dispatcher struct {
	processor Service
	prompter  CheckInPrompter
	queue     queueClient
	logger    *logging.Logger

	pending sync.Map // job id -> chan dispatchResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	cfg dispatcherConfig
}

type dispatchResult struct {
	resp *Response
	err  error
}

type dispatcherConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

// DispatcherOption customizes dispatcher behavior.
type DispatcherOption func(*dispatcherConfig)

// WithDispatchWorkers sets the number of queue consumer goroutines.
func WithDispatchWorkers(count int) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithDispatchReceiveWait sets the long-poll wait duration in seconds.
func WithDispatchReceiveWait(seconds int) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithDispatchBatchSize sets how many messages to fetch per poll.
func WithDispatchBatchSize(size int) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

var _ Service = (*Dispatcher)(nil)

// NewDispatcher wraps a processor with queue-ordered dispatch and starts its
// consumer goroutines. Call Shutdown to stop them.
func NewDispatcher(processor Service, queue queueClient, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	if processor == nil {
		panic("conversation: processor cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := dispatcherConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		processor: processor,
		queue:     queue,
		logger:    logger,
		cancel:    cancel,
		cfg:       cfg,
	}
	if prompter, ok := processor.(CheckInPrompter); ok {
		d.prompter = prompter
	}

	for i := 0; i < cfg.workers; i++ {
		d.wg.Add(1)
		go d.runConsumer(ctx, i+1)
	}

	return d
}

// ProcessMessage enqueues the message and blocks until the dispatched worker
// returns a result or ctx is cancelled. State commits happen inside the
// engine, so a caller that gives up does not roll anything back.
func (d *Dispatcher) ProcessMessage(ctx context.Context, req MessageRequest) (*Response, error) {
	return d.dispatch(ctx, queuePayload{Kind: jobTypeMessage, Message: req})
}

// PromptCheckIn enqueues a proactive check-in and waits for the result.
func (d *Dispatcher) PromptCheckIn(ctx context.Context, req CheckInRequest) (*Response, error) {
	if d.prompter == nil {
		return nil, errors.New("conversation: processor does not support check-ins")
	}
	return d.dispatch(ctx, queuePayload{Kind: jobTypeCheckIn, CheckIn: &req})
}

// GetHistory reads straight from the processor. History reads are safe to
// serve without queue ordering.
func (d *Dispatcher) GetHistory(ctx context.Context, conversationID string) ([]Message, error) {
	return d.processor.GetHistory(ctx, conversationID)
}

// Shutdown stops the consumers and fails any callers still waiting.
func (d *Dispatcher) Shutdown() {
	if d.closed.Swap(true) {
		return
	}
	d.cancel()
	d.wg.Wait()

	d.pending.Range(func(key, value any) bool {
		d.pending.Delete(key)
		select {
		case value.(chan dispatchResult) <- dispatchResult{err: ErrDispatcherClosed}:
		default:
		}
		return true
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, payload queuePayload) (*Response, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}

	payload, body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan dispatchResult, 1)
	d.pending.Store(payload.ID, resultCh)
	defer d.pending.Delete(payload.ID)

	if err := d.queue.Send(ctx, body, payload.groupID()); err != nil {
		return nil, fmt.Errorf("conversation: failed to enqueue job: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		return result.resp, result.err
	}
}

func (d *Dispatcher) runConsumer(ctx context.Context, workerID int) {
	defer d.wg.Done()
	d.logger.Debug("dispatch consumer started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("dispatch consumer stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := d.queue.Receive(ctx, d.cfg.receiveBatchSize, d.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Error("failed to receive dispatched jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			d.handleQueueMessage(ctx, msg)
		}
	}
}

func (d *Dispatcher) handleQueueMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		d.logger.Error("failed to decode dispatched job", "error", err)
		d.deleteMessage(msg.ReceiptHandle)
		return
	}

	var (
		resp *Response
		err  error
	)
	switch payload.Kind {
	case jobTypeMessage:
		resp, err = d.processor.ProcessMessage(ctx, payload.Message)
	case jobTypeCheckIn:
		if d.prompter == nil || payload.CheckIn == nil {
			err = errors.New("conversation: check-in job missing prompter or request")
		} else {
			resp, err = d.prompter.PromptCheckIn(ctx, *payload.CheckIn)
		}
	default:
		err = fmt.Errorf("conversation: unknown job type %q", payload.Kind)
	}

	d.deleteMessage(msg.ReceiptHandle)
	d.deliverResult(payload.ID, dispatchResult{resp: resp, err: err})
}

func (d *Dispatcher) deliverResult(jobID string, result dispatchResult) {
	value, ok := d.pending.LoadAndDelete(jobID)
	if !ok {
		// The caller gave up. The engine already committed state, so the
		// reply can be dropped without losing safety progress.
		d.logger.Warn("no caller waiting for dispatched job", "job_id", jobID)
		return
	}
	value.(chan dispatchResult) <- result
}

func (d *Dispatcher) deleteMessage(receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := d.queue.Delete(ctx, receiptHandle); err != nil {
		d.logger.Error("failed to delete dispatched job", "error", err)
	}
}
