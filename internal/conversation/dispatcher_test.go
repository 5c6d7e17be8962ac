package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

func TestDispatcherRoundTrip(t *testing.T) {
	processor := &recordingProcessor{reply: "supportive reply"}
	queue := NewMemoryQueue(8)
	dispatcher := NewDispatcher(processor, queue, logging.Default(),
		WithDispatchWorkers(1), WithDispatchReceiveWait(0), WithDispatchBatchSize(1))
	t.Cleanup(dispatcher.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := dispatcher.ProcessMessage(ctx, MessageRequest{
		ConversationID: "conv-disp",
		UserID:         "user-1",
		Message:        "hello there",
		Channel:        ChannelWebchat,
	})
	if err != nil {
		t.Fatalf("ProcessMessage returned error: %v", err)
	}
	if resp == nil || resp.Message != "supportive reply" {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if resp.ConversationID != "conv-disp" {
		t.Fatalf("expected conversation id to round-trip, got %q", resp.ConversationID)
	}
	if processor.messageCount() != 1 {
		t.Fatalf("expected 1 processor call, got %d", processor.messageCount())
	}
}

func TestDispatcherPropagatesProcessorError(t *testing.T) {
	processor := &recordingProcessor{fail: true}
	queue := NewMemoryQueue(8)
	dispatcher := NewDispatcher(processor, queue, logging.Default(),
		WithDispatchWorkers(1), WithDispatchReceiveWait(0))
	t.Cleanup(dispatcher.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := dispatcher.ProcessMessage(ctx, MessageRequest{
		ConversationID: "conv-err",
		Message:        "hello",
	})
	if err == nil {
		t.Fatalf("expected processor error to propagate")
	}
}

func TestDispatcherPromptsCheckIns(t *testing.T) {
	processor := &promptingProcessor{
		recordingProcessor: recordingProcessor{reply: "ok"},
		prompt: &Response{
			ConversationID: "conv-ci",
			Message:        "Hey, just checking in.",
			CheckIn:        true,
		},
	}
	queue := NewMemoryQueue(8)
	dispatcher := NewDispatcher(processor, queue, logging.Default(),
		WithDispatchWorkers(1), WithDispatchReceiveWait(0))
	t.Cleanup(dispatcher.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := dispatcher.PromptCheckIn(ctx, CheckInRequest{
		ConversationID: "conv-ci",
		UserID:         "user-1",
		Channel:        ChannelTelegram,
	})
	if err != nil {
		t.Fatalf("PromptCheckIn returned error: %v", err)
	}
	if resp == nil || !resp.CheckIn {
		t.Fatalf("expected a check-in prompt response, got %#v", resp)
	}
}

func TestDispatcherRejectsCheckInsWithoutPrompter(t *testing.T) {
	// recordingProcessor does not implement CheckInPrompter.
	dispatcher := NewDispatcher(&recordingProcessor{}, NewMemoryQueue(2), logging.Default(),
		WithDispatchWorkers(1), WithDispatchReceiveWait(0))
	t.Cleanup(dispatcher.Shutdown)

	_, err := dispatcher.PromptCheckIn(context.Background(), CheckInRequest{ConversationID: "c"})
	if err == nil {
		t.Fatalf("expected an error when the processor cannot prompt check-ins")
	}
}

func TestDispatcherShutdownRejectsNewWork(t *testing.T) {
	dispatcher := NewDispatcher(&recordingProcessor{reply: "hi"}, NewMemoryQueue(2), logging.Default(),
		WithDispatchWorkers(1), WithDispatchReceiveWait(0))

	dispatcher.Shutdown()

	_, err := dispatcher.ProcessMessage(context.Background(), MessageRequest{
		ConversationID: "conv-closed",
		Message:        "hello",
	})
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcherGetHistoryBypassesQueue(t *testing.T) {
	processor := &historyProcessor{
		history: []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
	}
	dispatcher := NewDispatcher(processor, NewMemoryQueue(2), logging.Default(),
		WithDispatchWorkers(1), WithDispatchReceiveWait(0))
	t.Cleanup(dispatcher.Shutdown)

	msgs, err := dispatcher.GetHistory(context.Background(), "conv-h")
	if err != nil {
		t.Fatalf("GetHistory returned error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

type promptingProcessor struct {
	recordingProcessor
	prompt *Response
}

func (p *promptingProcessor) PromptCheckIn(ctx context.Context, req CheckInRequest) (*Response, error) {
	return p.prompt, nil
}

type historyProcessor struct {
	recordingProcessor
	history []Message
}

func (h *historyProcessor) GetHistory(ctx context.Context, conversationID string) ([]Message, error) {
	return h.history, nil
}
