package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// queueClient is the transport between the API/bot processes and the
// conversation worker. The group id keys FIFO ordering: all jobs for one
// conversation flow through one group so safety state never races itself.
type queueClient interface {
	Send(ctx context.Context, body string, groupID string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobType string

const (
	jobTypeMessage jobType = "message"
	jobTypeCheckIn jobType = "checkin"
)

// CheckInRequest asks the worker to send a proactive mood check-in, used
// after a conversation settles out of crisis.
type CheckInRequest struct {
	ConversationID string  `json:"conversation_id"`
	UserID         string  `json:"user_id"`
	Channel        Channel `json:"channel"`
	Region         string  `json:"region,omitempty"`
}

type queuePayload struct {
	ID          string          `json:"id"`
	Kind        jobType         `json:"kind"`
	Message     MessageRequest  `json:"message,omitempty"`
	CheckIn     *CheckInRequest `json:"check_in,omitempty"`
	TrackStatus bool            `json:"track_status"`
}

// groupID returns the FIFO ordering key for the payload.
func (p queuePayload) groupID() string {
	switch p.Kind {
	case jobTypeMessage:
		return p.Message.ConversationID
	case jobTypeCheckIn:
		if p.CheckIn != nil {
			return p.CheckIn.ConversationID
		}
	}
	return p.ID
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}

	return payload, string(body), nil
}
