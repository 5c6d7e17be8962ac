package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tmhealth/companion-platform/pkg/logging"
)

// Enqueuer publishes conversation jobs for asynchronous processing.
// *Publisher satisfies it.
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, jobID string, req MessageRequest, opts ...PublishOption) error
	EnqueueCheckIn(ctx context.Context, jobID string, req CheckInRequest, opts ...PublishOption) error
}

// StartRequest opens a conversation for a user on a channel.
type StartRequest struct {
	UserID  string  `json:"user_id"`
	Channel Channel `json:"channel"`
	Region  string  `json:"region,omitempty"`
}

// Handler wires HTTP requests to the conversation service. Synchronous
// endpoints call the service directly (a Dispatcher when queue ordering
// matters); async endpoints enqueue a job and let the caller poll its status.
type Handler struct {
	service  Service
	enqueuer Enqueuer
	jobs     JobRecorder
	logger   *logging.Logger
}

// NewHandler creates a conversation handler. The enqueuer and jobs store may
// be nil; async endpoints then answer 503.
func NewHandler(service Service, enqueuer Enqueuer, jobs JobRecorder, logger *logging.Logger) *Handler {
	if service == nil {
		panic("conversation: service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		service:  service,
		enqueuer: enqueuer,
		jobs:     jobs,
		logger:   logger,
	}
}

// Start handles POST /conversations/start. It mints the conversation id;
// safety state and transcript rows are created lazily on the first message.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode start request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"conversation_id": uuid.NewString(),
	})
}

// Message handles POST /conversations/message synchronously and returns the
// full reply, including strategy, state, and any crisis resources.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode message request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "conversation_id and message are required", http.StatusBadRequest)
		return
	}

	resp, err := h.service.ProcessMessage(r.Context(), req)
	if err != nil {
		h.logger.Error("failed to process message", "error", err)
		http.Error(w, "Failed to process message", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// MessageAsync handles POST /conversations/message/async. The job id comes
// back immediately; callers poll JobStatus for the reply.
func (h *Handler) MessageAsync(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil || h.jobs == nil {
		http.Error(w, "Async processing not configured", http.StatusServiceUnavailable)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode message request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "conversation_id and message are required", http.StatusBadRequest)
		return
	}

	jobID := uuid.NewString()
	record := &JobRecord{
		JobID:          jobID,
		RequestType:    jobTypeMessage,
		ConversationID: req.ConversationID,
		MessageRequest: &req,
	}
	if err := h.jobs.PutPending(r.Context(), record); err != nil {
		h.logger.Error("failed to persist pending job", "error", err, "job_id", jobID)
		http.Error(w, "Failed to accept message", http.StatusInternalServerError)
		return
	}
	if err := h.enqueuer.EnqueueMessage(r.Context(), jobID, req); err != nil {
		h.logger.Error("failed to enqueue message", "error", err, "job_id", jobID)
		http.Error(w, "Failed to accept message", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// JobStatus handles GET /conversations/jobs/{jobID}.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		http.Error(w, "Job tracking not configured", http.StatusServiceUnavailable)
		return
	}

	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load job", "error", err, "job_id", jobID)
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// History handles GET /conversations/{conversationID}/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		http.Error(w, "Conversation ID required", http.StatusBadRequest)
		return
	}

	messages, err := h.service.GetHistory(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to load history", "error", err, "conversation_id", conversationID)
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []Message{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        messages,
	})
}

// CheckIn handles POST /conversations/{conversationID}/checkin, used by the
// scheduler to push a proactive mood check-in.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		http.Error(w, "Async processing not configured", http.StatusServiceUnavailable)
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		http.Error(w, "Conversation ID required", http.StatusBadRequest)
		return
	}

	var req CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode check-in request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.ConversationID = conversationID

	jobID := uuid.NewString()
	if err := h.enqueuer.EnqueueCheckIn(r.Context(), jobID, req); err != nil {
		h.logger.Error("failed to enqueue check-in", "error", err, "job_id", jobID)
		http.Error(w, "Failed to schedule check-in", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}
