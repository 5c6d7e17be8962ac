package mood

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSession indicates no screener is in progress for the conversation.
var ErrNoSession = errors.New("mood: no screener session")

// Session is an in-progress screener, one answer per question so far.
type Session struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Instrument     Instrument `json:"instrument"`
	Responses      []int      `json:"responses"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Step is the index of the next unanswered question.
func (s Session) Step() int { return len(s.Responses) }

// Complete reports whether every question has an answer.
func (s Session) Complete() bool {
	screener, err := ByInstrument(s.Instrument)
	if err != nil {
		return false
	}
	return len(s.Responses) >= len(screener.Questions)
}

// SessionStore holds in-progress screeners keyed by conversation. A
// conversation has at most one active screener.
type SessionStore interface {
	// Get returns the active session or ErrNoSession.
	Get(ctx context.Context, conversationID string) (Session, error)
	Put(ctx context.Context, session Session) error
	Clear(ctx context.Context, conversationID string) error
}

// MemorySessionStore is an in-process SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

// Get implements SessionStore.
func (s *MemorySessionStore) Get(_ context.Context, conversationID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[conversationID]
	if !ok {
		return Session{}, ErrNoSession
	}
	return session, nil
}

// Put implements SessionStore.
func (s *MemorySessionStore) Put(_ context.Context, session Session) error {
	if session.ConversationID == "" {
		return errors.New("mood: session conversation id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session.UpdatedAt = time.Now().UTC()
	s.sessions[session.ConversationID] = session
	return nil
}

// Clear implements SessionStore.
func (s *MemorySessionStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conversationID)
	return nil
}

var _ SessionStore = (*MemorySessionStore)(nil)
