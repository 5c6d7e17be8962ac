package escalation

import (
	"context"
	"errors"
	"sync"
)

// ErrConversationNotFound indicates the conversation has no stored record.
var ErrConversationNotFound = errors.New("escalation: conversation not found")

// ErrVersionConflict indicates a Put raced a concurrent writer. Engine-level
// per-key locking makes this rare; the stores still enforce it so a second
// process can never silently drop a safety transition.
var ErrVersionConflict = errors.New("escalation: conversation version conflict")

// StateStore persists conversation escalation state. Implementations must
// be safe for concurrent use across conversations.
type StateStore interface {
	// Get returns the stored record or ErrConversationNotFound.
	Get(ctx context.Context, conversationID string) (Conversation, error)
	// Put writes the record if its Version still matches the stored one,
	// then bumps the version. New records must carry Version 0.
	Put(ctx context.Context, conv Conversation) (Conversation, error)
}

// MemoryStateStore is an in-process StateStore for development and tests.
type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]Conversation
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: make(map[string]Conversation)}
}

// Get implements StateStore.
func (s *MemoryStateStore) Get(_ context.Context, conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.items[conversationID]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// Put implements StateStore with optimistic versioning.
func (s *MemoryStateStore) Put(_ context.Context, conv Conversation) (Conversation, error) {
	if conv.ID == "" {
		return Conversation{}, errors.New("escalation: conversation id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[conv.ID]
	if ok && existing.Version != conv.Version {
		return Conversation{}, ErrVersionConflict
	}
	if !ok && conv.Version != 0 {
		return Conversation{}, ErrVersionConflict
	}
	conv.Version++
	s.items[conv.ID] = conv
	return conv, nil
}

var _ StateStore = (*MemoryStateStore)(nil)
