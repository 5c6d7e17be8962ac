package mood

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "conv-1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	session := Session{ConversationID: "conv-1", UserID: "user-1", Instrument: InstrumentPHQ9}
	require.NoError(t, store.Put(ctx, session))

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, InstrumentPHQ9, got.Instrument)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, store.Clear(ctx, "conv-1"))
	if _, err := store.Get(ctx, "conv-1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after clear, got %v", err)
	}
}

func TestSessionStepAndComplete(t *testing.T) {
	session := Session{ConversationID: "conv-1", Instrument: InstrumentGAD7}

	assert.Equal(t, 0, session.Step())
	assert.False(t, session.Complete())

	session.Responses = []int{1, 2, 0, 1, 2, 3}
	assert.Equal(t, 6, session.Step())
	assert.False(t, session.Complete())

	session.Responses = append(session.Responses, 1)
	assert.True(t, session.Complete())
}

func TestSessionPutRequiresConversationID(t *testing.T) {
	store := NewMemorySessionStore()
	if err := store.Put(context.Background(), Session{Instrument: InstrumentPHQ9}); err == nil {
		t.Fatal("expected error for empty conversation id")
	}
}
