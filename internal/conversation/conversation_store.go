package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationStore persists conversations and messages to PostgreSQL for
// long-term history and counselor handoff bundles.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates a new conversation store.
func NewConversationStore(db *sql.DB) *ConversationStore {
	if db == nil {
		return nil
	}
	return &ConversationStore{db: db}
}

// ConversationRecord represents a conversation in the database.
type ConversationRecord struct {
	ID                    uuid.UUID
	ConversationID        string
	UserID                string
	Channel               string
	Status                string
	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	StartedAt             time.Time
	LastMessageAt         *time.Time
	EndedAt               *time.Time
}

// MessageRecord represents a message in the database.
type MessageRecord struct {
	ID             uuid.UUID
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// TranscriptMessage is one turn to persist.
type TranscriptMessage struct {
	ID        string
	Role      string
	Body      string
	Timestamp time.Time
}

// parseConversationID extracts channel and external id from
// "telegram:{chatID}" or "webchat:{sessionID}".
func parseConversationID(conversationID string) (channel string, ok bool) {
	parts := strings.SplitN(conversationID, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", false
	}
	switch Channel(parts[0]) {
	case ChannelTelegram, ChannelWebchat:
		return parts[0], true
	default:
		return "", false
	}
}

// EnsureConversation creates or touches a conversation record.
// Returns the conversation UUID.
func (s *ConversationStore) EnsureConversation(ctx context.Context, conversationID, userID string) (uuid.UUID, error) {
	if s == nil || s.db == nil {
		return uuid.Nil, nil
	}

	channel, ok := parseConversationID(conversationID)
	if !ok {
		return uuid.Nil, fmt.Errorf("conversation: invalid conversation_id format: %s", conversationID)
	}

	var existingID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE conversation_id = $1`,
		conversationID,
	).Scan(&existingID)

	if err == nil {
		s.db.ExecContext(ctx,
			`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
			time.Now(), existingID,
		)
		return existingID, nil
	}

	if err != sql.ErrNoRows {
		return uuid.Nil, fmt.Errorf("conversation: failed to check existing: %w", err)
	}

	newID := uuid.New()
	now := time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			id, conversation_id, user_id, channel, status,
			message_count, user_message_count, assistant_message_count,
			started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, newID, conversationID, userID, channel, "active",
		0, 0, 0, now, now, now,
	)

	if err != nil {
		// Another process may have created it between the SELECT and INSERT.
		if strings.Contains(err.Error(), "duplicate key") {
			return s.EnsureConversation(ctx, conversationID, userID)
		}
		return uuid.Nil, fmt.Errorf("conversation: failed to create: %w", err)
	}

	return newID, nil
}

// AppendMessage persists a message and updates conversation counters.
func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID, userID string, msg TranscriptMessage) error {
	if s == nil || s.db == nil {
		return nil
	}

	if _, err := s.EnsureConversation(ctx, conversationID, userID); err != nil {
		return err
	}

	msgID := uuid.New()
	if msg.ID != "" {
		if parsed, parseErr := uuid.Parse(msg.ID); parseErr == nil {
			msgID = parsed
		}
	}

	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (
			id, conversation_id, role, content, created_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, msgID, conversationID, msg.Role, msg.Body, timestamp)

	if err != nil {
		return fmt.Errorf("conversation: failed to insert message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation: failed to read insert result: %w", err)
	}
	if rowsAffected == 0 {
		return nil
	}

	counterColumn := "message_count"
	if msg.Role == ChatRoleUser {
		counterColumn = "user_message_count"
	} else if msg.Role == ChatRoleAssistant {
		counterColumn = "assistant_message_count"
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE conversations SET
			message_count = message_count + 1,
			%s = %s + 1,
			last_message_at = $1,
			updated_at = $1
		WHERE conversation_id = $2
	`, counterColumn, counterColumn), timestamp, conversationID)

	if err != nil {
		return fmt.Errorf("conversation: failed to update counters: %w", err)
	}

	return nil
}

// EndConversation marks a conversation as ended.
func (s *ConversationStore) EndConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return nil
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			status = 'ended',
			ended_at = $1,
			updated_at = $1
		WHERE conversation_id = $2 AND ended_at IS NULL
	`, now, conversationID)

	return err
}

// GetConversation retrieves a conversation by its ID.
func (s *ConversationStore) GetConversation(ctx context.Context, conversationID string) (*ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	var conv ConversationRecord
	var lastMessageAt, endedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_id, channel, status,
			   message_count, user_message_count, assistant_message_count,
			   started_at, last_message_at, ended_at
		FROM conversations
		WHERE conversation_id = $1
	`, conversationID).Scan(
		&conv.ID, &conv.ConversationID, &conv.UserID, &conv.Channel, &conv.Status,
		&conv.MessageCount, &conv.UserMessageCount, &conv.AssistantMessageCount,
		&conv.StartedAt, &lastMessageAt, &endedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to get: %w", err)
	}

	if lastMessageAt.Valid {
		conv.LastMessageAt = &lastMessageAt.Time
	}
	if endedAt.Valid {
		conv.EndedAt = &endedAt.Time
	}

	return &conv, nil
}

// GetMessages retrieves messages for a conversation in chronological order.
func (s *ConversationStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	query := `
		SELECT id, conversation_id, role, content, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`
	args := []any{conversationID}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []MessageRecord
	for rows.Next() {
		var msg MessageRecord
		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt,
		)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// UpdateStatus updates the status of a conversation.
func (s *ConversationStore) UpdateStatus(ctx context.Context, conversationID, status string) error {
	if s == nil || s.db == nil {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = $1, updated_at = $2
		WHERE conversation_id = $3
	`, status, time.Now(), conversationID)

	return err
}

// HasAssistantMessage reports whether the companion has replied in this
// conversation before. The disclaimer layer uses it to detect first contact.
func (s *ConversationStore) HasAssistantMessage(ctx context.Context, conversationID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(conversationID) == "" {
		return false, nil
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM conversation_messages
		WHERE conversation_id = $1 AND role = 'assistant'
		LIMIT 1
	`, conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conversation: check assistant messages: %w", err)
	}
	return true, nil
}
