// Purges all stored data for one conversation from a development database.
// Useful between manual test runs so crisis state, cases, and transcripts
// start clean.
//
// Usage:
//
//	DATABASE_URL=... go run scripts/purge/main.go <conversation_id>
//	DATABASE_URL=... go run scripts/purge/main.go webchat:e2e-crisis-17123
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run main.go <conversation_id>")
		fmt.Println("Example: go run main.go telegram:123456789")
		os.Exit(1)
	}
	conversationID := os.Args[1]

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		fmt.Println("Error: DATABASE_URL environment variable not set")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		fmt.Printf("Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	statements := []struct {
		label string
		sql   string
		arg   string
	}{
		{"outbox events", "DELETE FROM outbox WHERE aggregate = $1", "conversation:" + conversationID},
		{"audit events", "DELETE FROM safety_audit_events WHERE conversation_id = $1", conversationID},
		{"escalation cases", "DELETE FROM escalation_cases WHERE conversation_id = $1", conversationID},
		{"escalation transitions", "DELETE FROM escalation_transitions WHERE conversation_id = $1", conversationID},
		{"mood entries", "DELETE FROM mood_entries WHERE conversation_id = $1", conversationID},
		{"assessments", "DELETE FROM assessments WHERE conversation_id = $1", conversationID},
		{"queued jobs", "DELETE FROM conversation_jobs WHERE conversation_id = $1", conversationID},
		{"messages", "DELETE FROM conversation_messages WHERE conversation_id = $1", conversationID},
		{"conversation", "DELETE FROM conversations WHERE conversation_id = $1", conversationID},
	}

	fmt.Printf("Purging data for conversation %s...\n", conversationID)
	for _, stmt := range statements {
		tag, err := conn.Exec(ctx, stmt.sql, stmt.arg)
		if err != nil {
			fmt.Printf("Error purging %s: %v\n", stmt.label, err)
			os.Exit(1)
		}
		fmt.Printf("  %-24s %d rows\n", stmt.label, tag.RowsAffected())
	}
	fmt.Println("Done.")
}
