package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"strings"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/tmhealth/companion-platform/internal/config"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/mood"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildConversationStore wires the durable Postgres transcript, or nil when
// no database is configured.
func BuildConversationStore(sqlDB *sql.DB, logger *logging.Logger) *conversation.ConversationStore {
	if sqlDB == nil {
		return nil
	}
	if logger != nil {
		logger.Info("conversation persistence enabled")
	}
	return conversation.NewConversationStore(sqlDB)
}

// BuildTransitionLog wires the escalation audit trail. Without a database it
// degrades to the in-memory log so dev setups still see transitions.
func BuildTransitionLog(sqlDB *sql.DB, logger *logging.Logger) escalation.TransitionLog {
	if sqlDB == nil {
		if logger != nil {
			logger.Warn("no database configured; escalation transitions held in memory only")
		}
		return escalation.NewMemoryTransitionLog()
	}
	return escalation.NewPostgresTransitionLog(sqlDB)
}

// BuildMoodTracker wires mood history, Postgres-backed when available.
func BuildMoodTracker(sqlDB *sql.DB, logger *logging.Logger) *mood.Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	var store mood.EntryStore
	if sqlDB != nil {
		store = mood.NewPostgresEntryStore(sqlDB)
	} else {
		logger.Warn("no database configured; mood history held in memory only")
		store = mood.NewMemoryEntryStore()
	}
	return mood.NewTracker(store, logger)
}
