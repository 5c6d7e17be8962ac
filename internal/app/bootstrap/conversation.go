package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/tmhealth/companion-platform/internal/arbiter"
	"github.com/tmhealth/companion-platform/internal/compliance"
	appconfig "github.com/tmhealth/companion-platform/internal/config"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/internal/escalation"
	"github.com/tmhealth/companion-platform/internal/risk"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// ServiceDeps are the shared infrastructure handles BuildConversationService
// wires into the engine. SQLDB and Outbox may be nil; Redis is required for
// the full engine and its absence degrades to the stub service.
type ServiceDeps struct {
	SQLDB  *sql.DB
	Redis  *redis.Client
	AWS    aws.Config
	Outbox conversation.OutboxWriter
}

// BuildConversationService wires the safety pipeline and the generative
// fallback chain into the production engine.
func BuildConversationService(ctx context.Context, cfg *appconfig.Config, deps ServiceDeps, logger *logging.Logger) (conversation.Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if deps.Redis == nil {
		logger.Warn("no redis configured; using stub conversation service")
		return conversation.NewStubService(), nil
	}

	client, model, err := buildLLMChain(ctx, cfg, deps.AWS, logger)
	if err != nil {
		return nil, err
	}

	pipeline, err := buildSafetyPipeline(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	opts := []conversation.EngineOption{
		conversation.WithDefaultRegion(cfg.DefaultRegion),
	}
	if deps.SQLDB != nil {
		audit := compliance.NewAuditService(deps.SQLDB)
		opts = append(opts,
			conversation.WithAuditService(audit),
			conversation.WithDisclaimerService(compliance.NewDisclaimerService(audit, compliance.DefaultDisclaimerConfig())),
			conversation.WithConversationStore(BuildConversationStore(deps.SQLDB, logger)),
			conversation.WithTransitionLog(BuildTransitionLog(deps.SQLDB, logger)),
		)
	}
	if deps.Outbox != nil {
		opts = append(opts, conversation.WithSafetyOutbox(deps.Outbox))
	}

	logger.Info("conversation engine wired",
		"model", model,
		"default_region", cfg.DefaultRegion,
		"state_table", cfg.EscalationStateTable,
	)
	return conversation.NewEngine(client, deps.Redis, pipeline, model, logger, opts...), nil
}

// buildLLMChain assembles the degrading generative chain: Gemini primary,
// Bedrock secondary, and the canned topical responder as the floor so a
// provider outage never produces a dead end.
func buildLLMChain(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (conversation.LLMClient, string, error) {
	var chain conversation.LLMClient = conversation.NewTopicalResponder()
	model := "topical-fallback"

	if cfg.BedrockModelID != "" {
		bedrockClient := conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
		chain = conversation.NewFallbackLLMClient(bedrockClient, chain, logger)
		model = cfg.BedrockModelID
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, "", fmt.Errorf("bootstrap: create gemini client: %w", err)
		}
		chain = conversation.NewFallbackLLMClient(gemini, chain, logger)
		model = cfg.GeminiModel
	}

	if model == "topical-fallback" {
		logger.Warn("no generative backend configured; replies come from the topical responder")
	}
	return chain, model, nil
}

func buildSafetyPipeline(cfg *appconfig.Config, deps ServiceDeps, logger *logging.Logger) (conversation.SafetyPipeline, error) {
	lexicon, err := loadLexicon(cfg, logger)
	if err != nil {
		return conversation.SafetyPipeline{}, err
	}

	classifier, err := risk.NewClassifier(risk.Thresholds{
		HardTrigger:      cfg.HardTriggerThreshold,
		Elevated:         cfg.ElevatedThreshold,
		Low:              cfg.LowThreshold,
		SensitivityScale: cfg.StateSensitivityScale,
	}, logger)
	if err != nil {
		return conversation.SafetyPipeline{}, fmt.Errorf("bootstrap: risk thresholds: %w", err)
	}

	machine, err := escalation.NewMachine(cfg.CalmStreakToCooldown, cfg.CooldownWindow, logger)
	if err != nil {
		return conversation.SafetyPipeline{}, fmt.Errorf("bootstrap: escalation machine: %w", err)
	}

	registry, err := loadPayloads(cfg, logger)
	if err != nil {
		return conversation.SafetyPipeline{}, err
	}

	return conversation.SafetyPipeline{
		Extractor:  risk.NewExtractor(lexicon, logger),
		Classifier: classifier,
		Machine:    machine,
		States:     buildStateStore(cfg, deps, logger),
		Arbiter:    arbiter.NewArbiter(registry, logger),
		Moods:      BuildMoodTracker(deps.SQLDB, logger),
	}, nil
}

func loadLexicon(cfg *appconfig.Config, logger *logging.Logger) (*risk.Lexicon, error) {
	if strings.TrimSpace(cfg.LexiconPath) == "" {
		logger.Info("using built-in risk lexicon")
		return risk.DefaultLexicon(), nil
	}
	lexicon, err := risk.LoadLexicon(cfg.LexiconPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load lexicon: %w", err)
	}
	logger.Info("risk lexicon loaded", "path", cfg.LexiconPath)
	return lexicon, nil
}

// BuildPayloadRegistry loads the regional crisis payload registry for
// binaries that render resources outside the engine, like the bot's
// /crisis command.
func BuildPayloadRegistry(cfg *appconfig.Config, logger *logging.Logger) (*arbiter.PayloadRegistry, error) {
	return loadPayloads(cfg, logger)
}

func loadPayloads(cfg *appconfig.Config, logger *logging.Logger) (*arbiter.PayloadRegistry, error) {
	if strings.TrimSpace(cfg.PayloadRegistryPath) == "" {
		logger.Info("using built-in safety payload registry")
		return arbiter.DefaultPayloadRegistry(), nil
	}
	registry, err := arbiter.LoadPayloadRegistry(cfg.PayloadRegistryPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load payload registry: %w", err)
	}
	logger.Info("safety payload registry loaded",
		"path", cfg.PayloadRegistryPath,
		"version", registry.Version(),
	)
	return registry, nil
}

// buildStateStore prefers DynamoDB; the in-memory store only backs dev and
// tests because it cannot survive a restart mid-crisis.
func buildStateStore(cfg *appconfig.Config, deps ServiceDeps, logger *logging.Logger) escalation.StateStore {
	if strings.TrimSpace(cfg.EscalationStateTable) == "" {
		logger.Warn("no escalation state table configured; state held in memory only")
		return escalation.NewMemoryStateStore()
	}
	return escalation.NewDynamoStateStore(
		dynamodb.NewFromConfig(deps.AWS),
		cfg.EscalationStateTable,
		logger,
	)
}
