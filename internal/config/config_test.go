package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("GEMINI_MODEL", "")
	t.Setenv("RISK_HARD_TRIGGER", "")
	t.Setenv("CALM_STREAK_TO_COOLDOWN", "")
	t.Setenv("COOLDOWN_WINDOW", "")
	t.Setenv("DEFAULT_REGION", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.GeminiModel != "gemini-1.5-flash" {
		t.Fatalf("expected default gemini model, got %s", cfg.GeminiModel)
	}
	if cfg.HardTriggerThreshold != 0.85 {
		t.Fatalf("expected default hard trigger threshold, got %v", cfg.HardTriggerThreshold)
	}
	if cfg.CalmStreakToCooldown != 3 {
		t.Fatalf("expected default calm streak, got %d", cfg.CalmStreakToCooldown)
	}
	if cfg.CooldownWindow != 10*time.Minute {
		t.Fatalf("expected default cooldown window, got %s", cfg.CooldownWindow)
	}
	if cfg.DefaultRegion != "AU" {
		t.Fatalf("expected default region AU, got %s", cfg.DefaultRegion)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456:token")
	t.Setenv("RISK_HARD_TRIGGER", "0.9")
	t.Setenv("RISK_ELEVATED_THRESHOLD", "0.6")
	t.Setenv("CALM_STREAK_TO_COOLDOWN", "5")
	t.Setenv("COOLDOWN_WINDOW", "30m")
	t.Setenv("DEFAULT_REGION", "nz")
	t.Setenv("ONCALL_EMAILS", "a@example.org, b@example.org,")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Fatalf("expected env override, got %s", cfg.Env)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.TelegramBotToken != "123456:token" {
		t.Fatalf("expected telegram token override, got %s", cfg.TelegramBotToken)
	}
	if cfg.HardTriggerThreshold != 0.9 {
		t.Fatalf("expected hard trigger override, got %v", cfg.HardTriggerThreshold)
	}
	if cfg.ElevatedThreshold != 0.6 {
		t.Fatalf("expected elevated override, got %v", cfg.ElevatedThreshold)
	}
	if cfg.CalmStreakToCooldown != 5 {
		t.Fatalf("expected calm streak override, got %d", cfg.CalmStreakToCooldown)
	}
	if cfg.CooldownWindow != 30*time.Minute {
		t.Fatalf("expected cooldown window override, got %s", cfg.CooldownWindow)
	}
	if cfg.DefaultRegion != "NZ" {
		t.Fatalf("expected region upcased, got %s", cfg.DefaultRegion)
	}
	recipients := cfg.OnCallRecipients()
	if len(recipients) != 2 || recipients[0] != "a@example.org" || recipients[1] != "b@example.org" {
		t.Fatalf("expected trimmed recipient list, got %v", recipients)
	}
}
