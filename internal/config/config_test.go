package config

import (
	"testing"

	"kitchenstock/backend/internal/domain"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "CENTRAL_HOLDER_ID", "ASSIGNMENT_POLICY", "INVENTORY_CACHE_TTL_SECONDS",
		"ACCESS_TOKEN_TTL_MINUTES", "KAFKA_TOPIC", "LOG_LEVEL", "APP_ENV",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Address() != ":8080" {
		t.Fatalf("expected :8080, got %s", cfg.Address())
	}
	if cfg.CentralHolderID != "central" {
		t.Fatalf("expected central holder id, got %q", cfg.CentralHolderID)
	}
	if cfg.AssignmentPolicy != domain.AssignmentAdvisory {
		t.Fatalf("expected advisory policy, got %q", cfg.AssignmentPolicy)
	}
	if cfg.InventoryCacheTTLSeconds != 60 || cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("unexpected ttl defaults %d/%d", cfg.InventoryCacheTTLSeconds, cfg.AccessTokenTTLMinutes)
	}
	if cfg.KafkaTopic != "kitchen-stock-events" {
		t.Fatalf("expected default kafka topic, got %q", cfg.KafkaTopic)
	}
	if cfg.LogLevel != "info" || cfg.AppEnv != "development" {
		t.Fatalf("unexpected logging defaults %q/%q", cfg.LogLevel, cfg.AppEnv)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ASSIGNMENT_POLICY", "STRICT")
	t.Setenv("INVENTORY_CACHE_TTL_SECONDS", "-5")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "30")
	t.Setenv("CENTRAL_HOLDER_ID", " warehouse ")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := Load()
	if cfg.Address() != ":9090" {
		t.Fatalf("expected :9090, got %s", cfg.Address())
	}
	if cfg.AssignmentPolicy != domain.AssignmentStrict {
		t.Fatalf("expected strict policy, got %q", cfg.AssignmentPolicy)
	}
	if cfg.InventoryCacheTTLSeconds != 60 {
		t.Fatalf("expected invalid ttl to fall back to 60, got %d", cfg.InventoryCacheTTLSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 30 {
		t.Fatalf("expected 30 minute tokens, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.CentralHolderID != "warehouse" {
		t.Fatalf("expected trimmed holder id, got %q", cfg.CentralHolderID)
	}
	if cfg.KafkaBrokers != "k1:9092,k2:9092" {
		t.Fatalf("unexpected brokers %q", cfg.KafkaBrokers)
	}
}
