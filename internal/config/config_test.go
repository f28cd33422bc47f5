package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigPopulatesEverySubsystem(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Scheduler.Weights.Utilization == 0 {
		t.Error("expected non-zero default scheduler utilization weight")
	}
	if len(cfg.Scheduler.Tiers) != 3 {
		t.Errorf("expected 3 default scheduler tiers, got %d", len(cfg.Scheduler.Tiers))
	}
	if cfg.Obligation.MaxPerTick == 0 {
		t.Error("expected non-zero obligation max-per-tick default")
	}
	if cfg.NodeChannel.MaxQueueDepth == 0 {
		t.Error("expected non-zero node channel queue depth default")
	}
	if cfg.VMLifecycle.ErrorReleaseGrace == 0 {
		t.Error("expected non-zero vm lifecycle error release grace default")
	}
	if cfg.Billing.AccrualInterval == 0 {
		t.Error("expected non-zero billing accrual interval default")
	}
}

func TestLoadFromFileOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yamlBody := `
daemon:
  http_addr: ":8080"
  log_level: debug
scheduler:
  weights:
    utilization: 0.5
obligation:
  max_per_tick: 64
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Daemon.HTTPAddr != ":8080" || cfg.Daemon.LogLevel != "debug" {
		t.Errorf("daemon section not overlaid: %+v", cfg.Daemon)
	}
	if cfg.Scheduler.Weights.Utilization != 0.5 {
		t.Errorf("scheduler weight not overlaid: %v", cfg.Scheduler.Weights.Utilization)
	}
	if cfg.Obligation.MaxPerTick != 64 {
		t.Errorf("obligation max-per-tick not overlaid: %v", cfg.Obligation.MaxPerTick)
	}
	// Fields the file didn't mention keep their default value.
	if cfg.Billing.PlatformFeeBps == 0 {
		t.Error("expected billing defaults to survive a partial overlay")
	}
}

func TestLoadFromFileRejectsMissingFile(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadFromEnvAppliesOverrides(t *testing.T) {
	t.Setenv("NOVA_HTTP_ADDR", ":9999")
	t.Setenv("NOVA_LOG_LEVEL", "warn")
	t.Setenv("NOVA_SCHEDULER_WEIGHT_PRICE", "0.42")
	t.Setenv("NOVA_OBLIGATION_TICK_INTERVAL", "2s")
	t.Setenv("NOVA_BILLING_PLATFORM_FEE_BPS", "500")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Daemon.HTTPAddr != ":9999" {
		t.Errorf("http addr = %q", cfg.Daemon.HTTPAddr)
	}
	if cfg.Daemon.LogLevel != "warn" {
		t.Errorf("log level = %q", cfg.Daemon.LogLevel)
	}
	if cfg.Scheduler.Weights.Price != 0.42 {
		t.Errorf("scheduler price weight = %v", cfg.Scheduler.Weights.Price)
	}
	if cfg.Obligation.TickInterval != 2*time.Second {
		t.Errorf("obligation tick interval = %v", cfg.Obligation.TickInterval)
	}
	if cfg.Billing.PlatformFeeBps != 500 {
		t.Errorf("billing platform fee bps = %v", cfg.Billing.PlatformFeeBps)
	}
}
