package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tathienbao/barsmith/pkg/indicator"
)

func TestLoadFromBytes_Valid(t *testing.T) {
	yaml := `
database:
  type: sqlite
  path: "data/pipeline.db"

pipeline:
  assets: ["btc", "eth"]
  concurrency: 8
  staleness_threshold_hours: 72
  lookback_windows: 3
  warmup_multiplier: 4
  seed_policy: sma
  ema_periods: [10, 20]
  horizon_periods: [21, 200]
  write_rate_per_second: 50
  max_retries: 3
  retry_delay_ms: 250

logging:
  level: debug
  format: json
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.Path != "data/pipeline.db" {
		t.Errorf("Database.Path = %s, want data/pipeline.db", cfg.Database.Path)
	}
	if len(cfg.Pipeline.Assets) != 2 {
		t.Errorf("Assets = %v, want 2 entries", cfg.Pipeline.Assets)
	}
	if cfg.Pipeline.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.WarmupMultiplier != 4 {
		t.Errorf("WarmupMultiplier = %d, want 4", cfg.Pipeline.WarmupMultiplier)
	}
	if cfg.SeedPolicy() != indicator.SeedSMA {
		t.Errorf("SeedPolicy = %v, want sma", cfg.SeedPolicy())
	}
	if cfg.StalenessThreshold().Hours() != 72 {
		t.Errorf("StalenessThreshold = %v, want 72h", cfg.StalenessThreshold())
	}
	if cfg.RetryDelay().Milliseconds() != 250 {
		t.Errorf("RetryDelay = %v, want 250ms", cfg.RetryDelay())
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %s, want json", cfg.Logging.Format)
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	yaml := `
database:
  type: sqlite
  path: ":memory:"
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Pipeline.Concurrency != 4 {
		t.Errorf("default Concurrency = %d, want 4", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.LookbackWindows != 2 {
		t.Errorf("default LookbackWindows = %d, want 2", cfg.Pipeline.LookbackWindows)
	}
	if cfg.Pipeline.WarmupMultiplier != 3 {
		t.Errorf("default WarmupMultiplier = %d, want 3", cfg.Pipeline.WarmupMultiplier)
	}
	if cfg.Pipeline.SeedPolicy != "direct" {
		t.Errorf("default SeedPolicy = %s, want direct", cfg.Pipeline.SeedPolicy)
	}
	if len(cfg.Pipeline.EmaPeriods) == 0 {
		t.Error("default EmaPeriods should not be empty")
	}
	if len(cfg.Pipeline.HorizonPeriods) == 0 {
		t.Error("default HorizonPeriods should not be empty")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level = %s, want info", cfg.Logging.Level)
	}
}

func TestLoadFromBytes_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "unknown database type",
			yaml: `
database:
  type: mysql
  dsn: "whatever"
`,
			wantErr: "must be 'sqlite' or 'postgres'",
		},
		{
			name: "sqlite without path",
			yaml: `
database:
  type: sqlite
`,
			wantErr: "database.path is required for sqlite",
		},
		{
			name: "postgres without dsn",
			yaml: `
database:
  type: postgres
`,
			wantErr: "database.dsn is required for postgres",
		},
		{
			name: "bad seed policy",
			yaml: `
database:
  type: sqlite
  path: ":memory:"
pipeline:
  seed_policy: average
`,
			wantErr: "seed_policy",
		},
		{
			name: "bad ema period",
			yaml: `
database:
  type: sqlite
  path: ":memory:"
pipeline:
  ema_periods: [10, 0]
`,
			wantErr: "invalid period 0",
		},
		{
			name: "bad log level",
			yaml: `
database:
  type: sqlite
  path: ":memory:"
logging:
  level: loud
`,
			wantErr: "logging.level",
		},
		{
			name: "metrics without port",
			yaml: `
database:
  type: sqlite
  path: ":memory:"
metrics:
  enabled: true
  port: 0
`,
			wantErr: "metrics.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Error("Expected error, got nil")
				return
			}
			if tt.wantErr != "" && !contains(err.Error(), tt.wantErr) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config is invalid: %v", err)
	}
	if cfg.SeedPolicy() != indicator.SeedDirect {
		t.Errorf("SeedPolicy = %v, want direct", cfg.SeedPolicy())
	}
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yaml := `
database:
  type: sqlite
  path: "data/pipeline.db"

pipeline:
  concurrency: 2
`

	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Pipeline.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want 2", cfg.Pipeline.Concurrency)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Setenv("TEST_BOT_TOKEN", "my-secret-token")
	defer os.Unsetenv("TEST_BOT_TOKEN")

	yaml := `
database:
  type: sqlite
  path: ":memory:"

alerting:
  enabled: true
  channels:
    - type: telegram
      bot_token: "${TEST_BOT_TOKEN}"
      chat_id: "12345"
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Alerting.Channels) == 0 {
		t.Fatal("Expected alerting channels")
	}

	if cfg.Alerting.Channels[0].BotToken != "my-secret-token" {
		t.Errorf("BotToken = %s, want my-secret-token", cfg.Alerting.Channels[0].BotToken)
	}
}

func TestIsAlertEventEnabled(t *testing.T) {
	cfg := &Config{Alerting: AlertingConfig{Enabled: true, Events: []string{"run_completed"}}}

	if !cfg.IsAlertEventEnabled("run_completed") {
		t.Error("expected run_completed enabled")
	}
	if cfg.IsAlertEventEnabled("key_failed") {
		t.Error("did not expect key_failed enabled")
	}

	cfg.Alerting.Events = nil
	if !cfg.IsAlertEventEnabled("key_failed") {
		t.Error("empty event list should enable all")
	}

	cfg.Alerting.Enabled = false
	if cfg.IsAlertEventEnabled("run_completed") {
		t.Error("disabled alerting should enable nothing")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsHelper(s, substr))
}

func containsHelper(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
