package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "app:\n  name: alertrelay\n"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Scheduler.Interval != 5*time.Minute {
		t.Fatalf("scheduler interval = %s, want 5m", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.CycleDeadline != 4*time.Minute {
		t.Fatalf("cycle deadline = %s, want 4m", cfg.Scheduler.CycleDeadline)
	}
	if cfg.Notification.MinScore != 80 {
		t.Fatalf("min score = %f, want 80", cfg.Notification.MinScore)
	}
	if cfg.Notification.RateLimit.MaxPerWindow != 10 || cfg.Notification.RateLimit.Window != time.Hour {
		t.Fatalf("rate limit defaults wrong: %+v", cfg.Notification.RateLimit)
	}
	if cfg.Evaluation.Thresholds.StrongBuy != 85 || cfg.Evaluation.Thresholds.Buy != 70 || cfg.Evaluation.Thresholds.Hold != 50 {
		t.Fatalf("threshold defaults wrong: %+v", cfg.Evaluation.Thresholds)
	}
	if cfg.DeadLetter.MaxRetries != 3 {
		t.Fatalf("dead letter retries = %d, want 3", cfg.DeadLetter.MaxRetries)
	}
	if !cfg.API.Enabled || cfg.API.ListenAddr != ":8080" {
		t.Fatalf("api defaults wrong: %+v", cfg.API)
	}
}

func TestLoadFullFile(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
scheduler:
  interval: 10m
  cycle_deadline: 8m
sources:
  - id: srcA
    base_url: https://feed-a.example.com
    request_timeout: 15s
  - id: srcB
    base_url: https://feed-b.example.com
evaluation:
  providers:
    - name: alpha
      base_url: https://alpha.example.com
      weight: 0.6
    - name: beta
      base_url: https://beta.example.com
      weight: 0.4
notification:
  min_score: 75
  telegram:
    enabled: true
    bot_token: tok
    chat_id: "42"
`))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}
	src, ok := cfg.Source("srcA")
	if !ok || src.RequestTimeout != 15*time.Second {
		t.Fatalf("srcA lookup failed: %+v ok=%v", src, ok)
	}
	if _, ok := cfg.Source("missing"); ok {
		t.Fatal("unknown source id should not resolve")
	}
	if len(cfg.Evaluation.Providers) != 2 || cfg.Evaluation.Providers[0].Weight != 0.6 {
		t.Fatalf("providers not decoded: %+v", cfg.Evaluation.Providers)
	}
	if cfg.Notification.MinScore != 75 {
		t.Fatalf("min score = %f, want 75", cfg.Notification.MinScore)
	}
	if !cfg.Notification.Telegram.Enabled || cfg.Notification.Telegram.ChatID != "42" {
		t.Fatalf("telegram not decoded: %+v", cfg.Notification.Telegram)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "deadline exceeds interval",
			yaml:    "scheduler:\n  interval: 1m\n  cycle_deadline: 5m\n",
			wantErr: "cycle_deadline",
		},
		{
			name:    "duplicate source ids",
			yaml:    "sources:\n  - id: srcA\n  - id: srcA\n",
			wantErr: "duplicate source id",
		},
		{
			name:    "provider without weight",
			yaml:    "evaluation:\n  providers:\n    - name: alpha\n",
			wantErr: "weight",
		},
		{
			name:    "unordered thresholds",
			yaml:    "evaluation:\n  thresholds:\n    strong_buy: 50\n    buy: 70\n    hold: 85\n",
			wantErr: "thresholds",
		},
		{
			name:    "telegram enabled without token",
			yaml:    "notification:\n  telegram:\n    enabled: true\n    chat_id: \"42\"\n",
			wantErr: "bot_token",
		},
		{
			name:    "amqp enabled without url",
			yaml:    "notification:\n  amqp:\n    enabled: true\n",
			wantErr: "amqp.url",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	if cfg.ResolveMaxPoints(0) != 500 {
		t.Fatal("zero override should fall back to config")
	}
	if cfg.ResolveMaxPoints(25) != 25 {
		t.Fatal("positive override should win")
	}
}
