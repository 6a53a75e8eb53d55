package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validJSON = `{
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "file", "path": "./state"},
  "source": {"bearer": "AAAA", "max_retry": 3},
  "telegram": {
    "bots": [{"name": "main", "token": "123:abc", "canonical": true}],
    "recipients": {
      "ops": {"bot": "main", "chat_id": "-100200", "pin": true}
    },
    "defaults": ["ops"]
  },
  "delivery": {"rate_per_sec": 1},
  "scheduler": {"enabled": true, "timezone": "UTC"},
  "feeds": [
    {"name": "acme", "user_id": "42", "schedule": "*/5 * * * *", "recipients": ["ops"]}
  ]
}`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Telegram.Bots[0].Name != "main" || !cfg.Telegram.Bots[0].Canonical {
		t.Fatalf("bots = %+v", cfg.Telegram.Bots)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	yaml := `
logging:
  level: debug
  console: true
source:
  bearer: AAAA
telegram:
  bots:
    - name: main
      token: "123:abc"
  recipients:
    ops:
      bot: main
      chat_id: "-100200"
  defaults: [ops]
delivery:
  rate_per_sec: 0.5
scheduler:
  enabled: true
feeds:
  - name: acme
    user_id: "42"
    schedule: 10m
`
	m := NewManager(writeConfig(t, "config.yaml", yaml))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Delivery.RatePerSec != 0.5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Feeds[0].Schedule != "10m" {
		t.Fatalf("feed schedule = %q", cfg.Feeds[0].Schedule)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(validJSON, `"delivery"`, `"delivvery"`, 1)
	m := NewManager(writeConfig(t, "config.json", bad))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", validJSON+"{}"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *Config)
		substr string
	}{
		{"missing bearer", func(c *Config) { c.Source.Bearer = " " }, "bearer"},
		{"no bots", func(c *Config) { c.Telegram.Bots = nil }, "bots"},
		{"two canonical", func(c *Config) {
			c.Telegram.Bots = append(c.Telegram.Bots, BotConfig{Name: "b2", Token: "t", Canonical: true})
		}, "canonical"},
		{"recipient unknown bot", func(c *Config) {
			c.Telegram.Recipients["ops"] = RecipientConfig{Bot: "ghost", ChatID: "1"}
		}, "unknown bot"},
		{"default unknown recipient", func(c *Config) { c.Telegram.Defaults = []string{"nope"} }, "unknown recipient"},
		{"feed unknown recipient", func(c *Config) { c.Feeds[0].Recipients = []string{"nope"} }, "unknown recipient"},
		{"no feeds", func(c *Config) { c.Feeds = nil }, "feeds"},
		{"feed missing schedule", func(c *Config) { c.Feeds[0].Schedule = "" }, "schedule"},
		{"feed invalid schedule", func(c *Config) { c.Feeds[0].Schedule = "interval:banana" }, "interval"},
		{"duplicate feed", func(c *Config) { c.Feeds = append(c.Feeds, c.Feeds[0]) }, "duplicate"},
		{"bad duration", func(c *Config) { c.Source.Timeout = "banana" }, "duration"},
		{"translate without target", func(c *Config) {
			c.Translate = &TranslateConfig{Enabled: true}
		}, "target"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "config.json", validJSON))
			cfg, err := m.Parse()
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.substr) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.substr)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", validJSON))
	a, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	b, _ := m.Parse()
	b.Scheduler.Timezone = "Asia/Jakarta"
	b.Feeds[0].Schedule = "15m"

	fields := SummarizeChange(a, b)
	if len(fields) == 0 {
		t.Fatal("no fields for a changed config")
	}
	if extra := SummarizeChange(a, a); len(extra) != 1 {
		t.Fatalf("unchanged config produced %d fields, want just the section list", len(extra))
	}
}
