package config

import (
	"fmt"
	"strings"

	"tweetpipe/internal/scheduler"
)

type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Source    SourceConfig     `json:"source"`
	Telegram  TelegramConfig   `json:"telegram"`
	Delivery  DeliveryConfig   `json:"delivery"`
	Translate *TranslateConfig `json:"translate,omitempty"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Feeds     []FeedConfig     `json:"feeds"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn/error records to a chat through the
// delivery client. ChatID is a raw chat id, not a recipient name.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer. Nil means in-process
// only: watermarks reset on restart.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tweetpipe_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SourceConfig points the poller at the upstream feed API. Empty URLs
// use the public endpoints.
type SourceConfig struct {
	APIRoot     string `json:"api_root,omitempty"`
	WebRoot     string `json:"web_root,omitempty"`
	ActivateURL string `json:"activate_url,omitempty"`
	Bearer      string `json:"bearer"`
	PageSize    int    `json:"page_size,omitempty"`
	MaxRetry    int    `json:"max_retry,omitempty"`
	// Timeout is a Go duration string bounding one HTTP exchange.
	Timeout string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Host string `json:"host,omitempty"` // "" means api.telegram.org

	MaxRetry   int    `json:"max_retry,omitempty"`
	RetrySleep string `json:"retry_sleep,omitempty"` // Go duration string

	Bots       []BotConfig                `json:"bots"`
	Recipients map[string]RecipientConfig `json:"recipients"`

	// Defaults are recipient names every item goes to; Tags maps a
	// hashtag to extra recipient names.
	Defaults []string            `json:"defaults"`
	Tags     map[string][]string `json:"tags,omitempty"`
}

type BotConfig struct {
	Name      string `json:"name"`
	Token     string `json:"token"`
	Canonical bool   `json:"canonical,omitempty"`
}

type RecipientConfig struct {
	Bot       string `json:"bot"`
	ChatID    string `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	Pin       bool   `json:"pin,omitempty"`
	Translate bool   `json:"translate,omitempty"`
}

type DeliveryConfig struct {
	// RatePerSec paces outbound sends across all recipients; 0 means
	// unpaced.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type TranslateConfig struct {
	Enabled  bool   `json:"enabled"`
	Target   string `json:"target"` // ISO 639-1, e.g. "en"
	Endpoint string `json:"endpoint,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone applies to cron specs and to the timestamps rendered
	// into outgoing messages.
	Timezone string `json:"timezone,omitempty"`
	// DefaultTimeout bounds one poll-and-deliver cycle (Go duration
	// string). "0s" disables the bound.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

type FeedConfig struct {
	Name     string `json:"name"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Schedule string `json:"schedule"`

	RequireTags bool           `json:"require_tags,omitempty"`
	Keywords    KeywordsConfig `json:"keywords,omitempty"`

	AlwaysFetch  bool `json:"always_fetch,omitempty"`
	SendRawMedia bool `json:"send_raw_media,omitempty"`

	// Recipients are extra recipient names for this feed, merged with
	// the global defaults.
	Recipients []string `json:"recipients,omitempty"`
}

type KeywordsConfig struct {
	Includes []string `json:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty"`
}

// Validate checks cross-references and required fields. It runs before
// a config is committed, both at startup and on reload.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Source.Bearer) == "" {
		return fmt.Errorf("source.bearer is required")
	}
	if len(c.Telegram.Bots) == 0 {
		return fmt.Errorf("telegram.bots must name at least one bot")
	}

	bots := make(map[string]bool, len(c.Telegram.Bots))
	canonical := 0
	for i, b := range c.Telegram.Bots {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("telegram.bots[%d]: name is required", i)
		}
		if strings.TrimSpace(b.Token) == "" {
			return fmt.Errorf("telegram.bots[%d] (%s): token is required", i, b.Name)
		}
		if bots[b.Name] {
			return fmt.Errorf("telegram.bots: duplicate name %q", b.Name)
		}
		bots[b.Name] = true
		if b.Canonical {
			canonical++
		}
	}
	if canonical > 1 {
		return fmt.Errorf("telegram.bots: at most one bot can be canonical")
	}

	for name, r := range c.Telegram.Recipients {
		if !bots[r.Bot] {
			return fmt.Errorf("telegram.recipients[%s]: unknown bot %q", name, r.Bot)
		}
		if strings.TrimSpace(r.ChatID) == "" {
			return fmt.Errorf("telegram.recipients[%s]: chat_id is required", name)
		}
	}

	known := func(names []string, where string) error {
		for _, n := range names {
			if _, ok := c.Telegram.Recipients[n]; !ok {
				return fmt.Errorf("%s: unknown recipient %q", where, n)
			}
		}
		return nil
	}
	if err := known(c.Telegram.Defaults, "telegram.defaults"); err != nil {
		return err
	}
	for tag, names := range c.Telegram.Tags {
		if err := known(names, "telegram.tags["+tag+"]"); err != nil {
			return err
		}
	}

	if len(c.Feeds) == 0 {
		return fmt.Errorf("feeds must name at least one feed")
	}
	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("feeds[%d]: name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("feeds: duplicate name %q", f.Name)
		}
		seen[f.Name] = true
		if strings.TrimSpace(f.UserID) == "" {
			return fmt.Errorf("feeds[%d] (%s): user_id is required", i, f.Name)
		}
		if strings.TrimSpace(f.Schedule) == "" {
			return fmt.Errorf("feeds[%d] (%s): schedule is required", i, f.Name)
		}
		if _, err := scheduler.ParseSchedule(f.Schedule); err != nil {
			return fmt.Errorf("feeds[%d] (%s): %w", i, f.Name, err)
		}
		if err := known(f.Recipients, "feeds["+f.Name+"].recipients"); err != nil {
			return err
		}
	}

	if c.Translate != nil && c.Translate.Enabled && strings.TrimSpace(c.Translate.Target) == "" {
		return fmt.Errorf("translate.target is required when translation is enabled")
	}

	// Duration strings fail here rather than at first use.
	for _, d := range []struct{ path, raw string }{
		{"source.timeout", c.Source.Timeout},
		{"telegram.retry_sleep", c.Telegram.RetrySleep},
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
