package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tweetpipe/pkg/logx"
)

// SummarizeChange reports which sections differ between two configs as
// structured log fields. Secrets (bot tokens, the source bearer) are
// never included.
func SummarizeChange(oldCfg, newCfg *Config) []logx.Field {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	fields := make([]logx.Field, 0, 8)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if sourceChanged(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		fields = append(fields, logx.Int("source.max_retry", newCfg.Source.MaxRetry))
	}
	if telegramChanged(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Int("telegram.bots", len(newCfg.Telegram.Bots)),
			logx.Int("telegram.recipients", len(newCfg.Telegram.Recipients)))
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
	}
	if !reflect.DeepEqual(oldCfg.Translate, newCfg.Translate) {
		changed = append(changed, "translate")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}
	if !reflect.DeepEqual(oldCfg.Feeds, newCfg.Feeds) {
		changed = append(changed, "feeds")
		fields = append(fields, logx.Int("feeds.count", len(newCfg.Feeds)))
	}

	sort.Strings(changed)
	return append([]logx.Field{logx.Any("sections", changed)}, fields...)
}

func sourceChanged(o, n SourceConfig) bool {
	// The bearer participates in the comparison but never in the
	// logged fields.
	return o != n
}

func telegramChanged(o, n TelegramConfig) bool {
	// Token rotation on an existing bot matters too, so the full
	// structs are compared; tokens just never reach the log fields.
	return !reflect.DeepEqual(o, n)
}
