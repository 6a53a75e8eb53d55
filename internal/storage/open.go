package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "tweetpipe/pkg/logx"
)

// Store is the persistence API: per-feed delivery watermarks plus a
// small TTL'd cache (guest tokens). Both are read at the start of their
// owning operation and written only after it succeeds.
type Store interface {
	Watermark(ctx context.Context, feedID string) (Watermark, bool, error)
	SetWatermark(ctx context.Context, feedID string, w Watermark) error

	CacheGet(ctx context.Context, key string) (value string, ok bool, err error)
	CachePut(ctx context.Context, key, value string, until time.Time) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return openMemory(), nil
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
