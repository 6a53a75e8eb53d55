package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
//   - "memory": in-process only, state lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Watermark marks the most recently delivered item of one feed.
// CreatedAt drives the re-poll filter; ExternalID is kept for
// diagnostics and ordering checks.
type Watermark struct {
	CreatedAt  time.Time `json:"created_at"`
	ExternalID string    `json:"external_id"`
}
