//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "tweetpipe/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Watermark(ctx context.Context, feedID string) (Watermark, bool, error) {
	if s == nil || s.db == nil {
		return Watermark{}, false, ErrDisabled
	}
	if feedID == "" {
		return Watermark{}, false, nil
	}
	var createdAt, externalID string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, external_id FROM watermarks WHERE feed = ?`, feedID,
	).Scan(&createdAt, &externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Watermark{}, false, fmt.Errorf("parse watermark time: %w", err)
	}
	return Watermark{CreatedAt: at, ExternalID: externalID}, true, nil
}

func (s *sqliteStore) SetWatermark(ctx context.Context, feedID string, w Watermark) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if feedID == "" {
		return errors.New("feed id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks(feed, created_at, external_id, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(feed) DO UPDATE SET
		   created_at=excluded.created_at,
		   external_id=excluded.external_id,
		   updated_at=excluded.updated_at`,
		feedID, w.CreatedAt.Format(time.RFC3339Nano), w.ExternalID,
		time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) CacheGet(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	if key == "" {
		return "", false, nil
	}
	var value string
	var until int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, until FROM cache WHERE key = ?`, key,
	).Scan(&value, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if until < time.Now().UnixMilli() {
		return "", false, nil
	}
	return value, true, nil
}

func (s *sqliteStore) CachePut(ctx context.Context, key, value string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache(key, value, until) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, until=excluded.until`,
		key, value, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE until < ?`, now)
	return err
}
