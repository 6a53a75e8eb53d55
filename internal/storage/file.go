package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tweetpipe/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.snapshot.json (periodic snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// Every write appends a journal record; the journal is periodically
// compacted into the snapshot. On open, snapshot then journal are
// replayed, so a crash between the two loses nothing.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	watermarks map[string]Watermark
	cache      map[string]cacheEntry

	writes int
}

type cacheEntry struct {
	Value string `json:"value"`
	Until int64  `json:"until"` // unix milli
}

// stateRecord is one journal line. Exactly one of Watermark/Cache is set.
type stateRecord struct {
	Kind      string      `json:"kind"` // "watermark" | "cache"
	Key       string      `json:"key"`
	Watermark *Watermark  `json:"watermark,omitempty"`
	Cache     *cacheEntry `json:"cache,omitempty"`
}

type snapshot struct {
	Watermarks map[string]Watermark  `json:"watermarks"`
	Cache      map[string]cacheEntry `json:"cache"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		watermarks:   map[string]Watermark{},
		cache:        map[string]cacheEntry{},
	}
	_ = st.loadSnapshot(snapPath)
	_ = st.replayJournal(journalPath)
	pruneExpiredCache(st.cache)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journalFile = jf
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	cerr := s.journalFile.Close()
	s.journalFile = nil
	if err != nil {
		return err
	}
	return cerr
}

func (s *fileStore) Watermark(ctx context.Context, feedID string) (Watermark, bool, error) {
	_ = ctx
	feedID = strings.TrimSpace(feedID)
	if feedID == "" {
		return Watermark{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watermarks[feedID]
	return w, ok, nil
}

func (s *fileStore) SetWatermark(ctx context.Context, feedID string, w Watermark) error {
	_ = ctx
	feedID = strings.TrimSpace(feedID)
	if feedID == "" {
		return errors.New("feed id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("state journal closed")
	}
	s.watermarks[feedID] = w
	return s.appendLocked(stateRecord{Kind: "watermark", Key: feedID, Watermark: &w})
}

func (s *fileStore) CacheGet(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return "", false, nil
	}
	if e.Until < time.Now().UnixMilli() {
		delete(s.cache, key)
		return "", false, nil
	}
	return e.Value, true, nil
}

func (s *fileStore) CachePut(ctx context.Context, key, value string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("state journal closed")
	}
	e := cacheEntry{Value: value, Until: until.UnixMilli()}
	s.cache[key] = e
	return s.appendLocked(stateRecord{Kind: "cache", Key: key, Cache: &e})
}

func (s *fileStore) appendLocked(r stateRecord) error {
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredCache(s.cache)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	snap := snapshot{Watermarks: s.watermarks, Cache: s.cache}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Watermarks {
		s.watermarks[k] = v
	}
	for k, v := range snap.Cache {
		s.cache[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r stateRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch {
		case r.Kind == "watermark" && r.Key != "" && r.Watermark != nil:
			s.watermarks[r.Key] = *r.Watermark
		case r.Kind == "cache" && r.Key != "" && r.Cache != nil:
			s.cache[r.Key] = *r.Cache
		}
	}
	return sc.Err()
}

func pruneExpiredCache(m map[string]cacheEntry) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v.Until < now {
			delete(m, k)
		}
	}
}
