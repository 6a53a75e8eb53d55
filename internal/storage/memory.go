package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memStore keeps all state in process. Watermarks and cached tokens
// are lost on restart, which re-applies the cold-start window.
type memStore struct {
	mu         sync.Mutex
	watermarks map[string]Watermark
	cache      map[string]cacheEntry
}

func openMemory() Store {
	return &memStore{
		watermarks: make(map[string]Watermark),
		cache:      make(map[string]cacheEntry),
	}
}

func (s *memStore) Watermark(_ context.Context, feedID string) (Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watermarks[feedID]
	return w, ok, nil
}

func (s *memStore) SetWatermark(_ context.Context, feedID string, w Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[feedID] = w
	return nil
}

func (s *memStore) CacheGet(_ context.Context, key string) (string, bool, error) {
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

func (s *memStore) CachePut(_ context.Context, key, value string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{Value: value, Until: until.UnixMilli()}
	return nil
}

func (s *memStore) Close() error { return nil }
