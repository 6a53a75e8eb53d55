package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "tweetpipe/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return st
}

func TestWatermarkRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	ctx := context.Background()

	if _, ok, err := st.Watermark(ctx, "feed1"); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.SetWatermark(ctx, "feed1", Watermark{CreatedAt: at, ExternalID: "tw-1"}); err != nil {
		t.Fatalf("SetWatermark error: %v", err)
	}

	w, ok, err := st.Watermark(ctx, "feed1")
	if err != nil || !ok {
		t.Fatalf("Watermark: ok=%v err=%v", ok, err)
	}
	if !w.CreatedAt.Equal(at) || w.ExternalID != "tw-1" {
		t.Fatalf("watermark = %+v", w)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestWatermarkSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	at := time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)

	st := openTestStore(t, dir)
	if err := st.SetWatermark(ctx, "feed1", Watermark{CreatedAt: at, ExternalID: "tw-9"}); err != nil {
		t.Fatalf("SetWatermark error: %v", err)
	}
	// Close compacts into the snapshot; a second write after reopen
	// exercises journal replay too.
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	st2 := openTestStore(t, dir)
	defer st2.Close()
	w, ok, err := st2.Watermark(ctx, "feed1")
	if err != nil || !ok {
		t.Fatalf("Watermark after reopen: ok=%v err=%v", ok, err)
	}
	if !w.CreatedAt.Equal(at) || w.ExternalID != "tw-9" {
		t.Fatalf("watermark = %+v", w)
	}
}

func TestLatestWatermarkWins(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()
	ctx := context.Background()

	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = st.SetWatermark(ctx, "f", Watermark{CreatedAt: t0.Add(time.Second), ExternalID: "a"})
	_ = st.SetWatermark(ctx, "f", Watermark{CreatedAt: t0.Add(2 * time.Second), ExternalID: "b"})

	w, _, _ := st.Watermark(ctx, "f")
	if w.ExternalID != "b" || !w.CreatedAt.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("watermark = %+v, want the later record", w)
	}
}

func TestCacheTTL(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()
	ctx := context.Background()

	if err := st.CachePut(ctx, "guest_token", "tok-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CachePut error: %v", err)
	}
	v, ok, err := st.CacheGet(ctx, "guest_token")
	if err != nil || !ok || v != "tok-1" {
		t.Fatalf("CacheGet = %q ok=%v err=%v", v, ok, err)
	}

	// Expired entries are invisible.
	if err := st.CachePut(ctx, "stale", "x", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("CachePut error: %v", err)
	}
	if _, ok, _ := st.CacheGet(ctx, "stale"); ok {
		t.Fatal("expired cache entry should not be returned")
	}
}

func TestMemoryDriver(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	at := time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC)
	if err := st.SetWatermark(ctx, "feed1", Watermark{CreatedAt: at, ExternalID: "tw-5"}); err != nil {
		t.Fatalf("SetWatermark error: %v", err)
	}
	w, ok, err := st.Watermark(ctx, "feed1")
	if err != nil || !ok || w.ExternalID != "tw-5" || !w.CreatedAt.Equal(at) {
		t.Fatalf("Watermark = %+v ok=%v err=%v", w, ok, err)
	}

	if err := st.CachePut(ctx, "guest_token", "tok-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CachePut error: %v", err)
	}
	if v, ok, _ := st.CacheGet(ctx, "guest_token"); !ok || v != "tok-1" {
		t.Fatalf("CacheGet = %q ok=%v", v, ok)
	}
	if err := st.CachePut(ctx, "stale", "x", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("CachePut error: %v", err)
	}
	if _, ok, _ := st.CacheGet(ctx, "stale"); ok {
		t.Fatal("expired cache entry should not be returned")
	}
}
