package message

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tweetpipe/internal/feed"
	"tweetpipe/internal/httpx"
	logx "tweetpipe/pkg/logx"
)

// Per-type upload ceilings. Anything at or over its ceiling aborts the
// whole item rather than sending a partial set.
const (
	maxPhotoBytes = 10 << 20
	maxVideoBytes = 50 << 20
	maxAudioBytes = 50 << 20

	// Videos this large (or .mov sources) get an explicit thumbnail
	// upload alongside the bytes, since the server will not always
	// derive a poster frame for them.
	thumbAboveBytes = 10 << 20
)

// FileTooLargeError reports a medium that exceeds its upload ceiling.
type FileTooLargeError struct {
	URL   string
	Size  int64
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("message: media %s is %d bytes, upload limit %d", e.URL, e.Size, e.Limit)
}

// Fetcher downloads media bytes with a bounded retry budget. Fetches
// are deduplicated by URL for the fetcher's lifetime, so a medium
// appearing in several items (or retried across recipients) is pulled
// once.
type Fetcher struct {
	http     *httpx.Client
	maxRetry int
	log      logx.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

func NewFetcher(hc *httpx.Client, maxRetry int, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{http: hc, maxRetry: maxRetry, log: log, cache: make(map[string][]byte)}
}

// Fetch returns the bytes behind url, downloading at most once.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	if b, ok := f.cache[url]; ok {
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()

	res, err := f.http.Get(ctx, url, nil, f.maxRetry, nil)
	if err != nil {
		return nil, fmt.Errorf("message: fetch %s: %w", url, err)
	}

	f.mu.Lock()
	f.cache[url] = res.Body
	f.mu.Unlock()
	f.log.Debug("media fetched", logx.String("url", url), logx.Int("bytes", len(res.Body)))
	return res.Body, nil
}

// resolveBlobs fetches every medium's bytes (write-once on the refs),
// enforces the per-type ceilings, and resolves video thumbnails and
// container metadata.
func (b *Builder) resolveBlobs(ctx context.Context, it *feed.Item) error {
	for _, m := range it.Media {
		if !m.Fetched() {
			if b.fetch == nil {
				return fmt.Errorf("message: blob fallback requested but no fetcher configured")
			}
			blob, err := b.fetch.Fetch(ctx, m.URL)
			if err != nil {
				return err
			}
			m.Blob = blob
			m.Size = int64(len(blob))
		}
		if limit := sizeLimit(m.Type); m.Size >= limit {
			return &FileTooLargeError{URL: m.URL, Size: m.Size, Limit: limit}
		}
		if m.Type == feed.MediaVideo {
			if err := b.resolveVideo(ctx, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveVideo probes the container for dimensions and duration and,
// for large or .mov sources, pulls the poster-frame thumbnail.
func (b *Builder) resolveVideo(ctx context.Context, m *feed.MediaRef) error {
	if m.Width == 0 || m.Height == 0 || m.Duration == 0 {
		info, err := probeMP4(m.Blob)
		if err != nil {
			// Not fatal: the server can still derive metadata itself.
			b.log.Warn("video probe failed", logx.String("url", m.URL), logx.Err(err))
		} else {
			if m.Width == 0 {
				m.Width = info.Width
			}
			if m.Height == 0 {
				m.Height = info.Height
			}
			if m.Duration == 0 {
				m.Duration = info.Duration
			}
		}
	}

	needThumb := m.Size >= thumbAboveBytes || strings.HasSuffix(strings.ToLower(m.URL), ".mov")
	if !needThumb || m.ThumbURL == "" || m.ThumbBlob != nil || b.fetch == nil {
		return nil
	}
	tb, err := b.fetch.Fetch(ctx, m.ThumbURL)
	if err != nil {
		// Thumbnails are cosmetic.
		b.log.Warn("thumbnail fetch failed", logx.String("url", m.ThumbURL), logx.Err(err))
		return nil
	}
	m.ThumbBlob = tb
	return nil
}

func sizeLimit(t feed.MediaType) int64 {
	switch t {
	case feed.MediaPhoto:
		return maxPhotoBytes
	case feed.MediaAudio:
		return maxAudioBytes
	default:
		return maxVideoBytes
	}
}
