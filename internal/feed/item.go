package feed

import (
	"sort"
	"time"
)

// MediaType classifies a media reference the way the chat protocol
// expects it. Animated gifs are resolved to MediaVideo at parse time.
type MediaType string

const (
	MediaPhoto    MediaType = "photo"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// MediaRef points at remote media bytes. Blob, Size and the video
// dimensions are resolved lazily, at most once; once set they are never
// re-fetched, so the same ref can be reused across recipients without
// repeating downloads.
type MediaRef struct {
	Type     MediaType
	URL      string
	ThumbURL string

	// Resolved lazily (write-once).
	Blob      []byte
	ThumbBlob []byte
	Size      int64
	Width     int
	Height    int
	Duration  int // seconds
}

// Fetched reports whether the blob has already been resolved.
func (m *MediaRef) Fetched() bool { return m.Blob != nil }

// Item is one normalized post from a source feed. Immutable once
// fetched, except for the lazy MediaRef resolution above.
type Item struct {
	ID        string
	Author    string
	Text      string
	Tags      []string
	CreatedAt time.Time
	Media     []*MediaRef
}

// HasMedia reports whether the item carries any media references.
func (it *Item) HasMedia() bool { return len(it.Media) > 0 }

// SortItems orders items ascending by creation time. The sort is stable
// so equal timestamps keep their fetch order.
func SortItems(items []*Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
