// Package feed polls a linear, time-ordered post stream and turns new
// entries into normalized items, deduplicated against a persisted
// watermark so a poll never re-emits something already delivered.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tweetpipe/internal/httpx"
	"tweetpipe/internal/storage"
	logx "tweetpipe/pkg/logx"
)

const (
	defaultPageSize = 20
	queryPathToken  = "tjfcKCXTbbiLmzwXteRe3Q"

	// coldStartWindow bounds the backlog when a feed has no watermark
	// yet, so a fresh deployment does not flood every historical post.
	coldStartWindow = 30 * 24 * time.Hour
)

// KeywordFilter optionally narrows which posts a feed forwards.
type KeywordFilter struct {
	Includes []string // keep only posts containing at least one
	Excludes []string // drop posts containing any
}

// Config describes one polled feed.
type Config struct {
	ID       string // source user id (watermark key)
	Username string
	PageSize int

	RequireTags bool // drop posts without hashtags
	Keywords    KeywordFilter

	// Delivery knobs carried along to the dispatcher.
	AlwaysFetch  bool // always send media by fetched bytes
	SendRawMedia bool // additionally re-send media as documents
}

// Poller fetches one feed's latest window and emits items newer than
// the persisted watermark, sorted ascending by creation time.
type Poller struct {
	cfg      Config
	apiRoot  string // e.g. https://twitter.com, overridable for tests
	bearer   string
	maxRetry int

	http   *httpx.Client
	tokens *TokenSource
	store  storage.Store
	log    logx.Logger

	now func() time.Time
}

func NewPoller(cfg Config, apiRoot, bearer string, maxRetry int, hc *httpx.Client, tokens *TokenSource, store storage.Store, log logx.Logger) *Poller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if apiRoot == "" {
		apiRoot = "https://twitter.com"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:      cfg,
		apiRoot:  apiRoot,
		bearer:   bearer,
		maxRetry: maxRetry,
		http:     hc,
		tokens:   tokens,
		store:    store,
		log:      log.With(logx.String("feed", cfg.ID)),
		now:      time.Now,
	}
}

// FeedConfig returns the feed's configuration (used by the dispatcher
// for delivery knobs).
func (p *Poller) FeedConfig() Config { return p.cfg }

// ID returns the watermark key for this feed.
func (p *Poller) ID() string { return p.cfg.ID }

// LastWatermark reads the persisted watermark, defaulting to a bounded
// cold-start window when none exists.
func (p *Poller) LastWatermark(ctx context.Context) (storage.Watermark, error) {
	w, ok, err := p.store.Watermark(ctx, p.cfg.ID)
	if err != nil {
		return storage.Watermark{}, fmt.Errorf("feed %s: read watermark: %w", p.cfg.ID, err)
	}
	if !ok {
		return storage.Watermark{CreatedAt: p.now().Add(-coldStartWindow)}, nil
	}
	return w, nil
}

// Advance persists the watermark for a fully delivered item. The
// watermark never regresses: an older timestamp is ignored.
func (p *Poller) Advance(ctx context.Context, it *Item) error {
	cur, ok, err := p.store.Watermark(ctx, p.cfg.ID)
	if err != nil {
		return fmt.Errorf("feed %s: read watermark: %w", p.cfg.ID, err)
	}
	if ok && it.CreatedAt.Before(cur.CreatedAt) {
		p.log.Warn("watermark advance skipped: would regress",
			logx.Time("current", cur.CreatedAt), logx.Time("item", it.CreatedAt))
		return nil
	}
	return p.store.SetWatermark(ctx, p.cfg.ID, storage.Watermark{
		CreatedAt:  it.CreatedAt,
		ExternalID: it.ID,
	})
}

// Poll fetches the latest window and returns new items ascending by
// creation time.
func (p *Poller) Poll(ctx context.Context) ([]*Item, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.bearer)
	header.Set("x-guest-token", token)

	res, err := p.http.Get(ctx, p.timelineURL(), header, p.maxRetry, nil)
	if err != nil {
		return nil, fmt.Errorf("feed %s: fetch timeline: %w", p.cfg.ID, err)
	}

	entries, err := parseTimeline(res.Body)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", p.cfg.ID, err)
	}

	wm, err := p.LastWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var items []*Item
	for _, e := range entries {
		it, err := itemFromEntry(e)
		if err != nil {
			p.log.Warn("skipping malformed entry", logx.String("entry", e.EntryID), logx.Err(err))
			continue
		}
		if it == nil {
			continue
		}
		if !it.CreatedAt.After(wm.CreatedAt) {
			continue
		}
		if !p.keep(it) {
			continue
		}
		items = append(items, it)
	}

	SortItems(items)
	p.log.Debug("poll finished", logx.Int("entries", len(entries)), logx.Int("new", len(items)))
	return items, nil
}

// keep applies the feed's content filters.
func (p *Poller) keep(it *Item) bool {
	if p.cfg.RequireTags && len(it.Tags) == 0 {
		return false
	}
	for _, kw := range p.cfg.Keywords.Excludes {
		if kw != "" && strings.Contains(it.Text, kw) {
			return false
		}
	}
	if len(p.cfg.Keywords.Includes) > 0 {
		for _, kw := range p.cfg.Keywords.Includes {
			if kw != "" && strings.Contains(it.Text, kw) {
				return true
			}
		}
		return false
	}
	return true
}

func (p *Poller) timelineURL() string {
	vars := map[string]any{
		"userId":                                 p.cfg.ID,
		"count":                                  p.cfg.PageSize,
		"includePromotedContent":                 true,
		"withQuickPromoteEligibilityTweetFields": true,
		"withSuperFollowsUserFields":             true,
		"withDownvotePerspective":                false,
		"withReactionsMetadata":                  false,
		"withReactionsPerspective":               false,
		"withSuperFollowsTweetFields":            true,
		"withVoice":                              true,
		"withV2Timeline":                         true,
	}
	b, _ := json.Marshal(vars)
	return fmt.Sprintf("%s/i/api/graphql/%s/UserTweets?variables=%s",
		p.apiRoot, queryPathToken, url.QueryEscape(string(b)))
}
