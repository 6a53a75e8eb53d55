package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tweetpipe/internal/httpx"
	"tweetpipe/internal/storage"
	logx "tweetpipe/pkg/logx"
)

const (
	guestTokenCacheKey = "guest_token"
	guestTokenTTL      = 6900 * time.Second // just under the server-side 2h lifetime
)

// TokenConfig points the guest-token handshake at the source. Empty
// URLs fall back to the public endpoints.
type TokenConfig struct {
	WebRoot     string // GET here to obtain the session cookie
	ActivateURL string // POST here with the cookie to mint a token
	Bearer      string
	MaxRetry    int
}

// TokenSource mints and caches the rotating guest token. The token is
// shared by every feed and survives process restarts through the
// storage cache, so polls within the TTL skip the handshake entirely.
type TokenSource struct {
	cfg   TokenConfig
	http  *httpx.Client
	store storage.Store
	log   logx.Logger
}

func NewTokenSource(cfg TokenConfig, hc *httpx.Client, store storage.Store, log logx.Logger) *TokenSource {
	if cfg.WebRoot == "" {
		cfg.WebRoot = "https://twitter.com"
	}
	if cfg.ActivateURL == "" {
		cfg.ActivateURL = "https://api.twitter.com/1.1/guest/activate.json"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TokenSource{cfg: cfg, http: hc, store: store, log: log}
}

// Token returns a cached guest token or performs the two-step
// handshake: fetch the web root for a session cookie, then activate a
// token with that cookie.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok, err := ts.store.CacheGet(ctx, guestTokenCacheKey); err == nil && ok {
		return tok, nil
	}

	tok, err := ts.handshake(ctx)
	if err != nil {
		return "", err
	}

	if err := ts.store.CachePut(ctx, guestTokenCacheKey, tok, time.Now().Add(guestTokenTTL)); err != nil {
		// A failed cache write only costs an extra handshake next poll.
		ts.log.Warn("guest token cache write failed", logx.Err(err))
	}
	ts.log.Debug("guest token refreshed")
	return tok, nil
}

func (ts *TokenSource) handshake(ctx context.Context) (string, error) {
	res, err := ts.http.Get(ctx, ts.cfg.WebRoot, nil, ts.cfg.MaxRetry, nil)
	if err != nil {
		return "", fmt.Errorf("feed: token handshake: fetch web root: %w", err)
	}
	cookies := res.Header.Values("Set-Cookie")
	if len(cookies) == 0 {
		return "", fmt.Errorf("feed: token handshake: web root returned no session cookie")
	}

	header := http.Header{}
	for _, c := range cookies {
		header.Add("Cookie", c)
	}
	header.Set("Authorization", "Bearer "+ts.cfg.Bearer)

	res, err = ts.http.DoRetry(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    ts.cfg.ActivateURL,
		Header: header,
	}, ts.cfg.MaxRetry, nil)
	if err != nil {
		return "", fmt.Errorf("feed: token handshake: activate: %w", err)
	}

	var body struct {
		GuestToken string `json:"guest_token"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return "", fmt.Errorf("feed: token handshake: decode: %w", err)
	}
	if body.GuestToken == "" {
		return "", fmt.Errorf("feed: token handshake: empty guest_token in response")
	}
	return body.GuestToken, nil
}
