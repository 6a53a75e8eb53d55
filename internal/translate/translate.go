// Package translate renders post bodies into a configured target
// language for recipients that request it.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"strings"

	"tweetpipe/internal/httpx"
	logx "tweetpipe/pkg/logx"
)

// Translator converts text into the target language. Implementations
// must be safe for concurrent use.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Noop passes text through unchanged. Used when no translation backend
// is configured.
type Noop struct{}

func (Noop) Translate(_ context.Context, text string) (string, error) { return text, nil }

const defaultEndpoint = "https://translate.googleapis.com/translate_a/single"

// Google calls the unauthenticated gtx endpoint. The endpoint mangles
// markup-sensitive runes, so text is HTML-escaped on the way in and
// unescaped on the way out.
type Google struct {
	endpoint string
	target   string
	maxRetry int
	http     *httpx.Client
	log      logx.Logger
}

// NewGoogle translates into target (an ISO 639-1 code such as "en").
// An empty endpoint uses the public one.
func NewGoogle(endpoint, target string, maxRetry int, hc *httpx.Client, log logx.Logger) *Google {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Google{endpoint: endpoint, target: target, maxRetry: maxRetry, http: hc, log: log}
}

func (g *Google) Translate(ctx context.Context, text string) (string, error) {
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", "auto")
	q.Set("tl", g.target)
	q.Set("dt", "t")
	q.Set("q", html.EscapeString(text))

	res, err := g.http.Get(ctx, g.endpoint+"?"+q.Encode(), nil, g.maxRetry, nil)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}

	out, err := decodeSentences(res.Body)
	if err != nil {
		return "", err
	}
	return html.UnescapeString(out), nil
}

// decodeSentences pulls the translated strings out of the gtx response,
// which is a deeply nested array: [[["translated","original",...],...],...].
func decodeSentences(body []byte) (string, error) {
	var doc []json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("translate: decode response: %w", err)
	}
	if len(doc) == 0 {
		return "", fmt.Errorf("translate: empty response")
	}
	var sentences [][]json.RawMessage
	if err := json.Unmarshal(doc[0], &sentences); err != nil {
		return "", fmt.Errorf("translate: decode sentences: %w", err)
	}
	var b strings.Builder
	for _, s := range sentences {
		if len(s) == 0 {
			continue
		}
		var part string
		if err := json.Unmarshal(s[0], &part); err != nil {
			continue
		}
		b.WriteString(part)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("translate: no sentences in response")
	}
	return b.String(), nil
}
