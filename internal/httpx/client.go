// Package httpx is the HTTP layer every network call in this repo goes
// through. It owns a single pooled http.Client and a bounded retry loop
// with an injectable backoff hook.
package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	logx "tweetpipe/pkg/logx"
)

// StatusTransportError is the synthetic status recorded when the request
// never produced an HTTP response (connection refused, DNS failure, ...).
const StatusTransportError = 0

// Request is a replayable HTTP request. The body is held as bytes so the
// identical request can be re-sent on every retry attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully-read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Text returns the body for error/log messages.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// RetryExhaustedError reports a request that still failed after its whole
// retry budget was spent. Status/Body hold the last observed response;
// Err holds the last transport error when no response was seen.
type RetryExhaustedError struct {
	Status int
	Body   string
	Err    error
}

func (e *RetryExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("httpx: retry exhausted: %v", e.Err)
	}
	return fmt.Sprintf("httpx: retry exhausted: status %d: %s", e.Status, e.Body)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// RetryFunc is invoked between attempts. It receives the failed response
// (nil on transport error) and is expected to block for whatever backoff
// the caller wants. Returning a non-nil error aborts the retry loop and
// surfaces that error unchanged; this is how callers turn a specific
// response signature into a terminal failure instead of another attempt.
type RetryFunc func(ctx context.Context, res *Response) error

// FixedBackoff returns a RetryFunc that sleeps a constant duration.
func FixedBackoff(d time.Duration) RetryFunc {
	return func(ctx context.Context, _ *Response) error {
		return Sleep(ctx, d)
	}
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultRetrySleep is the fallback backoff when a caller supplies no hook.
const DefaultRetrySleep = 5 * time.Second

type Client struct {
	hc  *http.Client
	log logx.Logger
}

// New builds a Client around a pooled transport. timeout bounds one
// attempt end to end; 0 means 120s.
func New(timeout time.Duration, log logx.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		hc:  &http.Client{Timeout: timeout, Transport: transport},
		log: log,
	}
}

// Do performs one attempt and reads the whole body.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		hr.Header = req.Header.Clone()
	}

	res, err := c.hc.Do(hr)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: res.StatusCode, Header: res.Header, Body: b}, nil
}

// DoRetry performs the request and retries while the response status is
// >= 400 (a transport-level failure counts as retryable too). maxRetry is
// the number of retries after the first attempt, so maxRetry+1 attempts
// total. onRetry runs before each re-attempt; nil means a fixed sleep.
//
// The request is never mutated between attempts.
func (c *Client) DoRetry(ctx context.Context, req Request, maxRetry int, onRetry RetryFunc) (*Response, error) {
	if onRetry == nil {
		onRetry = FixedBackoff(DefaultRetrySleep)
	}

	var (
		lastRes *Response
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		res, err := c.Do(ctx, req)
		if err != nil {
			// Connection-level failure: retryable, no response to inspect.
			lastRes, lastErr = nil, err
			c.log.Debug("request transport error",
				logx.String("url", redactURL(req.URL)), logx.Err(err))
		} else if res.Status < 400 {
			return res, nil
		} else {
			lastRes, lastErr = res, nil
			c.log.Debug("request failed",
				logx.String("url", redactURL(req.URL)), logx.Int("status", res.Status))
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= maxRetry {
			ex := &RetryExhaustedError{Err: lastErr}
			if lastRes != nil {
				ex.Status = lastRes.Status
				ex.Body = lastRes.Text()
			} else {
				ex.Status = StatusTransportError
			}
			return nil, ex
		}
		if err := onRetry(ctx, lastRes); err != nil {
			return nil, err
		}
	}
}

// Get is a convenience wrapper for replayable GETs.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header, maxRetry int, onRetry RetryFunc) (*Response, error) {
	return c.DoRetry(ctx, Request{Method: http.MethodGet, URL: rawURL, Header: header}, maxRetry, onRetry)
}

// redactURL strips query and userinfo so tokens never reach logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
