package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "tweetpipe/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

func noWait(ctx context.Context, _ *Response) error { return nil }

func TestDoRetrySuccessFirstAttempt(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(5*time.Second, testLogger())
	res, err := c.DoRetry(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, 3, noWait)
	if err != nil {
		t.Fatalf("DoRetry error: %v", err)
	}
	if res.Status != http.StatusOK || res.Text() != "ok" {
		t.Fatalf("unexpected response: %d %q", res.Status, res.Text())
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestDoRetryEventualSuccess(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(5*time.Second, testLogger())
	res, err := c.DoRetry(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, 3, noWait)
	if err != nil {
		t.Fatalf("DoRetry error: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
}

func TestDoRetryExhaustion(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := New(5*time.Second, testLogger())
	_, err := c.DoRetry(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, 2, noWait)
	var ex *RetryExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error = %v, want RetryExhaustedError", err)
	}
	if ex.Status != http.StatusBadGateway || ex.Body != "upstream down" {
		t.Fatalf("unexpected exhaustion detail: %d %q", ex.Status, ex.Body)
	}
	// maxRetry=2 means 3 attempts total.
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
}

func TestDoRetryZeroBudgetSingleAttempt(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(5*time.Second, testLogger())
	_, err := c.DoRetry(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, 0, noWait)
	var ex *RetryExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error = %v, want RetryExhaustedError", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestDoRetryTransportErrorSyntheticStatus(t *testing.T) {
	t.Parallel()
	c := New(2*time.Second, testLogger())
	// Nothing listens here.
	_, err := c.DoRetry(context.Background(), Request{Method: http.MethodGet, URL: "http://127.0.0.1:1/x"}, 1, noWait)
	var ex *RetryExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error = %v, want RetryExhaustedError", err)
	}
	if ex.Status != StatusTransportError {
		t.Fatalf("status = %d, want synthetic %d", ex.Status, StatusTransportError)
	}
	if ex.Err == nil {
		t.Fatal("expected wrapped transport error")
	}
}

func TestDoRetryHookAborts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"description":"nope"}`))
	}))
	defer srv.Close()

	abort := errors.New("terminal condition")
	hook := func(ctx context.Context, res *Response) error {
		if res == nil || res.Status != http.StatusBadRequest {
			t.Errorf("hook got unexpected response: %+v", res)
		}
		return abort
	}

	c := New(5*time.Second, testLogger())
	_, err := c.DoRetry(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, 5, hook)
	if !errors.Is(err, abort) {
		t.Fatalf("error = %v, want hook abort to propagate", err)
	}
}

func TestDoRetryHookSeesResponseEachAttempt(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var hookCalls int
	hook := func(ctx context.Context, res *Response) error {
		hookCalls++
		return nil
	}

	c := New(5*time.Second, testLogger())
	_, _ = c.DoRetry(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, 3, hook)
	// One hook call before each of the 3 retries, none after the last attempt.
	if hookCalls != 3 {
		t.Fatalf("hook calls = %d, want 3", hookCalls)
	}
	if hits.Load() != 4 {
		t.Fatalf("hits = %d, want 4", hits.Load())
	}
}

func TestRequestBodyReplayedOnRetry(t *testing.T) {
	t.Parallel()
	var bodies []string
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(5*time.Second, testLogger())
	_, err := c.DoRetry(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   []byte("payload=1"),
	}, 2, noWait)
	if err != nil {
		t.Fatalf("DoRetry error: %v", err)
	}
	if len(bodies) != 2 || bodies[0] != bodies[1] {
		t.Fatalf("body not replayed identically: %q", bodies)
	}
}

func TestFixedBackoffHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := FixedBackoff(time.Minute)(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
