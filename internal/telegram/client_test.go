package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tweetpipe/internal/httpx"
	logx "tweetpipe/pkg/logx"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{
		Host:       srv.URL,
		MaxRetry:   2,
		RetrySleep: time.Millisecond,
	}, httpx.New(5*time.Second, logx.Nop()), logx.Nop())
	return c, srv
}

func testRecipient() Recipient {
	return Recipient{Bot: Bot{Name: "main", Token: "123:abc", Canonical: true}, ChatID: "@channel"}
}

func okEnvelope(result string) string {
	return fmt.Sprintf(`{"ok":true,"result":%s}`, result)
}

func TestSendMessageFormAndEnvelope(t *testing.T) {
	t.Parallel()
	var gotPath string
	var gotForm map[string][]string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotForm = r.PostForm
		_, _ = w.Write([]byte(okEnvelope(`{"message_id":42,"date":1}`)))
	}))

	res, err := c.SendMessage(context.Background(), testRecipient(), MessageInput{Text: "hello", ReplyTo: 7})
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %s", gotPath)
	}
	if got := gotForm["text"]; len(got) != 1 || got[0] != "hello" {
		t.Fatalf("text field = %v", got)
	}
	if got := gotForm["reply_to_message_id"]; len(got) != 1 || got[0] != "7" {
		t.Fatalf("reply field = %v", got)
	}
	if got := gotForm["parse_mode"]; len(got) != 1 || got[0] != "HTML" {
		t.Fatalf("parse_mode field = %v", got)
	}
	msg, err := res.Message()
	if err != nil {
		t.Fatalf("Message error: %v", err)
	}
	if msg.MessageID != 42 {
		t.Fatalf("message_id = %d", msg.MessageID)
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	start := time.Now()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`))
			return
		}
		_, _ = w.Write([]byte(okEnvelope(`{"message_id":1,"date":1}`)))
	}))

	res, err := c.SendMessage(context.Background(), testRecipient(), MessageInput{Text: "x"})
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if !res.OK {
		t.Fatal("expected ok envelope after retry")
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("retry_after not honored: elapsed %v", elapsed)
	}
}

func TestOversizeReferencePropagates(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: failed to get HTTP URL content"}`))
	}))

	_, err := c.SendMediaGroup(context.Background(), testRecipient(), []GroupItem{
		{Type: "video", Source: InputSource{Ref: "https://example.com/big.mp4"}},
	}, 0)
	if !errors.Is(err, ErrOversizeReference) {
		t.Fatalf("error = %v, want ErrOversizeReference", err)
	}
	// The signature must abort immediately, not burn the retry budget.
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestZeroMaxRetryStillDetectsOversize(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: failed to get HTTP URL content"}`))
	}))
	t.Cleanup(srv.Close)
	// Retry-dependent behavior must not vanish with an unset budget.
	c := New(Config{Host: srv.URL, RetrySleep: time.Millisecond},
		httpx.New(5*time.Second, logx.Nop()), logx.Nop())

	_, err := c.SendPhoto(context.Background(), testRecipient(), MediaInput{Source: InputSource{Ref: "https://example.com/big.jpg"}})
	if !errors.Is(err, ErrOversizeReference) {
		t.Fatalf("error = %v, want ErrOversizeReference", err)
	}
}

func TestOtherBadRequestStillRetries(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))

	_, err := c.SendMessage(context.Background(), testRecipient(), MessageInput{Text: "x"})
	var ex *httpx.RetryExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error = %v, want RetryExhaustedError", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3 (maxRetry=2)", hits.Load())
	}
}

func TestSendMediaGroupJSONPayload(t *testing.T) {
	t.Parallel()
	var media string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		media = r.PostFormValue("media")
		_, _ = w.Write([]byte(okEnvelope(`[{"message_id":5,"date":1},{"message_id":6,"date":1}]`)))
	}))

	items := []GroupItem{
		{Type: "photo", Source: InputSource{Ref: "https://example.com/a.jpg"}, Caption: "cap"},
		{Type: "video", Source: InputSource{Ref: "https://example.com/b.mp4"}, SupportsStreaming: true},
	}
	res, err := c.SendMediaGroup(context.Background(), testRecipient(), items, 9)
	if err != nil {
		t.Fatalf("SendMediaGroup error: %v", err)
	}

	var entries []map[string]any
	if err := json.Unmarshal([]byte(media), &entries); err != nil {
		t.Fatalf("media field is not JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0]["caption"] != "cap" || entries[0]["parse_mode"] != "HTML" {
		t.Fatalf("first entry missing caption/parse_mode: %v", entries[0])
	}
	if _, hasCaption := entries[1]["caption"]; hasCaption {
		t.Fatalf("second entry must not carry a caption: %v", entries[1])
	}
	if entries[1]["supports_streaming"] != true {
		t.Fatalf("video entry missing supports_streaming: %v", entries[1])
	}

	msgs, err := res.Messages()
	if err != nil {
		t.Fatalf("Messages error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].MessageID != 5 {
		t.Fatalf("unexpected result decode: %+v", msgs)
	}
}

func TestSendMediaGroupBlobBecomesMultipart(t *testing.T) {
	t.Parallel()
	var contentType, media string
	var gotBlob []byte
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		media = r.FormValue("media")
		f, _, err := r.FormFile("file0")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		buf := make([]byte, 3)
		n, _ := f.Read(buf)
		gotBlob = buf[:n]
		_, _ = w.Write([]byte(okEnvelope(`[{"message_id":1,"date":1}]`)))
	}))

	items := []GroupItem{
		{Type: "video", Source: InputSource{Blob: []byte{1, 2, 3}, Name: "v.mp4"}},
	}
	if _, err := c.SendMediaGroup(context.Background(), testRecipient(), items, 0); err != nil {
		t.Fatalf("SendMediaGroup error: %v", err)
	}

	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt != "multipart/form-data" {
		t.Fatalf("content type = %q", contentType)
	}
	if !strings.Contains(media, "attach://file0") {
		t.Fatalf("media JSON does not reference attachment: %s", media)
	}
	if string(gotBlob) != string([]byte{1, 2, 3}) {
		t.Fatalf("blob bytes = %v", gotBlob)
	}
}

func TestFileIDExtraction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "photo picks largest size", raw: `{"message_id":1,"photo":[{"file_id":"small"},{"file_id":"big"}]}`, want: "big"},
		{name: "video", raw: `{"message_id":1,"video":{"file_id":"vid"}}`, want: "vid"},
		{name: "audio", raw: `{"message_id":1,"audio":{"file_id":"aud"}}`, want: "aud"},
		{name: "document", raw: `{"message_id":1,"document":{"file_id":"doc"}}`, want: "doc"},
		{name: "bare text", raw: `{"message_id":1}`, want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tt.raw), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := m.FileID(); got != tt.want {
				t.Fatalf("FileID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPinChatMessage(t *testing.T) {
	t.Parallel()
	var gotMethod, msgID string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.URL.Path
		_ = r.ParseForm()
		msgID = r.PostFormValue("message_id")
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))

	res, err := c.PinChatMessage(context.Background(), testRecipient(), 99)
	if err != nil {
		t.Fatalf("PinChatMessage error: %v", err)
	}
	if !res.OK {
		t.Fatal("expected ok")
	}
	if !strings.HasSuffix(gotMethod, "/pinChatMessage") || msgID != "99" {
		t.Fatalf("method=%s message_id=%s", gotMethod, msgID)
	}
}
