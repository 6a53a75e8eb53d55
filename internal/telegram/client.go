// Package telegram is a minimal Bot API client built directly on the
// retrying transport. It covers exactly the send kinds this system
// uses and keeps the protocol's size constraints and retry hints in
// one place.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tweetpipe/internal/httpx"
	logx "tweetpipe/pkg/logx"
)

const defaultHost = "api.telegram.org"

type Config struct {
	Host       string        // "" means api.telegram.org
	MaxRetry   int           // retries after the first attempt
	RetrySleep time.Duration // fallback backoff when the server gives no hint
}

type Client struct {
	http       *httpx.Client
	host       string
	maxRetry   int
	retrySleep time.Duration
	log        logx.Logger
}

func New(cfg Config, hc *httpx.Client, log logx.Logger) *Client {
	host := cfg.Host
	if host == "" {
		host = defaultHost
	}
	sleep := cfg.RetrySleep
	if sleep <= 0 {
		sleep = httpx.DefaultRetrySleep
	}
	// The retry hook only runs before a re-attempt, and the 429 and
	// oversize-reference handling live in that hook. Without at least
	// one retry the oversize fallback could never trigger.
	if cfg.MaxRetry < 1 {
		cfg.MaxRetry = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		http:       hc,
		host:       host,
		maxRetry:   cfg.MaxRetry,
		retrySleep: sleep,
		log:        log,
	}
}

func (c *Client) endpoint(token, method string) string {
	base := c.host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return fmt.Sprintf("%s/bot%s/%s", base, token, method)
}

// onRetry is the transport backoff hook. Rate-limit responses carry the
// server's retry_after hint; the oversize-reference signature is
// terminal and must propagate instead of being retried.
func (c *Client) onRetry(ctx context.Context, res *httpx.Response) error {
	sleep := c.retrySleep
	if res != nil {
		var env Response
		if err := json.Unmarshal(res.Body, &env); err == nil {
			switch {
			case res.Status == http.StatusTooManyRequests &&
				env.Parameters != nil && env.Parameters.RetryAfter > 0:
				sleep = time.Duration(env.Parameters.RetryAfter) * time.Second
			case res.Status == http.StatusBadRequest && env.Description == oversizeDescription:
				return ErrOversizeReference
			}
		}
	}
	c.log.Info("sleeping before retry", logx.Duration("sleep", sleep))
	return httpx.Sleep(ctx, sleep)
}

type filePart struct {
	field string
	name  string
	data  []byte
}

// invoke POSTs one Bot API method. With no file parts the payload is a
// urlencoded form; any blob upgrade makes it multipart/form-data. The
// encoded body is replayable so the transport can retry it verbatim.
func (c *Client) invoke(ctx context.Context, bot Bot, method string, fields url.Values, files []filePart) (*Response, error) {
	var (
		body        []byte
		contentType string
	)
	if len(files) == 0 {
		body = []byte(fields.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, vs := range fields {
			for _, v := range vs {
				if err := w.WriteField(k, v); err != nil {
					return nil, fmt.Errorf("telegram: build form: %w", err)
				}
			}
		}
		for _, f := range files {
			name := f.name
			if name == "" {
				name = f.field
			}
			fw, err := w.CreateFormFile(f.field, name)
			if err != nil {
				return nil, fmt.Errorf("telegram: build form: %w", err)
			}
			if _, err := fw.Write(f.data); err != nil {
				return nil, fmt.Errorf("telegram: build form: %w", err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("telegram: build form: %w", err)
		}
		body = buf.Bytes()
		contentType = w.FormDataContentType()
	}

	header := http.Header{}
	header.Set("Content-Type", contentType)

	res, err := c.http.DoRetry(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    c.endpoint(bot.Token, method),
		Header: header,
		Body:   body,
	}, c.maxRetry, c.onRetry)
	if err != nil {
		return nil, err
	}

	var env Response
	if err := json.Unmarshal(res.Body, &env); err != nil {
		return nil, fmt.Errorf("telegram: %s: decode envelope: %w", method, err)
	}
	return &env, nil
}

func (c *Client) baseFields(r Recipient) url.Values {
	v := url.Values{}
	v.Set("chat_id", r.ChatID)
	v.Set("parse_mode", "HTML")
	if r.ThreadID != 0 {
		v.Set("message_thread_id", strconv.Itoa(r.ThreadID))
	}
	return v
}

func (c *Client) SendMessage(ctx context.Context, r Recipient, in MessageInput) (*Response, error) {
	v := c.baseFields(r)
	v.Set("text", in.Text)
	if in.ReplyTo != 0 {
		v.Set("reply_to_message_id", strconv.Itoa(in.ReplyTo))
	}
	if in.DisablePreview {
		v.Set("disable_web_page_preview", "true")
	}
	return c.invoke(ctx, r.Bot, "sendMessage", v, nil)
}

func (c *Client) SendPhoto(ctx context.Context, r Recipient, in MediaInput) (*Response, error) {
	return c.sendSingle(ctx, r, "sendPhoto", "photo", in)
}

func (c *Client) SendVideo(ctx context.Context, r Recipient, in MediaInput) (*Response, error) {
	return c.sendSingle(ctx, r, "sendVideo", "video", in)
}

func (c *Client) SendAudio(ctx context.Context, r Recipient, in MediaInput) (*Response, error) {
	return c.sendSingle(ctx, r, "sendAudio", "audio", in)
}

func (c *Client) SendDocument(ctx context.Context, r Recipient, in MediaInput) (*Response, error) {
	return c.sendSingle(ctx, r, "sendDocument", "document", in)
}

func (c *Client) sendSingle(ctx context.Context, r Recipient, method, field string, in MediaInput) (*Response, error) {
	v := c.baseFields(r)
	var files []filePart
	if in.Source.IsBlob() {
		v.Set(field, "attach://"+field)
		files = append(files, filePart{field: field, name: in.Source.Name, data: in.Source.Blob})
	} else {
		v.Set(field, in.Source.Ref)
	}
	if in.Caption != "" {
		v.Set("caption", in.Caption)
	}
	if in.ReplyTo != 0 {
		v.Set("reply_to_message_id", strconv.Itoa(in.ReplyTo))
	}
	if in.Duration > 0 {
		v.Set("duration", strconv.Itoa(in.Duration))
	}
	if in.Width > 0 {
		v.Set("width", strconv.Itoa(in.Width))
	}
	if in.Height > 0 {
		v.Set("height", strconv.Itoa(in.Height))
	}
	if method == "sendVideo" {
		v.Set("supports_streaming", "true")
	}
	if in.Thumb != nil && in.Thumb.IsBlob() {
		v.Set("thumbnail", "attach://thumbnail")
		files = append(files, filePart{field: "thumbnail", name: in.Thumb.Name, data: in.Thumb.Blob})
	}
	return c.invoke(ctx, r.Bot, method, v, files)
}

// groupEntry is the wire shape of one sendMediaGroup media element.
type groupEntry struct {
	Type              string `json:"type"`
	Media             string `json:"media"`
	Caption           string `json:"caption,omitempty"`
	ParseMode         string `json:"parse_mode,omitempty"`
	SupportsStreaming bool   `json:"supports_streaming,omitempty"`
	Duration          int    `json:"duration,omitempty"`
	Width             int    `json:"width,omitempty"`
	Height            int    `json:"height,omitempty"`
	Thumbnail         string `json:"thumbnail,omitempty"`
}

// SendMediaGroup sends one batch of up to MediaGroupLimit items. Blob
// sources become attach:// parts; the media array itself is
// JSON-encoded into the form per the Bot API.
func (c *Client) SendMediaGroup(ctx context.Context, r Recipient, items []GroupItem, replyTo int) (*Response, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("telegram: sendMediaGroup: empty batch")
	}
	if len(items) > MediaGroupLimit {
		return nil, fmt.Errorf("telegram: sendMediaGroup: %d items exceeds limit %d", len(items), MediaGroupLimit)
	}

	var files []filePart
	entries := make([]groupEntry, 0, len(items))
	for i, it := range items {
		e := groupEntry{
			Type:              it.Type,
			Caption:           it.Caption,
			SupportsStreaming: it.SupportsStreaming,
			Duration:          it.Duration,
			Width:             it.Width,
			Height:            it.Height,
		}
		if it.Caption != "" {
			e.ParseMode = "HTML"
		}
		if it.Source.IsBlob() {
			key := "file" + strconv.Itoa(i)
			e.Media = "attach://" + key
			files = append(files, filePart{field: key, name: it.Source.Name, data: it.Source.Blob})
		} else {
			e.Media = it.Source.Ref
		}
		if it.Thumb != nil && it.Thumb.IsBlob() {
			key := "thumb" + strconv.Itoa(i)
			e.Thumbnail = "attach://" + key
			files = append(files, filePart{field: key, name: it.Thumb.Name, data: it.Thumb.Blob})
		}
		entries = append(entries, e)
	}

	mediaJSON, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("telegram: sendMediaGroup: %w", err)
	}

	v := url.Values{}
	v.Set("chat_id", r.ChatID)
	if r.ThreadID != 0 {
		v.Set("message_thread_id", strconv.Itoa(r.ThreadID))
	}
	v.Set("media", string(mediaJSON))
	if replyTo != 0 {
		v.Set("reply_to_message_id", strconv.Itoa(replyTo))
	}
	return c.invoke(ctx, r.Bot, "sendMediaGroup", v, files)
}

func (c *Client) PinChatMessage(ctx context.Context, r Recipient, messageID int) (*Response, error) {
	v := url.Values{}
	v.Set("chat_id", r.ChatID)
	v.Set("message_id", strconv.Itoa(messageID))
	v.Set("disable_notification", "true")
	return c.invoke(ctx, r.Bot, "pinChatMessage", v, nil)
}

// LogSender adapts the client to logx.Sender so warn/error records can
// be forwarded to an operator chat.
type LogSender struct {
	Client *Client
	Bot    Bot
}

func (s *LogSender) SendLog(ctx context.Context, chatID string, threadID int, text string) error {
	if s == nil || s.Client == nil || chatID == "" {
		return nil
	}
	r := Recipient{Bot: s.Bot, ChatID: chatID, ThreadID: threadID}
	// Log lines are arbitrary text; escape them so HTML parse mode
	// cannot reject the message.
	res, err := s.Client.SendMessage(ctx, r, MessageInput{Text: html.EscapeString(text), DisablePreview: true})
	if err != nil {
		return err
	}
	return res.Err("sendMessage")
}
