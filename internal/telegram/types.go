package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Character ceilings imposed by the Bot API.
const (
	MaxMessageLen = 4096 // standalone text message
	MaxCaptionLen = 1024 // caption attached to media
)

// MediaGroupLimit is the most items one sendMediaGroup call accepts.
const MediaGroupLimit = 10

// Bot is one bot credential. The canonical bot is the one whose
// uploaded file ids may be cached and reused across recipients.
type Bot struct {
	Name      string
	Token     string
	Canonical bool
}

// Recipient is one delivery destination: a bot plus a chat, with
// per-chat options. Recipients are deduplicated by ChatID during
// fan-out.
type Recipient struct {
	Bot       Bot
	ChatID    string
	ThreadID  int // forum topic thread (0 if none)
	Pin       bool
	Translate bool
}

// Response is the Bot API envelope.
type Response struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result"`
	Description string              `json:"description"`
	ErrorCode   int                 `json:"error_code"`
	Parameters  *ResponseParameters `json:"parameters"`
}

type ResponseParameters struct {
	RetryAfter      int   `json:"retry_after"`
	MigrateToChatID int64 `json:"migrate_to_chat_id"`
}

// Err converts a not-ok envelope into an error.
func (r *Response) Err(method string) error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("telegram: %s: %s (code %d)", method, r.Description, r.ErrorCode)
}

// Message decodes a single-message result.
func (r *Response) Message() (*Message, error) {
	var m Message
	if err := json.Unmarshal(r.Result, &m); err != nil {
		return nil, fmt.Errorf("telegram: decode result: %w", err)
	}
	return &m, nil
}

// Messages decodes a media-group result.
func (r *Response) Messages() ([]Message, error) {
	var ms []Message
	if err := json.Unmarshal(r.Result, &ms); err != nil {
		return nil, fmt.Errorf("telegram: decode result array: %w", err)
	}
	return ms, nil
}

// Message is the subset of the result object this system reads back:
// the message id for reply chaining / pinning, and whichever file
// reference the server assigned to uploaded media.
type Message struct {
	MessageID int    `json:"message_id"`
	Date      int64  `json:"date"`
	Photo     []File `json:"photo"`
	Video     *File  `json:"video"`
	Audio     *File  `json:"audio"`
	Document  *File  `json:"document"`
	Animation *File  `json:"animation"`
}

type File struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
}

// FileID returns the server-assigned file reference for the message's
// medium, or "" when the message carries none. For photos the largest
// size (last entry) wins.
func (m *Message) FileID() string {
	switch {
	case len(m.Photo) > 0:
		return m.Photo[len(m.Photo)-1].FileID
	case m.Video != nil:
		return m.Video.FileID
	case m.Audio != nil:
		return m.Audio.FileID
	case m.Document != nil:
		return m.Document.FileID
	case m.Animation != nil:
		return m.Animation.FileID
	}
	return ""
}

// InputSource names media for an outgoing request: either a reference
// string (remote URL or cached file_id) or raw bytes to upload.
type InputSource struct {
	Ref  string
	Blob []byte
	Name string // upload filename, optional
}

// IsBlob reports whether the source must be uploaded as multipart data.
func (s InputSource) IsBlob() bool { return len(s.Blob) > 0 }

// MessageInput is the payload for sendMessage.
type MessageInput struct {
	Text           string
	ReplyTo        int
	DisablePreview bool
}

// MediaInput is the payload for a single-media send (sendPhoto,
// sendVideo, sendAudio, sendDocument).
type MediaInput struct {
	Source   InputSource
	Caption  string
	ReplyTo  int
	Duration int
	Width    int
	Height   int
	Thumb    *InputSource
}

// GroupItem is one element of a sendMediaGroup media array.
type GroupItem struct {
	Type              string // photo, video, audio, document
	Source            InputSource
	Caption           string
	SupportsStreaming bool
	Duration          int
	Width             int
	Height            int
	Thumb             *InputSource
}

// oversizeDescription is the Bot API's signature for "the remote URL
// you referenced is too large for me to fetch". It must surface as
// ErrOversizeReference so the caller can fall back to uploading bytes.
const oversizeDescription = "Bad Request: failed to get HTTP URL content"

// ErrOversizeReference signals that a media reference was rejected for
// size and the item should be re-sent with fetched blobs.
var ErrOversizeReference = errors.New("telegram: media reference too large to fetch by URL")
