// Package message turns a normalized feed item into the ordered
// outbound units one recipient receives: text blocks shaped to the
// protocol ceilings plus media groups of at most ten entries.
package message

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"tweetpipe/internal/feed"
	"tweetpipe/internal/telegram"
	"tweetpipe/internal/translate"
	logx "tweetpipe/pkg/logx"
)

const (
	// maxLines is the line count above which a single block is split
	// even when it fits the character ceiling.
	maxLines = 30

	timestampLayout     = "2006-01-02 15:04:05 MST"
	translatedSeparator = "\n____________________\n\n"
)

// Unit is one physical send. Exactly one of Text, Single or Group is
// set.
type Unit struct {
	Text string

	SingleType feed.MediaType
	Single     *telegram.MediaInput

	Group []telegram.GroupItem

	// FirstIndex is the item-media index of the unit's first medium,
	// used to map returned file ids back to media positions.
	FirstIndex int

	// Raw marks the additional as-document re-send of a medium. Raw
	// units never populate or read the file-id cache.
	Raw bool
}

// Builder shapes items into units. One Builder serves every feed.
type Builder struct {
	translator translate.Translator
	tz         *time.Location
	fetch      *Fetcher
	log        logx.Logger
}

func NewBuilder(translator translate.Translator, tz *time.Location, fetch *Fetcher, log logx.Logger) *Builder {
	if translator == nil {
		translator = translate.Noop{}
	}
	if tz == nil {
		tz = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Builder{translator: translator, tz: tz, fetch: fetch, log: log}
}

// Outbound is the per-item build state. The media plan and any fetched
// blobs are computed once and reused for every recipient; per-recipient
// calls only vary the text shaping and file-id substitution.
type Outbound struct {
	b    *Builder
	item *feed.Item
	cfg  feed.Config

	forceBlob bool

	translated    string // lazily resolved, cached for the item
	translatedErr error
	translateDone bool
}

// Prepare starts the per-item build. The blob fallback is forced up
// front when the feed always fetches or any video can only be delivered
// by upload.
func (b *Builder) Prepare(it *feed.Item, cfg feed.Config) *Outbound {
	o := &Outbound{b: b, item: it, cfg: cfg}
	if cfg.AlwaysFetch {
		o.forceBlob = true
	}
	for _, m := range it.Media {
		if m.Type == feed.MediaVideo && strings.HasSuffix(strings.ToLower(m.URL), ".mov") {
			o.forceBlob = true
		}
	}
	return o
}

// Blobbed reports whether media will be sent as uploaded bytes.
func (o *Outbound) Blobbed() bool { return o.forceBlob }

// ForceBlobs switches the item to uploaded bytes: every medium's bytes
// are fetched (at most once), checked against the per-type size
// thresholds, and videos get their thumbnail and container metadata
// resolved. A FileTooLargeError aborts the whole item.
func (o *Outbound) ForceBlobs(ctx context.Context) error {
	o.forceBlob = true
	return o.b.resolveBlobs(ctx, o.item)
}

// Units builds the ordered send sequence for one recipient.
// fileIDs maps media index → cached canonical-bot file id; entries
// present there short-circuit both URL and blob sources.
func (o *Outbound) Units(ctx context.Context, translated bool, fileIDs map[int]string) ([]Unit, error) {
	if o.forceBlob {
		// Idempotent: blobs are write-once on the refs.
		if err := o.b.resolveBlobs(ctx, o.item); err != nil {
			return nil, err
		}
	}

	var trBlock string
	if translated {
		tr, err := o.translatedBody(ctx)
		if err != nil {
			// Translation is best-effort: deliver untranslated rather
			// than dropping the item.
			o.b.log.Warn("translation failed", logx.String("item", o.item.ID), logx.Err(err))
		} else if tr != "" {
			trBlock = translatedSeparator + tr + "\n"
		}
	}

	ceiling := telegram.MaxMessageLen
	if o.item.HasMedia() {
		ceiling = telegram.MaxCaptionLen
	}
	texts := shapeText(o.mainText(), footerLine(o.item.Tags), trBlock, ceiling)

	var units []Unit
	if o.item.HasMedia() {
		units = o.mediaUnits(texts[0], fileIDs)
		texts = texts[1:]
	}
	for _, t := range texts {
		units = append(units, Unit{Text: t})
	}
	if o.cfg.SendRawMedia {
		units = append(units, o.rawUnits()...)
	}
	return units, nil
}

// mainText is the canonical block minus footer and translation:
// formatted timestamp, blank line, body.
func (o *Outbound) mainText() string {
	ts := o.item.CreatedAt.In(o.b.tz).Format(timestampLayout)
	return ts + "\n\n" + html.EscapeString(o.item.Text)
}

func (o *Outbound) translatedBody(ctx context.Context) (string, error) {
	if !o.translateDone {
		tr, err := o.b.translator.Translate(ctx, o.item.Text)
		o.translated, o.translatedErr = html.EscapeString(tr), err
		o.translateDone = true
	}
	return o.translated, o.translatedErr
}

// footerLine renders the item's tags as a hashtag line, preceded by a
// newline. Tags are stripped of whitespace so they survive as one
// hashtag each.
func footerLine(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.Join(strings.Fields(t), "")
		if t != "" {
			parts = append(parts, "#"+t)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n" + strings.Join(parts, " ")
}

// shapeText splits the composed text into protocol-sized blocks:
//
//  1. everything in one block when it is short enough;
//  2. otherwise main+footer as the primary block and the translated
//     block on its own, when the primary fits;
//  3. otherwise hard chunks of (ceiling − footer) runes preserving
//     newlines, footer on the last chunk, translated chunks appended
//     at the full standalone ceiling.
func shapeText(main, footer, translated string, ceiling int) []string {
	full := main + footer + translated
	if strings.Count(full, "\n")+1 < maxLines && len([]rune(full)) < ceiling {
		return []string{full}
	}

	primary := main + footer
	if len([]rune(primary)) < ceiling {
		out := []string{primary}
		if translated != "" {
			out = append(out, chunkRunes(translated, telegram.MaxMessageLen)...)
		}
		return out
	}

	limit := ceiling - len([]rune(footer))
	out := chunkRunes(main, limit)
	out[len(out)-1] += footer
	if translated != "" {
		out = append(out, chunkRunes(translated, telegram.MaxMessageLen)...)
	}
	return out
}

// chunkRunes hard-splits s into consecutive chunks of at most limit
// runes, cutting at the last newline inside the window when one exists.
func chunkRunes(s string, limit int) []string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return []string{s}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > 0; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return append(out, string(runes))
}

// mediaUnits assembles the media groups: a lone medium goes out as a
// single send, two or more as sendMediaGroup batches of at most ten.
// The caption rides on the very first medium only.
func (o *Outbound) mediaUnits(caption string, fileIDs map[int]string) []Unit {
	media := o.item.Media
	if len(media) == 1 {
		in := &telegram.MediaInput{
			Source:   o.source(0, fileIDs),
			Caption:  caption,
			Duration: media[0].Duration,
			Width:    media[0].Width,
			Height:   media[0].Height,
		}
		if t := o.thumbSource(media[0]); t != nil {
			in.Thumb = t
		}
		return []Unit{{SingleType: media[0].Type, Single: in, FirstIndex: 0}}
	}

	var units []Unit
	for start := 0; start < len(media); start += telegram.MediaGroupLimit {
		end := start + telegram.MediaGroupLimit
		if end > len(media) {
			end = len(media)
		}
		group := make([]telegram.GroupItem, 0, end-start)
		for i := start; i < end; i++ {
			m := media[i]
			gi := telegram.GroupItem{
				Type:     string(m.Type),
				Source:   o.source(i, fileIDs),
				Duration: m.Duration,
				Width:    m.Width,
				Height:   m.Height,
			}
			if m.Type == feed.MediaVideo {
				gi.SupportsStreaming = true
				gi.Thumb = o.thumbSource(m)
			}
			if i == 0 {
				gi.Caption = caption
			}
			group = append(group, gi)
		}
		units = append(units, Unit{Group: group, FirstIndex: start})
	}
	return units
}

// rawUnits re-sends every medium as a document. File ids are never
// reused here: a document file id names different server-side bytes
// than the photo/video id for the same medium.
func (o *Outbound) rawUnits() []Unit {
	units := make([]Unit, 0, len(o.item.Media))
	for i, m := range o.item.Media {
		src := telegram.InputSource{Ref: m.URL}
		if o.forceBlob && m.Fetched() {
			src = telegram.InputSource{Blob: m.Blob, Name: uploadName(m, i)}
		}
		units = append(units, Unit{
			SingleType: feed.MediaDocument,
			Single:     &telegram.MediaInput{Source: src},
			FirstIndex: i,
			Raw:        true,
		})
	}
	return units
}

func (o *Outbound) source(i int, fileIDs map[int]string) telegram.InputSource {
	m := o.item.Media[i]
	if id, ok := fileIDs[i]; ok && id != "" {
		return telegram.InputSource{Ref: id}
	}
	if o.forceBlob && m.Fetched() {
		return telegram.InputSource{Blob: m.Blob, Name: uploadName(m, i)}
	}
	return telegram.InputSource{Ref: m.URL}
}

func (o *Outbound) thumbSource(m *feed.MediaRef) *telegram.InputSource {
	if len(m.ThumbBlob) == 0 {
		return nil
	}
	return &telegram.InputSource{Blob: m.ThumbBlob, Name: "thumb.jpg"}
}

func uploadName(m *feed.MediaRef, i int) string {
	ext := map[feed.MediaType]string{
		feed.MediaPhoto:    "jpg",
		feed.MediaVideo:    "mp4",
		feed.MediaAudio:    "mp3",
		feed.MediaDocument: "bin",
	}[m.Type]
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("media%d.%s", i, ext)
}
