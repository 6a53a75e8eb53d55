// Package dispatch fans one feed item out to its resolved recipients:
// sequential delivery, bounded retries in the transport underneath,
// file-id reuse on the canonical bot, and a single item-level fallback
// to uploaded bytes when a remote reference is rejected as oversize.
package dispatch

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"tweetpipe/internal/feed"
	"tweetpipe/internal/message"
	"tweetpipe/internal/telegram"
	logx "tweetpipe/pkg/logx"
)

// Sender is the slice of the delivery client the dispatcher uses.
// *telegram.Client satisfies it; tests substitute fakes.
type Sender interface {
	SendMessage(ctx context.Context, r telegram.Recipient, in telegram.MessageInput) (*telegram.Response, error)
	SendPhoto(ctx context.Context, r telegram.Recipient, in telegram.MediaInput) (*telegram.Response, error)
	SendVideo(ctx context.Context, r telegram.Recipient, in telegram.MediaInput) (*telegram.Response, error)
	SendAudio(ctx context.Context, r telegram.Recipient, in telegram.MediaInput) (*telegram.Response, error)
	SendDocument(ctx context.Context, r telegram.Recipient, in telegram.MediaInput) (*telegram.Response, error)
	SendMediaGroup(ctx context.Context, r telegram.Recipient, items []telegram.GroupItem, replyTo int) (*telegram.Response, error)
	PinChatMessage(ctx context.Context, r telegram.Recipient, messageID int) (*telegram.Response, error)
}

// Dispatcher delivers items. Recipient tables are static for the
// process lifetime; a config reload builds a new Dispatcher.
type Dispatcher struct {
	send     Sender
	builder  *message.Builder
	limiter  *rate.Limiter
	defaults []telegram.Recipient
	tagged   map[string][]telegram.Recipient
	log      logx.Logger
}

func New(send Sender, builder *message.Builder, limiter *rate.Limiter, defaults []telegram.Recipient, tagged map[string][]telegram.Recipient, log logx.Logger) *Dispatcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		send:     send,
		builder:  builder,
		limiter:  limiter,
		defaults: defaults,
		tagged:   tagged,
		log:      log,
	}
}

// Recipients resolves the destination set for an item: the defaults
// plus every recipient mapped from the item's tags, deduplicated by
// chat id keeping the first occurrence.
func (d *Dispatcher) Recipients(it *feed.Item) []telegram.Recipient {
	seen := make(map[string]bool)
	var out []telegram.Recipient
	add := func(rs []telegram.Recipient) {
		for _, r := range rs {
			if seen[r.ChatID] {
				continue
			}
			seen[r.ChatID] = true
			out = append(out, r)
		}
	}
	add(d.defaults)
	for _, tag := range it.Tags {
		add(d.tagged[tag])
	}
	return out
}

// Dispatch delivers one item to every resolved recipient and reports
// overall success. A failed recipient never short-circuits the rest;
// an oversize rejection clears cached file ids and retries the whole
// item once on the upload path. Only an overall success should advance
// the feed's watermark.
func (d *Dispatcher) Dispatch(ctx context.Context, it *feed.Item, cfg feed.Config) bool {
	out := d.builder.Prepare(it, cfg)
	if out.Blobbed() {
		if err := out.ForceBlobs(ctx); err != nil {
			d.log.Error("media resolution failed", logx.String("item", it.ID), logx.Err(err))
			return false
		}
	}

	recipients := d.Recipients(it)
	if len(recipients) == 0 {
		d.log.Warn("item has no recipients", logx.String("item", it.ID))
		return true
	}

	fileIDs := make(map[int]string)
	retried := false
	ok := true
	for i := 0; i < len(recipients); i++ {
		r := recipients[i]
		err := d.deliver(ctx, out, r, fileIDs)
		if err == nil {
			continue
		}
		if errors.Is(err, telegram.ErrOversizeReference) && !retried {
			retried = true
			for k := range fileIDs {
				delete(fileIDs, k)
			}
			d.log.Info("reference rejected as oversize, re-sending item as upload",
				logx.String("item", it.ID))
			if err := out.ForceBlobs(ctx); err != nil {
				d.log.Error("upload fallback failed", logx.String("item", it.ID), logx.Err(err))
				return false
			}
			i--
			continue
		}
		d.log.Error("delivery failed",
			logx.String("item", it.ID), logx.String("chat", r.ChatID), logx.Err(err))
		ok = false
	}
	return ok
}

// deliver sends every unit of the item to one recipient, chaining
// replies and harvesting canonical-bot file ids.
func (d *Dispatcher) deliver(ctx context.Context, out *message.Outbound, r telegram.Recipient, fileIDs map[int]string) error {
	ids := fileIDs
	if !r.Bot.Canonical {
		ids = nil
	}
	units, err := out.Units(ctx, r.Translate, ids)
	if err != nil {
		return err
	}

	firstID, prevID := 0, 0
	for _, u := range units {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		res, err := d.sendUnit(ctx, r, u, prevID)
		if err != nil {
			return err
		}

		msgs, err := unitMessages(res, u)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			if firstID == 0 {
				firstID = msgs[0].MessageID
			}
			prevID = msgs[len(msgs)-1].MessageID
		}
		if r.Bot.Canonical && !u.Raw && ids != nil {
			for j := range msgs {
				if id := msgs[j].FileID(); id != "" {
					ids[u.FirstIndex+j] = id
				}
			}
		}
	}

	if r.Pin && firstID != 0 {
		if _, err := d.send.PinChatMessage(ctx, r, firstID); err != nil {
			// Pinning is a courtesy, not part of delivery.
			d.log.Warn("pin failed", logx.String("chat", r.ChatID), logx.Err(err))
		}
	}
	return nil
}

func (d *Dispatcher) sendUnit(ctx context.Context, r telegram.Recipient, u message.Unit, replyTo int) (*telegram.Response, error) {
	switch {
	case u.Text != "":
		return d.send.SendMessage(ctx, r, telegram.MessageInput{Text: u.Text, ReplyTo: replyTo})
	case len(u.Group) > 0:
		return d.send.SendMediaGroup(ctx, r, u.Group, replyTo)
	case u.Single != nil:
		in := *u.Single
		in.ReplyTo = replyTo
		switch u.SingleType {
		case feed.MediaPhoto:
			return d.send.SendPhoto(ctx, r, in)
		case feed.MediaVideo:
			return d.send.SendVideo(ctx, r, in)
		case feed.MediaAudio:
			return d.send.SendAudio(ctx, r, in)
		default:
			return d.send.SendDocument(ctx, r, in)
		}
	}
	return nil, errors.New("dispatch: empty unit")
}

// unitMessages decodes the result messages for a sent unit.
func unitMessages(res *telegram.Response, u message.Unit) ([]telegram.Message, error) {
	if len(u.Group) > 0 {
		return res.Messages()
	}
	m, err := res.Message()
	if err != nil {
		return nil, err
	}
	return []telegram.Message{*m}, nil
}
