package app

import (
	"context"
	"testing"
	"time"

	"tweetpipe/internal/config"
	"tweetpipe/internal/feed"
	"tweetpipe/internal/storage"
	logx "tweetpipe/pkg/logx"
)

type scriptedPoller struct {
	items    []*feed.Item
	advanced []string
	wm       storage.Watermark
}

func (p *scriptedPoller) Poll(context.Context) ([]*feed.Item, error) { return p.items, nil }

func (p *scriptedPoller) Advance(_ context.Context, it *feed.Item) error {
	p.advanced = append(p.advanced, it.ID)
	p.wm = storage.Watermark{CreatedAt: it.CreatedAt, ExternalID: it.ID}
	return nil
}

// scriptedDispatcher reports false for ids listed in fail.
type scriptedDispatcher struct {
	fail  map[string]bool
	calls []string
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, it *feed.Item, _ feed.Config) bool {
	d.calls = append(d.calls, it.ID)
	return !d.fail[it.ID]
}

func testItems(n int) []*feed.Item {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	items := make([]*feed.Item, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, &feed.Item{
			ID:        "tw-" + string(rune('0'+i)),
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	return items
}

func newTestFlow(p *scriptedPoller, d *scriptedDispatcher) *flow {
	return &flow{
		name:          "feed1",
		poller:        p,
		newDispatcher: func() dispatcher { return d },
		log:           logx.Nop(),
	}
}

func TestRunAdvancesEachDeliveredItem(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{items: testItems(3)}
	d := &scriptedDispatcher{}

	if err := newTestFlow(p, d).run(context.Background()); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if got, want := len(p.advanced), 3; got != want {
		t.Fatalf("advanced %d items, want %d: %v", got, want, p.advanced)
	}
	for i, id := range []string{"tw-1", "tw-2", "tw-3"} {
		if p.advanced[i] != id {
			t.Fatalf("advanced[%d] = %q, want %q", i, p.advanced[i], id)
		}
	}
	if p.wm.ExternalID != "tw-3" {
		t.Fatalf("final watermark = %q, want tw-3", p.wm.ExternalID)
	}
}

func TestRunStopsAtFirstUndeliveredItem(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{items: testItems(2)}
	d := &scriptedDispatcher{fail: map[string]bool{"tw-1": true}}

	err := newTestFlow(p, d).run(context.Background())
	if err == nil {
		t.Fatal("run succeeded with an undelivered item")
	}
	if len(p.advanced) != 0 {
		t.Fatalf("watermark moved past a failed item: advanced %v", p.advanced)
	}
	// The second item must wait for the next cycle's retry of the first.
	if got, want := len(d.calls), 1; got != want {
		t.Fatalf("dispatched %d items, want %d: %v", got, want, d.calls)
	}
}

func TestRunWatermarkStopsBeforeLaterFailure(t *testing.T) {
	t.Parallel()
	items := testItems(3)
	p := &scriptedPoller{items: items}
	d := &scriptedDispatcher{fail: map[string]bool{"tw-3": true}}

	err := newTestFlow(p, d).run(context.Background())
	if err == nil {
		t.Fatal("run succeeded with an undelivered item")
	}
	if got, want := len(p.advanced), 2; got != want {
		t.Fatalf("advanced %d items, want %d: %v", got, want, p.advanced)
	}
	if p.wm.ExternalID != "tw-2" || !p.wm.CreatedAt.Equal(items[1].CreatedAt) {
		t.Fatalf("watermark = %+v, want tw-2 at %v", p.wm, items[1].CreatedAt)
	}
}

func TestRunEmptyPollSkipsDispatch(t *testing.T) {
	t.Parallel()
	f := &flow{name: "feed1", poller: &scriptedPoller{}, log: logx.Nop()}
	// newDispatcher left nil: reaching it would panic.
	if err := f.run(context.Background()); err != nil {
		t.Fatalf("run error: %v", err)
	}
}

func TestOpenStorageDefaultsToMemory(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop()}
	if err := a.openStorage(&config.Config{}); err != nil {
		t.Fatalf("openStorage with no storage section: %v", err)
	}
	defer a.store.Close()

	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := a.store.SetWatermark(ctx, "feed1", storage.Watermark{CreatedAt: at, ExternalID: "tw-1"}); err != nil {
		t.Fatalf("SetWatermark error: %v", err)
	}
	w, ok, err := a.store.Watermark(ctx, "feed1")
	if err != nil || !ok || w.ExternalID != "tw-1" {
		t.Fatalf("Watermark = %+v ok=%v err=%v", w, ok, err)
	}
}
