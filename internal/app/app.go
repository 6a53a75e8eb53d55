// Package app wires the pipeline together: config, logging, storage,
// the source poller, the message builder, and the recipient fan-out,
// driven either by the cron scheduler or a single --once cycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tweetpipe/internal/config"
	"tweetpipe/internal/dispatch"
	"tweetpipe/internal/feed"
	"tweetpipe/internal/httpx"
	"tweetpipe/internal/message"
	"tweetpipe/internal/runtime/supervisor"
	"tweetpipe/internal/scheduler"
	"tweetpipe/internal/storage"
	"tweetpipe/internal/telegram"
	"tweetpipe/internal/translate"
	logx "tweetpipe/pkg/logx"
)

const (
	defaultSourceTimeout = 30 * time.Second
	// Blob uploads can be tens of megabytes; give them room.
	deliveryTimeout = 5 * time.Minute
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	mu    sync.RWMutex
	flows map[string]*flow

	store storage.Store
	sched *scheduler.Service
	sup   *supervisor.Supervisor
}

// poller and dispatcher are the two halves of one cycle, satisfied by
// *feed.Poller and *dispatch.Dispatcher.
type poller interface {
	Poll(ctx context.Context) ([]*feed.Item, error)
	Advance(ctx context.Context, it *feed.Item) error
}

type dispatcher interface {
	Dispatch(ctx context.Context, it *feed.Item, cfg feed.Config) bool
}

// flow is one feed's poll-and-deliver pipeline. A cycle is a single
// logical flow: poll, then deliver item by item in order, advancing
// the watermark only past fully delivered items.
type flow struct {
	name    string
	feedCfg feed.Config

	poller poller
	// newDispatcher builds a fresh dispatcher per cycle so fetched
	// blobs live for one cycle only.
	newDispatcher func() dispatcher
	log           logx.Logger
}

func (f *flow) run(ctx context.Context) error {
	items, err := f.poller.Poll(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	f.log.Info("new items", logx.Int("count", len(items)))

	d := f.newDispatcher()
	for _, it := range items {
		if !d.Dispatch(ctx, it, f.feedCfg) {
			// Leave the watermark behind this item so the next cycle
			// retries it; later items must wait their turn.
			return fmt.Errorf("item %s not delivered to every recipient", it.ID)
		}
		if err := f.poller.Advance(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg), nil)
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Start opens storage, builds the flows, registers the cron jobs, and
// launches the scheduler plus the config watcher under a supervisor.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	if err := a.openStorage(cfg); err != nil {
		return err
	}
	if err := a.rebuild(cfg); err != nil {
		return err
	}

	a.sched = scheduler.New(schedConfig(cfg), a.log.With(logx.String("svc", "scheduler")))
	for _, fc := range cfg.Feeds {
		name := fc.Name
		err := a.sched.Add("poll:"+name, fc.Schedule, 0, func(ctx context.Context) error {
			return a.runFlow(ctx, name)
		})
		if err != nil {
			return err
		}
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))
	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; nothing will poll until --once or a config reload")
	}

	a.sup.Go("config-watch", a.cfgMgr.Watch)
	a.sup.Go("config-apply", a.applyLoop)

	a.log.Info("started", logx.Int("feeds", len(cfg.Feeds)))
	return nil
}

// RunOnce executes a single poll-and-deliver cycle for one feed and
// returns. Used by the --once flag; the scheduler never starts.
func (a *App) RunOnce(ctx context.Context, feedName string) error {
	cfg := a.cfgMgr.Get()
	if err := a.openStorage(cfg); err != nil {
		return err
	}
	if err := a.rebuild(cfg); err != nil {
		return err
	}
	return a.runFlow(ctx, feedName)
}

func (a *App) Stop() {
	if a.sup != nil {
		a.sup.Stop(10 * time.Second)
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	_ = a.logSvc.Close()
}

func (a *App) runFlow(ctx context.Context, name string) error {
	a.mu.RLock()
	f, ok := a.flows[name]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown feed %q", name)
	}
	return f.run(ctx)
}

// applyLoop hot-applies config reloads: logging and scheduler settings
// in place, flows rebuilt wholesale. Schedule strings themselves only
// take effect on restart.
func (a *App) applyLoop(ctx context.Context) error {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			a.logSvc.Apply(logConfig(cfg))
			if a.sched != nil {
				a.sched.Apply(schedConfig(cfg))
			}
			if err := a.rebuild(cfg); err != nil {
				a.log.Error("config apply failed; keeping previous pipeline", logx.Err(err))
			}
		}
	}
}

func (a *App) openStorage(cfg *config.Config) error {
	if a.store != nil {
		return nil
	}
	sc := storage.Config{Driver: "memory"}
	if cfg.Storage != nil {
		sc.Driver = cfg.Storage.Driver
		sc.Path = cfg.Storage.Path
		sc.BusyTimeout, _ = config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	} else {
		a.log.Warn("no storage configured; watermarks reset on restart")
	}
	st, err := storage.Open(sc, a.log.With(logx.String("svc", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	return nil
}

// rebuild constructs every flow from scratch and swaps the table in.
func (a *App) rebuild(cfg *config.Config) error {
	sourceTimeout, _ := config.ParseDurationOrDefault("source.timeout", cfg.Source.Timeout, defaultSourceTimeout)
	retrySleep, _ := config.ParseDurationField("telegram.retry_sleep", cfg.Telegram.RetrySleep)

	sourceHTTP := httpx.New(sourceTimeout, a.log.With(logx.String("svc", "source-http")))
	deliverHTTP := httpx.New(deliveryTimeout, a.log.With(logx.String("svc", "telegram-http")))

	tg := telegram.New(telegram.Config{
		Host:       cfg.Telegram.Host,
		MaxRetry:   cfg.Telegram.MaxRetry,
		RetrySleep: retrySleep,
	}, deliverHTTP, a.log.With(logx.String("svc", "telegram")))

	bots := make(map[string]telegram.Bot, len(cfg.Telegram.Bots))
	for _, b := range cfg.Telegram.Bots {
		bots[b.Name] = telegram.Bot{Name: b.Name, Token: b.Token, Canonical: b.Canonical}
	}
	recipient := func(name string) telegram.Recipient {
		rc := cfg.Telegram.Recipients[name]
		return telegram.Recipient{
			Bot:       bots[rc.Bot],
			ChatID:    rc.ChatID,
			ThreadID:  rc.ThreadID,
			Pin:       rc.Pin,
			Translate: rc.Translate,
		}
	}
	resolve := func(names []string) []telegram.Recipient {
		out := make([]telegram.Recipient, 0, len(names))
		for _, n := range names {
			out = append(out, recipient(n))
		}
		return out
	}
	tagged := make(map[string][]telegram.Recipient, len(cfg.Telegram.Tags))
	for tag, names := range cfg.Telegram.Tags {
		tagged[tag] = resolve(names)
	}

	// The error sink shares the delivery client and the canonical (or
	// first) bot.
	if cfg.Logging.Telegram.Enabled {
		sinkBot := cfg.Telegram.Bots[0]
		for _, b := range cfg.Telegram.Bots {
			if b.Canonical {
				sinkBot = b
				break
			}
		}
		a.logSvc.SetSender(&telegram.LogSender{Client: tg, Bot: bots[sinkBot.Name]})
	}

	var translator translate.Translator = translate.Noop{}
	if cfg.Translate != nil && cfg.Translate.Enabled {
		translator = translate.NewGoogle(cfg.Translate.Endpoint, cfg.Translate.Target,
			cfg.Source.MaxRetry, sourceHTTP, a.log.With(logx.String("svc", "translate")))
	}

	tz := time.UTC
	if s := strings.TrimSpace(cfg.Scheduler.Timezone); s != "" {
		if loc, err := time.LoadLocation(s); err == nil {
			tz = loc
		} else {
			a.log.Warn("invalid timezone for message timestamps", logx.String("tz", s), logx.Err(err))
		}
	}

	var limiter *rate.Limiter
	if cfg.Delivery.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Delivery.RatePerSec), 1)
	}

	tokens := feed.NewTokenSource(feed.TokenConfig{
		WebRoot:     cfg.Source.WebRoot,
		ActivateURL: cfg.Source.ActivateURL,
		Bearer:      cfg.Source.Bearer,
		MaxRetry:    cfg.Source.MaxRetry,
	}, sourceHTTP, a.store, a.log.With(logx.String("svc", "token")))

	flows := make(map[string]*flow, len(cfg.Feeds))
	for _, fc := range cfg.Feeds {
		feedCfg := feed.Config{
			ID:          fc.UserID,
			Username:    fc.Username,
			PageSize:    cfg.Source.PageSize,
			RequireTags: fc.RequireTags,
			Keywords: feed.KeywordFilter{
				Includes: fc.Keywords.Includes,
				Excludes: fc.Keywords.Excludes,
			},
			AlwaysFetch:  fc.AlwaysFetch,
			SendRawMedia: fc.SendRawMedia,
		}
		log := a.log.With(logx.String("feed", fc.Name))
		defaults := append(resolve(fc.Recipients), resolve(cfg.Telegram.Defaults)...)
		maxRetry := cfg.Source.MaxRetry
		flows[fc.Name] = &flow{
			name:    fc.Name,
			feedCfg: feedCfg,
			poller: feed.NewPoller(feedCfg, cfg.Source.APIRoot, cfg.Source.Bearer,
				maxRetry, sourceHTTP, tokens, a.store, log),
			newDispatcher: func() dispatcher {
				fetcher := message.NewFetcher(deliverHTTP, maxRetry, log)
				builder := message.NewBuilder(translator, tz, fetcher, log)
				return dispatch.New(tg, builder, limiter, defaults, tagged, log)
			},
			log: log,
		}
	}

	a.mu.Lock()
	a.flows = flows
	a.mu.Unlock()
	return nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func schedConfig(cfg *config.Config) scheduler.Config {
	timeout, _ := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Timezone:       cfg.Scheduler.Timezone,
		DefaultTimeout: timeout,
	}
}
