// Package scheduler drives the per-feed poll cycles off cron specs and
// fixed intervals. Overlapping runs of the same job are skipped, so one
// slow cycle never stacks a second logical flow behind it.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tweetpipe/pkg/logx"
)

type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ applied to cron specs
	DefaultTimeout time.Duration
}

type jobDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	run     func(ctx context.Context) error

	mu      sync.Mutex
	running bool
}

// Service owns one cron instance. Jobs are registered before Start and
// stay registered across a timezone-driven restart.
type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	defs   []*jobDef

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Add registers a job under a schedule string accepted by
// ParseSchedule. Must be called before Start.
func (s *Service) Add(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.defs = append(s.defs, &jobDef{name: name, spec: ps, timeout: timeout, run: run})
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.runCancel()
			s.c = nil
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("jobs", len(s.defs)), logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	s.runCancel()
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("scheduler stopped")
}

// Apply updates the configuration. A timezone change restarts cron and
// re-registers every job with the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	<-s.c.Stop().Done()
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("re-register failed", logx.String("job", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) registerLocked(d *jobDef) error {
	spec := d.spec.Cron
	if d.spec.Kind == SpecInterval {
		spec = "@every " + d.spec.Every.String()
	}
	if _, err := s.c.AddFunc(spec, func() { s.execute(d) }); err != nil {
		return fmt.Errorf("scheduler: job %s: %w", d.name, err)
	}
	return nil
}

// execute runs one job, skipping if a previous run is still going.
func (s *Service) execute(d *jobDef) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		s.log.Warn("previous run still in progress, skipping", logx.String("job", d.name))
		return
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	ctx := s.runCtx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := d.run(ctx)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", d.name),
			logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job finished", logx.String("job", d.name),
		logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
