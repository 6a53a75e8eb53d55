// Package supervisor runs the process's long-lived goroutines (the
// scheduler, the config watcher) under one shared context with named
// logging, panic recovery, and a timeout-aware stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "tweetpipe/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value
	wg          sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil goroutine error cancel the
// shared context, taking the whole process down together.
func WithCancelOnError() Option {
	return func(s *Supervisor) { s.cancelOnErr = true }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error recorded by any supervised goroutine.
func (s *Supervisor) Err() error {
	if v := s.firstErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Go starts fn under the supervisor. A panic is recovered and recorded
// as an error, never propagated.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		s.log.Debug("goroutine started", logx.String("name", name))

		err := s.run(name, fn)
		if err != nil && ctxUnrelated(s.ctx, err) {
			s.record(err)
			s.log.Error("goroutine failed", logx.String("name", name),
				logx.Duration("ran", time.Since(start)), logx.Err(err))
			return
		}
		s.log.Debug("goroutine finished", logx.String("name", name),
			logx.Duration("ran", time.Since(start)))
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) record(err error) {
	s.errOnce.Do(func() {
		s.firstErr.Store(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

// Stop cancels the context and waits up to timeout for every goroutine
// to exit. It reports whether the wait completed.
func (s *Supervisor) Stop(timeout time.Duration) bool {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.log.Warn("stop timed out with goroutines still running",
			logx.Duration("timeout", timeout))
		return false
	}
}

// ctxUnrelated filters out the errors a clean shutdown produces.
func ctxUnrelated(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return true
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
