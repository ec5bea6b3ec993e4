package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/keithlinneman/resourcehealth/internal/log"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

const (
	DefaultStartupWait = 30 * time.Second
	DefaultSettle      = time.Second
)

type LoopOptions struct {
	Logger   log.Logger
	Observer Observer

	// StartupWait bounds how long Run waits for the processor to reach
	// StageInitialized.
	StartupWait time.Duration

	// Settle is the pause between fanning out and sampling the aggregate,
	// giving probes a chance to finish. Negative disables it.
	Settle time.Duration
}

// BackgroundLoop drives a Processor on its check interval and logs every
// change in aggregate status.
type BackgroundLoop struct {
	p           *Processor
	logger      log.Logger
	obs         Observer
	startupWait time.Duration
	settle      time.Duration
	interval    atomic.Int64
}

func NewBackgroundLoop(p *Processor, opts LoopOptions) *BackgroundLoop {
	if opts.StartupWait <= 0 {
		opts.StartupWait = DefaultStartupWait
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	} else if opts.Settle == 0 {
		opts.Settle = DefaultSettle
	}
	return &BackgroundLoop{
		p:           p,
		logger:      log.OrNop(opts.Logger).With("component", "health.loop"),
		obs:         observerOrNop(opts.Observer),
		startupWait: opts.StartupWait,
		settle:      opts.Settle,
	}
}

var errNotInitialized = errors.New("processor not initialized yet")

// Run blocks until ctx is cancelled. It returns an error only when the
// processor never became drivable.
func (l *BackgroundLoop) Run(ctx context.Context) error {
	l.p.OnIntervalChange(func(d time.Duration) { l.interval.Store(int64(d)) })
	l.interval.Store(int64(l.p.CheckInterval()))

	if err := l.waitForStartup(ctx); err != nil {
		if ctx.Err() != nil {
			l.logger.Debug(ctx, "health loop cancelled during startup")
			return nil
		}
		l.logger.Critical(ctx, err, "health loop could not start")
		return err
	}
	l.logger.Info(ctx, "health loop started", "interval", l.currentInterval(), "stage", l.p.Stage())

	last := StatusUnknown
	cycles := 0
	for {
		if ctx.Err() != nil {
			l.logger.Debug(ctx, "health loop stopped")
			return nil
		}
		last, cycles = l.cycle(ctx, last, cycles)
		if !sleep(ctx, l.currentInterval()) {
			l.logger.Debug(ctx, "health loop stopped")
			return nil
		}
	}
}

func (l *BackgroundLoop) waitForStartup(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = l.startupWait

	op := func() error {
		switch st := l.p.Stage(); {
		case st == StageFinished:
			return backoff.Permanent(ErrProcessorStopped)
		case st >= StageInitialized:
			return nil
		default:
			return errNotInitialized
		}
	}
	notify := func(_ error, next time.Duration) {
		l.logger.Debug(ctx, "waiting for health processor to initialize", "stage", l.p.Stage(), "retry_in", next)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	switch {
	case err == nil, ctx.Err() != nil:
		return err
	case errors.Is(err, errNotInitialized):
		return xerrors.Wrapf(ErrStartupGate, "stage %s after %s", l.p.Stage(), l.startupWait)
	default:
		return xerrors.WithStack(err)
	}
}

// cycle runs one fan-out and logs a transition if the aggregate moved.
// A panic is logged and the cycle's counters are left untouched.
func (l *BackgroundLoop) cycle(ctx context.Context, last Status, cycles int) (nextLast Status, nextCycles int) {
	nextLast, nextCycles = last, cycles
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(ctx, xerrors.Newf("health loop panic: %v", r), "health loop cycle panicked")
		}
	}()

	l.p.CheckHealth(ctx)
	l.obs.IncLoopCycle()
	nextCycles = cycles + 1
	if !sleep(ctx, l.settle) {
		return nextLast, nextCycles
	}

	cur := l.p.Status()
	if cur == StatusHealthy {
		l.p.promote(ctx)
	}
	l.obs.SetStatus(cur)
	if cur == last {
		return nextLast, nextCycles
	}
	l.obs.IncStatusChange(last, cur)
	l.logTransition(ctx, last, cur, nextCycles)
	return cur, 1
}

func (l *BackgroundLoop) logTransition(ctx context.Context, prev, cur Status, cycles int) {
	kv := []any{"status", cur, "previous", prev, "previous_cycles", cycles}
	switch cur {
	case StatusHealthy:
		l.logger.Warn(ctx, "resource health recovered", kv...)
	case StatusFailed:
		l.logger.Critical(ctx, nil, "resource health failed", kv...)
	case StatusDegraded:
		l.logger.Error(ctx, nil, "resource health degraded", kv...)
	case StatusUnknown:
		l.logger.Error(ctx, nil, "resource health unknown; this should clear once checks complete", kv...)
	default:
		l.logger.Warn(ctx, fmt.Sprintf("resource health changed to %s", cur), kv...)
	}
}

func (l *BackgroundLoop) currentInterval() time.Duration {
	return time.Duration(l.interval.Load())
}

// sleep waits d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
