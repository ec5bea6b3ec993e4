package health

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/resourcehealth/internal/log"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

const (
	DefaultMaxEntries = 100
	DefaultMaxAge     = 375 * 24 * time.Hour

	notReadyMessage = "health checker never completed initial configuration or setup successfully; health check cannot be run"
)

var tracer = otel.Tracer("github.com/keithlinneman/resourcehealth/internal/health")

// Probe performs one check against a resource. Implementations report
// failures through the returned status and message and never panic on
// resource errors.
type Probe interface {
	Check(ctx context.Context) (Status, string)
}

// ProbeFunc adapts a function into a Probe.
type ProbeFunc func(ctx context.Context) (Status, string)

func (f ProbeFunc) Check(ctx context.Context) (Status, string) { return f(ctx) }

// Describer is implemented by probes that provide a display title.
type Describer interface{ Title() string }

// HTMLRenderer is implemented by probes that add a detail fragment to the
// HTML report.
type HTMLRenderer interface{ RenderHTML(w io.Writer) }

type CheckerOption func(*Checker)

func WithLogger(l log.Logger) CheckerOption {
	return func(c *Checker) { c.logger = log.OrNop(l) }
}

func WithObserver(o Observer) CheckerOption {
	return func(c *Checker) { c.obs = observerOrNop(o) }
}

// WithClock replaces time.Now for scheduling and history timestamps.
func WithClock(now func() time.Time) CheckerOption {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

func WithMaxEntries(n int) CheckerOption {
	return func(c *Checker) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

func WithMaxAge(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

func WithReady(ready bool) CheckerOption {
	return func(c *Checker) { c.ready = ready }
}

// WithReadyErr marks the checker not ready when err is non-nil.
func WithReadyErr(err error) CheckerOption {
	return func(c *Checker) {
		if err != nil {
			c.ready = false
			c.setupErr = err
		}
	}
}

// Checker owns one probe, its current status and its result history.
type Checker struct {
	name       string
	kind       string
	probe      Probe
	logger     log.Logger
	obs        Observer
	now        func() time.Time
	maxEntries int
	maxAge     time.Duration

	running atomic.Bool

	mu          sync.Mutex
	cfg         Config
	status      Status
	ready       bool
	setupErr    error
	enabled     bool
	lastChecked time.Time
	nextCheck   time.Time
	history     []EntryRecord
}

// NewChecker builds a checker around probe. A nil probe leaves the
// checker permanently not ready.
func NewChecker(name, kind string, cfg Config, probe Probe, opts ...CheckerOption) *Checker {
	cfg = cfg.normalized()
	c := &Checker{
		name:       name,
		kind:       kind,
		probe:      probe,
		logger:     log.Nop(),
		obs:        nopObserver{},
		now:        time.Now,
		maxEntries: DefaultMaxEntries,
		maxAge:     DefaultMaxAge,
		cfg:        cfg,
		status:     StatusNotCheckedYet,
		ready:      probe != nil,
		enabled:    cfg.Enabled,
	}
	for _, o := range opts {
		o(c)
	}
	if c.probe == nil {
		c.ready = false
	}
	c.logger = c.logger.With("checker", name, "kind", kind)
	if !c.enabled {
		c.status = StatusDisabled
	}
	if c.setupErr != nil {
		c.logger.Critical(context.Background(), c.setupErr, "health checker setup failed; checker will report NotReady")
	}
	c.obs.SetCheckerStatus(c.name, c.kind, c.status)
	return c
}

// CheckHealth runs the probe if the checker is enabled, not already
// running and due (or force is set), then records the result.
func (c *Checker) CheckHealth(ctx context.Context, force bool) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer c.running.Store(false)

	c.mu.Lock()
	if !c.enabled || (!force && !c.now().After(c.nextCheck)) {
		c.mu.Unlock()
		return
	}
	if c.status == StatusNotCheckedYet {
		c.status = StatusUnknown
	}
	ready := c.ready
	c.mu.Unlock()

	status, msg := StatusNotReady, notReadyMessage
	var elapsed time.Duration
	if ready {
		status, msg, elapsed = c.runProbe(ctx)
	}
	c.record(ctx, status, msg)
	c.obs.ObserveCheck(c.name, c.kind, status, elapsed)
}

func (c *Checker) runProbe(ctx context.Context) (status Status, msg string, elapsed time.Duration) {
	ctx, span := tracer.Start(ctx, "health.check", trace.WithAttributes(
		attribute.String("health.checker", c.name),
		attribute.String("health.kind", c.kind),
	))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			status, msg = StatusFailed, fmt.Sprintf("probe panicked: %v", r)
			c.logger.Error(ctx, xerrors.Newf("probe panic: %v", r), "health probe panicked")
		}
		if status == StatusNotCheckedYet {
			status = StatusUnknown
		}
		elapsed = time.Since(start)
		span.SetAttributes(attribute.String("health.status", status.String()))
		if status == StatusFailed {
			span.SetStatus(codes.Error, msg)
		}
		span.End()
	}()
	status, msg = c.probe.Check(ctx)
	return status, msg, 0
}

func (c *Checker) record(ctx context.Context, status Status, msg string) {
	now := c.now()

	c.mu.Lock()
	if !c.enabled {
		// disabled while the probe was in flight; Disabled stands
		c.mu.Unlock()
		return
	}
	prev := c.status
	if n := len(c.history); n > 0 && prev == status && c.history[n-1].Status == status {
		c.history[n-1].increment(now)
	} else {
		c.history = append(c.history, newEntryRecord(status, msg, now))
	}
	c.status = status
	c.lastChecked = now
	c.nextCheck = now.Add(c.cfg.CheckInterval)
	c.evict(now)
	c.mu.Unlock()

	c.obs.SetCheckerStatus(c.name, c.kind, status)
	if prev != status {
		c.logChange(ctx, prev, status, msg)
	}
}

// evict trims by capacity, then drops every leading record that has
// aged out. The newest record always survives.
func (c *Checker) evict(now time.Time) {
	if over := len(c.history) - c.maxEntries; over > 0 {
		c.history = slices.Delete(c.history, 0, over)
	}
	cutoff := now.Add(-c.maxAge)
	drop := 0
	for drop < len(c.history)-1 && c.history[drop].LastUpdatedAt.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		c.history = slices.Delete(c.history, 0, drop)
	}
}

func (c *Checker) logChange(ctx context.Context, prev, status Status, msg string) {
	kv := []any{"status", status, "previous", prev, "message", msg}
	switch status {
	case StatusHealthy:
		if MoreSevere(prev, StatusHealthy) {
			c.logger.Warn(ctx, "health checker recovered", kv...)
			return
		}
		c.logger.Info(ctx, "health checker healthy", kv...)
	case StatusFailed:
		c.logger.Error(ctx, nil, "health checker failed", kv...)
	case StatusDegraded, StatusUnknown, StatusNotReady:
		c.logger.Warn(ctx, "health checker status changed", kv...)
	default:
		c.logger.Info(ctx, "health checker status changed", kv...)
	}
}

// SetEnabled overrides the status directly: Disabled when turning off,
// Unknown when turning back on. No history record is written.
func (c *Checker) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	if enabled {
		c.status = StatusUnknown
	} else {
		c.status = StatusDisabled
	}
	st := c.status
	c.mu.Unlock()

	c.obs.SetCheckerStatus(c.name, c.kind, st)
	if enabled {
		c.logger.Info(context.Background(), "health checker enabled")
	} else {
		c.logger.Info(context.Background(), "health checker disabled")
	}
}

// SetNextCheck moves the throttle deadline.
func (c *Checker) SetNextCheck(t time.Time) {
	c.mu.Lock()
	c.nextCheck = t
	c.mu.Unlock()
}

// close releases the probe if it holds resources.
func (c *Checker) close() error {
	if cl, ok := c.probe.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Checker) Name() string { return c.name }
func (c *Checker) Kind() string { return c.kind }

// Title is the probe's description, or "kind [name]".
func (c *Checker) Title() string {
	if d, ok := c.probe.(Describer); ok {
		return d.Title()
	}
	return fmt.Sprintf("%s [%s]", c.kind, c.name)
}

func (c *Checker) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Checker) IsRunning() bool { return c.running.Load() }

func (c *Checker) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Checker) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Checker) LastChecked() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChecked
}

func (c *Checker) NextCheck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextCheck
}

func (c *Checker) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Entries returns a copy of the history, oldest first.
func (c *Checker) Entries() []EntryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// CheckerSnapshot is a point-in-time copy of a checker's state.
type CheckerSnapshot struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Title       string        `json:"title"`
	Status      Status        `json:"status"`
	Enabled     bool          `json:"enabled"`
	Ready       bool          `json:"ready"`
	Running     bool          `json:"running"`
	SetupError  string        `json:"setup_error,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	NextCheck   time.Time     `json:"next_check"`
	Entries     []EntryRecord `json:"entries"`
}

func (c *Checker) Snapshot() CheckerSnapshot {
	title := c.Title()
	running := c.IsRunning()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := CheckerSnapshot{
		Name:        c.name,
		Kind:        c.kind,
		Title:       title,
		Status:      c.status,
		Enabled:     c.enabled,
		Ready:       c.ready,
		Running:     running,
		LastChecked: c.lastChecked,
		NextCheck:   c.nextCheck,
		Entries:     slices.Clone(c.history),
	}
	if c.setupErr != nil {
		s.SetupError = c.setupErr.Error()
	}
	return s
}
