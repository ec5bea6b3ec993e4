package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/resourcehealth/internal/log"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

// Stage is the processor lifecycle position. Values are ordered.
type Stage int32

const (
	StageConstructed Stage = iota
	StageInitializing
	StageInitialized
	StageStarted
	StageProcessing
	StageFailedToStart
	StageFinished
)

func (s Stage) String() string {
	switch s {
	case StageConstructed:
		return "Constructed"
	case StageInitializing:
		return "Initializing"
	case StageInitialized:
		return "Initialized"
	case StageStarted:
		return "Started"
	case StageProcessing:
		return "Processing"
	case StageFailedToStart:
		return "FailedToStart"
	case StageFinished:
		return "Finished"
	default:
		return fmt.Sprintf("Stage(%d)", int32(s))
	}
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	for st := StageConstructed; st <= StageFinished; st++ {
		if strings.EqualFold(st.String(), string(b)) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown processor stage %q", b)
}

var ErrCheckerNotFound = errors.New("health: no checker with that name")

const (
	DefaultProcessorInterval = 5 * time.Second
	DefaultStartupPoll       = 3 * time.Second
	DefaultStartupTimeout    = 30 * time.Second
)

// Declaration is one configured checker as it appears in the checker file.
type Declaration struct {
	Type          string         `yaml:"type" mapstructure:"type"`
	Name          string         `yaml:"name" mapstructure:"name"`
	Enabled       *bool          `yaml:"isEnabled" mapstructure:"isEnabled"`
	CheckInterval int            `yaml:"checkInterval" mapstructure:"checkInterval"`
	Config        map[string]any `yaml:"config" mapstructure:"config"`
}

// BaseConfig applies defaults: enabled unless stated, CheckInterval in
// seconds with a floor of one second.
func (d Declaration) BaseConfig() Config {
	c := DefaultConfig()
	if d.Enabled != nil {
		c.Enabled = *d.Enabled
	}
	if d.CheckInterval >= 1 {
		c.CheckInterval = time.Duration(d.CheckInterval) * time.Second
	}
	return c
}

type ProcessorOptions struct {
	Logger       log.Logger
	Observer     Observer
	Registry     *Registry
	Declarations []Declaration

	// CheckInterval is the background loop cadence, not the per-checker interval.
	CheckInterval  time.Duration
	StartupPoll    time.Duration
	StartupTimeout time.Duration

	// MaxConcurrentProbes bounds in-flight probes. Zero means one goroutine
	// per checker per fan-out.
	MaxConcurrentProbes int

	// CheckerOptions are applied to every checker built from Declarations.
	CheckerOptions []CheckerOption
}

// Processor owns a set of checkers and reports their aggregate status.
type Processor struct {
	logger         log.Logger
	obs            Observer
	pool           *ants.Pool
	maxConcurrent  int
	startupPoll    time.Duration
	startupTimeout time.Duration

	stopCtx    context.Context
	stopCancel context.CancelFunc
	stopOnce   sync.Once

	stage    atomic.Int32
	interval atomic.Int64

	mu       sync.RWMutex
	checkers []*Checker

	cbMu       sync.Mutex
	onInterval []func(time.Duration)
}

// NewProcessor builds every declared checker through the registry. Any
// unknown type tag or configuration error aborts construction; probe
// setup failures only leave that checker not ready.
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultProcessorInterval
	}
	if opts.StartupPoll <= 0 {
		opts.StartupPoll = DefaultStartupPoll
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	stopCtx, stopCancel := context.WithCancel(context.Background())
	p := &Processor{
		logger:         log.OrNop(opts.Logger).With("component", "health.processor"),
		obs:            observerOrNop(opts.Observer),
		maxConcurrent:  opts.MaxConcurrentProbes,
		startupPoll:    opts.StartupPoll,
		startupTimeout: opts.StartupTimeout,
		stopCtx:        stopCtx,
		stopCancel:     stopCancel,
	}
	p.interval.Store(int64(opts.CheckInterval))
	p.setStage(context.Background(), StageConstructed)

	if len(opts.Declarations) > 0 && opts.Registry == nil {
		stopCancel()
		return nil, xerrors.New("health: declarations given without a registry")
	}
	for i, d := range opts.Declarations {
		c, err := opts.Registry.Build(d, opts.Logger, opts.Observer, opts.CheckerOptions...)
		if err != nil {
			stopCancel()
			return nil, xerrors.Wrapf(err, "checker %d (%s)", i, d.Name)
		}
		p.AddChecker(c)
	}

	if opts.MaxConcurrentProbes > 0 {
		pool, err := ants.NewPool(opts.MaxConcurrentProbes, ants.WithNonblocking(true))
		if err != nil {
			stopCancel()
			return nil, xerrors.Wrap(err, "create probe pool")
		}
		p.pool = pool
	}
	if len(p.checkers) == 0 {
		p.setStage(context.Background(), StageStarted)
	}
	return p, nil
}

func (p *Processor) setStage(ctx context.Context, s Stage) {
	prev := Stage(p.stage.Swap(int32(s)))
	p.obs.SetStage(s)
	if prev != s {
		p.logger.Debug(ctx, "health processor stage changed", "stage", s, "previous", prev)
	}
}

func (p *Processor) Stage() Stage { return Stage(p.stage.Load()) }

// AddChecker appends c. Names are not deduplicated.
func (p *Processor) AddChecker(c *Checker) {
	p.mu.Lock()
	p.checkers = append(p.checkers, c)
	p.mu.Unlock()

	if c.IsEnabled() {
		p.logger.Info(context.Background(), "health checker added", "checker", c.Name(), "kind", c.Kind())
	} else {
		p.logger.Info(context.Background(), "health checker added disabled", "checker", c.Name(), "kind", c.Kind())
	}
}

// Checkers returns a copy of the checker list.
func (p *Processor) Checkers() []*Checker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.checkers)
}

// Checker finds a checker by case-insensitive name.
func (p *Processor) Checker(name string) (*Checker, bool) {
	for _, c := range p.Checkers() {
		if strings.EqualFold(c.Name(), name) {
			return c, true
		}
	}
	return nil, false
}

// Status is the most severe checker status, computed fresh on every call.
func (p *Processor) Status() Status {
	out := StatusNotCheckedYet
	for _, c := range p.Checkers() {
		if s := c.Status(); MoreSevere(s, out) {
			out = s
		}
	}
	return out
}

// CheckHealth asks every checker to check itself and returns without
// waiting. Checkers throttle themselves; calls before Start or after Stop
// are ignored.
func (p *Processor) CheckHealth(ctx context.Context) {
	switch st := p.Stage(); st {
	case StageConstructed, StageFinished:
		p.logger.Debug(ctx, "health check ignored", "stage", st)
		return
	}
	for _, c := range p.Checkers() {
		p.dispatch(ctx, c)
	}
}

// dispatch runs one checker detached from the caller's cancellation but
// bound to the processor's lifetime.
func (p *Processor) dispatch(ctx context.Context, c *Checker) {
	run := func() {
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(p.stopCtx, cancel)
		defer stop()
		c.CheckHealth(cctx, false)
	}
	if p.pool == nil {
		go run()
		return
	}
	if err := p.pool.Submit(run); err != nil {
		p.obs.IncProbeSkipped(c.Name())
		p.logger.Debug(ctx, "probe pool saturated; check deferred to next cycle", "checker", c.Name(), "err", err)
	}
}

// ForceCheck synchronously checks the named checkers, or all of them when
// names is empty, ignoring their intervals. Returns how many ran.
func (p *Processor) ForceCheck(ctx context.Context, names ...string) (int, error) {
	if p.Stage() == StageFinished {
		return 0, ErrProcessorStopped
	}
	targets := p.Checkers()
	if len(names) > 0 {
		targets = targets[:0:0]
		for _, n := range names {
			c, ok := p.Checker(n)
			if !ok {
				return 0, xerrors.Wrapf(ErrCheckerNotFound, "checker %q", n)
			}
			targets = append(targets, c)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	if p.maxConcurrent > 0 {
		g.SetLimit(p.maxConcurrent)
	}
	for _, c := range targets {
		g.Go(func() error {
			c.CheckHealth(gctx, true)
			return nil
		})
	}
	return len(targets), g.Wait()
}

// Start moves the processor through initialization: it fans out an
// initial check, then polls until the aggregate is Healthy or the startup
// timeout passes, re-fanning-out on every poll.
func (p *Processor) Start(ctx context.Context) error {
	if p.Stage() == StageFinished {
		return ErrProcessorStopped
	}
	p.setStage(ctx, StageInitializing)
	if len(p.Checkers()) == 0 {
		p.setStage(ctx, StageProcessing)
		p.logger.Info(ctx, "health processor started with no checkers")
		return nil
	}

	p.CheckHealth(ctx)
	p.setStage(ctx, StageInitialized)

	deadline := time.NewTimer(p.startupTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(p.startupPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			p.setStage(ctx, StageFailedToStart)
			return ctx.Err()
		case <-deadline.C:
			st := p.Status()
			p.setStage(ctx, StageFailedToStart)
			err := xerrors.Wrapf(ErrStartupTimeout, "aggregate %s after %s", st, p.startupTimeout)
			p.logger.Error(ctx, err, "health processor failed to start", "status", st)
			return err
		case <-poll.C:
			if st := p.Status(); st == StatusHealthy {
				p.setStage(ctx, StageProcessing)
				p.logger.Info(ctx, "health processor started", "status", st)
				return nil
			}
			p.CheckHealth(ctx)
		}
	}
}

// promote moves a processor that failed to start, or is still
// initializing, to Processing once the aggregate is healthy.
func (p *Processor) promote(ctx context.Context) bool {
	for _, from := range []Stage{StageFailedToStart, StageInitialized} {
		if p.stage.CompareAndSwap(int32(from), int32(StageProcessing)) {
			p.obs.SetStage(StageProcessing)
			p.logger.Warn(ctx, "health processor reached processing after delayed startup", "previous", from)
			return true
		}
	}
	return false
}

// Stop moves the processor to Finished, cancels in-flight probes and
// closes every probe that holds a connection. Calling it twice is safe.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		ctx := context.Background()
		p.setStage(ctx, StageFinished)
		p.stopCancel()
		if p.pool != nil {
			p.pool.Release()
		}
		for _, c := range p.Checkers() {
			if err := c.close(); err != nil {
				p.logger.Warn(ctx, "closing probe failed", "checker", c.Name(), "err", err)
			}
		}
	})
}

// Ready reports whether the processor finished startup and every enabled
// checker is healthy.
func (p *Processor) Ready() bool {
	if p.Stage() != StageProcessing {
		return false
	}
	st := p.Status()
	return st == StatusHealthy || (st == StatusNotCheckedYet && len(p.Checkers()) == 0)
}

func (p *Processor) CheckInterval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetCheckInterval changes the background cadence and notifies
// OnIntervalChange subscribers. Non-positive values are ignored.
func (p *Processor) SetCheckInterval(d time.Duration) {
	if d <= 0 {
		p.logger.Warn(context.Background(), "ignoring non-positive health check interval", "interval", d)
		return
	}
	p.interval.Store(int64(d))

	p.cbMu.Lock()
	cbs := slices.Clone(p.onInterval)
	p.cbMu.Unlock()
	for _, fn := range cbs {
		fn(d)
	}
}

func (p *Processor) OnIntervalChange(fn func(time.Duration)) {
	if fn == nil {
		return
	}
	p.cbMu.Lock()
	p.onInterval = append(p.onInterval, fn)
	p.cbMu.Unlock()
}

// Report is the JSON view of the processor.
type Report struct {
	Status   Status            `json:"status"`
	Stage    Stage             `json:"stage"`
	Ready    bool              `json:"ready"`
	Checkers []CheckerSnapshot `json:"checkers"`
}

func (p *Processor) Report() Report {
	cs := p.Checkers()
	r := Report{
		Status:   p.Status(),
		Stage:    p.Stage(),
		Ready:    p.Ready(),
		Checkers: make([]CheckerSnapshot, 0, len(cs)),
	}
	for _, c := range cs {
		r.Checkers = append(r.Checkers, c.Snapshot())
	}
	return r
}
