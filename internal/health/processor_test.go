package health

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

func newTestProcessor(t *testing.T, opts ProcessorOptions) *Processor {
	t.Helper()
	if opts.StartupPoll == 0 {
		opts.StartupPoll = 10 * time.Millisecond
	}
	if opts.StartupTimeout == 0 {
		opts.StartupTimeout = time.Second
	}
	p, err := NewProcessor(opts)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func dummyRegistry(probes map[string]Probe) *Registry {
	r := NewRegistry()
	r.Register("Dummy", func(a FactoryArgs) (Probe, error) {
		if p, ok := probes[a.Name]; ok {
			return p, nil
		}
		return fixed(StatusHealthy), nil
	})
	r.Register("broken", func(a FactoryArgs) (Probe, error) {
		return nil, SetupFailed(xerrors.New("malformed url"))
	})
	r.Register("invalid", func(a FactoryArgs) (Probe, error) {
		return nil, xerrors.New("missing required field")
	})
	return r
}

// construction

func TestNewProcessor_NoDeclarationsIsStarted(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{})
	if p.Stage() != StageStarted {
		t.Fatalf("Stage = %s, want Started", p.Stage())
	}
	if p.Status() != StatusNotCheckedYet {
		t.Fatalf("Status = %s, want NotCheckedYet", p.Status())
	}
}

func TestNewProcessor_BuildsDeclarations(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{
		Registry: dummyRegistry(nil),
		Declarations: []Declaration{
			{Type: "DUMMY", Name: "a"},
			{Type: "dummy", Name: "b", CheckInterval: 5},
		},
	})
	cs := p.Checkers()
	if len(cs) != 2 || p.Stage() != StageConstructed {
		t.Fatalf("checkers = %d stage = %s", len(cs), p.Stage())
	}
	if cs[0].Kind() != "dummy" || cs[1].Config().CheckInterval != 5*time.Second {
		t.Fatalf("unexpected checker config: %s %v", cs[0].Kind(), cs[1].Config())
	}
}

func TestNewProcessor_UnknownTypeIsFatal(t *testing.T) {
	_, err := NewProcessor(ProcessorOptions{
		Registry:     dummyRegistry(nil),
		Declarations: []Declaration{{Type: "ftp", Name: "files"}},
	})
	if !errors.Is(err, ErrUnknownCheckerType) {
		t.Fatalf("err = %v, want ErrUnknownCheckerType", err)
	}
}

func TestNewProcessor_ConfigErrorIsFatal(t *testing.T) {
	_, err := NewProcessor(ProcessorOptions{
		Registry:     dummyRegistry(nil),
		Declarations: []Declaration{{Type: "invalid", Name: "x"}},
	})
	if err == nil || !strings.Contains(err.Error(), "missing required field") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewProcessor_SetupFailureIsNotReadyChecker(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{
		Registry:     dummyRegistry(nil),
		Declarations: []Declaration{{Type: "broken", Name: "mq"}},
	})
	c, ok := p.Checker("MQ")
	if !ok || c.IsReady() {
		t.Fatal("setup failure should register a not-ready checker")
	}
}

// aggregate

func TestStatus_IsMaxSeverity(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{})
	for i, s := range []Status{StatusHealthy, StatusDegraded, StatusUnknown} {
		c := NewChecker(string(rune('a'+i)), "dummy", DefaultConfig(), fixed(s))
		c.CheckHealth(context.Background(), true)
		p.AddChecker(c)
	}
	if p.Status() != StatusDegraded {
		t.Fatalf("Status = %s, want Degraded", p.Status())
	}
}

// CheckHealth

func TestCheckHealth_IgnoredWhenConstructedOrFinished(t *testing.T) {
	probe := &scriptedProbe{statuses: []Status{StatusHealthy}}
	p := newTestProcessor(t, ProcessorOptions{
		Registry:     dummyRegistry(map[string]Probe{"a": probe}),
		Declarations: []Declaration{{Type: "dummy", Name: "a"}},
	})

	p.CheckHealth(context.Background())
	time.Sleep(20 * time.Millisecond)
	if probe.Calls() != 0 {
		t.Fatal("Constructed processor must not fan out")
	}

	p.Stop()
	p.CheckHealth(context.Background())
	time.Sleep(20 * time.Millisecond)
	if probe.Calls() != 0 {
		t.Fatal("Finished processor must not fan out")
	}
}

func TestCheckHealth_FanOutDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	slow := ProbeFunc(func(ctx context.Context) (Status, string) {
		<-release
		return StatusHealthy, "ok"
	})
	p := newTestProcessor(t, ProcessorOptions{
		Registry:     dummyRegistry(map[string]Probe{"slow": slow}),
		Declarations: []Declaration{{Type: "dummy", Name: "slow"}},
	})
	p.setStage(context.Background(), StageProcessing)

	done := make(chan struct{})
	go func() {
		p.CheckHealth(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CheckHealth blocked on a slow probe")
	}
	close(release)
}

func TestCheckHealth_PoolSaturationSkips(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := ProbeFunc(func(ctx context.Context) (Status, string) {
		<-release
		return StatusHealthy, "ok"
	})
	obs := &recordingObserver{}
	p := newTestProcessor(t, ProcessorOptions{
		Observer:            obs,
		Registry:            dummyRegistry(map[string]Probe{"a": slow, "b": slow}),
		Declarations:        []Declaration{{Type: "dummy", Name: "a"}, {Type: "dummy", Name: "b"}},
		MaxConcurrentProbes: 1,
	})
	p.setStage(context.Background(), StageProcessing)

	p.CheckHealth(context.Background())
	waitFor(t, time.Second, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.skipped == 1
	})
}

// Start

func TestStart_ReachesProcessing(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{
		Registry:     dummyRegistry(nil),
		Declarations: []Declaration{{Type: "dummy", Name: "a"}, {Type: "dummy", Name: "b"}},
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Stage() != StageProcessing || !p.Ready() {
		t.Fatalf("Stage = %s Ready = %v", p.Stage(), p.Ready())
	}
}

func TestStart_TimesOutToFailedToStart(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{
		Registry:       dummyRegistry(map[string]Probe{"a": fixed(StatusFailed)}),
		Declarations:   []Declaration{{Type: "dummy", Name: "a"}},
		StartupTimeout: 50 * time.Millisecond,
	})
	err := p.Start(context.Background())
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("err = %v, want ErrStartupTimeout", err)
	}
	if p.Stage() != StageFailedToStart || p.Ready() {
		t.Fatalf("Stage = %s Ready = %v", p.Stage(), p.Ready())
	}
}

func TestStart_NoCheckersGoesStraightToProcessing(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.Ready() {
		t.Fatal("empty processor should be ready after Start")
	}
}

func TestStart_AfterStop(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{})
	p.Stop()
	if err := p.Start(context.Background()); !errors.Is(err, ErrProcessorStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestStart_HonorsContext(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{
		Registry:     dummyRegistry(map[string]Probe{"a": fixed(StatusDegraded)}),
		Declarations: []Declaration{{Type: "dummy", Name: "a"}},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

type closingProbe struct {
	closed int
}

func (c *closingProbe) Check(context.Context) (Status, string) { return StatusHealthy, "ok" }
func (c *closingProbe) Close() error {
	c.closed++
	return nil
}

func TestStop_ClosesProbesOnce(t *testing.T) {
	cp := &closingProbe{}
	p := newTestProcessor(t, ProcessorOptions{
		Registry:     dummyRegistry(map[string]Probe{"a": cp}),
		Declarations: []Declaration{{Type: "dummy", Name: "a"}},
	})
	p.Stop()
	p.Stop()
	if cp.closed != 1 {
		t.Fatalf("closed = %d, want 1", cp.closed)
	}
	if p.Stage() != StageFinished {
		t.Fatalf("Stage = %s", p.Stage())
	}
}

// ForceCheck

func TestForceCheck_ByName(t *testing.T) {
	a := &scriptedProbe{statuses: []Status{StatusHealthy}}
	b := &scriptedProbe{statuses: []Status{StatusHealthy}}
	p := newTestProcessor(t, ProcessorOptions{
		Registry:     dummyRegistry(map[string]Probe{"a": a, "b": b}),
		Declarations: []Declaration{{Type: "dummy", Name: "a"}, {Type: "dummy", Name: "b"}},
	})

	n, err := p.ForceCheck(context.Background(), "b")
	if err != nil || n != 1 {
		t.Fatalf("ForceCheck = %d, %v", n, err)
	}
	if a.Calls() != 0 || b.Calls() != 1 {
		t.Fatalf("calls a=%d b=%d", a.Calls(), b.Calls())
	}
	n, _ = p.ForceCheck(context.Background())
	if n != 2 || b.Calls() != 2 {
		t.Fatal("force ignores the interval and covers all checkers")
	}
	if _, err := p.ForceCheck(context.Background(), "zzz"); !errors.Is(err, ErrCheckerNotFound) {
		t.Fatalf("err = %v", err)
	}
}

// interval

func TestSetCheckInterval_NotifiesSubscribers(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{CheckInterval: time.Second})
	var got time.Duration
	p.OnIntervalChange(func(d time.Duration) { got = d })

	p.SetCheckInterval(250 * time.Millisecond)
	if got != 250*time.Millisecond || p.CheckInterval() != got {
		t.Fatalf("callback got %s, interval %s", got, p.CheckInterval())
	}
	p.SetCheckInterval(-1)
	if p.CheckInterval() != 250*time.Millisecond {
		t.Fatal("non-positive interval should be ignored")
	}
}

// Report / HTML

func TestReportAndHTML(t *testing.T) {
	p := newTestProcessor(t, ProcessorOptions{
		Registry:     dummyRegistry(map[string]Probe{"cache": fixed(StatusDegraded)}),
		Declarations: []Declaration{{Type: "dummy", Name: "cache"}, {Type: "dummy", Name: "db"}},
	})
	if _, err := p.ForceCheck(context.Background()); err != nil {
		t.Fatal(err)
	}

	r := p.Report()
	if r.Status != StatusDegraded || len(r.Checkers) != 2 || r.Ready {
		t.Fatalf("report = %+v", r)
	}

	var buf bytes.Buffer
	if err := p.RenderHTML(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "color:orange") || !strings.Contains(out, "dummy [db]") {
		t.Fatalf("html:\n%s", out)
	}
}
