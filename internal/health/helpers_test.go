package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// scriptedProbe returns statuses in order, repeating the last one, and
// counts invocations.
type scriptedProbe struct {
	mu       sync.Mutex
	statuses []Status
	calls    int
}

func (p *scriptedProbe) Check(context.Context) (Status, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.statuses) {
		i = len(p.statuses) - 1
	}
	p.calls++
	return p.statuses[i], "scripted " + p.statuses[i].String()
}

func (p *scriptedProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProbe) Set(s Status) {
	p.mu.Lock()
	p.statuses = []Status{s}
	p.calls = 0
	p.mu.Unlock()
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	checks   int
	skipped  int
	stages   []Stage
	changes  int
	cycles   int
	statuses map[string]Status
}

func (o *recordingObserver) ObserveCheck(string, string, Status, time.Duration) {
	o.mu.Lock()
	o.checks++
	o.mu.Unlock()
}

func (o *recordingObserver) SetCheckerStatus(name, _ string, s Status) {
	o.mu.Lock()
	if o.statuses == nil {
		o.statuses = map[string]Status{}
	}
	o.statuses[name] = s
	o.mu.Unlock()
}

func (o *recordingObserver) SetStatus(Status) {}

func (o *recordingObserver) SetStage(s Stage) {
	o.mu.Lock()
	o.stages = append(o.stages, s)
	o.mu.Unlock()
}

func (o *recordingObserver) IncLoopCycle() {
	o.mu.Lock()
	o.cycles++
	o.mu.Unlock()
}

func (o *recordingObserver) IncStatusChange(Status, Status) {
	o.mu.Lock()
	o.changes++
	o.mu.Unlock()
}

func (o *recordingObserver) IncProbeSkipped(string) {
	o.mu.Lock()
	o.skipped++
	o.mu.Unlock()
}

func (o *recordingObserver) Checks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checks
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func fixed(s Status) ProbeFunc {
	return func(context.Context) (Status, string) { return s, s.String() }
}
