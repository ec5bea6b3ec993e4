package healthhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/resourcehealth/internal/health"
)

type fixture struct {
	p      *health.Processor
	status atomic.Int32
	calls  atomic.Int32
	router http.Handler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{}
	f.status.Store(int32(health.StatusHealthy))

	reg := health.NewRegistry()
	reg.Register("stub", func(health.FactoryArgs) (health.Probe, error) {
		return health.ProbeFunc(func(context.Context) (health.Status, string) {
			f.calls.Add(1)
			return health.Status(f.status.Load()), "stub probe"
		}), nil
	})
	p, err := health.NewProcessor(health.ProcessorOptions{
		Registry:       reg,
		Declarations:   []health.Declaration{{Type: "stub", Name: "db"}},
		StartupPoll:    5 * time.Millisecond,
		StartupTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	t.Cleanup(p.Stop)
	f.p = p

	r := chi.NewRouter()
	NewAPI(p, opts).RegisterRoutes(r)
	f.router = r
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, target, http.NoBody))
	return rec
}

func (f *fixture) doBody(method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// probes

func TestPing(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/-/ping")
	if rec.Code != http.StatusOK || rec.Body.String() != "pong\n" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestLive(t *testing.T) {
	f := newFixture(t, Options{})
	if rec := f.do(http.MethodGet, "/-/live"); rec.Code != http.StatusOK {
		t.Fatalf("live = %d, want 200", rec.Code)
	}
}

func TestReady_FollowsProcessor(t *testing.T) {
	f := newFixture(t, Options{})

	if rec := f.do(http.MethodGet, "/-/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before Start: ready = %d, want 503", rec.Code)
	}

	f.start(t)
	if rec := f.do(http.MethodGet, "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("after Start: ready = %d, want 200", rec.Code)
	}

	f.status.Store(int32(health.StatusFailed))
	if _, err := f.p.ForceCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := f.do(http.MethodGet, "/-/ready?full=1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failed resource: ready = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "status Failed") {
		t.Fatalf("full body = %q", rec.Body.String())
	}
}

// report

func TestStatus_JSON(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	rec := f.do(http.MethodGet, "/-/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Health-Status"); got != "Healthy" {
		t.Fatalf("X-Health-Status = %q", got)
	}
	body := decode(t, rec)
	if body["status"] != "Healthy" || body["stage"] != "Processing" || body["ready"] != true {
		t.Fatalf("body = %v", body)
	}
	checkers, _ := body["checkers"].([]any)
	if len(checkers) != 1 {
		t.Fatalf("checkers = %v", body["checkers"])
	}
}

func TestStatusHTML(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	rec := f.do(http.MethodGet, "/-/status.html")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"<html>", "stub [db]", "stub probe"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestChecker_ByName(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(http.MethodGet, "/-/checkers/DB")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if decode(t, rec)["name"] != "db" {
		t.Fatalf("body = %s", rec.Body.String())
	}

	if rec := f.do(http.MethodGet, "/-/checkers/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d, want 404", rec.Code)
	}
}

func TestSetEnabled(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(http.MethodPost, "/-/checkers/db/disable")
	if rec.Code != http.StatusOK {
		t.Fatalf("disable = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["enabled"] != false || body["status"] != "Disabled" {
		t.Fatalf("body = %v", body)
	}

	rec = f.do(http.MethodPost, "/-/checkers/db/enable")
	if decode(t, rec)["enabled"] != true {
		t.Fatalf("enable body = %s", rec.Body.String())
	}

	if rec := f.do(http.MethodPost, "/-/checkers/nope/enable"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d, want 404", rec.Code)
	}
}

// forced checks

func TestForceCheck(t *testing.T) {
	var forced int
	f := newFixture(t, Options{OnForced: func(n int) { forced += n }})

	rec := f.do(http.MethodPost, "/-/check?name=db")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["checked"] != float64(1) || body["status"] != "Healthy" {
		t.Fatalf("body = %v", body)
	}
	if f.calls.Load() != 1 || forced != 1 {
		t.Fatalf("calls = %d forced = %d", f.calls.Load(), forced)
	}
}

func TestForceCheck_UnknownName(t *testing.T) {
	f := newFixture(t, Options{})
	if rec := f.do(http.MethodPost, "/-/check?name=ghost"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestForceCheck_Stopped(t *testing.T) {
	f := newFixture(t, Options{})
	f.p.Stop()
	if rec := f.do(http.MethodPost, "/-/check"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestForceCheck_RateLimited(t *testing.T) {
	throttled := 0
	f := newFixture(t, Options{
		Limiter:     rate.NewLimiter(0, 1),
		OnThrottled: func() { throttled++ },
	})

	if rec := f.do(http.MethodPost, "/-/check"); rec.Code != http.StatusOK {
		t.Fatalf("first = %d, want 200", rec.Code)
	}
	rec := f.do(http.MethodPost, "/-/check")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
	if throttled != 1 {
		t.Fatalf("throttled = %d, want 1", throttled)
	}
}

// interval

func TestSetInterval(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.doBody(http.MethodPut, "/-/interval", `{"intervalMS": 2500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["intervalMS"] != float64(2500) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if f.p.CheckInterval() != 2500*time.Millisecond {
		t.Fatalf("CheckInterval = %s", f.p.CheckInterval())
	}

	for _, bad := range []string{`{"intervalMS": 10}`, `{"intervalMS": "abc"}`, `{"ms": 2500}`, ``, `not json`} {
		if rec := f.doBody(http.MethodPut, "/-/interval", bad); rec.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", bad, rec.Code)
		}
	}
	if f.p.CheckInterval() != 2500*time.Millisecond {
		t.Fatalf("rejected bodies changed the interval to %s", f.p.CheckInterval())
	}
}
