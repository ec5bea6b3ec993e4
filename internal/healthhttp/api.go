// Package healthhttp exposes a health processor over HTTP on the admin
// router: liveness and readiness for orchestrators, a JSON and HTML
// report for humans, and on-demand checks for operators.
package healthhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/heptiolabs/healthcheck"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/log"
)

// DefaultMaxGoroutines fails liveness when the process is leaking
// goroutines, usually probes stuck on an unresponsive backend.
const DefaultMaxGoroutines = 10000

// Source is the slice of *health.Processor the API needs.
type Source interface {
	Ready() bool
	Status() health.Status
	Report() health.Report
	Checker(name string) (*health.Checker, bool)
	ForceCheck(ctx context.Context, names ...string) (int, error)
	SetCheckInterval(d time.Duration)
	CheckInterval() time.Duration
	RenderHTML(w io.Writer) error
}

type Options struct {
	Logger log.Logger

	// Limiter guards POST /-/check, which hits every backend at once.
	// Nil allows one forced check per second with a burst of three.
	Limiter       *rate.Limiter
	MaxGoroutines int

	// OnForced and OnThrottled feed the forced-check counters.
	OnForced    func(n int)
	OnThrottled func()
}

// API implements the admin health routes.
type API struct {
	src     Source
	logger  log.Logger
	limiter *rate.Limiter
	hc      healthcheck.Handler
	opts    Options
}

// NewAPI constructs a health API around src.
func NewAPI(src Source, opts Options) *API {
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Limit(1), 3)
	}
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = DefaultMaxGoroutines
	}
	api := &API{
		src:     src,
		logger:  log.OrNop(opts.Logger).With("component", "healthhttp"),
		limiter: opts.Limiter,
		hc:      healthcheck.NewHandler(),
		opts:    opts,
	}
	api.hc.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	api.hc.AddReadinessCheck("resources", func() error {
		if src.Ready() {
			return nil
		}
		r := src.Report()
		return fmt.Errorf("stage %s, status %s", r.Stage, r.Status)
	})
	return api
}

// RegisterRoutes attaches the health routes to the admin router.
func (api *API) RegisterRoutes(r chi.Router) {
	// is the process up and answering?
	r.Get("/-/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong\n"))
	})

	r.Get("/-/live", api.hc.LiveEndpoint)
	r.Get("/-/ready", api.hc.ReadyEndpoint)

	r.Get("/-/status", api.status)
	r.Get("/-/status.html", api.statusHTML)
	r.Get("/-/checkers/{name}", api.checker)
	r.Post("/-/checkers/{name}/enable", api.setEnabled(true))
	r.Post("/-/checkers/{name}/disable", api.setEnabled(false))
	r.Post("/-/check", api.forceCheck)
	r.Put("/-/interval", api.setInterval)
}

func (api *API) status(w http.ResponseWriter, r *http.Request) {
	rep := api.src.Report()
	w.Header().Set("X-Health-Status", rep.Status.String())
	writeJSON(w, http.StatusOK, rep)
}

func (api *API) statusHTML(w http.ResponseWriter, r *http.Request) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := api.src.RenderHTML(buf); err != nil {
		api.logger.Error(r.Context(), err, "render health page")
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.B)
}

func (api *API) checker(w http.ResponseWriter, r *http.Request) {
	c, ok := api.src.Checker(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, health.ErrCheckerNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (api *API) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := api.src.Checker(chi.URLParam(r, "name"))
		if !ok {
			writeError(w, http.StatusNotFound, health.ErrCheckerNotFound)
			return
		}
		c.SetEnabled(enabled)
		api.logger.Info(r.Context(), "checker toggled via admin api", "checker", c.Name(), "enabled", enabled)
		writeJSON(w, http.StatusOK, c.Snapshot())
	}
}

type forceResult struct {
	Checked int           `json:"checked"`
	Status  health.Status `json:"status"`
}

func (api *API) forceCheck(w http.ResponseWriter, r *http.Request) {
	if !api.limiter.Allow() {
		if api.opts.OnThrottled != nil {
			api.opts.OnThrottled()
		}
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, errors.New("forced checks are rate limited"))
		return
	}

	names := r.URL.Query()["name"]
	n, err := api.src.ForceCheck(r.Context(), names...)
	switch {
	case errors.Is(err, health.ErrCheckerNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, health.ErrProcessorStopped):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		api.logger.Error(r.Context(), err, "forced check failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if api.opts.OnForced != nil {
		api.opts.OnForced(n)
	}
	writeJSON(w, http.StatusOK, forceResult{Checked: n, Status: api.src.Status()})
}

const maxIntervalBody = 1 << 10

type intervalBody struct {
	IntervalMS int64 `json:"intervalMS"`
}

func (api *API) setInterval(w http.ResponseWriter, r *http.Request) {
	var body intervalBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIntervalBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {\"intervalMS\": n}: %w", err))
		return
	}
	if floor := health.MinCheckInterval.Milliseconds(); body.IntervalMS < floor {
		writeError(w, http.StatusBadRequest, fmt.Errorf("intervalMS must be >= %d (got %d)", floor, body.IntervalMS))
		return
	}
	d := time.Duration(body.IntervalMS) * time.Millisecond
	api.src.SetCheckInterval(d)
	api.logger.Info(r.Context(), "check interval changed via admin api", "interval", d)
	writeJSON(w, http.StatusOK, intervalBody{IntervalMS: api.src.CheckInterval().Milliseconds()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
