package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/version"
)

// Metrics owns a private registry with the health observer series, the
// admin HTTP series and the standard Go/process collectors.
type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// health
	checkerStatus  *prometheus.GaugeVec
	checkDuration  *prometheus.HistogramVec
	checksTotal    *prometheus.CounterVec
	status         prometheus.Gauge
	stage          prometheus.Gauge
	loopCycles     prometheus.Counter
	statusChanges  *prometheus.CounterVec
	probeSkipped   *prometheus.CounterVec
	forcedChecks   prometheus.Counter
	forceThrottled prometheus.Counter

	// admin http
	inflight        prometheus.Gauge
	reqTotal        *prometheus.CounterVec
	reqDur          *prometheus.HistogramVec
	respBytes       *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	httpPanicTotal  prometheus.Counter
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

var _ health.Observer = (*Metrics)(nil)

// New returns a fresh registry with every series registered.
// Status gauges carry the severity rank so alerts can use thresholds.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		checkerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "health_checker_status",
			Help: "Current checker status as severity rank (0 not checked .. 7 failed)",
		}, []string{"checker", "kind"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "health_check_duration_seconds",
			Help:    "Probe latency by checker and kind",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"checker", "kind"}),
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "health_checks_total",
			Help: "Completed checks by checker and resulting status",
		}, []string{"checker", "status"}),
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Aggregate status as severity rank",
		}),
		stage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "health_processor_stage",
			Help: "Processor lifecycle stage (0 constructed .. 6 finished)",
		}),
		loopCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_loop_cycles_total",
			Help: "Background loop iterations",
		}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "health_status_changes_total",
			Help: "Aggregate status transitions observed by the background loop",
		}, []string{"from", "to"}),
		probeSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "health_probe_skipped_total",
			Help: "Checks deferred because the probe pool was saturated",
		}, []string{"checker"}),
		forcedChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_forced_checks_total",
			Help: "Checks run on demand through the admin API",
		}),
		forceThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_forced_checks_rate_limited_total",
			Help: "On-demand check requests rejected by the rate limiter",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.checkerStatus,
		m.checkDuration,
		m.checksTotal,
		m.status,
		m.stage,
		m.loopCycles,
		m.statusChanges,
		m.probeSkipped,
		m.forcedChecks,
		m.forceThrottled,
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Registry is exposed for collectors owned by other packages.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// health.Observer

func (m *Metrics) ObserveCheck(checker, kind string, status health.Status, elapsed time.Duration) {
	m.checkDuration.WithLabelValues(checker, kind).Observe(elapsed.Seconds())
	m.checksTotal.WithLabelValues(checker, status.String()).Inc()
}

func (m *Metrics) SetCheckerStatus(checker, kind string, status health.Status) {
	m.checkerStatus.WithLabelValues(checker, kind).Set(float64(status.Severity()))
}

func (m *Metrics) SetStatus(status health.Status) {
	m.status.Set(float64(status.Severity()))
}

func (m *Metrics) SetStage(stage health.Stage) {
	m.stage.Set(float64(stage))
}

func (m *Metrics) IncLoopCycle() { m.loopCycles.Inc() }

func (m *Metrics) IncStatusChange(from, to health.Status) {
	m.statusChanges.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) IncProbeSkipped(checker string) {
	m.probeSkipped.WithLabelValues(checker).Inc()
}

// admin API

func (m *Metrics) AddForcedChecks(n int) { m.forcedChecks.Add(float64(n)) }

func (m *Metrics) IncForceRateLimited() { m.forceThrottled.Inc() }

func (m *Metrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *Metrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *Metrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
