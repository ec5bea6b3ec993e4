package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/resourcehealth/internal/httpmw"
	"github.com/keithlinneman/resourcehealth/internal/log"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

const DefaultPort = 9000

// Server timeouts. WriteTimeout covers a forced check of every backend.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

// untraced paths are polled too often to be worth a span.
func traced(r *http.Request) bool {
	switch r.URL.Path {
	case "/-/ping", "/-/live", "/-/ready", "/metrics":
		return false
	}
	return !strings.HasPrefix(r.URL.Path, "/debug/")
}

// NewHandler builds the admin router: feature routes, /metrics and
// pprof, wrapped in recovery, request ids, metrics, logging and tracing.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	L = log.OrNop(L)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(httpmw.Recover(L, opts.OnPanic))
	r.Use(httpmw.CorrelationHeaders)
	if opts.MetricsMW != nil {
		r.Use(opts.MetricsMW)
	}
	r.Use(httpmw.WithLogger(L))
	r.Use(httpmw.AccessLog())

	if opts.Routes != nil {
		opts.Routes(r)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	// pprof, or shadowed with 404s
	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	} else {
		r.HandleFunc("/debug/*", http.NotFound)
	}

	var h http.Handler = r
	h = otelhttp.NewHandler(h, "http.admin",
		otelhttp.WithFilter(traced),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	if !opts.AllowPublic {
		h = requireNonPublicNetwork(L, h)
	}
	return h
}

// requireNonPublicNetwork rejects peers outside loopback, private and
// link-local ranges. IPv4-mapped IPv6 peers are judged by their IPv4 form.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			L.Warn(r.Context(), "admin request with unparseable peer rejected", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		addr = addr.Unmap()
		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "admin request from public network rejected", "remote_addr", addr.String())
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on the admin port and serves in the background.
// Returns stop(ctx) for graceful shutdown; stop is idempotent.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	L = log.OrNop(L)
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)
	srv := NewServer(addr, NewHandler(L, opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "admin http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "admin http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "admin http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
