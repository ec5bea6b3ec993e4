package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/resourcehealth/internal/cfg"
	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/healthhttp"
	"github.com/keithlinneman/resourcehealth/internal/metrics"
	"github.com/keithlinneman/resourcehealth/internal/opshttp"
	"github.com/keithlinneman/resourcehealth/internal/otelx"
	"github.com/keithlinneman/resourcehealth/internal/prof"
	v "github.com/keithlinneman/resourcehealth/internal/version"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var allowPublic bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the health loop and serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), allowPublic)
		},
	}
	cmd.Flags().BoolVar(&allowPublic, "admin-allow-public", false, "accept admin requests from public addresses")
	return cmd
}

func (a *app) serve(ctx context.Context, allowPublic bool) error {
	conf, L := a.conf, a.L
	vi := v.Get()

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"admin_port", conf.AdminPort,
		"config", conf.ConfigPath,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"otlp_insecure", conf.OTLPInsecure,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"startup_timeout", conf.StartupTimeout,
		"max_concurrent_probes", conf.MaxConcurrentProbes,
		"force_check_rate", conf.ForceCheckRate,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("healthd", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "healthd",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "healthd",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	checks, err := cfg.LoadChecks(a.fs, conf.ConfigPath)
	if err != nil {
		L.Critical(ctx, err, "failed to load checker file", "path", conf.ConfigPath)
		return err
	}

	proc, err := health.NewProcessor(health.ProcessorOptions{
		Logger:              L,
		Observer:            m,
		Registry:            newRegistry(),
		Declarations:        checks.Checks,
		CheckInterval:       checks.Interval(),
		StartupTimeout:      conf.StartupTimeout,
		MaxConcurrentProbes: conf.MaxConcurrentProbes,
	})
	if err != nil {
		L.Critical(ctx, err, "invalid checker declarations", "path", conf.ConfigPath)
		return err
	}
	defer proc.Stop()

	api := healthhttp.NewAPI(proc, healthhttp.Options{
		Logger:      L,
		Limiter:     rate.NewLimiter(rate.Limit(conf.ForceCheckRate), 3),
		OnForced:    m.AddForcedChecks,
		OnThrottled: m.IncForceRateLimited,
	})

	// the admin port is firewalled to monitoring infrastructure; requests
	// from public addresses or carrying X-Forwarded-For are refused as well
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Logger:      L,
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		MetricsMW:   m.Middleware,
		EnablePprof: conf.EnablePprof,
		AllowPublic: allowPublic,
		Routes:      api.RegisterRoutes,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	loop := health.NewBackgroundLoop(proc, health.LoopOptions{
		Logger:      L,
		Observer:    m,
		StartupWait: conf.StartupTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := proc.Start(gctx); err != nil && gctx.Err() == nil {
			// the loop keeps checking and promotes once healthy
			L.Warn(gctx, "health processor did not start healthy", "err", err, "stage", proc.Stage())
		}
		return nil
	})
	g.Go(func() error { return loop.Run(gctx) })

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	runErr := g.Wait()
	if runErr != nil {
		L.Error(context.Background(), runErr, "health loop exited")
	} else {
		L.Info(context.Background(), "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	proc.Stop()

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return runErr
}
