package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/keithlinneman/resourcehealth/internal/cfg"
	"github.com/keithlinneman/resourcehealth/internal/log"
	v "github.com/keithlinneman/resourcehealth/internal/version"
)

// app carries what every subcommand shares once flags are parsed.
type app struct {
	conf cfg.App
	fs   afero.Fs
	L    log.Logger
	lg   log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{fs: afero.NewOsFs()}

	root := &cobra.Command{
		Use:          v.AppName,
		Short:        "Watch the health of the resources a service depends on",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.lg != nil {
				// no-op for slog/stderr, kept for buffered backends
				_ = a.lg.Sync()
			}
		},
	}
	cfg.Register(root.PersistentFlags(), &a.conf)

	root.AddCommand(newServeCmd(a), newCheckCmd(a), newVersionCmd())
	return root
}

// setup fills flags from HEALTHD_* env vars, validates them and builds
// the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg.FillFromEnv(cmd.Flags(), cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
	})

	if err := cfg.Validate(a.conf); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	lvl, err := log.ParseLevel(a.conf.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", a.conf.LogLevel, err)
	}
	stackLvl := lvl
	if a.conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(a.conf.StacktraceLevel); err != nil {
			return fmt.Errorf("invalid stacktrace level %s: %w", a.conf.StacktraceLevel, err)
		}
	}

	vi := v.Get()
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              a.conf.LogJSON,
		IncludeErrorLinks: a.conf.IncludeErrorLinks,
		MaxErrorLinks:     a.conf.MaxErrorLinks,
		Writer:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("logger init error: %w", err)
	}
	a.lg = lg
	a.L = lg.With("component", cmd.Name())
	cmd.SetContext(log.WithContext(cmd.Context(), a.L))
	return nil
}
