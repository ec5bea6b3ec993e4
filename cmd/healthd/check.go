package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/resourcehealth/internal/cfg"
	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

// ErrUnhealthy is returned by check when the aggregate is not Healthy.
var ErrUnhealthy = errors.New("healthd: resources unhealthy")

func newCheckCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check every declared resource once and exit non-zero unless all are healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.check(cmd.Context(), cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func (a *app) check(ctx context.Context, w io.Writer, asJSON bool) error {
	checks, err := cfg.LoadChecks(a.fs, a.conf.ConfigPath)
	if err != nil {
		return err
	}

	proc, err := health.NewProcessor(health.ProcessorOptions{
		Logger:              a.L,
		Registry:            newRegistry(),
		Declarations:        checks.Checks,
		CheckInterval:       checks.Interval(),
		StartupTimeout:      a.conf.StartupTimeout,
		MaxConcurrentProbes: a.conf.MaxConcurrentProbes,
	})
	if err != nil {
		return err
	}
	defer proc.Stop()

	if err := proc.Start(ctx); err != nil {
		a.L.Debug(ctx, "startup did not reach healthy", "err", err)
	}
	report := proc.Report()

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return xerrors.Wrap(err, "encode report")
		}
	} else if err := printReport(w, report); err != nil {
		return err
	}

	if report.Status != health.StatusHealthy && len(report.Checkers) > 0 {
		return xerrors.Wrapf(ErrUnhealthy, "aggregate %s", report.Status)
	}
	return nil
}

func printReport(w io.Writer, r health.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tSTATUS\tLAST CHECKED\tMESSAGE")
	for _, c := range r.Checkers {
		last := "-"
		if !c.LastChecked.IsZero() {
			last = c.LastChecked.Format(time.RFC3339)
		}
		msg := c.SetupError
		if n := len(c.Entries); n > 0 && msg == "" {
			msg = c.Entries[n-1].Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Name, c.Kind, c.Status, last, msg)
	}
	fmt.Fprintf(tw, "\naggregate: %s (stage %s)\n", r.Status, r.Stage)
	return tw.Flush()
}
