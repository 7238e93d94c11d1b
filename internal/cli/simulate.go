// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mobiletoly/go-overline/internal/simulator"
	"github.com/mobiletoly/go-overline/overmetrics"
	"github.com/spf13/cobra"
)

// NewSimulateCommand runs device scenarios against an in-process server
func NewSimulateCommand(opts *RootOptions) *cobra.Command {
	var (
		scenario string
		output   string
		dataDir  string
		timeout  time.Duration
		metrics  bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run offline/online device scenarios against an in-process server",
		Long:  "Available scenarios: " + strings.Join(simulator.AvailableScenarios(), ", ") + ", all",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate(cmd.Context(), cmd.OutOrStdout(), opts, simulateParams{
				scenario: scenario,
				output:   output,
				dataDir:  dataDir,
				timeout:  timeout,
				metrics:  metrics,
			})
		},
	}
	cmd.Flags().StringVarP(&scenario, "scenario", "s", "all", "scenario to run")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write a JSON report to this file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "keep device stores in SQLite files under this directory")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-scenario timeout")
	cmd.Flags().BoolVar(&metrics, "metrics", true, "print collected metrics after the run")
	return cmd
}

type simulateParams struct {
	scenario string
	output   string
	dataDir  string
	timeout  time.Duration
	metrics  bool
}

func simulate(ctx context.Context, out io.Writer, opts *RootOptions, p simulateParams) error {
	mp, reader := overmetrics.NewInProcessProvider()
	defer func() { _ = mp.Shutdown(context.WithoutCancel(ctx)) }()
	recorder, err := overmetrics.NewRecorder(mp.Meter(overmetrics.MeterName))
	if err != nil {
		return fmt.Errorf("failed to create metrics recorder: %w", err)
	}

	sim := simulator.NewSimulator(&simulator.Config{
		Logger:     opts.Logger,
		DataDir:    p.dataDir,
		OutputFile: p.output,
		Metrics:    recorder,
		Timeout:    p.timeout,
	})

	var runErr error
	if p.scenario == "all" {
		runErr = sim.RunAll(ctx)
	} else {
		runErr = sim.RunScenario(ctx, p.scenario)
	}
	closeErr := sim.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tSTATUS\tDURATION\tDETAILS")
	for _, r := range sim.Reports() {
		details := r.Error
		if details == "" {
			details = formatMetrics(r.Metrics)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Status, r.Duration.Round(time.Millisecond), details)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if p.metrics {
		points, err := overmetrics.Collect(ctx, reader)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		for _, pt := range points {
			fmt.Fprintln(out, pt.String())
		}
	}
	return errors.Join(runErr, closeErr)
}

func formatMetrics(m map[string]any) string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
