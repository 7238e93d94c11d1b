// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/mobiletoly/go-overline/overhttp"
	"github.com/mobiletoly/go-overline/overline"
	"github.com/mobiletoly/go-overline/overstore"
	"github.com/spf13/cobra"
)

// NewQueueCommand inspects and resolves the durable mutation queue of a device store
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and resolve a device's pending and failed mutations",
	}
	cmd.PersistentFlags().StringVar(&storePath, "store", "", "device SQLite store (overrides store.path)")

	open := func(cmd *cobra.Command, online bool) (*localEngine, error) {
		path := storePath
		if path == "" {
			path = opts.Config.Settings().StorePath
		}
		return openLocalEngine(cmd.Context(), opts, path, online)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued, in-flight and failed mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			le, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer le.close(cmd.Context())
			records := append(le.engine.PendingMutations(), le.engine.FailedMutations()...)
			return printRecords(cmd.OutOrStdout(), records)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <mutation-id>",
		Short: "Drop a failed mutation and its optimistic value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			le, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer le.close(cmd.Context())
			if err := le.engine.DiscardMutation(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to discard %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <mutation-id>",
		Short: "Requeue a failed mutation with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			le, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer le.close(cmd.Context())
			if err := le.engine.RetryMutation(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to retry %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Drain the queue to server.url now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			le, err := open(cmd, true)
			if err != nil {
				return err
			}
			defer le.close(cmd.Context())
			if !le.engine.Network().Connected() {
				return fmt.Errorf("server %s is unreachable", le.serverURL)
			}
			sess, err := syncNow(cmd.Context(), le.engine)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %s processed=%d failed=%d retried=%d aborted=%v\n",
				sess.ID, sess.Outcome, sess.ProcessedCount, sess.FailedCount, sess.RetriedCount, sess.Aborted)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "Show the durable log of recent sync sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			le, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer le.close(cmd.Context())
			sessions, err := le.engine.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		},
	})

	return cmd
}

// localEngine is an engine over a device store, used for one command invocation
type localEngine struct {
	engine    *overline.Engine
	store     *overstore.SQLiteStore
	serverURL string
}

func openLocalEngine(ctx context.Context, opts *RootOptions, path string, online bool) (*localEngine, error) {
	settings := opts.Config.Settings()
	store, err := overstore.OpenSQLite(path, opts.Logger)
	if err != nil {
		return nil, err
	}

	clientCfg := overhttp.DefaultConfig(settings.ServerURL)
	clientCfg.Logger = opts.Logger
	clientCfg.RequestTimeout = settings.SendTimeout
	if settings.ServerToken != "" {
		clientCfg.Token = overhttp.StaticToken(settings.ServerToken)
	}
	client, err := overhttp.NewClient(clientCfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cfg := settings.EngineConfig()
	cfg.InitiallyConnected = false
	if online {
		cfg.InitiallyConnected = client.Health(ctx) == nil
	}
	engine := overline.NewEngine(store, client,
		overline.WithConfig(cfg),
		overline.WithLogger(opts.Logger),
	)
	if err := engine.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &localEngine{engine: engine, store: store, serverURL: settings.ServerURL}, nil
}

func (le *localEngine) close(ctx context.Context) {
	_ = le.engine.Teardown(context.WithoutCancel(ctx))
	_ = le.store.Close()
}

// syncNow runs a manual drain, waiting out the app_start drain Initialize may have started
func syncNow(ctx context.Context, engine *overline.Engine) (*overline.SyncSession, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		sess, err := engine.Sync(ctx)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printRecords(out io.Writer, records []overline.MutationRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tKIND\tENTITY\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.State, r.Kind, r.TargetEntity, r.Attempts, r.CreatedAt.Format(time.RFC3339), r.LastError)
	}
	return tw.Flush()
}

func printSessions(out io.Writer, sessions []overline.SyncSession) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTRIGGER\tOUTCOME\tPROCESSED\tFAILED\tRETRIED\tABORTED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%v\n",
			s.StartedAt.Format(time.RFC3339), s.Trigger, s.Outcome, s.ProcessedCount, s.FailedCount, s.RetriedCount, s.Aborted)
	}
	return tw.Flush()
}
