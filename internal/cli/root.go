// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the overline command: the reference server, the device
// simulator and maintenance of a device's local queue.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mobiletoly/go-overline/overconfig"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RootOptions holds global flags and the state PersistentPreRunE builds from them
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFile    string

	Config *overconfig.Source
	Logger *slog.Logger

	logFile io.Closer
}

// NewRootCommand creates the overline command tree
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:          "overline",
		Short:        "Offline-first sync engine tooling",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.close()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error (overrides log.level)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "write logs to a rotating file instead of stderr")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))

	return cmd
}

func (o *RootOptions) setup(cmd *cobra.Command) error {
	source, err := overconfig.Load(o.ConfigPath, nil)
	if err != nil {
		return err
	}
	o.Config = source
	settings := source.Settings()

	levelName := settings.LogLevel
	if o.LogLevel != "" {
		levelName = o.LogLevel
	}
	level, err := parseLevel(levelName)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.ErrOrStderr()
	logFile := settings.LogFile
	if o.LogFile != "" {
		logFile = o.LogFile
	}
	if logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		o.logFile = rotating
		out = rotating
	}

	o.Logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	// Libraries that fall back to slog.Default() share the same handler.
	slog.SetDefault(o.Logger)
	return nil
}

func (o *RootOptions) close() error {
	if o.logFile == nil {
		return nil
	}
	err := o.logFile.Close()
	o.logFile = nil
	return err
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
}
