// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiletoly/go-overline/overconfig"
	"github.com/mobiletoly/go-overline/overmetrics"
	"github.com/mobiletoly/go-overline/overserver"
	"github.com/spf13/cobra"
)

// NewServeCommand runs the reference mutation server until SIGINT/SIGTERM
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the idempotent mutation server",
		Long: `Serves POST /v1/mutations and GET /v1/entities/{id} behind JWT auth.
Uses PostgreSQL when server.database_url is set and an in-memory ledger otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			settings := opts.Config.Settings()
			if listen != "" {
				settings.ServerListen = listen
			}
			return serve(ctx, settings, opts.Logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}

func serve(ctx context.Context, settings overconfig.Settings, logger *slog.Logger) error {
	store, err := openServerStore(ctx, settings, logger)
	if err != nil {
		return err
	}

	mp, reader := overmetrics.NewInProcessProvider()
	defer func() { _ = mp.Shutdown(context.WithoutCancel(ctx)) }()
	recorder, err := overmetrics.NewRecorder(mp.Meter(overmetrics.MeterName))
	if err != nil {
		return fmt.Errorf("failed to create metrics recorder: %w", err)
	}

	server, err := overserver.NewServer(&overserver.ServerConfig{
		Store:          store,
		JWTSecret:      settings.ServerJWTSecret,
		Logger:         logger,
		RequestLogging: true,
		Service: &overserver.ServiceConfig{
			AppName:      "overline-server",
			StageMetrics: recorder,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:         settings.ServerListen,
		Handler:      server.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting mutation server", "addr", httpServer.Addr)
		logger.Info("  GET  /health")
		logger.Info("  POST /v1/mutations      - apply a mutation (Idempotency-Key header required)")
		logger.Info("  GET  /v1/entities/{id}  - read an entity")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if points, err := overmetrics.Collect(shutdownCtx, reader); err == nil {
		for _, p := range points {
			logger.Info("Server metric", "series", p.String())
		}
	}
	logger.Info("Server exited")
	return nil
}

func openServerStore(ctx context.Context, settings overconfig.Settings, logger *slog.Logger) (overserver.Store, error) {
	if settings.ServerDatabaseURL == "" {
		logger.Warn("No server.database_url configured; using an in-memory ledger")
		return overserver.NewMemoryStore(), nil
	}
	store, err := overserver.OpenPGStore(ctx, settings.ServerDatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	return store, nil
}

// NewTokenCommand issues a development token for the configured secret
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var (
		userID   string
		deviceID string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT accepted by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := opts.Config.Settings().ServerJWTSecret
			if secret == "" {
				secret = overserver.DevJWTSecret
				opts.Logger.Warn("Using default JWT secret - change in production!")
			}
			token, err := overserver.NewJWTAuth(secret, opts.Logger).GenerateToken(userID, deviceID, ttl)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (sub claim)")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id (did claim)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}
