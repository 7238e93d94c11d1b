// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/mobiletoly/go-overline/overhttp"
	"github.com/mobiletoly/go-overline/overline"
	"github.com/mobiletoly/go-overline/overserver"
)

const simUserID = "survivor-1"

// Backend is an in-process mutation server with fault injection in front of it
type Backend struct {
	Store  *overserver.MemoryStore
	server *overserver.Server
	http   *httptest.Server
	logger *slog.Logger

	mu            sync.Mutex
	reachable     bool
	dropResponses int
	afterApply    func()
	mutationCalls int
}

// NewBackend starts a server backed by an in-memory ledger
func NewBackend(validate overserver.ValidateFunc, metrics overline.StageMetricsRecorder, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store := overserver.NewMemoryStore()
	server, err := overserver.NewServer(&overserver.ServerConfig{
		Store:     store,
		JWTSecret: "simulator-secret",
		Logger:    logger,
		Service: &overserver.ServiceConfig{
			AppName:      "overline-simulator",
			Validate:     validate,
			StageMetrics: metrics,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	b := &Backend{
		Store:     store,
		server:    server,
		logger:    logger,
		reachable: true,
	}
	b.http = httptest.NewServer(b)
	return b, nil
}

// URL is the base URL clients should use
func (b *Backend) URL() string {
	return b.http.URL
}

func (b *Backend) Close() {
	b.http.Close()
	b.server.Close()
}

// SetReachable makes every request fail with 503 while false
func (b *Backend) SetReachable(reachable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reachable = reachable
}

// DropNextResponses applies the next n mutations but answers them with 503,
// as if the response was lost on the way back
func (b *Backend) DropNextResponses(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropResponses = n
}

// AfterApply runs fn after each successfully applied mutation and before the
// client sees the response
func (b *Backend) AfterApply(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.afterApply = fn
}

// MutationCalls counts mutation requests that reached the server
func (b *Backend) MutationCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mutationCalls
}

// Client returns an API client authenticated as deviceID
func (b *Backend) Client(deviceID string) (*overhttp.Client, error) {
	token, err := b.server.GenerateToken(simUserID, deviceID, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	cfg := overhttp.DefaultConfig(b.URL())
	cfg.Token = overhttp.StaticToken(token)
	cfg.Logger = b.logger
	cfg.RequestTimeout = 5 * time.Second
	cfg.UserAgent = "overline-simulator/" + deviceID
	return overhttp.NewClient(cfg)
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	isMutation := r.Method == http.MethodPost && r.URL.Path == "/v1/mutations"

	b.mu.Lock()
	reachable := b.reachable
	drop := false
	if reachable && isMutation {
		b.mutationCalls++
		if b.dropResponses > 0 {
			b.dropResponses--
			drop = true
		}
	}
	hook := b.afterApply
	b.mu.Unlock()

	if !reachable {
		writeUnavailable(w, "backend unreachable")
		return
	}

	rec := httptest.NewRecorder()
	b.server.Handler.ServeHTTP(rec, r)
	if drop {
		b.logger.Debug("Dropping mutation response", "status", rec.Code,
			"idempotency_key", r.Header.Get(overserver.IdempotencyKeyHeader))
		writeUnavailable(w, "response lost")
		return
	}
	if isMutation && hook != nil && rec.Code < 300 {
		hook()
	}

	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
	w.WriteHeader(rec.Code)
	_, _ = w.Write(rec.Body.Bytes())
}

func writeUnavailable(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(overserver.ErrorResponse{
		Error:   overserver.CodeServiceUnavailable,
		Message: message,
	})
}
