// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package simulator drives devices running the sync engine against an in-process
// server through offline, reconnect, failure and restart scenarios.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mobiletoly/go-overline/overline"
	"github.com/mobiletoly/go-overline/overmetrics"
	"github.com/mobiletoly/go-overline/overserver"
	"github.com/mobiletoly/go-overline/overstore"
)

// Config holds simulator settings
type Config struct {
	Logger     *slog.Logger
	DataDir    string                // SQLite files for device stores; empty keeps them in memory
	OutputFile string                // JSON report written on Close; empty disables it
	Metrics    *overmetrics.Recorder // optional, shared by devices and backends
	Timeout    time.Duration         // per scenario
}

// DefaultConfig returns the configuration used by the CLI
func DefaultConfig() *Config {
	return &Config{
		Logger:  slog.Default(),
		Timeout: 30 * time.Second,
	}
}

// Simulator runs scenarios and collects their reports
type Simulator struct {
	config   *Config
	logger   *slog.Logger
	reporter *Reporter
}

// NewSimulator creates a simulator; a nil config uses DefaultConfig
func NewSimulator(cfg *Config) *Simulator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Simulator{
		config:   cfg,
		logger:   logger,
		reporter: NewReporter(cfg.OutputFile, logger),
	}
}

// Close writes the report file if configured
func (s *Simulator) Close() error {
	return s.reporter.Close()
}

// Reports returns a copy of every scenario report so far
func (s *Simulator) Reports() []ScenarioReport {
	return s.reporter.Reports()
}

// RunAll runs every registered scenario and joins their errors
func (s *Simulator) RunAll(ctx context.Context) error {
	var errs []error
	for _, name := range AvailableScenarios() {
		if err := s.RunScenario(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunScenario executes and verifies one scenario against a fresh backend
func (s *Simulator) RunScenario(ctx context.Context, name string) error {
	scenario := GetScenario(name)
	if scenario == nil {
		return fmt.Errorf("unknown scenario: %s", name)
	}
	report := s.reporter.StartScenario(scenario.Name(), scenario.Description())
	start := time.Now()
	s.logger.Info("Running scenario", "name", scenario.Name())

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	err := s.run(ctx, scenario, report)
	report.SetDuration(time.Since(start))
	if err != nil {
		report.SetError(err)
		s.logger.Error("Scenario failed", "name", scenario.Name(), "error", err)
		return fmt.Errorf("scenario %s: %w", scenario.Name(), err)
	}
	report.SetSuccess()
	s.logger.Info("Scenario passed", "name", scenario.Name(), "duration", report.Duration)
	return nil
}

func (s *Simulator) run(ctx context.Context, scenario Scenario, report *ScenarioReport) (err error) {
	env, err := s.newEnv(scenario, report)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := env.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := scenario.Execute(ctx, env); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if err := scenario.Verify(ctx, env); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	report.AddMetric("server_applied", env.Backend.Store.AppliedCount())
	report.AddMetric("server_requests", env.Backend.MutationCalls())
	return nil
}

// Env is what a scenario works with: one backend and any number of devices
type Env struct {
	Backend *Backend
	Report  *ScenarioReport
	Logger  *slog.Logger

	sim      *Simulator
	scenario string
	devices  []*Device
	memory   map[string]*overstore.MemoryStore
}

func (s *Simulator) newEnv(scenario Scenario, report *ScenarioReport) (*Env, error) {
	var metrics overline.StageMetricsRecorder
	if s.config.Metrics != nil {
		metrics = s.config.Metrics
	}
	var validate overserver.ValidateFunc
	if v, ok := scenario.(interface{ Validator() overserver.ValidateFunc }); ok {
		validate = v.Validator()
	}
	backend, err := NewBackend(validate, metrics, s.logger)
	if err != nil {
		return nil, err
	}
	return &Env{
		Backend:  backend,
		Report:   report,
		Logger:   s.logger.With("scenario", scenario.Name()),
		sim:      s,
		scenario: scenario.Name(),
		memory:   make(map[string]*overstore.MemoryStore),
	}, nil
}

// OpenDevice creates and launches a device. Opening the same id again after Close reuses
// its durable store, which is how a restart is simulated.
func (e *Env) OpenDevice(ctx context.Context, id string) (*Device, error) {
	store, err := e.openStore(id)
	if err != nil {
		return nil, err
	}
	client, err := e.Backend.Client(id)
	if err != nil {
		return nil, err
	}
	opts := []overline.Option{
		overline.WithConfig(deviceConfig()),
		overline.WithLogger(e.Logger.With("device", id)),
	}
	if m := e.sim.config.Metrics; m != nil {
		opts = append(opts, overline.WithMetrics(m), overline.WithSessionRecorder(m))
	}
	d := &Device{
		ID:     id,
		Engine: overline.NewEngine(store, client, opts...),
		Client: client,
		store:  store,
		logger: e.Logger,
	}
	if err := d.Launch(ctx); err != nil {
		return nil, err
	}
	e.devices = append(e.devices, d)
	return d, nil
}

// CloseDevice tears a device down and forgets it
func (e *Env) CloseDevice(ctx context.Context, d *Device) error {
	for i, existing := range e.devices {
		if existing == d {
			e.devices = append(e.devices[:i], e.devices[i+1:]...)
			break
		}
	}
	return d.Close(ctx)
}

func (e *Env) openStore(id string) (overline.DurableStore, error) {
	if dir := e.sim.config.DataDir; dir != "" {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.db", e.scenario, id))
		store, err := overstore.OpenSQLite(path, e.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open device store: %w", err)
		}
		return store, nil
	}
	store, ok := e.memory[id]
	if !ok {
		store = overstore.NewMemoryStore()
		e.memory[id] = store
	}
	return store, nil
}

func (e *Env) close(ctx context.Context) error {
	var errs []error
	for _, d := range e.devices {
		errs = append(errs, d.Close(ctx))
	}
	e.devices = nil
	e.Backend.Close()
	return errors.Join(errs...)
}
