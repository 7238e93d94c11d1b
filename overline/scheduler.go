// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// BackgroundTask is a periodic job handed to the OS background facility.
type BackgroundTask struct {
	ID       string
	Interval time.Duration // requested minimum period; the facility may run it less often
	Run      func(ctx context.Context) error
}

// BackgroundRegistrar is the OS background-execution facility. Both methods must be
// idempotent.
type BackgroundRegistrar interface {
	Register(ctx context.Context, task BackgroundTask) error
	Unregister(ctx context.Context, taskID string) error
}

// DrainFunc runs one drain for the given trigger.
type DrainFunc func(ctx context.Context, trigger Trigger) (*SyncSession, error)

// BackgroundSyncScheduler keeps the periodic background drain registered while the
// configuration allows it.
type BackgroundSyncScheduler struct {
	registrar BackgroundRegistrar
	config    ConfigSource
	drain     DrainFunc
	interval  time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	registered bool
}

func NewBackgroundSyncScheduler(registrar BackgroundRegistrar, config ConfigSource, drain DrainFunc,
	interval time.Duration, logger *slog.Logger) *BackgroundSyncScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = StaticConfig{}
	}
	if interval <= 0 {
		interval = DefaultConfig().BackgroundInterval
	}
	return &BackgroundSyncScheduler{
		registrar: registrar,
		config:    config,
		drain:     drain,
		interval:  interval,
		logger:    logger,
	}
}

// Register registers the background drain if the config flag is on, and makes sure it
// is unregistered if the flag is off. The flag is read on every call.
func (s *BackgroundSyncScheduler) Register(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.BackgroundSyncEnabled() {
		// A previous process may have left the task registered with the OS.
		if err := s.registrar.Unregister(ctx, BackgroundSyncTaskID); err != nil {
			return fmt.Errorf("failed to unregister background sync: %w", err)
		}
		if s.registered {
			s.logger.Info("Background sync disabled; unregistered")
		}
		s.registered = false
		return nil
	}
	if s.registered {
		return nil
	}
	task := BackgroundTask{
		ID:       BackgroundSyncTaskID,
		Interval: s.interval,
		Run:      s.run,
	}
	if err := s.registrar.Register(ctx, task); err != nil {
		return fmt.Errorf("failed to register background sync: %w", err)
	}
	s.registered = true
	s.logger.Info("Background sync registered", "interval", s.interval)
	return nil
}

// Unregister removes the background drain. Calling it when nothing is registered is a no-op.
func (s *BackgroundSyncScheduler) Unregister(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered {
		return nil
	}
	if err := s.registrar.Unregister(ctx, BackgroundSyncTaskID); err != nil {
		return fmt.Errorf("failed to unregister background sync: %w", err)
	}
	s.registered = false
	return nil
}

// Registered reports whether this scheduler currently holds a registration.
func (s *BackgroundSyncScheduler) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *BackgroundSyncScheduler) run(ctx context.Context) error {
	sess, err := s.drain(ctx, TriggerBackgroundTick)
	if err != nil {
		return err
	}
	if sess != nil {
		s.logger.Debug("Background drain finished", "session_id", sess.ID, "processed", sess.ProcessedCount)
	}
	return nil
}

// CronRegistrar is an in-process BackgroundRegistrar for hosts without an OS facility.
// Each task runs on a robfig/cron constant-delay schedule; a tick that arrives while the
// previous run is still going is skipped.
type CronRegistrar struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	cron    *cronlib.Cron
	entries map[string]cronlib.EntryID
	started bool
}

// NewCronRegistrar creates a registrar. timeout bounds each task run (0 = unbounded).
func NewCronRegistrar(timeout time.Duration, logger *slog.Logger) *CronRegistrar {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &CronRegistrar{
		logger:  logger,
		timeout: timeout,
		cron:    cronlib.New(cronlib.WithLogger(cl), cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl))),
		entries: make(map[string]cronlib.EntryID),
	}
}

func (r *CronRegistrar) Register(_ context.Context, task BackgroundTask) error {
	if task.ID == "" || task.Run == nil {
		return fmt.Errorf("background task needs an id and a run function")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("background task %s needs a positive interval", task.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[task.ID]; ok {
		r.cron.Remove(id)
	}
	run := task.Run
	id := r.cron.Schedule(cronlib.Every(task.Interval), cronlib.FuncJob(func() {
		ctx := context.Background()
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		if err := run(ctx); err != nil {
			r.logger.Error("Background task failed", "task_id", task.ID, "error", err)
		}
	}))
	r.entries[task.ID] = id
	if !r.started {
		r.cron.Start()
		r.started = true
	}
	return nil
}

func (r *CronRegistrar) Unregister(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[taskID]; ok {
		r.cron.Remove(id)
		delete(r.entries, taskID)
	}
	return nil
}

// Tasks returns the ids of registered tasks.
func (r *CronRegistrar) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Stop halts the cron loop and waits for running tasks to return.
func (r *CronRegistrar) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stopped := r.cron.Stop()
	r.mu.Unlock()
	<-stopped.Done()
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
