// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FetchFunc loads a query result from the server. It returns the data and the target
// entities the result depends on.
type FetchFunc func(ctx context.Context) (data json.RawMessage, entities []string, err error)

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(cfg *Config) Option {
	return func(e *Engine) { e.cfg = cfg.withDefaults() }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(rec StageMetricsRecorder) Option {
	return func(e *Engine) { e.metrics = rec }
}

func WithSessionRecorder(rec SessionRecorder) Option {
	return func(e *Engine) { e.sessions = rec }
}

// WithNetworkMonitor shares an existing monitor instead of creating one from Config.
func WithNetworkMonitor(m *NetworkMonitor) Option {
	return func(e *Engine) { e.network = m }
}

// WithBackgroundRegistrar enables background sync through the given OS facility.
func WithBackgroundRegistrar(r BackgroundRegistrar, source ConfigSource) Option {
	return func(e *Engine) {
		e.registrar = r
		e.configSource = source
	}
}

// WithStaleAfter sets the freshness window for entity entries written by the engine itself
// (optimistic updates and reconciled server state).
func WithStaleAfter(d time.Duration) Option {
	return func(e *Engine) { e.staleAfter = d }
}

// Engine wires the cache, queue, orchestrator, persister and background scheduler
// behind an explicit Initialize/Teardown lifecycle.
type Engine struct {
	store        DurableStore
	transport    Transport
	cfg          *Config
	logger       *slog.Logger
	metrics      StageMetricsRecorder
	sessions     SessionRecorder
	network      *NetworkMonitor
	registrar    BackgroundRegistrar
	configSource ConfigSource
	staleAfter   time.Duration
	cache        *QueryCache

	mu           sync.Mutex
	initialized  bool
	queue        *MutationQueue
	persister    *CachePersister
	orchestrator *SyncOrchestrator
	scheduler    *BackgroundSyncScheduler
	bgCtx        context.Context
	bgCancel     context.CancelFunc
	bg           sync.WaitGroup
	revalidating map[Signature]struct{}
}

func NewEngine(store DurableStore, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		transport:    transport,
		cfg:          DefaultConfig(),
		logger:       slog.Default(),
		staleAfter:   5 * time.Minute,
		revalidating: make(map[Signature]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.network == nil {
		e.network = NewNetworkMonitor(NetworkMonitorConfig{
			Debounce:           e.cfg.NetworkDebounce,
			InitiallyConnected: e.cfg.InitiallyConnected,
			Logger:             e.logger,
		})
	}
	e.cache = NewQueryCache(e.cfg.CacheMaxEntries, e.logger)
	return e
}

// Initialize restores persisted state and starts syncing. It must be called once before
// any other operation, and again only after Teardown.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return ErrAlreadyInitialized
	}

	persister := NewCachePersister(e.store, e.cache, e.cfg.SnapshotInterval, e.cfg.CacheMaxStaleAge, e.logger)
	persister.metrics = e.metrics
	if err := persister.Hydrate(ctx); err != nil {
		if !errors.Is(err, ErrStorageCorrupt) {
			return fmt.Errorf("failed to hydrate query cache: %w", err)
		}
		// The cache is rebuildable from the server; the next snapshot replaces the pointer.
		e.logger.Error("Cache snapshot is corrupt; starting with an empty cache", "error", err)
		e.cache.Reset()
	}

	queue, err := OpenMutationQueue(ctx, e.store, QueueOptions{
		MaxAttempts: e.cfg.MaxAttempts,
		Logger:      e.logger,
		Metrics:     e.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to open mutation queue: %w", err)
	}
	e.replayPending(queue)

	orchestrator, err := NewSyncOrchestrator(OrchestratorDeps{
		Queue:      queue,
		Transport:  e.transport,
		Network:    e.network,
		Reconciler: &EntityReconciler{Cache: e.cache, Queue: queue, StaleAfter: e.staleAfter},
		Store:      e.store,
		Config:     e.cfg,
		Logger:     e.logger,
		Metrics:    e.metrics,
		Sessions:   e.sessions,
	})
	if err != nil {
		return fmt.Errorf("failed to create sync orchestrator: %w", err)
	}

	e.bgCtx, e.bgCancel = context.WithCancel(context.WithoutCancel(ctx))
	persister.Start(e.bgCtx)

	var scheduler *BackgroundSyncScheduler
	if e.registrar != nil {
		scheduler = NewBackgroundSyncScheduler(e.registrar, e.configSource, orchestrator.Drain, e.cfg.BackgroundInterval, e.logger)
		if err := scheduler.Register(ctx); err != nil {
			// Foreground sync still works without it.
			e.logger.Warn("Failed to register background sync", "error", err)
		}
	}

	e.queue = queue
	e.persister = persister
	e.orchestrator = orchestrator
	e.scheduler = scheduler
	e.initialized = true
	e.logger.Info("Sync engine initialized",
		"queued", len(queue.ListQueued()),
		"failed", len(queue.ListFailedPermanent()),
		"cached", e.cache.Len())

	orchestrator.Trigger(TriggerAppStart)
	return nil
}

// Teardown stops syncing, writes a final cache snapshot and releases every subscription.
// The engine can be initialized again afterwards.
func (e *Engine) Teardown(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = false
	orchestrator, persister, scheduler := e.orchestrator, e.persister, e.scheduler
	e.queue, e.orchestrator, e.persister, e.scheduler = nil, nil, nil, nil
	cancel := e.bgCancel
	e.mu.Unlock()

	orchestrator.Close()
	orchestrator.Wait()
	cancel()
	e.bg.Wait()

	var errs []error
	if err := persister.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to write final cache snapshot: %w", err))
	}
	if scheduler != nil {
		if err := scheduler.Unregister(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.network.Stop()
	e.cache.Reset()
	e.logger.Info("Sync engine torn down")
	return errors.Join(errs...)
}

func (e *Engine) components() (*MutationQueue, *SyncOrchestrator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, nil, ErrNotInitialized
	}
	return e.queue, e.orchestrator, nil
}

// Read returns the cached entry for sig. It never performs I/O.
func (e *Engine) Read(sig Signature) (CacheEntry, bool) {
	return e.cache.Read(sig)
}

// Subscribe registers cb for changes to sig.
func (e *Engine) Subscribe(sig Signature, cb func(CacheEvent)) (unsubscribe func()) {
	return e.cache.Subscribe(sig, cb)
}

// Mutate durably queues a write, shows it in the cache, and starts a drain when online.
// It returns the mutation id once the write is on disk.
func (e *Engine) Mutate(ctx context.Context, in MutationInput) (string, error) {
	queue, orchestrator, err := e.components()
	if err != nil {
		return "", err
	}
	rec, err := queue.Enqueue(ctx, in)
	if err != nil {
		return "", err
	}
	if err := applyOptimistic(e.cache, rec, e.staleAfter); err != nil {
		e.logger.Warn("Failed to apply optimistic update", "mutation_id", rec.ID, "entity", rec.TargetEntity, "error", err)
	}
	if e.network.Connected() {
		orchestrator.Trigger(TriggerManual)
	}
	return rec.ID, nil
}

// FailedMutations lists writes that need the user's attention.
func (e *Engine) FailedMutations() []MutationRecord {
	queue, _, err := e.components()
	if err != nil {
		return nil
	}
	return queue.ListFailedPermanent()
}

// PendingMutations lists writes not yet delivered.
func (e *Engine) PendingMutations() []MutationRecord {
	queue, _, err := e.components()
	if err != nil {
		return nil
	}
	return queue.ListQueued()
}

// DiscardMutation drops a failed write and invalidates the entity so the optimistic
// value is replaced by server state.
func (e *Engine) DiscardMutation(ctx context.Context, id string) error {
	queue, _, err := e.components()
	if err != nil {
		return err
	}
	rec, ok := queue.Get(id)
	if !ok {
		return fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	if err := queue.Discard(ctx, id); err != nil {
		return err
	}
	e.cache.Invalidate(EntitySignature(rec.TargetEntity))
	e.cache.InvalidateEntity(rec.TargetEntity)
	return nil
}

// RetryMutation gives a failed write a fresh retry budget.
func (e *Engine) RetryMutation(ctx context.Context, id string) error {
	queue, orchestrator, err := e.components()
	if err != nil {
		return err
	}
	if err := queue.Requeue(ctx, id); err != nil {
		return err
	}
	if e.network.Connected() {
		orchestrator.Trigger(TriggerManual)
	}
	return nil
}

// Sync runs a manual drain and waits for it. A nil session means the request was folded
// into a drain that was already running.
func (e *Engine) Sync(ctx context.Context) (*SyncSession, error) {
	_, orchestrator, err := e.components()
	if err != nil {
		return nil, err
	}
	return orchestrator.Drain(ctx, TriggerManual)
}

// Sessions returns the durable log of recent drain sessions.
func (e *Engine) Sessions(ctx context.Context) ([]SyncSession, error) {
	_, orchestrator, err := e.components()
	if err != nil {
		return nil, err
	}
	return orchestrator.RecentSessions(ctx)
}

// OnSession registers cb for finished drain sessions of the current lifecycle.
func (e *Engine) OnSession(cb func(SyncSession)) (unsubscribe func(), err error) {
	_, orchestrator, err := e.components()
	if err != nil {
		return nil, err
	}
	return orchestrator.OnSession(cb), nil
}

// Suspend persists the cache; call it when the app moves to the background.
func (e *Engine) Suspend(ctx context.Context) error {
	e.mu.Lock()
	persister := e.persister
	e.mu.Unlock()
	if persister == nil {
		return ErrNotInitialized
	}
	return persister.Snapshot(ctx)
}

// Foreground re-reads the background-sync flag and starts an app_start drain.
func (e *Engine) Foreground(ctx context.Context) {
	e.mu.Lock()
	orchestrator, scheduler := e.orchestrator, e.scheduler
	e.mu.Unlock()
	if orchestrator == nil {
		return
	}
	if scheduler != nil {
		if err := scheduler.Register(ctx); err != nil {
			e.logger.Warn("Failed to refresh background sync registration", "error", err)
		}
	}
	orchestrator.Trigger(TriggerAppStart)
}

// Network returns the monitor fed by the platform's connectivity callbacks.
func (e *Engine) Network() *NetworkMonitor {
	return e.network
}

// Fetch serves sig from the cache when possible. Fresh entries are returned as is;
// stale ones are returned and refreshed in the background when online; invalid or
// missing ones are fetched when online. A failed fetch with nothing usable cached
// leaves an invalid entry behind and returns the error.
func (e *Engine) Fetch(ctx context.Context, sig Signature, staleAfter time.Duration, fetch FetchFunc) (CacheEntry, error) {
	if _, _, err := e.components(); err != nil {
		return CacheEntry{}, err
	}
	entry, found := e.cache.Read(sig)
	if found && entry.Usable() {
		if entry.Status(time.Now()) == StatusStale && e.network.Connected() {
			e.revalidate(sig, staleAfter, fetch)
		}
		return entry, nil
	}
	if !e.network.Connected() {
		return entry, fmt.Errorf("%w: no usable cached data for %s", ErrOffline, sig)
	}

	data, entities, err := fetch(ctx)
	if err != nil {
		if !found {
			e.cache.Write(sig, nil, staleAfter)
		}
		e.cache.Invalidate(sig)
		entry, _ = e.cache.Read(sig)
		return entry, fmt.Errorf("failed to fetch %s: %w", sig, err)
	}
	e.storeFetched(sig, data, staleAfter, entities)
	entry, _ = e.cache.Read(sig)
	return entry, nil
}

func (e *Engine) revalidate(sig Signature, staleAfter time.Duration, fetch FetchFunc) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	if _, busy := e.revalidating[sig]; busy {
		e.mu.Unlock()
		return
	}
	e.revalidating[sig] = struct{}{}
	ctx := e.bgCtx
	e.bg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.bg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.revalidating, sig)
			e.mu.Unlock()
		}()
		data, entities, err := fetch(ctx)
		if err != nil {
			// Stale data stays visible.
			e.logger.Warn("Background revalidation failed", "signature", string(sig), "error", err)
			return
		}
		e.storeFetched(sig, data, staleAfter, entities)
	}()
}

// storeFetched writes server data, re-applying queued writes when sig is a single
// entity read so a refetch never hides a write that has not been sent yet.
// replayPending lays unsent writes over the hydrated cache. The last snapshot may
// predate them.
func (e *Engine) replayPending(queue *MutationQueue) {
	byEntity := make(map[string][]MutationRecord)
	var order []string
	for _, rec := range queue.list(func(r *MutationRecord) bool { return r.Kind != KindCustom }) {
		if _, ok := byEntity[rec.TargetEntity]; !ok {
			order = append(order, rec.TargetEntity)
		}
		byEntity[rec.TargetEntity] = append(byEntity[rec.TargetEntity], rec)
	}
	for _, entity := range order {
		sig := EntitySignature(entity)
		existing, found := e.cache.Read(sig)
		staleAfter := e.staleAfter
		if found {
			staleAfter = existing.StaleAfter
		}
		data, deleted, err := overlayPending(existing.Data, byEntity[entity])
		switch {
		case err != nil:
			e.logger.Warn("Failed to replay queued writes", "entity", entity, "error", err)
		case deleted:
			e.cache.Invalidate(sig)
		case data != nil:
			e.cache.Write(sig, data, staleAfter, entity)
		}
	}
}

func (e *Engine) storeFetched(sig Signature, data json.RawMessage, staleAfter time.Duration, entities []string) {
	queue, _, err := e.components()
	if err == nil {
		for _, entity := range entities {
			if sig != EntitySignature(entity) {
				continue
			}
			merged, deleted, oerr := overlayPending(data, queue.Pending(entity))
			if oerr != nil {
				e.logger.Warn("Failed to overlay queued writes", "entity", entity, "error", oerr)
				break
			}
			if deleted {
				e.cache.Write(sig, data, staleAfter, entities...)
				e.cache.Invalidate(sig)
				return
			}
			data = merged
		}
	}
	e.cache.Write(sig, data, staleAfter, entities...)
}
