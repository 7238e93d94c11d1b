// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// cacheSnapshot is the persisted form of a QueryCache.
type cacheSnapshot struct {
	Version int          `json:"version"`
	TakenAt time.Time    `json:"taken_at"`
	Entries []CacheEntry `json:"entries"`
}

const cacheSnapshotFormat = 1

// CachePersister snapshots a QueryCache into a DurableStore and restores it on cold start.
//
// A snapshot is written to a fresh shadow key, then the pointer key is switched to it in a
// single Set, then the previous snapshot is deleted. Readers only follow the pointer, so a
// crash at any point leaves either the old or the new snapshot current, never a partial one.
type CachePersister struct {
	store    DurableStore
	cache    *QueryCache
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	metrics  StageMetricsRecorder
	now      func() time.Time

	snapMu       sync.Mutex // serializes Snapshot calls
	lastVersion  uint64
	haveSnapshot bool

	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCachePersister creates a persister. interval is the coalescing window for
// timer-driven snapshots; maxAge (may be 0) prunes long-stale entries before each snapshot.
func NewCachePersister(store DurableStore, cache *QueryCache, interval, maxAge time.Duration, logger *slog.Logger) *CachePersister {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultConfig().SnapshotInterval
	}
	return &CachePersister{
		store:    store,
		cache:    cache,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
		now:      time.Now,
	}
}

// Hydrate restores the cache from the current snapshot. A missing pointer means
// an empty cache; a pointer to a missing or undecodable snapshot is corruption.
func (p *CachePersister) Hydrate(ctx context.Context) error {
	start := time.Now()
	err := p.hydrate(ctx)
	observe(ctx, p.metrics, StageTiming{Operation: MetricsOpCache, Stage: MetricsStageHydrate,
		Duration: time.Since(start), Count: p.cache.Len(), Error: err != nil})
	return err
}

func (p *CachePersister) hydrate(ctx context.Context) error {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()

	pointer, found, err := p.store.Get(ctx, keyCachePointer)
	if err != nil {
		return storageError("get", keyCachePointer, err)
	}
	current := ""
	if found {
		current = string(pointer)
		raw, ok, err := p.store.Get(ctx, current)
		if err != nil {
			return storageError("get", current, err)
		}
		if !ok {
			return fmt.Errorf("%w: cache pointer references missing snapshot %s", ErrStorageCorrupt, current)
		}
		var snap cacheSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("%w: failed to decode cache snapshot %s: %w", ErrStorageCorrupt, current, err)
		}
		if snap.Version != cacheSnapshotFormat {
			return fmt.Errorf("%w: unsupported cache snapshot format %d", ErrStorageCorrupt, snap.Version)
		}
		if err := p.cache.Load(snap.Entries); err != nil {
			return err
		}
		p.logger.Debug("Hydrated query cache", "entries", len(snap.Entries), "taken_at", snap.TakenAt)
	}
	p.lastVersion = p.cache.Version()
	p.haveSnapshot = found

	// Shadows left by a crash between shadow write and pointer swap are unreachable.
	keys, err := p.store.Keys(ctx, keyCacheSnapshotNS)
	if err != nil {
		return storageError("keys", keyCacheSnapshotNS, err)
	}
	for _, key := range keys {
		if key == current {
			continue
		}
		if err := p.store.Delete(ctx, key); err != nil {
			p.logger.Warn("Failed to delete orphaned cache snapshot", "key", key, "error", err)
		}
	}
	return nil
}

// Snapshot serializes the whole cache into the store.
func (p *CachePersister) Snapshot(ctx context.Context) error {
	start := time.Now()
	n, err := p.snapshot(ctx, true)
	observe(ctx, p.metrics, StageTiming{Operation: MetricsOpCache, Stage: MetricsStageSnapshot,
		Duration: time.Since(start), Count: n, Error: err != nil})
	return err
}

// snapshot writes a snapshot; when force is false it skips a clean cache.
func (p *CachePersister) snapshot(ctx context.Context, force bool) (int, error) {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()

	if p.maxAge > 0 {
		p.cache.Prune(p.now(), p.maxAge)
	}
	version := p.cache.Version()
	if !force && p.haveSnapshot && version == p.lastVersion {
		return 0, nil
	}

	snap := cacheSnapshot{
		Version: cacheSnapshotFormat,
		TakenAt: p.now().UTC(),
		Entries: p.cache.Entries(),
	}
	raw, err := json.Marshal(&snap)
	if err != nil {
		return 0, fmt.Errorf("failed to encode cache snapshot: %w", err)
	}

	previous, hadPrevious, err := p.store.Get(ctx, keyCachePointer)
	if err != nil {
		return 0, storageError("get", keyCachePointer, err)
	}

	shadow := keyCacheSnapshotNS + uuid.New().String()
	if err := p.store.Set(ctx, shadow, raw); err != nil {
		return 0, storageError("set", shadow, err)
	}
	if err := p.store.Set(ctx, keyCachePointer, []byte(shadow)); err != nil {
		// The pointer still references the previous snapshot; the shadow is an orphan.
		if delErr := p.store.Delete(ctx, shadow); delErr != nil {
			p.logger.Warn("Failed to delete unpublished cache snapshot", "key", shadow, "error", delErr)
		}
		return 0, storageError("set", keyCachePointer, err)
	}
	if hadPrevious && strings.HasPrefix(string(previous), keyCacheSnapshotNS) {
		if err := p.store.Delete(ctx, string(previous)); err != nil {
			// Hydrate sweeps it later.
			p.logger.Warn("Failed to delete previous cache snapshot", "key", string(previous), "error", err)
		}
	}

	p.lastVersion = version
	p.haveSnapshot = true
	return len(snap.Entries), nil
}

// Start begins coalesced timer-driven snapshots: at most one per interval, and only
// when the cache changed since the last snapshot.
func (p *CachePersister) Start(ctx context.Context) {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(loopCtx)
	}()
}

func (p *CachePersister) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := p.snapshot(ctx, false)
			if err != nil {
				p.logger.Error("Periodic cache snapshot failed", "error", err)
			}
			if n > 0 || err != nil {
				observe(ctx, p.metrics, StageTiming{Operation: MetricsOpCache, Stage: MetricsStageSnapshot,
					Duration: time.Since(start), Count: n, Error: err != nil})
			}
		}
	}
}

// Stop ends the timer loop and writes a final snapshot if the cache changed.
func (p *CachePersister) Stop(ctx context.Context) error {
	p.loopMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.loopMu.Unlock()
	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
	_, err := p.snapshot(ctx, false)
	return err
}
