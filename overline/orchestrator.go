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

	"github.com/google/uuid"
)

// Trigger names what started a drain session.
type Trigger string

// DrainState is the orchestrator's coarse state.
type DrainState string

// SyncSession is the audit record of one drain pass.
type SyncSession struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	Trigger        Trigger   `json:"trigger"`
	ProcessedCount int       `json:"processed_count"` // records that reached succeeded
	FailedCount    int       `json:"failed_count"`    // records that reached failed_permanent
	RetriedCount   int       `json:"retried_count"`   // transient failures returned to queued
	Outcome        string    `json:"outcome"`
	Aborted        bool      `json:"aborted,omitempty"` // stopped early: offline or shut down
	StorageErrors  int       `json:"storage_errors,omitempty"`
}

// OrchestratorDeps wires a SyncOrchestrator.
type OrchestratorDeps struct {
	Queue      *MutationQueue
	Transport  Transport
	Network    *NetworkMonitor // nil means always connected
	Reconciler Reconciler      // nil means results are not folded into a cache
	Store      DurableStore    // session log; optional
	Config     *Config
	Logger     *slog.Logger
	Metrics    StageMetricsRecorder
	Sessions   SessionRecorder
}

// SyncOrchestrator drains the mutation queue through the transport. Only one drain runs
// at a time; a drain requested meanwhile is folded into one extra pass after the current one.
type SyncOrchestrator struct {
	queue      *MutationQueue
	transport  Transport
	network    *NetworkMonitor
	reconciler Reconciler
	store      DurableStore
	cfg        *Config
	logger     *slog.Logger
	metrics    StageMetricsRecorder
	sessions   SessionRecorder
	now        func() time.Time

	ctx    context.Context // parent of triggered drains; cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        DrainState
	draining     bool
	rerun        bool
	rerunTrigger Trigger
	closed       bool
	retryTimer   *time.Timer
	unsubNet     func()
	subs         map[int64]func(SyncSession)
	nextSubID    int64

	logMu sync.Mutex // serializes session log read-modify-write
}

func NewSyncOrchestrator(deps OrchestratorDeps) (*SyncOrchestrator, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("mutation queue is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &SyncOrchestrator{
		queue:      deps.Queue,
		transport:  deps.Transport,
		network:    deps.Network,
		reconciler: deps.Reconciler,
		store:      deps.Store,
		cfg:        deps.Config.withDefaults(),
		logger:     logger,
		metrics:    deps.Metrics,
		sessions:   deps.Sessions,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		state:      DrainIdle,
		subs:       make(map[int64]func(SyncSession)),
	}
	if o.network != nil {
		o.unsubNet = o.network.OnChange(o.onNetworkChange)
	}
	return o, nil
}

func (o *SyncOrchestrator) onNetworkChange(state NetworkState) {
	if state.Connected {
		o.Trigger(TriggerNetworkRestored)
		return
	}
	// Backed-off records wait for the next network_restored drain instead.
	o.mu.Lock()
	o.stopRetryLocked()
	o.mu.Unlock()
}

// State reports whether a drain is running.
func (o *SyncOrchestrator) State() DrainState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// OnSession registers cb for every finished session.
func (o *SyncOrchestrator) OnSession(cb func(SyncSession)) (unsubscribe func()) {
	o.mu.Lock()
	o.nextSubID++
	id := o.nextSubID
	o.subs[id] = cb
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Trigger starts a drain on a background goroutine and returns immediately.
func (o *SyncOrchestrator) Trigger(trigger Trigger) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		if _, err := o.Drain(o.ctx, trigger); err != nil && !errors.Is(err, ErrInvalidState) {
			o.logger.Error("Triggered drain failed", "trigger", trigger, "error", err)
		}
	}()
}

// Drain runs a session and returns it. When a drain is already running the request is
// coalesced into it and Drain returns (nil, nil).
func (o *SyncOrchestrator) Drain(ctx context.Context, trigger Trigger) (*SyncSession, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: orchestrator closed", ErrInvalidState)
	}
	if o.draining {
		o.rerun = true
		o.rerunTrigger = trigger
		o.mu.Unlock()
		o.logger.Debug("Drain already running; coalesced", "trigger", trigger)
		return nil, nil
	}
	o.draining = true
	o.state = DrainDraining
	o.stopRetryLocked()
	o.mu.Unlock()

	var last *SyncSession
	for {
		last = o.runSession(ctx, trigger)
		o.finishSession(ctx, last)

		o.mu.Lock()
		if o.rerun && !o.closed && ctx.Err() == nil {
			o.rerun = false
			trigger = o.rerunTrigger
			o.mu.Unlock()
			continue
		}
		o.rerun = false
		o.draining = false
		o.state = DrainIdle
		o.mu.Unlock()
		break
	}

	o.scheduleRetry()
	return last, nil
}

func (o *SyncOrchestrator) connected() bool {
	return o.network == nil || o.network.Connected()
}

func (o *SyncOrchestrator) runSession(ctx context.Context, trigger Trigger) *SyncSession {
	sess := &SyncSession{
		ID:        uuid.New().String(),
		StartedAt: o.now().UTC(),
		Trigger:   trigger,
	}
	o.logger.Debug("Sync session started", "session_id", sess.ID, "trigger", trigger, "queued", o.queue.Len())

	// Entities with a record that failed or errored in this session; later records for
	// them wait for the next session.
	blocked := make(map[string]struct{})
	for {
		if ctx.Err() != nil {
			sess.Aborted = true
			break
		}
		rec, ok := o.queue.nextReady(o.now(), o.cfg.BackoffMin, o.cfg.BackoffMax, blocked)
		if !ok {
			break
		}
		if !o.connected() {
			o.logger.Info("Connectivity lost; stopping drain", "session_id", sess.ID)
			sess.Aborted = true
			break
		}
		o.process(ctx, sess, rec, blocked)
	}
	return sess
}

func (o *SyncOrchestrator) process(ctx context.Context, sess *SyncSession, rec MutationRecord, blocked map[string]struct{}) {
	logger := o.logger.With("session_id", sess.ID, "mutation_id", rec.ID, "entity", rec.TargetEntity)

	if err := o.queue.MarkInFlight(ctx, rec.ID); err != nil {
		logger.Error("Failed to mark mutation in flight", "error", err)
		if errors.Is(err, ErrStorage) {
			sess.StorageErrors++
		}
		blocked[rec.TargetEntity] = struct{}{}
		return
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	result, err := o.transport.Send(sendCtx, requestFor(rec))
	cancel()
	observe(ctx, o.metrics, StageTiming{Operation: MetricsOpDrain, Stage: MetricsStageSend,
		Duration: time.Since(start), Count: 1, Attempt: rec.Attempts + 1, Error: err != nil})

	if err != nil {
		o.handleSendError(ctx, sess, rec, err, blocked, logger)
		return
	}
	if o.network != nil {
		o.network.RecordSendSuccess()
	}

	if o.reconciler != nil {
		rstart := time.Now()
		rerr := o.reconciler.Reconcile(ctx, rec, result)
		observe(ctx, o.metrics, StageTiming{Operation: MetricsOpDrain, Stage: MetricsStageReconcile,
			Duration: time.Since(rstart), Count: 1, Error: rerr != nil})
		if rerr != nil {
			logger.Error("Failed to reconcile mutation result; returning to queue", "error", rerr)
			if _, err := o.queue.MarkFailed(ctx, rec.ID, fmt.Errorf("%w: reconcile: %w", ErrInvariant, rerr)); err != nil {
				logger.Error("Failed to requeue mutation", "error", err)
				o.queue.revert(rec.ID)
				sess.StorageErrors++
			}
			blocked[rec.TargetEntity] = struct{}{}
			return
		}
	}

	if err := o.queue.MarkSucceeded(ctx, rec.ID); err != nil {
		// The idempotency key absorbs the resend next session.
		logger.Error("Failed to mark mutation succeeded", "error", err)
		o.queue.revert(rec.ID)
		sess.StorageErrors++
		blocked[rec.TargetEntity] = struct{}{}
		return
	}
	sess.ProcessedCount++
	logger.Debug("Mutation delivered", "attempt", rec.Attempts+1, "replayed", result.Replayed)
}

func (o *SyncOrchestrator) handleSendError(ctx context.Context, sess *SyncSession, rec MutationRecord, sendErr error,
	blocked map[string]struct{}, logger *slog.Logger) {
	blocked[rec.TargetEntity] = struct{}{}

	if ctx.Err() != nil {
		// Shutdown interrupted the send; it does not count against the retry budget.
		if err := o.queue.release(context.WithoutCancel(ctx), rec.ID); err != nil {
			logger.Error("Failed to release interrupted mutation", "error", err)
			o.queue.revert(rec.ID)
		}
		return
	}

	class := ClassifyError(sendErr)
	if class == ErrorClassTransient && o.network != nil {
		o.network.RecordSendFailure()
	}
	state, err := o.queue.MarkFailed(ctx, rec.ID, sendErr)
	if err != nil {
		logger.Error("Failed to record mutation failure", "error", err, "send_error", sendErr)
		o.queue.revert(rec.ID)
		sess.StorageErrors++
		return
	}
	if state == StateFailedPermanent {
		sess.FailedCount++
		logger.Warn("Mutation failed permanently", "error", sendErr, "class", class, "attempts", rec.Attempts+1)
		return
	}
	sess.RetriedCount++
	logger.Info("Mutation send failed; will retry", "error", sendErr, "attempts", rec.Attempts+1,
		"retry_in", BackoffDelay(rec.ID, rec.Attempts+1, o.cfg.BackoffMin, o.cfg.BackoffMax))
}

func (o *SyncOrchestrator) finishSession(ctx context.Context, sess *SyncSession) {
	sess.EndedAt = o.now().UTC()
	sess.Outcome = OutcomeSucceeded
	if sess.FailedCount > 0 {
		sess.Outcome = OutcomePartiallyFailed
	}

	o.logger.Info("Sync session finished",
		"session_id", sess.ID,
		"trigger", sess.Trigger,
		"outcome", sess.Outcome,
		"processed", sess.ProcessedCount,
		"failed", sess.FailedCount,
		"retried", sess.RetriedCount,
		"aborted", sess.Aborted,
		"storage_errors", sess.StorageErrors,
		"duration", sess.EndedAt.Sub(sess.StartedAt))
	observe(ctx, o.metrics, StageTiming{Operation: MetricsOpDrain, Stage: MetricsStageSession,
		Duration: sess.EndedAt.Sub(sess.StartedAt), Count: sess.ProcessedCount, Error: sess.FailedCount > 0})
	if o.sessions != nil {
		o.sessions.ObserveSession(ctx, *sess)
	}
	if err := o.appendSessionLog(context.WithoutCancel(ctx), *sess); err != nil {
		o.logger.Warn("Failed to append sync session log", "session_id", sess.ID, "error", err)
	}

	o.mu.Lock()
	subs := make([]func(SyncSession), 0, len(o.subs))
	for _, cb := range o.subs {
		subs = append(subs, cb)
	}
	o.mu.Unlock()
	for _, cb := range subs {
		cb(*sess)
	}
}

func (o *SyncOrchestrator) appendSessionLog(ctx context.Context, sess SyncSession) error {
	if o.store == nil {
		return nil
	}
	o.logMu.Lock()
	defer o.logMu.Unlock()
	sessions, err := readSessionLog(ctx, o.store)
	if err != nil {
		// A corrupt log is replaced rather than blocking future audits.
		o.logger.Warn("Discarding unreadable sync session log", "error", err)
		sessions = nil
	}
	sessions = append(sessions, sess)
	if n := len(sessions) - o.cfg.SessionLogSize; n > 0 {
		sessions = sessions[n:]
	}
	raw, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to encode sync session log: %w", err)
	}
	if err := o.store.Set(ctx, keySessionLog, raw); err != nil {
		return storageError("set", keySessionLog, err)
	}
	return nil
}

// RecentSessions returns the durable session log, oldest first.
func (o *SyncOrchestrator) RecentSessions(ctx context.Context) ([]SyncSession, error) {
	if o.store == nil {
		return nil, nil
	}
	o.logMu.Lock()
	defer o.logMu.Unlock()
	return readSessionLog(ctx, o.store)
}

func readSessionLog(ctx context.Context, store DurableStore) ([]SyncSession, error) {
	raw, found, err := store.Get(ctx, keySessionLog)
	if err != nil {
		return nil, storageError("get", keySessionLog, err)
	}
	if !found {
		return nil, nil
	}
	var sessions []SyncSession
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, fmt.Errorf("%w: failed to decode sync session log: %w", ErrStorageCorrupt, err)
	}
	return sessions, nil
}

// scheduleRetry arms a timer for the earliest backed-off record, if any.
func (o *SyncOrchestrator) scheduleRetry() {
	if !o.connected() {
		return
	}
	due, ok := o.queue.earliestRetry(o.cfg.BackoffMin, o.cfg.BackoffMax)
	if !ok {
		return
	}
	delay := due.Sub(o.now())
	if delay < 0 {
		delay = 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.draining {
		return
	}
	o.stopRetryLocked()
	o.retryTimer = time.AfterFunc(delay, func() { o.Trigger(TriggerRetryTimer) })
	o.logger.Debug("Retry scheduled", "in", delay)
}

func (o *SyncOrchestrator) stopRetryLocked() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
}

// Wait blocks until every triggered drain has returned.
func (o *SyncOrchestrator) Wait() {
	o.wg.Wait()
}

// Close stops the retry timer, detaches from the network monitor and cancels triggered
// drains. A drain cut short leaves its remaining records queued. Call Wait afterwards.
func (o *SyncOrchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopRetryLocked()
	unsub := o.unsubNet
	o.unsubNet = nil
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	o.cancel()
}
