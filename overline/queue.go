// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MutationState is the lifecycle state of a queued write
type MutationState string

// IsTerminal reports whether no further sends will happen for the record.
func (s MutationState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailedPermanent
}

// MutationInput is what the UI hands to Mutate/Enqueue.
type MutationInput struct {
	TargetEntity string          `json:"target_entity"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// MutationRecord is a durable pending write
type MutationRecord struct {
	ID             string          `json:"id"`  // client-generated UUID, forwarded as the idempotency key
	Seq            int64           `json:"seq"` // enqueue order
	TargetEntity   string          `json:"target_entity"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	LastErrorClass ErrorClass      `json:"last_error_class,omitempty"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitempty"`
	State          MutationState   `json:"state"`
}

// QueueOptions configures a MutationQueue.
type QueueOptions struct {
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     StageMetricsRecorder
	Now         func() time.Time
}

// MutationQueue is the durable ordered list of pending writes. Every record lives under
// its own key (mutation/<seq>), so each state transition is a single atomic Set.
type MutationQueue struct {
	store       DurableStore
	maxAttempts int
	logger      *slog.Logger
	metrics     StageMetricsRecorder
	now         func() time.Time

	mu      sync.Mutex
	records []*MutationRecord // ascending Seq
	byID    map[string]*MutationRecord
	nextSeq int64
}

// OpenMutationQueue restores the queue from store. Records that were in flight when the
// process died are returned to queued: the transport may see them again, and the
// idempotency key makes the resend harmless.
func OpenMutationQueue(ctx context.Context, store DurableStore, opts QueueOptions) (*MutationQueue, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &MutationQueue{
		store:       store,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		byID:        make(map[string]*MutationRecord),
		nextSeq:     1,
	}

	start := time.Now()
	err := q.restore(ctx)
	observe(ctx, q.metrics, StageTiming{Operation: MetricsOpQueue, Stage: MetricsStageRestore,
		Duration: time.Since(start), Count: len(q.records), Error: err != nil})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (q *MutationQueue) restore(ctx context.Context) error {
	keys, err := q.store.Keys(ctx, keyMutationNS)
	if err != nil {
		return storageError("keys", keyMutationNS, err)
	}
	recovered := 0
	for _, key := range keys {
		raw, found, err := q.store.Get(ctx, key)
		if err != nil {
			return storageError("get", key, err)
		}
		if !found {
			continue
		}
		var rec MutationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: failed to decode mutation %s: %w", ErrStorageCorrupt, key, err)
		}
		if key != mutationKey(rec.Seq) {
			return fmt.Errorf("%w: mutation %s stored under %s", ErrStorageCorrupt, rec.ID, key)
		}
		if _, dup := q.byID[rec.ID]; dup {
			return fmt.Errorf("%w: mutation id %s stored twice", ErrStorageCorrupt, rec.ID)
		}
		switch rec.State {
		case StateInFlight:
			rec.State = StateQueued
			if err := q.persist(ctx, &rec); err != nil {
				return err
			}
			recovered++
		case StateSucceeded:
			// Crashed between success and removal; the server already has it.
			if err := q.store.Delete(ctx, key); err != nil {
				return storageError("delete", key, err)
			}
			continue
		}
		r := rec
		q.records = append(q.records, &r)
		q.byID[r.ID] = &r
		if r.Seq >= q.nextSeq {
			q.nextSeq = r.Seq + 1
		}
	}
	slices.SortFunc(q.records, func(a, b *MutationRecord) int { return int(a.Seq - b.Seq) })
	if len(q.records) > 0 {
		q.logger.Info("Restored mutation queue", "records", len(q.records), "recovered_in_flight", recovered)
	}
	return nil
}

// Enqueue persists a new record before returning it. If the store rejects the write
// nothing is queued and the error is returned.
func (q *MutationQueue) Enqueue(ctx context.Context, in MutationInput) (MutationRecord, error) {
	if in.TargetEntity == "" {
		return MutationRecord{}, fmt.Errorf("mutation target entity cannot be empty")
	}
	if !validKind(in.Kind) {
		return MutationRecord{}, fmt.Errorf("unknown mutation kind %q", in.Kind)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return MutationRecord{}, fmt.Errorf("mutation payload is not valid JSON")
	}

	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := &MutationRecord{
		ID:           uuid.New().String(),
		Seq:          q.nextSeq,
		TargetEntity: in.TargetEntity,
		Kind:         in.Kind,
		Payload:      slices.Clone(in.Payload),
		CreatedAt:    q.now().UTC(),
		State:        StateQueued,
	}
	err := q.persist(ctx, rec)
	observe(ctx, q.metrics, StageTiming{Operation: MetricsOpQueue, Stage: MetricsStageEnqueue,
		Duration: time.Since(start), Count: 1, Error: err != nil})
	if err != nil {
		return MutationRecord{}, err
	}
	q.nextSeq++
	q.records = append(q.records, rec)
	q.byID[rec.ID] = rec
	return cloneRecord(rec), nil
}

// PeekNext returns the oldest queued record, optionally for one entity, whose entity
// has no earlier record still queued or in flight.
func (q *MutationQueue) PeekNext(entity string) (MutationRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec := q.nextLocked(entity, time.Time{}, 0, 0, nil)
	if rec == nil {
		return MutationRecord{}, false
	}
	return cloneRecord(rec), true
}

// nextReady is PeekNext for the orchestrator: it also skips records still backing off
// and entities blocked for the current session.
func (q *MutationQueue) nextReady(now time.Time, minDelay, maxDelay time.Duration, blocked map[string]struct{}) (MutationRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec := q.nextLocked("", now, minDelay, maxDelay, blocked)
	if rec == nil {
		return MutationRecord{}, false
	}
	return cloneRecord(rec), true
}

func (q *MutationQueue) nextLocked(entity string, now time.Time, minDelay, maxDelay time.Duration, blocked map[string]struct{}) *MutationRecord {
	// Entities whose head record is not terminal; later records for them must wait.
	held := make(map[string]struct{})
	for _, rec := range q.records {
		if entity != "" && rec.TargetEntity != entity {
			continue
		}
		if _, ok := held[rec.TargetEntity]; ok {
			continue
		}
		if rec.State.IsTerminal() {
			continue
		}
		held[rec.TargetEntity] = struct{}{}
		if rec.State != StateQueued {
			continue
		}
		if _, ok := blocked[rec.TargetEntity]; ok {
			continue
		}
		if !now.IsZero() && now.Before(NextAttemptAt(*rec, minDelay, maxDelay)) {
			continue
		}
		return rec
	}
	return nil
}

// earliestRetry returns the soonest time a backed-off queued record becomes due.
func (q *MutationQueue) earliestRetry(minDelay, maxDelay time.Duration) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var earliest time.Time
	for _, rec := range q.records {
		if rec.State != StateQueued || rec.Attempts == 0 {
			continue
		}
		at := NextAttemptAt(*rec, minDelay, maxDelay)
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest, !earliest.IsZero()
}

// MarkInFlight moves a queued record to in_flight. Sending a record whose entity has
// an earlier non-terminal record is refused with ErrInvariant.
func (q *MutationQueue) MarkInFlight(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	if rec.State != StateQueued {
		return fmt.Errorf("%w: mutation %s is %s, want %s", ErrInvalidState, id, rec.State, StateQueued)
	}
	for _, other := range q.records {
		if other.Seq >= rec.Seq {
			break
		}
		if other.TargetEntity == rec.TargetEntity && !other.State.IsTerminal() {
			return fmt.Errorf("%w: mutation %s would overtake %s on entity %s", ErrInvariant, id, other.ID, rec.TargetEntity)
		}
	}
	updated := *rec
	updated.State = StateInFlight
	updated.LastAttemptAt = q.now().UTC()
	if err := q.persist(ctx, &updated); err != nil {
		return err
	}
	*rec = updated
	return nil
}

// MarkSucceeded removes an in-flight record from the queue and the store.
func (q *MutationQueue) MarkSucceeded(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	if rec.State != StateInFlight {
		return fmt.Errorf("%w: mutation %s is %s, want %s", ErrInvalidState, id, rec.State, StateInFlight)
	}
	if err := q.store.Delete(ctx, mutationKey(rec.Seq)); err != nil {
		return storageError("delete", mutationKey(rec.Seq), err)
	}
	q.removeLocked(rec)
	return nil
}

// MarkFailed records a failed send and returns the resulting state. Non-retryable
// errors end the record immediately; transient errors return it to queued until the
// retry budget is spent. Invariant violations return it to queued without using an
// attempt.
func (q *MutationQueue) MarkFailed(ctx context.Context, id string, sendErr error) (MutationState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.byID[id]
	if !ok {
		return "", fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	if rec.State != StateInFlight {
		return rec.State, fmt.Errorf("%w: mutation %s is %s, want %s", ErrInvalidState, id, rec.State, StateInFlight)
	}

	updated := *rec
	updated.LastError = errorText(sendErr)
	switch {
	case errors.Is(sendErr, ErrInvariant):
		updated.State = StateQueued
		updated.LastErrorClass = ""
	default:
		updated.Attempts++
		updated.LastErrorClass = ClassifyError(sendErr)
		if updated.LastErrorClass == ErrorClassNonRetryable || updated.Attempts >= q.maxAttempts {
			updated.State = StateFailedPermanent
		} else {
			updated.State = StateQueued
		}
	}
	if err := q.persist(ctx, &updated); err != nil {
		return rec.State, err
	}
	*rec = updated
	return rec.State, nil
}

// release returns an in-flight record to queued without spending an attempt. Used when
// a send was cut short by shutdown rather than answered by the server.
func (q *MutationQueue) release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	if rec.State != StateInFlight {
		return nil
	}
	updated := *rec
	updated.State = StateQueued
	if err := q.persist(ctx, &updated); err != nil {
		return err
	}
	*rec = updated
	return nil
}

// revert returns an in-flight record to queued in memory after a state change failed to
// persist. The stored copy still reads in_flight, which restore resets the same way.
func (q *MutationQueue) revert(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.byID[id]; ok && rec.State == StateInFlight {
		rec.State = StateQueued
	}
}

// ListFailedPermanent returns records awaiting manual retry or discard, oldest first.
func (q *MutationQueue) ListFailedPermanent() []MutationRecord {
	return q.list(func(r *MutationRecord) bool { return r.State == StateFailedPermanent })
}

// ListQueued returns records still waiting to be sent, oldest first.
func (q *MutationQueue) ListQueued() []MutationRecord {
	return q.list(func(r *MutationRecord) bool { return r.State == StateQueued || r.State == StateInFlight })
}

// Pending returns queued and in-flight records for one entity, oldest first.
func (q *MutationQueue) Pending(entity string) []MutationRecord {
	return q.list(func(r *MutationRecord) bool {
		return r.TargetEntity == entity && !r.State.IsTerminal()
	})
}

func (q *MutationQueue) list(keep func(*MutationRecord) bool) []MutationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []MutationRecord
	for _, rec := range q.records {
		if keep(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// Get returns a record by id.
func (q *MutationQueue) Get(id string) (MutationRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.byID[id]
	if !ok {
		return MutationRecord{}, false
	}
	return cloneRecord(rec), true
}

// Len returns the number of records that are not yet removed.
func (q *MutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Discard removes a failed_permanent record at the user's request.
func (q *MutationQueue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	if rec.State != StateFailedPermanent {
		return fmt.Errorf("%w: only %s mutations can be discarded, %s is %s", ErrInvalidState, StateFailedPermanent, id, rec.State)
	}
	if err := q.store.Delete(ctx, mutationKey(rec.Seq)); err != nil {
		return storageError("delete", mutationKey(rec.Seq), err)
	}
	q.removeLocked(rec)
	return nil
}

// Requeue gives a failed_permanent record a fresh retry budget. It keeps its original
// position, so per-entity order is unchanged.
func (q *MutationQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: mutation %s", ErrNotFound, id)
	}
	if rec.State != StateFailedPermanent {
		return fmt.Errorf("%w: only %s mutations can be retried, %s is %s", ErrInvalidState, StateFailedPermanent, id, rec.State)
	}
	updated := *rec
	updated.State = StateQueued
	updated.Attempts = 0
	updated.LastAttemptAt = time.Time{}
	if err := q.persist(ctx, &updated); err != nil {
		return err
	}
	*rec = updated
	return nil
}

func (q *MutationQueue) persist(ctx context.Context, rec *MutationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode mutation %s: %w", rec.ID, err)
	}
	key := mutationKey(rec.Seq)
	if err := q.store.Set(ctx, key, raw); err != nil {
		return storageError("set", key, err)
	}
	return nil
}

func (q *MutationQueue) removeLocked(rec *MutationRecord) {
	delete(q.byID, rec.ID)
	q.records = slices.DeleteFunc(q.records, func(r *MutationRecord) bool { return r == rec })
}

// mutationKey zero-pads seq so lexical key order equals enqueue order.
func mutationKey(seq int64) string {
	s := strconv.FormatInt(seq, 10)
	return keyMutationNS + strings.Repeat("0", 20-len(s)) + s
}

func cloneRecord(rec *MutationRecord) MutationRecord {
	out := *rec
	out.Payload = slices.Clone(rec.Payload)
	return out
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
