package overline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openQueue(t *testing.T, store DurableStore, maxAttempts int) *MutationQueue {
	t.Helper()
	q, err := OpenMutationQueue(context.Background(), store, QueueOptions{MaxAttempts: maxAttempts})
	require.NoError(t, err)
	return q
}

func enqueue(t *testing.T, q *MutationQueue, entity, kind, payload string) MutationRecord {
	t.Helper()
	rec, err := q.Enqueue(context.Background(), MutationInput{TargetEntity: entity, Kind: kind, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	return rec
}

func TestQueueEnqueueValidation(t *testing.T) {
	q := openQueue(t, newMemStore(), 3)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, MutationInput{Kind: KindCreate})
	require.Error(t, err)
	_, err = q.Enqueue(ctx, MutationInput{TargetEntity: "a", Kind: "upsert"})
	require.Error(t, err)
	_, err = q.Enqueue(ctx, MutationInput{TargetEntity: "a", Kind: KindUpdate, Payload: json.RawMessage(`{bad`)})
	require.Error(t, err)
	require.Zero(t, q.Len())
}

func TestQueueEnqueueIsDurableAcrossRestart(t *testing.T) {
	store := newMemStore()
	q := openQueue(t, store, 3)
	a := enqueue(t, q, "case-1", KindCreate, `{"title":"a"}`)
	b := enqueue(t, q, "case-2", KindUpdate, `{"title":"b"}`)
	require.NotEqual(t, a.ID, b.ID)
	require.Less(t, a.Seq, b.Seq)

	// Simulated crash: a fresh queue over the same store.
	q2 := openQueue(t, store, 3)
	queued := q2.ListQueued()
	require.Len(t, queued, 2)
	require.Equal(t, a.ID, queued[0].ID)
	require.Equal(t, b.ID, queued[1].ID)
	require.JSONEq(t, `{"title":"a"}`, string(queued[0].Payload))

	c := enqueue(t, q2, "case-1", KindUpdate, `{}`)
	require.Greater(t, c.Seq, b.Seq, "sequence continues after restart")
}

func TestQueueEnqueueStorageFailureQueuesNothing(t *testing.T) {
	store := newFaultStore()
	q := openQueue(t, store, 3)
	store.setFailSet(func(string) bool { return true })

	_, err := q.Enqueue(context.Background(), MutationInput{TargetEntity: "case-1", Kind: KindCreate})
	require.True(t, errors.Is(err, ErrStorage))
	require.Zero(t, q.Len())

	store.setFailSet(nil)
	q2 := openQueue(t, store.memStore, 3)
	require.Zero(t, q2.Len())
}

func TestQueueRestoreResetsInFlight(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	q := openQueue(t, store, 3)
	rec := enqueue(t, q, "case-1", KindCreate, `{}`)
	require.NoError(t, q.MarkInFlight(ctx, rec.ID))

	q2 := openQueue(t, store, 3)
	got, ok := q2.Get(rec.ID)
	require.True(t, ok)
	require.Equal(t, StateQueued, got.State)
	require.Zero(t, got.Attempts)
}

func TestQueuePerEntityFIFO(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, newMemStore(), 3)
	a1 := enqueue(t, q, "A", KindCreate, `{}`)
	a2 := enqueue(t, q, "A", KindUpdate, `{}`)
	b1 := enqueue(t, q, "B", KindCreate, `{}`)

	next, ok := q.PeekNext("")
	require.True(t, ok)
	require.Equal(t, a1.ID, next.ID)

	require.NoError(t, q.MarkInFlight(ctx, a1.ID))
	next, ok = q.PeekNext("")
	require.True(t, ok)
	require.Equal(t, b1.ID, next.ID, "A2 waits behind in-flight A1")

	_, ok = q.PeekNext("A")
	require.False(t, ok)

	err := q.MarkInFlight(ctx, a2.ID)
	require.True(t, errors.Is(err, ErrInvalidState) || errors.Is(err, ErrInvariant))

	require.NoError(t, q.MarkSucceeded(ctx, a1.ID))
	next, ok = q.PeekNext("A")
	require.True(t, ok)
	require.Equal(t, a2.ID, next.ID)
}

func TestQueueMarkInFlightRefusesToOvertake(t *testing.T) {
	q := openQueue(t, newMemStore(), 3)
	enqueue(t, q, "A", KindCreate, `{}`)
	a2 := enqueue(t, q, "A", KindUpdate, `{}`)
	err := q.MarkInFlight(context.Background(), a2.ID)
	require.True(t, errors.Is(err, ErrInvariant))
}

func TestQueueMarkFailedTransientThenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	q := openQueue(t, store, 2)
	rec := enqueue(t, q, "A", KindCreate, `{}`)

	require.NoError(t, q.MarkInFlight(ctx, rec.ID))
	state, err := q.MarkFailed(ctx, rec.ID, Transient(fmt.Errorf("timeout")))
	require.NoError(t, err)
	require.Equal(t, StateQueued, state)
	got, _ := q.Get(rec.ID)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, ErrorClassTransient, got.LastErrorClass)
	require.Contains(t, got.LastError, "timeout")
	require.False(t, got.LastAttemptAt.IsZero())

	require.NoError(t, q.MarkInFlight(ctx, rec.ID))
	state, err = q.MarkFailed(ctx, rec.ID, Transient(fmt.Errorf("timeout")))
	require.NoError(t, err)
	require.Equal(t, StateFailedPermanent, state)

	// failed_permanent is durable and does not block later records of the entity.
	q2 := openQueue(t, store, 2)
	require.Len(t, q2.ListFailedPermanent(), 1)
	later := enqueue(t, q2, "A", KindUpdate, `{}`)
	next, ok := q2.PeekNext("A")
	require.True(t, ok)
	require.Equal(t, later.ID, next.ID)
}

func TestQueueMarkFailedNonRetryableIsImmediate(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, newMemStore(), 5)
	rec := enqueue(t, q, "A", KindCreate, `{}`)
	require.NoError(t, q.MarkInFlight(ctx, rec.ID))
	state, err := q.MarkFailed(ctx, rec.ID, &TransportError{Class: ErrorClassNonRetryable, StatusCode: 400, Err: fmt.Errorf("bad request")})
	require.NoError(t, err)
	require.Equal(t, StateFailedPermanent, state)
	got, _ := q.Get(rec.ID)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, ErrorClassNonRetryable, got.LastErrorClass)
}

func TestQueueMarkFailedInvariantKeepsBudget(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, newMemStore(), 1)
	rec := enqueue(t, q, "A", KindCreate, `{}`)
	require.NoError(t, q.MarkInFlight(ctx, rec.ID))
	state, err := q.MarkFailed(ctx, rec.ID, fmt.Errorf("%w: reconcile", ErrInvariant))
	require.NoError(t, err)
	require.Equal(t, StateQueued, state)
	got, _ := q.Get(rec.ID)
	require.Zero(t, got.Attempts)
}

func TestQueueSucceededIsRemovedFromStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	q := openQueue(t, store, 3)
	rec := enqueue(t, q, "A", KindCreate, `{}`)
	require.NoError(t, q.MarkInFlight(ctx, rec.ID))
	require.NoError(t, q.MarkSucceeded(ctx, rec.ID))
	require.Zero(t, q.Len())

	keys, err := store.Keys(ctx, keyMutationNS)
	require.NoError(t, err)
	require.Empty(t, keys)

	err = q.MarkSucceeded(ctx, rec.ID)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestQueueDiscardAndRequeue(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, newMemStore(), 1)
	a := enqueue(t, q, "A", KindCreate, `{}`)
	b := enqueue(t, q, "B", KindCreate, `{}`)

	require.True(t, errors.Is(q.Discard(ctx, a.ID), ErrInvalidState), "queued records cannot be discarded")

	for _, id := range []string{a.ID, b.ID} {
		require.NoError(t, q.MarkInFlight(ctx, id))
		_, err := q.MarkFailed(ctx, id, NonRetryable(fmt.Errorf("rejected")))
		require.NoError(t, err)
	}
	require.Len(t, q.ListFailedPermanent(), 2)

	require.NoError(t, q.Discard(ctx, a.ID))
	_, ok := q.Get(a.ID)
	require.False(t, ok)

	require.NoError(t, q.Requeue(ctx, b.ID))
	got, _ := q.Get(b.ID)
	require.Equal(t, StateQueued, got.State)
	require.Zero(t, got.Attempts)
	require.Empty(t, q.ListFailedPermanent())
}

func TestQueueNextReadyHonorsBackoffAndBlocked(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	q, err := OpenMutationQueue(ctx, newMemStore(), QueueOptions{MaxAttempts: 5, Now: clock.Now})
	require.NoError(t, err)

	a := enqueue(t, q, "A", KindCreate, `{}`)
	b := enqueue(t, q, "B", KindCreate, `{}`)
	require.NoError(t, q.MarkInFlight(ctx, a.ID))
	_, err = q.MarkFailed(ctx, a.ID, Transient(fmt.Errorf("503")))
	require.NoError(t, err)

	minDelay, maxDelay := time.Second, time.Minute
	next, ok := q.nextReady(clock.Now(), minDelay, maxDelay, nil)
	require.True(t, ok)
	require.Equal(t, b.ID, next.ID, "A is backing off")

	_, ok = q.nextReady(clock.Now(), minDelay, maxDelay, map[string]struct{}{"B": {}})
	require.False(t, ok)

	due, ok := q.earliestRetry(minDelay, maxDelay)
	require.True(t, ok)
	clock.Advance(due.Sub(clock.Now()))
	next, ok = q.nextReady(clock.Now(), minDelay, maxDelay, map[string]struct{}{"B": {}})
	require.True(t, ok)
	require.Equal(t, a.ID, next.ID)
}

func TestQueueRestoreRejectsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.Set(ctx, mutationKey(1), []byte("{oops")))
	_, err := OpenMutationQueue(ctx, store, QueueOptions{})
	require.True(t, errors.Is(err, ErrStorageCorrupt))
}

func TestMutationKeyOrdering(t *testing.T) {
	require.Equal(t, "mutation/00000000000000000007", mutationKey(7))
	require.Less(t, mutationKey(9), mutationKey(10))
}
