package overline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type orchestratorFixture struct {
	store     DurableStore
	queue     *MutationQueue
	network   *NetworkMonitor
	cache     *QueryCache
	transport *fakeTransport
	orch      *SyncOrchestrator

	mu       sync.Mutex
	sessions []SyncSession
}

func newOrchestratorFixture(t *testing.T, cfg *Config) *orchestratorFixture {
	t.Helper()
	return newOrchestratorFixtureOn(t, newMemStore(), cfg)
}

func newOrchestratorFixtureOn(t *testing.T, store DurableStore, cfg *Config) *orchestratorFixture {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = time.Hour // keep the retry timer out of tests that do not want it
	}
	f := &orchestratorFixture{
		store:     store,
		network:   NewNetworkMonitor(NetworkMonitorConfig{InitiallyConnected: true}),
		cache:     NewQueryCache(100, nil),
		transport: &fakeTransport{},
	}
	var err error
	f.queue, err = OpenMutationQueue(context.Background(), f.store, QueueOptions{MaxAttempts: cfg.withDefaults().MaxAttempts})
	require.NoError(t, err)
	f.orch, err = NewSyncOrchestrator(OrchestratorDeps{
		Queue:      f.queue,
		Transport:  f.transport,
		Network:    f.network,
		Reconciler: &EntityReconciler{Cache: f.cache, Queue: f.queue, StaleAfter: time.Minute},
		Store:      f.store,
		Config:     cfg,
	})
	require.NoError(t, err)
	f.orch.OnSession(func(s SyncSession) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sessions = append(f.sessions, s)
	})
	t.Cleanup(func() {
		f.orch.Close()
		f.orch.Wait()
		f.network.Stop()
	})
	return f
}

func (f *orchestratorFixture) enqueue(t *testing.T, entity, kind, payload string) MutationRecord {
	return enqueue(t, f.queue, entity, kind, payload)
}

func (f *orchestratorFixture) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *orchestratorFixture) sessionsCopy() []SyncSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SyncSession(nil), f.sessions...)
}

func TestDrainDeliversInOrderAndReconciles(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	a1 := f.enqueue(t, "A", KindCreate, `{"title":"intake"}`)
	f.enqueue(t, "B", KindCreate, `{"title":"shelter"}`)
	f.enqueue(t, "A", KindUpdate, `{"status":"open"}`)

	sess, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, 3, sess.ProcessedCount)
	require.Zero(t, sess.FailedCount)
	require.Equal(t, OutcomeSucceeded, sess.Outcome)
	require.Equal(t, TriggerManual, sess.Trigger)
	require.False(t, sess.Aborted)
	require.Equal(t, DrainIdle, f.orch.State())

	reqs := f.transport.requests()
	require.Len(t, reqs, 3)
	require.Equal(t, a1.ID, reqs[0].IdempotencyKey)
	require.Equal(t, 1, reqs[0].Attempt)
	require.Equal(t, []string{"A", "B", "A"}, f.transport.entities())
	require.Zero(t, f.queue.Len())

	e, ok := f.cache.Read(EntitySignature("B"))
	require.True(t, ok)
	require.JSONEq(t, `{"title":"shelter"}`, string(e.Data))
}

func TestDrainLaterRecordWaitsForEarlierOnSameEntity(t *testing.T) {
	f := newOrchestratorFixture(t, &Config{MaxAttempts: 3})
	failedOnce := false
	f.transport.respond = func(req MutationRequest) (MutationResult, error) {
		if req.TargetEntity == "A" && !failedOnce {
			failedOnce = true
			return MutationResult{}, Transient(fmt.Errorf("503 service unavailable"))
		}
		return MutationResult{TargetEntity: req.TargetEntity, Data: req.Payload}, nil
	}
	a1 := f.enqueue(t, "A", KindCreate, `{}`)
	f.enqueue(t, "B", KindCreate, `{}`)
	f.enqueue(t, "A", KindUpdate, `{}`)

	sess, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, f.transport.entities(), "A2 is never sent before A1 succeeds")
	require.Equal(t, 1, sess.ProcessedCount)
	require.Equal(t, 1, sess.RetriedCount)
	require.Equal(t, OutcomeSucceeded, sess.Outcome)

	got, _ := f.queue.Get(a1.ID)
	require.Equal(t, StateQueued, got.State)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, 1, f.network.State().ConsecutiveFailureCount)
}

func TestDrainValidationRejectionIsPermanentAndDoesNotBlockOthers(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.transport.respond = func(req MutationRequest) (MutationResult, error) {
		if req.TargetEntity == "A" {
			return MutationResult{}, &TransportError{Class: ErrorClassNonRetryable, StatusCode: 400, Err: fmt.Errorf("missing field")}
		}
		return MutationResult{TargetEntity: req.TargetEntity, Data: req.Payload}, nil
	}
	a := f.enqueue(t, "A", KindCreate, `{}`)
	f.enqueue(t, "B", KindCreate, `{}`)

	sess, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, sess.ProcessedCount)
	require.Equal(t, 1, sess.FailedCount)
	require.Equal(t, OutcomePartiallyFailed, sess.Outcome)

	failed := f.queue.ListFailedPermanent()
	require.Len(t, failed, 1)
	require.Equal(t, a.ID, failed[0].ID)
	require.Equal(t, ErrorClassNonRetryable, failed[0].LastErrorClass)
	require.Contains(t, failed[0].LastError, "missing field")
	require.Zero(t, f.network.State().ConsecutiveFailureCount)
}

func TestDrainStopsWhenConnectivityDrops(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.transport.respond = func(req MutationRequest) (MutationResult, error) {
		f.network.Report(false)
		// The in-flight send completes even though the device just went offline.
		require.Eventually(t, func() bool { return !f.network.Connected() }, time.Second, time.Millisecond)
		return MutationResult{TargetEntity: req.TargetEntity, Data: req.Payload}, nil
	}
	for i := 0; i < 4; i++ {
		f.enqueue(t, fmt.Sprintf("E%d", i), KindCreate, `{}`)
	}

	sess, err := f.orch.Drain(context.Background(), TriggerNetworkRestored)
	require.NoError(t, err)
	require.True(t, sess.Aborted)
	require.Equal(t, 1, sess.ProcessedCount)
	require.Len(t, f.transport.requests(), 1)

	queued := f.queue.ListQueued()
	require.Len(t, queued, 3)
	for _, rec := range queued {
		require.Equal(t, StateQueued, rec.State)
		require.Zero(t, rec.Attempts)
	}
}

func TestDrainOfflineSendsNothing(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.network.Report(false)
	require.Eventually(t, func() bool { return !f.network.Connected() }, time.Second, time.Millisecond)
	f.enqueue(t, "A", KindCreate, `{}`)

	sess, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.True(t, sess.Aborted)
	require.Empty(t, f.transport.requests())
	require.Equal(t, 1, f.queue.Len())
}

func TestDrainIsSingleFlight(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.transport.block = make(chan struct{})
	f.transport.started = make(chan string, 10)
	f.enqueue(t, "A", KindCreate, `{}`)

	done := make(chan *SyncSession, 1)
	go func() {
		sess, err := f.orch.Drain(context.Background(), TriggerManual)
		require.NoError(t, err)
		done <- sess
	}()
	<-f.transport.started
	require.Equal(t, DrainDraining, f.orch.State())

	sess, err := f.orch.Drain(context.Background(), TriggerNetworkRestored)
	require.NoError(t, err)
	require.Nil(t, sess, "second drain is coalesced")

	close(f.transport.block)
	last := <-done
	require.NotNil(t, last)
	require.Equal(t, TriggerNetworkRestored, last.Trigger, "coalesced request runs as a follow-up session")

	sessions := f.sessionsCopy()
	require.Len(t, sessions, 2)
	require.Equal(t, TriggerManual, sessions[0].Trigger)
	require.Equal(t, 1, sessions[0].ProcessedCount)
	require.Len(t, f.transport.requests(), 1)
}

func TestRetryTimerRedrivesBackedOffRecords(t *testing.T) {
	f := newOrchestratorFixture(t, &Config{BackoffMin: 10 * time.Millisecond, BackoffMax: 20 * time.Millisecond, MaxAttempts: 5})
	var mu sync.Mutex
	calls := 0
	f.transport.respond = func(req MutationRequest) (MutationResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return MutationResult{}, fmt.Errorf("connection reset")
		}
		return MutationResult{TargetEntity: req.TargetEntity, Data: req.Payload}, nil
	}
	f.enqueue(t, "A", KindCreate, `{}`)

	sess, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, sess.RetriedCount)

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.sessionCount() >= 2 }, time.Second, 5*time.Millisecond)
	sessions := f.sessionsCopy()
	require.Equal(t, TriggerRetryTimer, sessions[len(sessions)-1].Trigger)
	reqs := f.transport.requests()
	require.Equal(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey, "resend keeps the idempotency key")
	require.Equal(t, 2, reqs[1].Attempt)
}

func TestNetworkRestoredTriggersDrain(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.network.Report(false)
	require.Eventually(t, func() bool { return !f.network.Connected() }, time.Second, time.Millisecond)
	f.enqueue(t, "A", KindCreate, `{}`)

	f.network.Report(true)
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.sessionCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, TriggerNetworkRestored, f.sessionsCopy()[0].Trigger)
}

func TestReconcileFailureRequeuesWithoutSpendingAttempt(t *testing.T) {
	f := newOrchestratorFixture(t, &Config{MaxAttempts: 1})
	f.transport.respond = func(req MutationRequest) (MutationResult, error) {
		return MutationResult{TargetEntity: req.TargetEntity, Data: json.RawMessage(`{broken`)}, nil
	}
	rec := f.enqueue(t, "A", KindUpdate, `{}`)

	sess, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Zero(t, sess.ProcessedCount)

	got, ok := f.queue.Get(rec.ID)
	require.True(t, ok)
	require.Equal(t, StateQueued, got.State)
	require.Zero(t, got.Attempts)
	require.Contains(t, got.LastError, "reconcile")
}

func TestCloseInterruptsSendWithoutSpendingAttempt(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.transport.block = make(chan struct{})
	f.transport.started = make(chan string, 1)
	rec := f.enqueue(t, "A", KindCreate, `{}`)

	f.orch.Trigger(TriggerAppStart)
	<-f.transport.started
	f.orch.Close()
	f.orch.Wait()

	got, ok := f.queue.Get(rec.ID)
	require.True(t, ok)
	require.Equal(t, StateQueued, got.State)
	require.Zero(t, got.Attempts)

	_, err := f.orch.Drain(context.Background(), TriggerManual)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSendTimeoutIsRetryable(t *testing.T) {
	f := newOrchestratorFixture(t, &Config{SendTimeout: 50 * time.Millisecond, MaxAttempts: 3})
	f.transport.block = make(chan struct{}) // never answers
	rec := f.enqueue(t, "A", KindCreate, `{"title":"intake"}`)

	start := time.Now()
	sess, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second, "the send is cut off by its timeout")
	require.Equal(t, 1, sess.RetriedCount)
	require.Zero(t, sess.FailedCount)
	require.Zero(t, sess.ProcessedCount)

	got, ok := f.queue.Get(rec.ID)
	require.True(t, ok)
	require.Equal(t, StateQueued, got.State)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, ErrorClassTransient, got.LastErrorClass)
	require.Contains(t, got.LastError, context.DeadlineExceeded.Error())
}

func TestUnpersistedSuccessIsResentNextSession(t *testing.T) {
	store := newFaultStore()
	f := newOrchestratorFixtureOn(t, store, nil)
	rec := f.enqueue(t, "A", KindCreate, `{"title":"intake"}`)

	store.mu.Lock()
	store.failDel = func(key string) bool { return strings.HasPrefix(key, keyMutationNS) }
	store.mu.Unlock()

	sess, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Zero(t, sess.ProcessedCount)
	require.Equal(t, 1, sess.StorageErrors)
	got, ok := f.queue.Get(rec.ID)
	require.True(t, ok)
	require.Equal(t, StateQueued, got.State, "the entity is not left blocked in flight")
	require.Zero(t, got.Attempts)

	store.mu.Lock()
	store.failDel = nil
	store.mu.Unlock()

	sess, err = f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, sess.ProcessedCount)
	require.Zero(t, sess.StorageErrors)
	require.Zero(t, f.queue.Len())
	reqs := f.transport.requests()
	require.Len(t, reqs, 2)
	require.Equal(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)
}

func TestUnpersistedFailureIsRetriedNextSession(t *testing.T) {
	store := newFaultStore()
	f := newOrchestratorFixtureOn(t, store, &Config{MaxAttempts: 3})
	f.transport.respond = func(req MutationRequest) (MutationResult, error) {
		return MutationResult{}, &TransportError{Class: ErrorClassTransient, StatusCode: 503, Err: fmt.Errorf("unavailable")}
	}
	rec := f.enqueue(t, "A", KindUpdate, `{"status":"open"}`)

	// The first write marks the record in flight; the second records the failure.
	writes := 0
	store.setFailSet(func(key string) bool {
		if !strings.HasPrefix(key, keyMutationNS) {
			return false
		}
		writes++
		return writes == 2
	})

	sess, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, sess.StorageErrors)
	require.Zero(t, sess.RetriedCount)
	got, ok := f.queue.Get(rec.ID)
	require.True(t, ok)
	require.Equal(t, StateQueued, got.State)

	store.setFailSet(nil)
	sess, err = f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, sess.RetriedCount)
	require.Len(t, f.transport.requests(), 2)
}

func TestSessionLogIsBounded(t *testing.T) {
	f := newOrchestratorFixture(t, &Config{SessionLogSize: 3})
	for i := 0; i < 5; i++ {
		_, err := f.orch.Drain(context.Background(), TriggerBackgroundTick)
		require.NoError(t, err)
	}
	sessions, err := f.orch.RecentSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	all := f.sessionsCopy()
	require.Equal(t, all[4].ID, sessions[2].ID)
	require.Equal(t, all[2].ID, sessions[0].ID)
}

func TestDrainReportsStageMetrics(t *testing.T) {
	var mu sync.Mutex
	stages := map[string]int{}
	rec := StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
		mu.Lock()
		defer mu.Unlock()
		stages[timing.Operation+"/"+timing.Stage]++
	})
	f := newOrchestratorFixture(t, nil)
	f.orch.metrics = rec
	f.enqueue(t, "A", KindCreate, `{}`)

	_, err := f.orch.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, stages["drain/send"])
	require.Equal(t, 1, stages["drain/reconcile"])
	require.Equal(t, 1, stages["drain/session"])
}
