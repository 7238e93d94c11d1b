package overline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEntityReconcilerOverlaysLaterQueuedWrites(t *testing.T) {
	ctx := context.Background()
	cache := NewQueryCache(10, nil)
	q := openQueue(t, newMemStore(), 3)
	r := &EntityReconciler{Cache: cache, Queue: q, StaleAfter: time.Minute}

	first := enqueue(t, q, "case-1", KindUpdate, `{"title":"Intake"}`)
	enqueue(t, q, "case-1", KindUpdate, `{"status":"urgent"}`)
	list := MustSignature("cases.list", nil)
	cache.Write(list, json.RawMessage(`[]`), time.Minute, "case-1")

	server := json.RawMessage(`{"title":"Intake","status":"open","version":4}`)
	require.NoError(t, r.Reconcile(ctx, first, MutationResult{TargetEntity: "case-1", Data: server}))

	e, ok := cache.Read(EntitySignature("case-1"))
	require.True(t, ok)
	require.JSONEq(t, `{"title":"Intake","status":"urgent","version":4}`, string(e.Data),
		"the still-queued write stays visible")
	require.Equal(t, time.Minute, e.StaleAfter)

	e, _ = cache.Read(list)
	require.True(t, e.Invalid, "dependent queries are refetched")
}

func TestEntityReconcilerDelete(t *testing.T) {
	ctx := context.Background()
	cache := NewQueryCache(10, nil)
	sig := EntitySignature("case-1")
	cache.Write(sig, json.RawMessage(`{"title":"x"}`), time.Minute, "case-1")
	r := &EntityReconciler{Cache: cache}

	rec := MutationRecord{ID: "m1", TargetEntity: "case-1", Kind: KindDelete}
	require.NoError(t, r.Reconcile(ctx, rec, MutationResult{TargetEntity: "case-1", Deleted: true}))
	e, _ := cache.Read(sig)
	require.True(t, e.Invalid)
}

func TestEntityReconcilerRejectsMismatchedEntity(t *testing.T) {
	r := &EntityReconciler{Cache: NewQueryCache(10, nil)}
	rec := MutationRecord{ID: "m1", TargetEntity: "case-1", Kind: KindUpdate}
	err := r.Reconcile(context.Background(), rec, MutationResult{TargetEntity: "case-2", Data: json.RawMessage(`{}`)})
	require.True(t, errors.Is(err, ErrInvariant))
}

func TestApplyOptimistic(t *testing.T) {
	cache := NewQueryCache(10, nil)
	sig := EntitySignature("case-1")

	require.NoError(t, applyOptimistic(cache, MutationRecord{TargetEntity: "case-1", Kind: KindCreate,
		Payload: json.RawMessage(`{"title":"Intake","status":"new"}`)}, time.Minute))
	e, ok := cache.Read(sig)
	require.True(t, ok)
	require.JSONEq(t, `{"title":"Intake","status":"new"}`, string(e.Data))

	require.NoError(t, applyOptimistic(cache, MutationRecord{TargetEntity: "case-1", Kind: KindUpdate,
		Payload: json.RawMessage(`{"status":"open"}`)}, time.Minute))
	e, _ = cache.Read(sig)
	require.JSONEq(t, `{"title":"Intake","status":"open"}`, string(e.Data))

	require.NoError(t, applyOptimistic(cache, MutationRecord{TargetEntity: "case-1", Kind: KindDelete}, time.Minute))
	e, _ = cache.Read(sig)
	require.True(t, e.Invalid)
}

func TestMergeJSON(t *testing.T) {
	out, err := mergeJSON(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":3,"c":4}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1,"b":3,"c":4}`, string(out))

	out, err = mergeJSON(json.RawMessage(`[1]`), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out))

	out, err = mergeJSON(json.RawMessage(`{"a":1}`), nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out))
}
