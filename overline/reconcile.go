// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Reconciler folds the server's answer for a sent record into the query cache.
// It runs before the record is marked succeeded; an error sends the record back to queued.
type Reconciler interface {
	Reconcile(ctx context.Context, rec MutationRecord, result MutationResult) error
}

// ReconcilerFunc adapts a function to Reconciler.
type ReconcilerFunc func(ctx context.Context, rec MutationRecord, result MutationResult) error

func (f ReconcilerFunc) Reconcile(ctx context.Context, rec MutationRecord, result MutationResult) error {
	return f(ctx, rec, result)
}

// EntityReconciler writes the server's entity state under EntitySignature(entity),
// invalidates every other entry that depends on the entity, and re-applies the payloads
// of later writes to the same entity that are still queued, so the user keeps seeing
// their newest edit until it is sent too.
type EntityReconciler struct {
	Cache      *QueryCache
	Queue      *MutationQueue
	StaleAfter time.Duration
}

func (r *EntityReconciler) Reconcile(ctx context.Context, rec MutationRecord, result MutationResult) error {
	entity := result.TargetEntity
	if entity == "" {
		entity = rec.TargetEntity
	}
	if entity != rec.TargetEntity {
		return fmt.Errorf("%w: result for entity %s answers mutation %s on %s", ErrInvariant, entity, rec.ID, rec.TargetEntity)
	}
	sig := EntitySignature(entity)

	defer func() {
		for _, other := range r.Cache.SignaturesForEntity(entity) {
			if other != sig {
				r.Cache.Invalidate(other)
			}
		}
	}()

	if rec.Kind == KindDelete || result.Deleted {
		r.Cache.Invalidate(sig)
		return nil
	}
	if len(result.Data) == 0 {
		// Nothing authoritative to store; force a refetch.
		r.Cache.Invalidate(sig)
		return nil
	}
	if !json.Valid(result.Data) {
		return fmt.Errorf("%w: server returned invalid JSON for entity %s", ErrInvariant, entity)
	}

	var later []MutationRecord
	if r.Queue != nil {
		for _, p := range r.Queue.Pending(entity) {
			if p.Seq > rec.Seq {
				later = append(later, p)
			}
		}
	}
	data, deleted, err := overlayPending(result.Data, later)
	if err != nil {
		return fmt.Errorf("%w: failed to overlay queued writes on entity %s: %w", ErrInvariant, entity, err)
	}
	if deleted {
		r.Cache.Invalidate(sig)
		return nil
	}
	r.Cache.Write(sig, data, r.staleAfter(sig), entity)
	return nil
}

func (r *EntityReconciler) staleAfter(sig Signature) time.Duration {
	if r.StaleAfter > 0 {
		return r.StaleAfter
	}
	if existing, ok := r.Cache.Read(sig); ok {
		return existing.StaleAfter
	}
	return 0
}

// applyOptimistic shows a just-enqueued write in the cache before it reaches the server.
func applyOptimistic(cache *QueryCache, rec MutationRecord, defaultStaleAfter time.Duration) error {
	sig := EntitySignature(rec.TargetEntity)
	existing, found := cache.Read(sig)
	switch rec.Kind {
	case KindDelete:
		cache.Invalidate(sig)
		return nil
	case KindCustom:
		// Custom operations have no client-side model; wait for the server.
		return nil
	}
	base := json.RawMessage(nil)
	staleAfter := defaultStaleAfter
	if found {
		base = existing.Data
		staleAfter = existing.StaleAfter
	}
	data, err := mergeJSON(base, rec.Payload)
	if err != nil {
		return err
	}
	cache.Write(sig, data, staleAfter, rec.TargetEntity)
	return nil
}

// overlayPending applies queued payloads in order on top of base. A queued delete
// wins over everything before it.
func overlayPending(base json.RawMessage, pending []MutationRecord) (json.RawMessage, bool, error) {
	data := base
	deleted := false
	for _, p := range pending {
		switch p.Kind {
		case KindDelete:
			deleted = true
			data = nil
		case KindCreate, KindUpdate:
			merged, err := mergeJSON(data, p.Payload)
			if err != nil {
				return nil, false, err
			}
			data = merged
			deleted = false
		}
	}
	return data, deleted, nil
}

// mergeJSON shallow-merges patch into base when both are objects; otherwise patch replaces base.
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 {
		return base, nil
	}
	if len(base) == 0 {
		return patch, nil
	}
	var baseObj, patchObj map[string]json.RawMessage
	if json.Unmarshal(patch, &patchObj) != nil || patchObj == nil {
		return patch, nil
	}
	if json.Unmarshal(base, &baseObj) != nil || baseObj == nil {
		return patch, nil
	}
	for k, v := range patchObj {
		baseObj[k] = v
	}
	out, err := json.Marshal(baseObj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged entity: %w", err)
	}
	return out, nil
}
