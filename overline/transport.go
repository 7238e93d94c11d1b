// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"context"
	"encoding/json"
	"time"
)

// MutationRequest is a single queued write handed to the Transport.
type MutationRequest struct {
	IdempotencyKey string          `json:"idempotency_key"` // the MutationRecord ID
	TargetEntity   string          `json:"target_entity"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Attempt        int             `json:"attempt"` // 1-based
}

// MutationResult is the server's authoritative answer for an accepted write.
type MutationResult struct {
	TargetEntity string          `json:"target_entity"`
	Data         json.RawMessage `json:"data,omitempty"` // entity state after the write; empty for deletes
	Deleted      bool            `json:"deleted,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Replayed     bool            `json:"replayed,omitempty"` // server had already applied this idempotency key
}

// Transport sends queued writes to the server. Implementations classify failures by
// returning *TransportError; unclassified errors are treated as transient.
type Transport interface {
	Send(ctx context.Context, req MutationRequest) (MutationResult, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req MutationRequest) (MutationResult, error)

func (f TransportFunc) Send(ctx context.Context, req MutationRequest) (MutationResult, error) {
	return f(ctx, req)
}

func requestFor(rec MutationRecord) MutationRequest {
	return MutationRequest{
		IdempotencyKey: rec.ID,
		TargetEntity:   rec.TargetEntity,
		Kind:           rec.Kind,
		Payload:        rec.Payload,
		CreatedAt:      rec.CreatedAt,
		Attempt:        rec.Attempts + 1,
	}
}
