// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"encoding/json"
	"time"
)

// REST/JSON models shared by the server handlers and the HTTP transport.

// IdempotencyKeyHeader carries the client mutation id. Replaying a key returns the stored result.
const IdempotencyKeyHeader = "Idempotency-Key"

// MutationUpload is the body of POST /v1/mutations
type MutationUpload struct {
	TargetEntity string          `json:"target_entity"`
	Kind         string          `json:"kind"`              // create, update, delete, custom
	Payload      json.RawMessage `json:"payload,omitempty"` // JSON object for create/update, empty for delete
	CreatedAt    time.Time       `json:"created_at"`        // when the device queued the write
	Attempt      int             `json:"attempt"`           // 1-based, informational
}

// MutationResponse is the authoritative result of an applied mutation
type MutationResponse struct {
	TargetEntity string          `json:"target_entity"`
	Data         json.RawMessage `json:"data,omitempty"` // entity state after the write
	Deleted      bool            `json:"deleted"`
	Version      int64           `json:"version"`
	Replayed     bool            `json:"replayed"` // true when the idempotency key had already been applied
}

// EntityResponse is the body of GET /v1/entities/{id}
type EntityResponse struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string `json:"status"` // healthy, unhealthy
	Service string `json:"service"`
}
