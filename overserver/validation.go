// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-overline/overline"
)

var (
	// ErrEntityNotFound is returned when an update or read targets an entity that does not exist.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrServiceClosed is returned by MutationService after Close.
	ErrServiceClosed = errors.New("mutation service has been closed")
)

// ValidationError rejects a mutation permanently. Handlers map it to 422.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidateFunc is an application hook that checks a mutation payload before it is applied.
// Returning a *ValidationError rejects the mutation; any other error is treated as internal.
type ValidateFunc func(entity, kind string, payload json.RawMessage) error

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// validateUpload performs structural validation shared by all stores
func validateUpload(key string, req *MutationUpload, maxPayloadBytes int) error {
	if key == "" {
		return invalid("idempotency_key", "required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return invalid("idempotency_key", "longer than %d characters", maxIdempotencyKeyLen)
	}
	if err := validateEntityID(req.TargetEntity); err != nil {
		return err
	}
	if maxPayloadBytes > 0 && len(req.Payload) > maxPayloadBytes {
		return invalid("payload", "size %d exceeds limit %d", len(req.Payload), maxPayloadBytes)
	}

	payload := bytes.TrimSpace(req.Payload)
	empty := len(payload) == 0 || bytes.Equal(payload, []byte("null"))
	switch req.Kind {
	case overline.KindCreate, overline.KindUpdate:
		if empty {
			return invalid("payload", "required for %s", req.Kind)
		}
		if !isJSONObject(payload) {
			return invalid("payload", "must be a JSON object")
		}
	case overline.KindDelete:
		if !empty {
			return invalid("payload", "must be empty for delete")
		}
	case overline.KindCustom:
		if !empty && !json.Valid(payload) {
			return invalid("payload", "must be valid JSON")
		}
	default:
		return invalid("kind", "unsupported kind %q", req.Kind)
	}
	return nil
}

func validateEntityID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("target_entity", "required")
	}
	if len(id) > maxEntityIDLen {
		return invalid("target_entity", "longer than %d characters", maxEntityIDLen)
	}
	if strings.ContainsAny(id, "/?#") {
		return invalid("target_entity", "must not contain '/', '?' or '#'")
	}
	return nil
}

func isJSONObject(b []byte) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(b, &obj) == nil && obj != nil
}

// mergeObjects shallow-merges patch into base. Both must be JSON objects.
func mergeObjects(base, patch json.RawMessage) (json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &out); err != nil {
			return nil, fmt.Errorf("failed to decode entity state: %w", err)
		}
	}
	var p map[string]json.RawMessage
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	for k, v := range p {
		out[k] = v
	}
	return json.Marshal(out)
}
