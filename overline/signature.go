// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Signature is the deterministic cache key of a read query.
type Signature string

const signatureSep = "|"

// NewSignature derives a signature from an operation name and its parameters.
// Parameters are encoded as JSON with sorted object keys, so equal parameter sets
// always produce the same signature regardless of map iteration order.
func NewSignature(operation string, params any) (Signature, error) {
	if operation == "" {
		return "", fmt.Errorf("signature operation cannot be empty")
	}
	if strings.Contains(operation, signatureSep) {
		return "", fmt.Errorf("signature operation %q must not contain %q", operation, signatureSep)
	}
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode signature params for %s: %w", operation, err)
	}
	return Signature(operation + signatureSep + string(canonical)), nil
}

// MustSignature is NewSignature for static call sites; it panics on error.
func MustSignature(operation string, params any) Signature {
	sig, err := NewSignature(operation, params)
	if err != nil {
		panic(err)
	}
	return sig
}

// EntitySignature is the signature of a single-entity read.
func EntitySignature(entity string) Signature {
	return MustSignature("entity", map[string]string{"id": entity})
}

// Operation returns the operation part of the signature.
func (s Signature) Operation() string {
	op, _, _ := strings.Cut(string(s), signatureSep)
	return op
}

// canonicalJSON re-encodes params through a generic value so struct fields,
// maps and raw JSON all end up with sorted keys.
func canonicalJSON(params any) ([]byte, error) {
	if params == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
