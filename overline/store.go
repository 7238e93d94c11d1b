// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"context"
	"fmt"
)

// DurableStore is the on-device key/value persistence every other component builds on.
// Each call is atomic at key granularity. Write failures must be returned to the caller;
// a silently dropped write would lose a queued mutation.
type DurableStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns all keys with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// storageError wraps a DurableStore failure so callers can match ErrStorage.
func storageError(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStorage, op, key, err)
}
