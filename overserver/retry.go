// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATEs after which the whole ledger transaction is safe to run again
var retryableSQLStates = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

// txRetryPolicy reruns a ledger transaction that lost a lock or serialization race.
// Delays grow linearly: delay, 2*delay, ...
type txRetryPolicy struct {
	attempts int
	delay    time.Duration
}

var defaultTxRetry = txRetryPolicy{attempts: 5, delay: 20 * time.Millisecond}

// retryState returns the condition name when err is a retryable postgres error
func retryState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	name, ok := retryableSQLStates[pgErr.SQLState()]
	return name, ok
}

// run calls fn until it succeeds, fails for a non-retryable reason, runs out of
// attempts or ctx is done. onRetry, if set, sees every retried failure.
func (p txRetryPolicy) run(ctx context.Context, fn func() error, onRetry func(attempt int, state string)) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		state, ok := retryState(err)
		if !ok || attempt >= p.attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, state)
		}
		timer := time.NewTimer(time.Duration(attempt) * p.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
