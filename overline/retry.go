// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"hash/fnv"
	"strconv"
	"time"
)

// BackoffDelay is the wait after the given number of failed attempts:
// BackoffMin·2^(attempts-1) capped at BackoffMax, with ±20% jitter derived from the
// record id and attempt number. The result depends only on its inputs, so a restarted
// process computes the same schedule for the same persisted record.
func BackoffDelay(id string, attempts int, minDelay, maxDelay time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	delay := minDelay
	for i := 1; i < attempts && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	_, _ = h.Write([]byte{'#'})
	_, _ = h.Write([]byte(strconv.Itoa(attempts)))
	// Map the hash onto [-0.2, +0.2].
	frac := float64(h.Sum64()%4001)/10000.0 - 0.2
	jittered := time.Duration(float64(delay) * (1 + frac))
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// NextAttemptAt is when a queued record becomes eligible for another send.
func NextAttemptAt(rec MutationRecord, minDelay, maxDelay time.Duration) time.Time {
	if rec.Attempts == 0 || rec.LastAttemptAt.IsZero() {
		return time.Time{}
	}
	return rec.LastAttemptAt.Add(BackoffDelay(rec.ID, rec.Attempts, minDelay, maxDelay))
}
