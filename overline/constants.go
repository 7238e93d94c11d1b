// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

// Mutation kinds
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
	KindCustom = "custom"
)

// MutationState values
const (
	StateQueued          MutationState = "queued"
	StateInFlight        MutationState = "in_flight"
	StateSucceeded       MutationState = "succeeded"
	StateFailedPermanent MutationState = "failed_permanent"
)

// Trigger values for drain sessions
const (
	TriggerManual          Trigger = "manual"
	TriggerNetworkRestored Trigger = "network_restored"
	TriggerBackgroundTick  Trigger = "background_tick"
	TriggerAppStart        Trigger = "app_start"
	TriggerRetryTimer      Trigger = "retry_timer"
)

// Drain states and session outcomes
const (
	DrainIdle     DrainState = "idle"
	DrainDraining DrainState = "draining"

	OutcomeSucceeded       = "succeeded"
	OutcomePartiallyFailed = "partially_failed"
)

// Cache entry statuses
const (
	StatusFresh   CacheStatus = "fresh"
	StatusStale   CacheStatus = "stale"
	StatusInvalid CacheStatus = "invalid"
)

// DurableStore key layout
const (
	keyCachePointer    = "cache/current"
	keyCacheSnapshotNS = "cache/snapshot/"
	keyMutationNS      = "mutation/"
	keySessionLog      = "sync/sessions"
)

// BackgroundSyncTaskID identifies the periodic drain task registered with the OS facility.
const BackgroundSyncTaskID = "overline.background-sync"

func validKind(kind string) bool {
	switch kind {
	case KindCreate, KindUpdate, KindDelete, KindCustom:
		return true
	default:
		return false
	}
}
