// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"context"
	"time"
)

const (
	MetricsOpDrain = "drain"
	MetricsOpCache = "cache"
	MetricsOpQueue = "queue"

	// Drain stages.
	MetricsStageSession   = "session"
	MetricsStageSend      = "send"
	MetricsStageReconcile = "reconcile"

	// Cache stages.
	MetricsStageHydrate  = "hydrate"
	MetricsStageSnapshot = "snapshot"

	// Queue stages.
	MetricsStageEnqueue = "enqueue"
	MetricsStageRestore = "restore"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// SessionRecorder receives the audit record of every finished drain session.
type SessionRecorder interface {
	ObserveSession(ctx context.Context, session SyncSession)
}

func observe(ctx context.Context, rec StageMetricsRecorder, timing StageTiming) {
	if rec == nil {
		return
	}
	rec.ObserveStage(ctx, timing)
}
