// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package overmetrics exports sync engine and server stage timings as OpenTelemetry metrics.
package overmetrics

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-overline/overline"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope name.
const MeterName = "github.com/mobiletoly/go-overline"

// Attribute keys
var (
	AttrOperation = attribute.Key("overline.operation")
	AttrStage     = attribute.Key("overline.stage")
	AttrError     = attribute.Key("overline.error")
	AttrTrigger   = attribute.Key("overline.trigger")
	AttrOutcome   = attribute.Key("overline.outcome")
	AttrAborted   = attribute.Key("overline.aborted")
	AttrResult    = attribute.Key("overline.result")
)

// Metric names
const (
	MetricStageDuration   = "overline.stage.duration"
	MetricStageItems      = "overline.stage.items"
	MetricSessions        = "overline.sync.sessions"
	MetricSessionDuration = "overline.sync.session.duration"
	MetricMutations       = "overline.sync.mutations"
)

// Recorder implements overline.StageMetricsRecorder and overline.SessionRecorder
type Recorder struct {
	stageDuration   metric.Float64Histogram
	stageItems      metric.Int64Counter
	sessions        metric.Int64Counter
	sessionDuration metric.Float64Histogram
	mutations       metric.Int64Counter
}

// NewRecorder creates all instruments from meter. A nil meter records nothing.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(MeterName)
	}
	r := &Recorder{}
	var err error

	r.stageDuration, err = meter.Float64Histogram(MetricStageDuration,
		metric.WithDescription("Duration of a sync stage in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricStageDuration, err)
	}

	r.stageItems, err = meter.Int64Counter(MetricStageItems,
		metric.WithDescription("Items handled by a sync stage"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricStageItems, err)
	}

	r.sessions, err = meter.Int64Counter(MetricSessions,
		metric.WithDescription("Finished drain sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricSessions, err)
	}

	r.sessionDuration, err = meter.Float64Histogram(MetricSessionDuration,
		metric.WithDescription("Drain session duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricSessionDuration, err)
	}

	r.mutations, err = meter.Int64Counter(MetricMutations,
		metric.WithDescription("Mutations processed by drain sessions, by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricMutations, err)
	}

	return r, nil
}

// ObserveStage implements overline.StageMetricsRecorder
func (r *Recorder) ObserveStage(ctx context.Context, timing overline.StageTiming) {
	attrs := metric.WithAttributes(
		AttrOperation.String(timing.Operation),
		AttrStage.String(timing.Stage),
		AttrError.Bool(timing.Error),
	)
	r.stageDuration.Record(ctx, timing.Duration.Seconds(), attrs)
	if timing.Count > 0 {
		r.stageItems.Add(ctx, int64(timing.Count), attrs)
	}
}

// ObserveSession implements overline.SessionRecorder
func (r *Recorder) ObserveSession(ctx context.Context, session overline.SyncSession) {
	r.sessions.Add(ctx, 1, metric.WithAttributes(
		AttrTrigger.String(string(session.Trigger)),
		AttrOutcome.String(session.Outcome),
		AttrAborted.Bool(session.Aborted),
	))
	if !session.EndedAt.IsZero() {
		r.sessionDuration.Record(ctx, session.EndedAt.Sub(session.StartedAt).Seconds(),
			metric.WithAttributes(AttrTrigger.String(string(session.Trigger))))
	}
	for result, n := range map[string]int{
		"processed": session.ProcessedCount,
		"failed":    session.FailedCount,
		"retried":   session.RetriedCount,
	} {
		if n > 0 {
			r.mutations.Add(ctx, int64(n), metric.WithAttributes(AttrResult.String(result)))
		}
	}
}

var (
	_ overline.StageMetricsRecorder = (*Recorder)(nil)
	_ overline.SessionRecorder      = (*Recorder)(nil)
)
