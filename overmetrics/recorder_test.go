package overmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/mobiletoly/go-overline/overline"
	"github.com/stretchr/testify/require"
)

func find(points []Point, name string, attrs map[string]string) (Point, bool) {
	for _, p := range points {
		if p.Name != name {
			continue
		}
		match := true
		for k, v := range attrs {
			if p.Attributes[k] != v {
				match = false
				break
			}
		}
		if match {
			return p, true
		}
	}
	return Point{}, false
}

func TestRecorderStages(t *testing.T) {
	ctx := context.Background()
	mp, reader := NewInProcessProvider()
	defer mp.Shutdown(ctx)

	r, err := NewRecorder(mp.Meter(MeterName))
	require.NoError(t, err)

	r.ObserveStage(ctx, overline.StageTiming{Operation: overline.MetricsOpDrain, Stage: overline.MetricsStageSend, Duration: 200 * time.Millisecond, Count: 1})
	r.ObserveStage(ctx, overline.StageTiming{Operation: overline.MetricsOpDrain, Stage: overline.MetricsStageSend, Duration: 300 * time.Millisecond, Count: 1})
	r.ObserveStage(ctx, overline.StageTiming{Operation: overline.MetricsOpDrain, Stage: overline.MetricsStageSend, Duration: time.Second, Error: true})

	points, err := Collect(ctx, reader)
	require.NoError(t, err)

	ok, found := find(points, MetricStageDuration, map[string]string{
		string(AttrStage): overline.MetricsStageSend, string(AttrError): "false"})
	require.True(t, found)
	require.Equal(t, uint64(2), ok.Count)
	require.InDelta(t, 0.5, ok.Sum, 1e-9)

	failed, found := find(points, MetricStageDuration, map[string]string{string(AttrError): "true"})
	require.True(t, found)
	require.Equal(t, uint64(1), failed.Count)

	items, found := find(points, MetricStageItems, map[string]string{string(AttrError): "false"})
	require.True(t, found)
	require.Equal(t, uint64(2), items.Count)
	_, found = find(points, MetricStageItems, map[string]string{string(AttrError): "true"})
	require.False(t, found, "zero counts are not recorded")
}

func TestRecorderSessions(t *testing.T) {
	ctx := context.Background()
	mp, reader := NewInProcessProvider()
	defer mp.Shutdown(ctx)
	r, err := NewRecorder(mp.Meter(MeterName))
	require.NoError(t, err)

	start := time.Now()
	r.ObserveSession(ctx, overline.SyncSession{
		ID:             "s1",
		Trigger:        overline.TriggerNetworkRestored,
		StartedAt:      start,
		EndedAt:        start.Add(2 * time.Second),
		ProcessedCount: 3,
		FailedCount:    1,
		Outcome:        overline.OutcomePartiallyFailed,
	})
	r.ObserveSession(ctx, overline.SyncSession{
		ID:        "s2",
		Trigger:   overline.TriggerManual,
		StartedAt: start,
		EndedAt:   start,
		Outcome:   overline.OutcomeSucceeded,
	})

	points, err := Collect(ctx, reader)
	require.NoError(t, err)

	p, found := find(points, MetricSessions, map[string]string{
		string(AttrTrigger): "network_restored", string(AttrOutcome): "partially_failed", string(AttrAborted): "false"})
	require.True(t, found)
	require.Equal(t, uint64(1), p.Count)

	p, found = find(points, MetricMutations, map[string]string{string(AttrResult): "processed"})
	require.True(t, found)
	require.Equal(t, uint64(3), p.Count)
	p, found = find(points, MetricMutations, map[string]string{string(AttrResult): "failed"})
	require.True(t, found)
	require.Equal(t, uint64(1), p.Count)
	_, found = find(points, MetricMutations, map[string]string{string(AttrResult): "retried"})
	require.False(t, found)

	p, found = find(points, MetricSessionDuration, map[string]string{string(AttrTrigger): "network_restored"})
	require.True(t, found)
	require.InDelta(t, 2.0, p.Sum, 1e-9)
}

func TestNilMeterIsNoop(t *testing.T) {
	r, err := NewRecorder(nil)
	require.NoError(t, err)
	r.ObserveStage(context.Background(), overline.StageTiming{Operation: "x", Stage: "y", Duration: time.Millisecond})
	r.ObserveSession(context.Background(), overline.SyncSession{})
}
