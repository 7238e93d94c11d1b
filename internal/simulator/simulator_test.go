package simulator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiletoly/go-overline/overhttp"
	"github.com/mobiletoly/go-overline/overline"
	"github.com/mobiletoly/go-overline/overmetrics"
	"github.com/stretchr/testify/require"
)

func newTestSimulator(t *testing.T, cfg *Config) *Simulator {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	sim := NewSimulator(cfg)
	t.Cleanup(func() { _ = sim.Close() })
	return sim
}

func TestScenariosInMemory(t *testing.T) {
	for _, name := range AvailableScenarios() {
		t.Run(name, func(t *testing.T) {
			sim := newTestSimulator(t, &Config{})
			require.NoError(t, sim.RunScenario(context.Background(), name))

			reports := sim.Reports()
			require.Len(t, reports, 1)
			require.Equal(t, StatusSuccess, reports[0].Status)
			require.Equal(t, name, reports[0].Name)
			require.NotZero(t, reports[0].Duration)
		})
	}
}

func TestScenariosOnSQLite(t *testing.T) {
	for _, name := range []string{ScenarioRestart, ScenarioMidDrainAbort} {
		t.Run(name, func(t *testing.T) {
			sim := newTestSimulator(t, &Config{DataDir: t.TempDir()})
			require.NoError(t, sim.RunScenario(context.Background(), name))
		})
	}
}

func TestUnknownScenario(t *testing.T) {
	sim := newTestSimulator(t, &Config{})
	require.Error(t, sim.RunScenario(context.Background(), "no-such-scenario"))
	require.Nil(t, GetScenario("no-such-scenario"))
}

func TestRunAllWritesReportAndMetrics(t *testing.T) {
	ctx := context.Background()
	mp, reader := overmetrics.NewInProcessProvider()
	defer mp.Shutdown(ctx)
	rec, err := overmetrics.NewRecorder(mp.Meter(overmetrics.MeterName))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "report.json")
	sim := NewSimulator(&Config{OutputFile: out, Metrics: rec, Timeout: 20 * time.Second})
	require.NoError(t, sim.RunAll(ctx))
	require.NoError(t, sim.Close())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var final FinalReport
	require.NoError(t, json.Unmarshal(data, &final))
	require.Equal(t, len(AvailableScenarios()), final.TotalScenarios)
	require.Equal(t, final.TotalScenarios, final.SuccessfulRuns)
	require.Zero(t, final.FailedRuns)

	points, err := overmetrics.Collect(ctx, reader)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, p := range points {
		names[p.Name] = true
	}
	require.True(t, names[overmetrics.MetricSessions])
	require.True(t, names[overmetrics.MetricStageDuration])
	require.True(t, names[overmetrics.MetricMutations])
}

func TestBackendFaults(t *testing.T) {
	ctx := context.Background()
	b, err := NewBackend(nil, nil, nil)
	require.NoError(t, err)
	defer b.Close()
	client, err := b.Client("phone-1")
	require.NoError(t, err)

	require.NoError(t, client.Health(ctx))
	b.SetReachable(false)
	require.Error(t, client.Health(ctx))
	b.SetReachable(true)

	var hooks atomic.Int32
	b.AfterApply(func() { hooks.Add(1) })
	_, err = client.FetchEntity(ctx, "nothing")
	require.ErrorIs(t, err, overhttp.ErrNotFound)
	require.Zero(t, b.MutationCalls(), "only mutations are counted")

	b.DropNextResponses(1)
	req := overline.MutationRequest{
		IdempotencyKey: "key-1",
		TargetEntity:   "case-1",
		Kind:           overline.KindCreate,
		Payload:        json.RawMessage(`{"title":"x"}`),
	}
	_, err = client.Send(ctx, req)
	require.Equal(t, overline.ErrorClassTransient, overline.ClassifyError(err))
	require.Zero(t, hooks.Load(), "a dropped response skips the hook")
	require.Equal(t, 1, b.Store.AppliedCount(), "the mutation was applied anyway")

	res, err := client.Send(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, int32(1), hooks.Load())
	require.Equal(t, 2, b.MutationCalls())
	require.Equal(t, 1, b.Store.AppliedCount())
}
