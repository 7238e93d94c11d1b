package overhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiletoly/go-overline/overline"
	"github.com/stretchr/testify/require"
)

type reportLog struct {
	mu      sync.Mutex
	reports []bool
}

func (r *reportLog) Report(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, connected)
}

func (r *reportLog) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.reports...)
}

func TestProberReportsHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","service":"t"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy","service":"t"}`))
	}))
	defer hs.Close()

	c, err := NewClient(DefaultConfig(hs.URL))
	require.NoError(t, err)
	log := &reportLog{}
	p := NewProber(c, log, time.Hour, nil)

	require.True(t, p.Probe(context.Background()))
	healthy.Store(false)
	require.False(t, p.Probe(context.Background()))
	require.Equal(t, []bool{true, false}, log.snapshot())
}

func TestProberDrivesNetworkMonitor(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","service":"t"}`))
	}))
	defer hs.Close()

	c, err := NewClient(DefaultConfig(hs.URL))
	require.NoError(t, err)
	monitor := overline.NewNetworkMonitor(overline.NetworkMonitorConfig{})
	p := NewProber(c, monitor, 20*time.Millisecond, nil)
	p.Start(context.Background())
	p.Start(context.Background())
	require.Eventually(t, monitor.Connected, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
	hs.Close()
	time.Sleep(60 * time.Millisecond)
	require.True(t, monitor.Connected(), "a stopped prober reports nothing")
}
