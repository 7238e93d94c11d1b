// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overhttp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-overline/overline"
)

// ConnectivityReporter receives raw reachability observations. *overline.NetworkMonitor implements it.
type ConnectivityReporter interface {
	Report(connected bool)
}

// Prober actively checks the server health endpoint and reports reachability. It complements
// platform connectivity callbacks, which only know that an interface is up.
type Prober struct {
	client   *Client
	reporter ConnectivityReporter
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober that reports into reporter every interval
func NewProber(client *Client, reporter ConnectivityReporter, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		client:   client,
		reporter: reporter,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Probe performs one health check, reports the result and returns it
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.client.Health(probeCtx)
	if ctx.Err() != nil {
		// Stopped mid-probe: the outcome says nothing about the network.
		return false
	}
	if err != nil {
		p.logger.Debug("Connectivity probe failed", "error", err)
	}
	p.reporter.Report(err == nil)
	return err == nil
}

// Start probes immediately and then every interval until Stop or ctx is done
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

func (p *Prober) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Stop halts probing and waits for the loop to exit. Safe to call multiple times.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

var _ ConnectivityReporter = (*overline.NetworkMonitor)(nil)
