// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"log/slog"
	"sync"
	"time"
)

// NetworkState is the debounced connectivity view shared with the rest of the engine.
type NetworkState struct {
	Connected               bool      `json:"connected"`
	TransitionedAt          time.Time `json:"transitioned_at"`
	ConsecutiveFailureCount int       `json:"consecutive_failure_count"`
}

type NetworkMonitorConfig struct {
	Debounce           time.Duration
	InitiallyConnected bool
	Logger             *slog.Logger
}

// NetworkMonitor turns raw platform connectivity reports into debounced transitions.
// A new value must hold for Debounce before listeners hear about it; a report that flips
// back inside the window cancels the pending transition.
type NetworkMonitor struct {
	debounce time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     NetworkState
	pending   *time.Timer
	pendingTo bool
	gen       uint64 // invalidates timers that were stopped too late
	subs      map[int64]func(NetworkState)
	nextSubID int64
}

func NewNetworkMonitor(cfg NetworkMonitorConfig) *NetworkMonitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce < 0 {
		debounce = 0
	}
	return &NetworkMonitor{
		debounce: debounce,
		logger:   logger,
		now:      time.Now,
		state:    NetworkState{Connected: cfg.InitiallyConnected, TransitionedAt: time.Now()},
		subs:     make(map[int64]func(NetworkState)),
	}
}

// State returns the current debounced state.
func (m *NetworkMonitor) State() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected is shorthand for State().Connected.
func (m *NetworkMonitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connected
}

// OnChange registers cb for debounced transitions. Callbacks run on the monitor's
// timer goroutine.
func (m *NetworkMonitor) OnChange(cb func(NetworkState)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subs[id] = cb
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Report records a raw connectivity observation from the platform.
func (m *NetworkMonitor) Report(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if connected == m.state.Connected {
		if m.pending != nil {
			m.stopPendingLocked()
			m.logger.Debug("Connectivity flap ignored", "connected", connected)
		}
		return
	}
	if m.pending != nil && m.pendingTo == connected {
		return
	}
	m.stopPendingLocked()
	gen := m.gen
	m.pendingTo = connected
	m.pending = time.AfterFunc(m.debounce, func() { m.commit(gen) })
}

func (m *NetworkMonitor) commit(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.pending == nil {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.gen++
	m.state.Connected = m.pendingTo
	m.state.TransitionedAt = m.now()
	if m.state.Connected {
		m.state.ConsecutiveFailureCount = 0
	}
	state := m.state
	subs := make([]func(NetworkState), 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", "connected", state.Connected)
	for _, cb := range subs {
		cb(state)
	}
}

// RecordSendFailure counts a transient transport failure.
func (m *NetworkMonitor) RecordSendFailure() {
	m.mu.Lock()
	m.state.ConsecutiveFailureCount++
	m.mu.Unlock()
}

// RecordSendSuccess resets the failure counter.
func (m *NetworkMonitor) RecordSendSuccess() {
	m.mu.Lock()
	m.state.ConsecutiveFailureCount = 0
	m.mu.Unlock()
}

// Stop cancels a pending transition. The monitor stays usable.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopPendingLocked()
}

func (m *NetworkMonitor) stopPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.gen++
}
