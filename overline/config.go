// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"time"
)

// Config holds tuning for the sync engine
type Config struct {
	MaxAttempts        int           // retry budget before a transient failure becomes permanent
	BackoffMin         time.Duration // 1s
	BackoffMax         time.Duration // 5m
	SendTimeout        time.Duration // bound for a single transport send
	NetworkDebounce    time.Duration // connectivity must be stable this long before a transition is emitted
	InitiallyConnected bool          // assumed state before the platform reports
	CacheMaxEntries    int           // QueryCache bound
	CacheMaxStaleAge   time.Duration // entries stale for longer than this are pruned (0 = never)
	SnapshotInterval   time.Duration // coalescing window for cache snapshots
	BackgroundInterval time.Duration // requested wake-up period for background drains
	SessionLogSize     int           // number of sync sessions kept in the durable audit log
}

// DefaultConfig returns the configuration used when callers do not override anything.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:        8,
		BackoffMin:         1 * time.Second,
		BackoffMax:         5 * time.Minute,
		SendTimeout:        30 * time.Second,
		NetworkDebounce:    2 * time.Second,
		InitiallyConnected: false,
		CacheMaxEntries:    500,
		CacheMaxStaleAge:   7 * 24 * time.Hour,
		SnapshotInterval:   5 * time.Second,
		BackgroundInterval: 15 * time.Minute,
		SessionLogSize:     50,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = d.MaxAttempts
	}
	if out.BackoffMin <= 0 {
		out.BackoffMin = d.BackoffMin
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = d.BackoffMax
	}
	if out.BackoffMax < out.BackoffMin {
		out.BackoffMax = out.BackoffMin
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = d.SendTimeout
	}
	if out.NetworkDebounce < 0 {
		out.NetworkDebounce = 0
	}
	if out.CacheMaxEntries <= 0 {
		out.CacheMaxEntries = d.CacheMaxEntries
	}
	if out.SnapshotInterval <= 0 {
		out.SnapshotInterval = d.SnapshotInterval
	}
	if out.BackgroundInterval <= 0 {
		out.BackgroundInterval = d.BackgroundInterval
	}
	if out.SessionLogSize <= 0 {
		out.SessionLogSize = d.SessionLogSize
	}
	return &out
}

// ConfigSource is the external configuration collaborator. It is consulted at
// process start and on every background registration attempt.
type ConfigSource interface {
	BackgroundSyncEnabled() bool
}

// StaticConfig is a ConfigSource with a fixed value.
type StaticConfig struct {
	BackgroundSync bool
}

func (s StaticConfig) BackgroundSyncEnabled() bool { return s.BackgroundSync }
