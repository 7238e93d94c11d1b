// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-overline/overhttp"
	"github.com/mobiletoly/go-overline/overline"
)

// Device is one simulated phone: an engine over a durable store, talking to the backend
type Device struct {
	ID     string
	Engine *overline.Engine
	Client *overhttp.Client

	store  overline.DurableStore
	prober *overhttp.Prober
	logger *slog.Logger
}

func deviceConfig() *overline.Config {
	return &overline.Config{
		MaxAttempts:      5,
		BackoffMin:       20 * time.Millisecond,
		BackoffMax:       200 * time.Millisecond,
		SendTimeout:      2 * time.Second,
		NetworkDebounce:  10 * time.Millisecond,
		CacheMaxEntries:  100,
		SnapshotInterval: 50 * time.Millisecond,
		SessionLogSize:   20,
	}
}

// Launch initializes the engine; the device starts offline until told otherwise
func (d *Device) Launch(ctx context.Context) error {
	if err := d.Engine.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine on %s: %w", d.ID, err)
	}
	d.logger.Info("Device launched", "device", d.ID, "pending", len(d.Engine.PendingMutations()))
	return nil
}

// StartProber lets health checks against the backend drive connectivity
func (d *Device) StartProber(ctx context.Context, interval time.Duration) {
	d.prober = overhttp.NewProber(d.Client, d.Engine.Network(), interval, d.logger)
	d.prober.Start(ctx)
}

// SetOnline reports connectivity and waits for the debounced transition
func (d *Device) SetOnline(ctx context.Context, online bool) error {
	d.Engine.Network().Report(online)
	return waitFor(ctx, time.Second, fmt.Sprintf("%s online=%v", d.ID, online), func() bool {
		return d.Engine.Network().Connected() == online
	})
}

// Create, Update and Delete enqueue entity writes
func (d *Device) Create(ctx context.Context, entity string, payload any) (string, error) {
	return d.mutate(ctx, entity, overline.KindCreate, payload)
}

func (d *Device) Update(ctx context.Context, entity string, payload any) (string, error) {
	return d.mutate(ctx, entity, overline.KindUpdate, payload)
}

func (d *Device) Delete(ctx context.Context, entity string) (string, error) {
	return d.mutate(ctx, entity, overline.KindDelete, nil)
}

func (d *Device) mutate(ctx context.Context, entity, kind string, payload any) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}
	id, err := d.Engine.Mutate(ctx, overline.MutationInput{TargetEntity: entity, Kind: kind, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("failed to %s %s: %w", kind, entity, err)
	}
	return id, nil
}

// ReadEntity decodes the cached view of an entity
func (d *Device) ReadEntity(entity string) (map[string]any, bool, error) {
	entry, ok := d.Engine.Read(overline.EntitySignature(entity))
	if !ok || entry.Invalid {
		return nil, false, nil
	}
	var out map[string]any
	if err := json.Unmarshal(entry.Data, &out); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached %s: %w", entity, err)
	}
	return out, true, nil
}

// WaitDrained waits until no mutation is queued or in flight
func (d *Device) WaitDrained(ctx context.Context, timeout time.Duration) error {
	return waitFor(ctx, timeout, d.ID+" queue drained", func() bool {
		return len(d.Engine.PendingMutations()) == 0
	})
}

// Close stops the device like an app being killed after a suspend
func (d *Device) Close(ctx context.Context) error {
	if d.prober != nil {
		d.prober.Stop()
		d.prober = nil
	}
	if err := d.Engine.Teardown(ctx); err != nil {
		return fmt.Errorf("failed to tear down %s: %w", d.ID, err)
	}
	if c, ok := d.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close store of %s: %w", d.ID, err)
		}
	}
	return nil
}

func waitFor(ctx context.Context, timeout time.Duration, what string, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}
