// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"fmt"
)

// restartScenario kills the app with writes still queued and relaunches it
type restartScenario struct {
	device *Device
}

func (s *restartScenario) Name() string { return ScenarioRestart }

func (s *restartScenario) Description() string {
	return "Queued writes and cached state survive an app restart and are delivered once"
}

func (s *restartScenario) Execute(ctx context.Context, env *Env) error {
	d, err := env.OpenDevice(ctx, "phone-1")
	if err != nil {
		return err
	}
	if _, err := d.Create(ctx, "case-r", map[string]any{"title": "Safety plan"}); err != nil {
		return err
	}
	if _, err := d.Update(ctx, "case-r", map[string]any{"status": "draft"}); err != nil {
		return err
	}
	if err := d.Engine.Suspend(ctx); err != nil {
		return fmt.Errorf("failed to suspend: %w", err)
	}
	if err := env.CloseDevice(ctx, d); err != nil {
		return err
	}

	d, err = env.OpenDevice(ctx, "phone-1")
	if err != nil {
		return err
	}
	s.device = d
	if err := expectEqual("pending after restart", len(d.Engine.PendingMutations()), 2); err != nil {
		return err
	}
	cached, ok, err := d.ReadEntity("case-r")
	if err != nil {
		return err
	}
	if !ok || cached["status"] != "draft" {
		return fmt.Errorf("restored case-r = %v, want the optimistic state", cached)
	}

	if err := d.SetOnline(ctx, true); err != nil {
		return err
	}
	return d.WaitDrained(ctx, drainTimeout)
}

func (s *restartScenario) Verify(ctx context.Context, env *Env) error {
	if err := expectEqual("applied mutations", env.Backend.Store.AppliedCount(), 2); err != nil {
		return err
	}
	if err := expectEqual("server calls", env.Backend.MutationCalls(), 2); err != nil {
		return err
	}
	return expectServerField(ctx, s.device, "case-r", "status", "draft")
}
