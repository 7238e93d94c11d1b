// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/mobiletoly/go-overline/overline"
)

// offlineOnlineScenario writes while the server is unreachable and lets the health
// prober discover the way back
type offlineOnlineScenario struct {
	device *Device
}

func (s *offlineOnlineScenario) Name() string { return ScenarioOfflineOnline }

func (s *offlineOnlineScenario) Description() string {
	return "Writes made offline are visible immediately and delivered once the server is reachable"
}

func (s *offlineOnlineScenario) Execute(ctx context.Context, env *Env) error {
	env.Backend.SetReachable(false)
	d, err := env.OpenDevice(ctx, "phone-1")
	if err != nil {
		return err
	}
	s.device = d
	d.StartProber(ctx, 20*time.Millisecond)

	if _, err := d.Create(ctx, "case-1", map[string]any{"title": "Intake call", "status": "new"}); err != nil {
		return err
	}
	if _, err := d.Create(ctx, "case-2", map[string]any{"title": "Shelter referral", "status": "new"}); err != nil {
		return err
	}
	if _, err := d.Update(ctx, "case-1", map[string]any{"status": "in_progress"}); err != nil {
		return err
	}

	cached, ok, err := d.ReadEntity("case-1")
	if err != nil {
		return err
	}
	if !ok || cached["status"] != "in_progress" || cached["title"] != "Intake call" {
		return fmt.Errorf("offline read of case-1 = %v, want merged optimistic state", cached)
	}
	if err := expectEqual("pending while offline", len(d.Engine.PendingMutations()), 3); err != nil {
		return err
	}
	if err := expectEqual("server calls while offline", env.Backend.MutationCalls(), 0); err != nil {
		return err
	}

	env.Logger.Info("Server reachable again")
	env.Backend.SetReachable(true)
	return d.WaitDrained(ctx, drainTimeout)
}

func (s *offlineOnlineScenario) Verify(ctx context.Context, env *Env) error {
	if err := expectEqual("applied mutations", env.Backend.Store.AppliedCount(), 3); err != nil {
		return err
	}
	if err := expectServerField(ctx, s.device, "case-1", "status", "in_progress"); err != nil {
		return err
	}
	if err := expectServerField(ctx, s.device, "case-2", "title", "Shelter referral"); err != nil {
		return err
	}

	sessions, err := s.device.Engine.Sessions(ctx)
	if err != nil {
		return err
	}
	env.Report.AddMetric("sessions", len(sessions))
	for _, sess := range sessions {
		if sess.Trigger == overline.TriggerNetworkRestored {
			return nil
		}
	}
	return fmt.Errorf("no %s session in %d sessions", overline.TriggerNetworkRestored, len(sessions))
}
