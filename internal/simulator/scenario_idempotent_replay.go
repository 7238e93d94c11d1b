// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"fmt"
)

// idempotentReplayScenario loses the server response to an applied write so the client
// resends it under the same idempotency key
type idempotentReplayScenario struct {
	device *Device
}

func (s *idempotentReplayScenario) Name() string { return ScenarioIdempotentReplay }

func (s *idempotentReplayScenario) Description() string {
	return "A resend after a lost response is absorbed by the server without a second apply"
}

func (s *idempotentReplayScenario) Execute(ctx context.Context, env *Env) error {
	d, err := env.OpenDevice(ctx, "phone-1")
	if err != nil {
		return err
	}
	s.device = d
	if err := d.SetOnline(ctx, true); err != nil {
		return err
	}

	env.Backend.DropNextResponses(1)
	if _, err := d.Create(ctx, "case-i", map[string]any{"title": "Hotline follow-up"}); err != nil {
		return err
	}
	return d.WaitDrained(ctx, drainTimeout)
}

func (s *idempotentReplayScenario) Verify(ctx context.Context, env *Env) error {
	if err := expectEqual("server calls", env.Backend.MutationCalls(), 2); err != nil {
		return err
	}
	if err := expectEqual("applied mutations", env.Backend.Store.AppliedCount(), 1); err != nil {
		return err
	}

	sessions, err := s.device.Engine.Sessions(ctx)
	if err != nil {
		return err
	}
	retried := 0
	for _, sess := range sessions {
		retried += sess.RetriedCount
	}
	env.Report.AddMetric("retried", retried)
	if retried == 0 {
		return fmt.Errorf("no session recorded a retry")
	}
	return expectServerField(ctx, s.device, "case-i", "title", "Hotline follow-up")
}
