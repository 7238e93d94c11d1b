// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-overline/overline"
	"github.com/mobiletoly/go-overline/overserver"
)

// validationFailureScenario sends a profile update the server rejects and resolves it
// from the failed list
type validationFailureScenario struct {
	device *Device
}

func (s *validationFailureScenario) Name() string { return ScenarioValidationFailure }

func (s *validationFailureScenario) Description() string {
	return "A rejected write fails permanently without retries and can be discarded"
}

// Validator rejects profile phone numbers that are not all digits
func (s *validationFailureScenario) Validator() overserver.ValidateFunc {
	return func(entity, kind string, payload json.RawMessage) error {
		if !strings.HasPrefix(entity, "profile-") || kind == overline.KindDelete {
			return nil
		}
		var body map[string]any
		if err := json.Unmarshal(payload, &body); err != nil {
			return &overserver.ValidationError{Field: "payload", Reason: "must be an object"}
		}
		phone, ok := body["phone"].(string)
		if !ok {
			return nil
		}
		if phone == "" || strings.Trim(phone, "0123456789") != "" {
			return &overserver.ValidationError{Field: "phone", Reason: "must contain digits only"}
		}
		return nil
	}
}

func (s *validationFailureScenario) Execute(ctx context.Context, env *Env) error {
	d, err := env.OpenDevice(ctx, "phone-1")
	if err != nil {
		return err
	}
	s.device = d
	if err := d.SetOnline(ctx, true); err != nil {
		return err
	}

	if _, err := d.Create(ctx, "profile-1", map[string]any{"name": "Ana", "phone": "5551234"}); err != nil {
		return err
	}
	if err := d.WaitDrained(ctx, drainTimeout); err != nil {
		return err
	}

	id, err := d.Update(ctx, "profile-1", map[string]any{"phone": "call me"})
	if err != nil {
		return err
	}
	if err := waitFor(ctx, drainTimeout, "failed mutation", func() bool {
		return len(d.Engine.FailedMutations()) == 1
	}); err != nil {
		return err
	}

	failed := d.Engine.FailedMutations()[0]
	if failed.ID != id || failed.LastErrorClass != overline.ErrorClassNonRetryable {
		return fmt.Errorf("failed mutation = %+v, want %s classified non-retryable", failed, id)
	}
	env.Report.AddMetric("failed_attempts", failed.Attempts)
	env.Report.AddMetric("failed_error", failed.LastError)

	cached, ok, err := d.ReadEntity("profile-1")
	if err != nil {
		return err
	}
	if !ok || cached["phone"] != "call me" {
		return fmt.Errorf("cached profile-1 = %v, want the optimistic value until resolved", cached)
	}

	return d.Engine.DiscardMutation(ctx, id)
}

func (s *validationFailureScenario) Verify(ctx context.Context, env *Env) error {
	if err := expectEqual("applied mutations", env.Backend.Store.AppliedCount(), 1); err != nil {
		return err
	}
	if err := expectEqual("server calls", env.Backend.MutationCalls(), 2); err != nil {
		return err
	}
	if n := len(s.device.Engine.FailedMutations()); n != 0 {
		return fmt.Errorf("%d failed mutations left after discard", n)
	}
	if _, ok, _ := s.device.ReadEntity("profile-1"); ok {
		return fmt.Errorf("discarded optimistic value is still cached")
	}
	return expectServerField(ctx, s.device, "profile-1", "phone", "5551234")
}
