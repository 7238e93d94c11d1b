// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Scenario is a scripted device story followed by checks against the server state
type Scenario interface {
	Name() string
	Description() string
	Execute(ctx context.Context, env *Env) error
	Verify(ctx context.Context, env *Env) error
}

// Scenario names
const (
	ScenarioOfflineOnline     = "offline-online"
	ScenarioOrdering          = "ordering"
	ScenarioValidationFailure = "validation-failure"
	ScenarioMidDrainAbort     = "mid-drain-abort"
	ScenarioRestart           = "restart"
	ScenarioIdempotentReplay  = "idempotent-replay"
)

const drainTimeout = 5 * time.Second

// GetScenario creates a scenario instance by name, or nil if unknown
func GetScenario(name string) Scenario {
	switch name {
	case ScenarioOfflineOnline:
		return &offlineOnlineScenario{}
	case ScenarioOrdering:
		return &orderingScenario{}
	case ScenarioValidationFailure:
		return &validationFailureScenario{}
	case ScenarioMidDrainAbort:
		return &midDrainAbortScenario{}
	case ScenarioRestart:
		return &restartScenario{}
	case ScenarioIdempotentReplay:
		return &idempotentReplayScenario{}
	default:
		return nil
	}
}

// AvailableScenarios lists every scenario name in run order
func AvailableScenarios() []string {
	return []string{
		ScenarioOfflineOnline,
		ScenarioOrdering,
		ScenarioValidationFailure,
		ScenarioMidDrainAbort,
		ScenarioRestart,
		ScenarioIdempotentReplay,
	}
}

// expectServerField fetches entity through the device's client and compares one field
func expectServerField(ctx context.Context, d *Device, entity, field string, want any) error {
	got, err := d.Client.FetchEntity(ctx, entity)
	if err != nil {
		return fmt.Errorf("failed to fetch %s from server: %w", entity, err)
	}
	var body map[string]any
	if err := json.Unmarshal(got.Data, &body); err != nil {
		return fmt.Errorf("failed to decode %s: %w", entity, err)
	}
	if fmt.Sprint(body[field]) != fmt.Sprint(want) {
		return fmt.Errorf("server %s.%s = %v, want %v", entity, field, body[field], want)
	}
	return nil
}

func expectEqual[T comparable](what string, got, want T) error {
	if got != want {
		return fmt.Errorf("%s = %v, want %v", what, got, want)
	}
	return nil
}
