// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mobiletoly/go-overline/overhttp"
)

// orderingScenario interleaves writes to two entities and checks the server saw them in
// enqueue order
type orderingScenario struct {
	device *Device
}

func (s *orderingScenario) Name() string { return ScenarioOrdering }

func (s *orderingScenario) Description() string {
	return "Queued writes reach the server in the order they were made"
}

func (s *orderingScenario) Execute(ctx context.Context, env *Env) error {
	d, err := env.OpenDevice(ctx, "phone-1")
	if err != nil {
		return err
	}
	s.device = d

	steps := []func() (string, error){
		func() (string, error) { return d.Create(ctx, "case-a", map[string]any{"title": "Legal aid"}) },
		func() (string, error) { return d.Create(ctx, "note-b", map[string]any{"text": "Call back Tuesday"}) },
		func() (string, error) { return d.Update(ctx, "case-a", map[string]any{"status": "closed"}) },
		func() (string, error) { return d.Delete(ctx, "note-b") },
	}
	for _, step := range steps {
		if _, err := step(); err != nil {
			return err
		}
	}

	if err := d.SetOnline(ctx, true); err != nil {
		return err
	}
	return d.WaitDrained(ctx, drainTimeout)
}

func (s *orderingScenario) Verify(ctx context.Context, env *Env) error {
	want := []string{"case-a", "note-b", "case-a", "note-b"}
	got := env.Backend.Store.AppliedEntities()
	if !slices.Equal(got, want) {
		return fmt.Errorf("server apply order = %v, want %v", got, want)
	}
	if err := expectServerField(ctx, s.device, "case-a", "status", "closed"); err != nil {
		return err
	}
	if _, err := s.device.Client.FetchEntity(ctx, "note-b"); !errors.Is(err, overhttp.ErrNotFound) {
		return fmt.Errorf("deleted note-b fetch error = %v, want not found", err)
	}
	return nil
}
