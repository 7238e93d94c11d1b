// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-overline/overline"
)

// midDrainAbortScenario loses connectivity right after the first delivery of a drain
type midDrainAbortScenario struct {
	device *Device
}

func (s *midDrainAbortScenario) Name() string { return ScenarioMidDrainAbort }

func (s *midDrainAbortScenario) Description() string {
	return "Losing connectivity mid-drain stops the session; the rest goes out on reconnect"
}

func (s *midDrainAbortScenario) Execute(ctx context.Context, env *Env) error {
	d, err := env.OpenDevice(ctx, "phone-1")
	if err != nil {
		return err
	}
	s.device = d

	for i := 1; i <= 4; i++ {
		entity := fmt.Sprintf("resource-%d", i)
		if _, err := d.Create(ctx, entity, map[string]any{"name": fmt.Sprintf("Saved resource %d", i)}); err != nil {
			return err
		}
	}

	var aborted atomic.Bool
	unsubscribe, err := d.Engine.OnSession(func(sess overline.SyncSession) {
		if sess.Aborted {
			aborted.Store(true)
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	var once sync.Once
	env.Backend.AfterApply(func() {
		once.Do(func() {
			d.Engine.Network().Report(false)
			_ = waitFor(context.Background(), time.Second, "connectivity lost", func() bool {
				return !d.Engine.Network().Connected()
			})
		})
	})

	// Not SetOnline: the connection drops again before a poll could observe it.
	d.Engine.Network().Report(true)
	if err := waitFor(ctx, drainTimeout, "aborted session", aborted.Load); err != nil {
		return err
	}
	if err := expectEqual("applied before abort", env.Backend.Store.AppliedCount(), 1); err != nil {
		return err
	}
	if err := expectEqual("pending after abort", len(d.Engine.PendingMutations()), 3); err != nil {
		return err
	}

	env.Backend.AfterApply(nil)
	if err := d.SetOnline(ctx, true); err != nil {
		return err
	}
	return d.WaitDrained(ctx, drainTimeout)
}

func (s *midDrainAbortScenario) Verify(ctx context.Context, env *Env) error {
	want := []string{"resource-1", "resource-2", "resource-3", "resource-4"}
	if got := env.Backend.Store.AppliedEntities(); !slices.Equal(got, want) {
		return fmt.Errorf("server apply order = %v, want %v", got, want)
	}
	if err := expectEqual("server calls", env.Backend.MutationCalls(), 4); err != nil {
		return err
	}
	return expectServerField(ctx, s.device, "resource-4", "name", "Saved resource 4")
}
