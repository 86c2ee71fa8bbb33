// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package killservice

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/nomad-its/driver"
	"github.com/hashicorp/nomad-its/state"
	"github.com/hashicorp/nomad-its/stream"
	"github.com/hashicorp/nomad-its/structs"
	"github.com/hashicorp/nomad-its/testutil"
)

type harness struct {
	t      *testing.T
	core   *Core
	bus    *stream.Bus
	store  *state.Store
	mock   *driver.MockHandle
	clock  *SettableClock
	ticker *manualTicker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	bus := stream.NewBus(hclog.NewNullLogger())
	store, err := state.NewStore(hclog.NewNullLogger(), bus)
	require.NoError(t, err)
	mock := driver.NewMockHandle()
	clock := NewSettableClock(time.Unix(0, 0))
	ticker := newManualTicker()

	core, err := NewCore(hclog.NewNullLogger(), clock, cfg, bus, mock, store, ticker.After)
	require.NoError(t, err)

	go core.Run()
	t.Cleanup(core.Shutdown)

	return &harness{t: t, core: core, bus: bus, store: store, mock: mock, clock: clock, ticker: ticker}
}

func liveInstance(id structs.InstanceID, taskName, driverTaskID string) structs.Instance {
	return structs.Instance{
		ID: id,
		Tasks: map[string]structs.Task{
			taskName: {ID: structs.TaskID{InstanceID: id, Name: taskName, DriverTaskID: driverTaskID}},
		},
	}
}

func waitSnapshot(t *testing.T, h *harness, want func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	testutil.WaitForResult(t, func() (bool, error) {
		snap = h.core.Inspect()
		return want(snap), nil
	})
	return snap
}

// Scenario: happy path.
func TestCore_HappyPath(t *testing.T) {
	h := newHarness(t, Config{KillChunkSize: 2, KillRetryTimeout: 10 * time.Second})

	a := liveInstance("a", "task", "driver-a")
	b := liveInstance("b", "task", "driver-b")
	completion := h.core.KillInstances([]structs.Instance{a, b})

	waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight == 2 })
	require.Eventually(t, func() bool {
		return h.mock.CallCount("driver-a") == 1 && h.mock.CallCount("driver-b") == 1
	}, time.Second, time.Millisecond)

	h.bus.Publish(stream.InstanceChanged("a", structs.ConditionKilled))
	h.bus.Publish(stream.InstanceChanged("b", structs.ConditionKilled))

	select {
	case <-completion.Done():
	case <-time.After(time.Second):
		t.Fatal("completion did not resolve")
	}

	waitSnapshot(t, h, func(s Snapshot) bool { return s.Pending == 0 && s.InFlight == 0 && !s.RetryArmed })
}

// Scenario: chunking.
func TestCore_Chunking(t *testing.T) {
	h := newHarness(t, Config{KillChunkSize: 2, KillRetryTimeout: 10 * time.Second})

	a := liveInstance("a", "task", "driver-a")
	b := liveInstance("b", "task", "driver-b")
	c := liveInstance("c", "task", "driver-c")
	completion := h.core.KillInstances([]structs.Instance{a, b, c})

	snap := waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight == 2 && s.Pending == 1 })
	require.Equal(t, 2, snap.InFlight)

	h.bus.Publish(stream.InstanceChanged("a", structs.ConditionKilled))

	waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight == 2 && s.Pending == 0 })
	require.Eventually(t, func() bool { return h.mock.CallCount("driver-c") == 1 }, time.Second, time.Millisecond)

	h.bus.Publish(stream.InstanceChanged("b", structs.ConditionKilled))
	h.bus.Publish(stream.InstanceChanged("c", structs.ConditionKilled))

	select {
	case <-completion.Done():
	case <-time.After(time.Second):
		t.Fatal("completion did not resolve")
	}
}

// Scenario: retry then succeed.
func TestCore_RetryThenSucceed(t *testing.T) {
	h := newHarness(t, Config{KillChunkSize: 2, KillRetryTimeout: 10 * time.Second})

	a := liveInstance("a", "task", "driver-a")
	h.mock.Drop["driver-a"] = true // first kill never reaches the driver
	completion := h.core.KillInstances([]structs.Instance{a})

	waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight == 1 && s.RetryArmed })
	require.Equal(t, 0, h.mock.CallCount("driver-a"))

	delete(h.mock.Drop, "driver-a") // driver recovers
	h.clock.Advance(10 * time.Second)
	h.ticker.Fire()

	require.Eventually(t, func() bool { return h.mock.CallCount("driver-a") == 1 }, time.Second, time.Millisecond)

	h.bus.Publish(stream.InstanceChanged("a", structs.ConditionKilled))
	select {
	case <-completion.Done():
	case <-time.After(time.Second):
		t.Fatal("completion did not resolve")
	}
}

// Scenario: retry exhaustion forces an expunge.
func TestCore_RetryExhaustionForcesExpunge(t *testing.T) {
	max := 2
	h := newHarness(t, Config{KillChunkSize: 2, KillRetryTimeout: 10 * time.Second, KillRetryMax: &max})

	a := liveInstance("a", "task", "driver-a")
	completion := h.core.KillInstances([]structs.Instance{a})
	waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight == 1 })

	h.clock.Advance(10 * time.Second)
	h.ticker.Fire() // attempts: 1 -> 2
	require.Eventually(t, func() bool { return h.mock.CallCount("driver-a") == 2 }, time.Second, time.Millisecond)

	h.clock.Advance(10 * time.Second)
	h.ticker.Fire() // attempts == max: force-expunge instead of a third driver call

	require.Eventually(t, func() bool {
		_, ok := h.store.Get("a")
		return !ok
	}, time.Second, time.Millisecond)
	require.Equal(t, 2, h.mock.CallCount("driver-a"))

	select {
	case <-completion.Done():
	case <-time.After(time.Second):
		t.Fatal("completion did not resolve after expunge's terminal event")
	}
}

// Scenario: a lost instance force-expunges without
// ever touching the driver.
func TestCore_LostInstanceForceExpunges(t *testing.T) {
	h := newHarness(t, Config{KillChunkSize: 2, KillRetryTimeout: 10 * time.Second})

	a := structs.Instance{ID: "a", UnreachableInactive: true}
	completion := h.core.KillInstances([]structs.Instance{a})

	waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight == 1 })
	require.Empty(t, h.mock.Calls())

	h.bus.Publish(stream.InstanceChanged("a", structs.ConditionGone))
	select {
	case <-completion.Done():
	case <-time.After(time.Second):
		t.Fatal("completion did not resolve")
	}
}

// Scenario: an unknown task is killed with no
// Completion involved.
func TestCore_KillUnknownTaskByID(t *testing.T) {
	h := newHarness(t, Config{KillChunkSize: 2, KillRetryTimeout: 10 * time.Second})

	taskID := structs.TaskID{InstanceID: "a", Name: "task", DriverTaskID: "driver-a"}
	h.core.KillUnknownTaskByID(taskID)

	waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight == 1 })
	require.Eventually(t, func() bool { return h.mock.CallCount("driver-a") == 1 }, time.Second, time.Millisecond)

	h.bus.Publish(stream.InstanceChanged("a", structs.ConditionKilled))
	waitSnapshot(t, h, func(s Snapshot) bool { return s.Pending == 0 && s.InFlight == 0 })
}

// Law: resubmission override — submitting the same instanceId while
// in-flight replaces the snapshot and resets attempts.
func TestCore_ResubmissionOverridesInFlight(t *testing.T) {
	h := newHarness(t, Config{KillChunkSize: 2, KillRetryTimeout: 10 * time.Second})

	a := liveInstance("a", "task", "driver-a")
	h.core.KillInstances([]structs.Instance{a})
	waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight == 1 })
	require.Eventually(t, func() bool { return h.mock.CallCount("driver-a") == 1 }, time.Second, time.Millisecond)

	// Resubmit with a different driver task id for the same instance.
	a2 := liveInstance("a", "task", "driver-a-2")
	h.core.KillInstances([]structs.Instance{a2})

	require.Eventually(t, func() bool { return h.mock.CallCount("driver-a-2") == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, h.mock.CallCount("driver-a"), "stale driver task id must not be re-issued")
}

// Invariant: in-flight never exceeds killChunkSize,
// and no id is ever in both tables.
func TestCore_ChunkSizeInvariant(t *testing.T) {
	h := newHarness(t, Config{KillChunkSize: 1, KillRetryTimeout: 10 * time.Second})

	a := liveInstance("a", "task", "driver-a")
	b := liveInstance("b", "task", "driver-b")
	h.core.KillInstances([]structs.Instance{a, b})

	snap := waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight+s.Pending == 2 })
	require.LessOrEqual(t, snap.InFlight, 1)
}

// Law: duplicated terminal delivery is a no-op after the first.
func TestCore_DuplicateTerminalEventIsNoop(t *testing.T) {
	h := newHarness(t, Config{KillChunkSize: 2, KillRetryTimeout: 10 * time.Second})

	a := liveInstance("a", "task", "driver-a")
	completion := h.core.KillInstances([]structs.Instance{a})
	waitSnapshot(t, h, func(s Snapshot) bool { return s.InFlight == 1 })

	h.bus.Publish(stream.InstanceChanged("a", structs.ConditionKilled))
	select {
	case <-completion.Done():
	case <-time.After(time.Second):
		t.Fatal("completion did not resolve")
	}

	// A second, duplicate delivery for an id in neither table must not panic
	// or otherwise disturb state.
	h.bus.Publish(stream.InstanceChanged("a", structs.ConditionKilled))
	waitSnapshot(t, h, func(s Snapshot) bool { return s.Pending == 0 && s.InFlight == 0 })
}
