// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package driver defines the outbound capability to the scheduler
// driver. The kill service never knows or cares what concretely
// implements Handle — a real cluster driver, a test double, or
// nothing at all.
package driver

// Handle is the opaque capability the kill service uses to ask the
// driver to kill a task. Delivery is unreliable from the kill
// service's point of view: KillTask may silently fail to reach the
// agent, and its return value (if any) carries no guarantee the task
// actually died. The kill service treats every call as fire-and-forget
// and relies entirely on the event bus for confirmation.
type Handle interface {
	// KillTask issues a best-effort kill for the task identified by
	// driverTaskID. Its return value is diagnostic only — the kill
	// service logs it and otherwise ignores it, relying entirely on
	// the event bus for confirmation. Implementations must not block
	// the caller for the duration of the underlying RPC; offload to a
	// worker if the concrete transport is synchronous.
	KillTask(driverTaskID string) error
}
