// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the read-only data model shared by the
// instance termination service: instances, tasks, and the terminal
// condition enum the rest of the subsystem reasons about.
package structs

import "sort"

// InstanceID is an opaque, equality-comparable identifier for an
// instance (a scheduling unit composed of one or more tasks).
type InstanceID string

// TaskID identifies a single task within an instance. DriverTaskID is
// the identifier understood by the scheduler driver, which may differ
// from the task's own logical name.
type TaskID struct {
	InstanceID   InstanceID
	Name         string
	DriverTaskID string
}

// Task is a single executable unit belonging to an Instance.
type Task struct {
	ID         TaskID
	IsTerminal bool
}

// Instance is a read-only snapshot supplied by the caller at
// submission time. The kill service never mutates it and never
// refreshes it on its own; a fresher snapshot only arrives via a new
// KillInstances call.
type Instance struct {
	ID    InstanceID
	Tasks map[string]Task

	Gone                bool
	Unknown             bool
	Dropped             bool
	Unreachable         bool
	UnreachableInactive bool
}

// IsGone reports whether the cluster has already removed this
// instance from authoritative state.
func (i *Instance) IsGone() bool { return i.Gone }

// IsUnknown reports whether the instance's status could not be
// determined.
func (i *Instance) IsUnknown() bool { return i.Unknown }

// IsDropped reports whether the instance was dropped by its agent
// node without a clean handoff.
func (i *Instance) IsDropped() bool { return i.Dropped }

// IsUnreachable reports whether the agent node hosting this instance
// cannot currently be reached.
func (i *Instance) IsUnreachable() bool { return i.Unreachable }

// IsUnreachableInactive reports whether the instance's node has been
// unreachable long enough to be considered inactive rather than
// transiently partitioned.
func (i *Instance) IsUnreachableInactive() bool { return i.UnreachableInactive }

// Lost reports whether this instance should bypass the driver
// entirely and be force-expunged on first dispatch.
func (i *Instance) Lost() bool {
	if i == nil {
		return false
	}
	return i.IsGone() || i.IsUnknown() || i.IsDropped() || i.IsUnreachable() || i.IsUnreachableInactive()
}

// NonTerminalTaskIDs returns the task ids of every task in the
// instance that has not already reached a terminal state, in a
// deterministic (name-ascending) order.
func (i *Instance) NonTerminalTaskIDs() []TaskID {
	names := make([]string, 0, len(i.Tasks))
	for name, t := range i.Tasks {
		if !t.IsTerminal {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	ids := make([]TaskID, 0, len(names))
	for _, name := range names {
		ids = append(ids, i.Tasks[name].ID)
	}
	return ids
}
