// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package killservice

import (
	"time"

	"github.com/hashicorp/nomad-its/structs"
)

// ToKill is a single core entry. It is created on submission, mutated
// only by the core, and destroyed when a terminal event is observed
// for its InstanceID.
type ToKill struct {
	InstanceID structs.InstanceID
	TaskIDs    []structs.TaskID
	Instance   *structs.Instance // nil on the unknown-task path

	Attempts int
	IssuedAt time.Time // zero value means "never issued"
}

// lost reports whether this entry should bypass the driver and be
// force-expunged directly.
func (e *ToKill) lost() bool {
	return e.Instance.Lost()
}

// allTerminal reports whether this entry has no non-terminal tasks
// left to kill.
func (e *ToKill) allTerminal() bool {
	return len(e.TaskIDs) == 0
}
