// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package killservice

import "github.com/hashicorp/nomad-its/structs"

// StateOpProcessor is the authoritative-state capability the core uses
// to force-expunge an instance when the driver cannot be relied upon.
// The call is best-effort; the core never observes its acknowledgement
// directly and instead relies on the resulting terminal event.
type StateOpProcessor interface {
	ForceExpunge(id structs.InstanceID)
}
