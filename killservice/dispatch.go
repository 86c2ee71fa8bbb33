// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package killservice

import (
	"fmt"
	"sort"

	metrics "github.com/armon/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/nomad-its/structs"
)

// dispatch runs one dispatch pass: it fills in-flight up to
// killChunkSize from pending, in deterministic (ascending InstanceID)
// order, then re-arms or cancels the retry timer. It must only ever
// be called from the mailbox goroutine.
func (c *Core) dispatch() {
	budget := c.cfg.KillChunkSize - len(c.inflight)
	if budget > 0 {
		ids := make([]string, 0, len(c.pending))
		for id := range c.pending {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		if budget < len(ids) {
			ids = ids[:budget]
		}

		for _, idStr := range ids {
			id := structs.InstanceID(idStr)
			e := c.pending[id]
			delete(c.pending, id)
			c.issue(e)
		}
	}
	c.syncRetryTimer()
}

// issue dispatches a single entry: it either force-expunges a lost or
// already-all-terminal instance, or issues a best-effort kill per
// task, then moves the entry into in-flight with an incremented
// attempt count and refreshed issuedAt. It is also used by the retry
// path, where the entry is already in-flight and simply gets replaced
// in place.
func (c *Core) issue(e *ToKill) {
	labels := []metrics.Label{{Name: "instance_id", Value: string(e.InstanceID)}}

	switch {
	case e.lost() || e.allTerminal():
		emitExpunge(labels)
		c.issueForceExpunge(e.InstanceID)
	default:
		emitIssued(labels, len(e.TaskIDs))
		c.issueDriverCalls(e)
	}

	e.Attempts++
	e.IssuedAt = c.clock.Now()
	c.inflight[e.InstanceID] = e
	emitInFlightGauge(len(c.inflight))
}

// issueDriverCalls issues a best-effort kill for every task in e,
// offloaded to a worker goroutine so a blocking driver transport never
// stalls the mailbox. Failures across the batch are aggregated and
// logged once rather than one line per task.
func (c *Core) issueDriverCalls(e *ToKill) {
	if c.driver == nil {
		// No driver configured: skipped silently, the retry loop will
		// revisit.
		return
	}

	taskIDs := e.TaskIDs
	instanceID := e.InstanceID
	go func() {
		var result *multierror.Error
		for _, tid := range taskIDs {
			if err := c.driver.KillTask(tid.DriverTaskID); err != nil {
				result = multierror.Append(result, fmt.Errorf("task %s: %w", tid.Name, err))
			}
		}
		if result != nil {
			c.logger.Warn("driver kill calls failed", "instance_id", instanceID, "error", result)
		}
	}()
}

// issueForceExpunge invokes the state processor off the mailbox
// goroutine, the same fire-and-forget discipline as issueDriverCalls.
func (c *Core) issueForceExpunge(id structs.InstanceID) {
	go c.stateOp.ForceExpunge(id)
}

// syncRetryTimer keeps the invariant that the retry timer is armed iff
// in-flight is non-empty.
func (c *Core) syncRetryTimer() {
	if len(c.inflight) > 0 {
		c.retryTimer.Setup()
	} else {
		c.retryTimer.Cancel()
	}
}

// retryTick handles one retry-timer firing: for every in-flight entry
// whose age has crossed killRetryTimeout, either force-expunge
// (attempts exhausted) or re-issue.
func (c *Core) retryTick() {
	now := c.clock.Now()
	for id, e := range c.inflight {
		if now.Sub(e.IssuedAt) < c.cfg.KillRetryTimeout {
			continue
		}

		if c.cfg.KillRetryMax != nil && e.Attempts >= *c.cfg.KillRetryMax {
			labels := []metrics.Label{{Name: "instance_id", Value: string(id)}}
			emitRetryExhausted(labels)
			c.issueForceExpunge(id)
			continue // e stays in-flight unchanged; a terminal event will clean it up.
		}

		labels := []metrics.Label{{Name: "instance_id", Value: string(id)}}
		emitRetryAttempt(labels)
		c.issue(e)
	}
	c.syncRetryTimer()
}
