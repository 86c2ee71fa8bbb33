// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package killservice

import metrics "github.com/armon/go-metrics"

// emitIssued records a driver kill issuance, mirroring
// allocrunnerv2/taskrunner.TaskRunner.SetState's tagged-counter idiom.
func emitIssued(labels []metrics.Label, n int) {
	metrics.IncrCounterWithLabels([]string{"killservice", "dispatch", "issued"}, float32(n), labels)
}

func emitExpunge(labels []metrics.Label) {
	metrics.IncrCounterWithLabels([]string{"killservice", "expunge"}, 1, labels)
}

func emitRetryAttempt(labels []metrics.Label) {
	metrics.IncrCounterWithLabels([]string{"killservice", "retry", "attempt"}, 1, labels)
}

func emitRetryExhausted(labels []metrics.Label) {
	metrics.IncrCounterWithLabels([]string{"killservice", "retry", "exhausted"}, 1, labels)
}

func emitInFlightGauge(n int) {
	metrics.SetGauge([]string{"killservice", "inflight"}, float32(n))
}
