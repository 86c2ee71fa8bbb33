// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testutil holds small test helpers shared across this
// module's package tests.
package testutil

import (
	"testing"
	"time"
)

// WaitForResult polls test until it reports success, or fails t with
// the last error once the retry budget is exhausted. It exists for
// assertions on asynchronous convergence (a watcher resolving, an
// in-flight count settling) where a single synchronous check would be
// flaky.
func WaitForResult(t *testing.T, test func() (bool, error)) {
	t.Helper()

	const (
		attempts = 500
		wait     = 10 * time.Millisecond
	)

	var lastErr error
	for i := 0; i < attempts; i++ {
		ok, err := test()
		if ok {
			return
		}
		lastErr = err
		time.Sleep(wait)
	}

	t.Fatalf("timed out waiting for result: %v", lastErr)
}
