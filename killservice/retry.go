// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package killservice

import (
	"sync"
	"time"
)

// AfterFunc abstracts the timer source RetryTimer uses to wait out an
// interval, so tests can inject a virtual clock instead of sleeping in
// real time. The default is time.After.
type AfterFunc func(d time.Duration) <-chan time.Time

// RetryTimer is an armed/disarmed periodic ticker. Setup is
// idempotent; Cancel is idempotent. Arming schedules onTick to be
// invoked every interval until cancelled.
type RetryTimer struct {
	interval time.Duration
	after    AfterFunc
	onTick   func()

	mu     sync.Mutex
	armed  bool
	stopCh chan struct{}
}

// NewRetryTimer constructs a RetryTimer. If after is nil, time.After
// is used.
func NewRetryTimer(interval time.Duration, after AfterFunc, onTick func()) *RetryTimer {
	if after == nil {
		after = time.After
	}
	return &RetryTimer{
		interval: interval,
		after:    after,
		onTick:   onTick,
	}
}

// Setup arms the timer if it isn't already armed. Re-arming while
// already armed is a no-op.
func (t *RetryTimer) Setup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return
	}
	t.armed = true
	stop := make(chan struct{})
	t.stopCh = stop
	go t.loop(stop)
}

// Cancel disarms the timer. Safe to call when already disarmed.
func (t *RetryTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return
	}
	t.armed = false
	close(t.stopCh)
}

// Armed reports whether the timer is currently scheduling ticks.
func (t *RetryTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *RetryTimer) loop(stop chan struct{}) {
	for {
		select {
		case <-t.after(t.interval):
			select {
			case <-stop:
				return
			default:
			}
			t.onTick()
		case <-stop:
			return
		}
	}
}
