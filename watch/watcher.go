// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package watch implements the kill-stream watcher: given a set of
// instance ids and a subscription to the event bus, it resolves a
// one-shot Completion exactly once every id in the set has been
// observed in a terminal event.
package watch

import (
	"context"
	"sync"

	set "github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/nomad-its/stream"
	"github.com/hashicorp/nomad-its/structs"
)

// Completion is a write-once signal a caller awaits or cancels. It
// never surfaces an error: completion means success-or-never.
type Completion struct {
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

// Done returns a channel that is closed when every watched instance
// has been observed terminal.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Cancel releases the watcher's subscription without resolving Done.
// Safe to call more than once and safe to call after Done has already
// fired (a no-op in that case).
func (c *Completion) Cancel() {
	c.cancel()
}

func (c *Completion) resolve() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Watch registers a watcher for ids against bus and returns a
// Completion that resolves once every id has appeared in a terminal
// event. The subscription is established synchronously, before Watch
// returns, so the caller's own kill issuance can never race a terminal
// event delivered before the subscription exists.
func Watch(ctx context.Context, bus *stream.Bus, ids []structs.InstanceID) *Completion {
	remaining := set.New[structs.InstanceID](len(ids))
	remaining.InsertSlice(ids)

	watchCtx, cancel := context.WithCancel(ctx)
	comp := &Completion{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	if remaining.Empty() {
		cancel()
		comp.resolve()
		return comp
	}

	events, subID := bus.Subscribe(watchCtx)

	go func() {
		defer bus.Unsubscribe(subID)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !ev.Terminal() {
					continue
				}
				if !remaining.Remove(ev.InstanceID) {
					continue // id not in our set, or already removed
				}
				if remaining.Empty() {
					comp.resolve()
					cancel()
					return
				}
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return comp
}
