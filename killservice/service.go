// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package killservice

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/nomad-its/driver"
	"github.com/hashicorp/nomad-its/stream"
	"github.com/hashicorp/nomad-its/structs"
	"github.com/hashicorp/nomad-its/watch"
)

// mailboxSize bounds how many submissions, retry ticks and inspection
// requests can queue before a sender blocks. Bus events do not pass
// through the mailbox; they arrive on the core's own subscription. Generous enough that a burst of
// concurrent KillInstances callers never contends with the mailbox
// goroutine's own processing rate.
const mailboxSize = 1024

type msgKind uint8

const (
	msgKillInstances msgKind = iota
	msgKillUnknownTask
	msgRetryTick
	msgInspect
)

type message struct {
	kind      msgKind
	instances []structs.Instance
	taskID    structs.TaskID
	reply     chan Snapshot
}

// Snapshot is a point-in-time read of the core's tables, obtained
// through the mailbox itself (see Inspect) so reading it is never a
// data race with the single mutator goroutine.
type Snapshot struct {
	Pending    int
	InFlight   int
	RetryArmed bool
}

// Core is the kill-service state machine: a single mailbox goroutine
// owning the pending/in-flight tables, tying together the clock, retry
// timer, event bus, driver handle and state processor. All table
// mutation happens exclusively inside Run's goroutine — callers only
// ever send messages or read via the handful of inspection methods
// meant for tests.
type Core struct {
	logger hclog.Logger
	clock  Clock
	cfg    Config

	driver  driver.Handle // may be nil: driver calls are skipped silently
	stateOp StateOpProcessor
	bus     *stream.Bus

	retryTimer *RetryTimer
	mailbox    chan message

	pending  map[structs.InstanceID]*ToKill
	inflight map[structs.InstanceID]*ToKill

	ctx       context.Context
	ctxCancel context.CancelFunc
	waitCh    chan struct{}
}

// NewCore constructs a Core. after, if non-nil, overrides the retry
// timer's timer source (tests inject a virtual-clock-driven one); nil
// means the real time.After.
func NewCore(logger hclog.Logger, clock Clock, cfg Config, bus *stream.Bus, drv driver.Handle, stateOp StateOpProcessor, after AfterFunc) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		logger:    logger.Named("killservice"),
		clock:     clock,
		cfg:       cfg,
		driver:    drv,
		stateOp:   stateOp,
		bus:       bus,
		mailbox:   make(chan message, mailboxSize),
		pending:   make(map[structs.InstanceID]*ToKill),
		inflight:  make(map[structs.InstanceID]*ToKill),
		ctx:       ctx,
		ctxCancel: cancel,
		waitCh:    make(chan struct{}),
	}
	c.retryTimer = NewRetryTimer(cfg.KillRetryTimeout, after, c.postRetryTick)
	return c, nil
}

func (c *Core) postRetryTick() {
	select {
	case c.mailbox <- message{kind: msgRetryTick}:
	case <-c.ctx.Done():
	}
}

// KillInstances registers the watcher synchronously (before this call
// returns, let alone before the mailbox processes the submission) and
// returns a Completion that resolves once every listed instance has
// reached a terminal event.
func (c *Core) KillInstances(instances []structs.Instance) *watch.Completion {
	ids := make([]structs.InstanceID, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}

	completion := watch.Watch(c.ctx, c.bus, ids)

	select {
	case c.mailbox <- message{kind: msgKillInstances, instances: instances}:
	case <-c.ctx.Done():
	}
	return completion
}

// KillUnknownTaskByID submits a single-task entry with no instance
// snapshot. It is fire-and-forget: no watcher is registered.
func (c *Core) KillUnknownTaskByID(taskID structs.TaskID) {
	select {
	case c.mailbox <- message{kind: msgKillUnknownTask, taskID: taskID}:
	case <-c.ctx.Done():
	}
}

// Run drains the mailbox and the event bus until Shutdown is called.
// It must be invoked from its own goroutine by the caller.
func (c *Core) Run() {
	defer close(c.waitCh)
	defer c.retryTimer.Cancel()

	events, subID := c.bus.Subscribe(c.ctx)
	defer c.bus.Unsubscribe(subID)

	for {
		select {
		case <-c.ctx.Done():
			c.logShutdownResidual()
			return
		case ev, ok := <-events:
			if !ok {
				c.logShutdownResidual()
				return
			}
			c.handleEvent(ev)
		case msg := <-c.mailbox:
			c.handleMessage(msg)
		}
	}
}

// Shutdown cancels the core's context and blocks until Run has
// returned.
func (c *Core) Shutdown() {
	c.ctxCancel()
	<-c.waitCh
}

func (c *Core) handleMessage(msg message) {
	switch msg.kind {
	case msgKillInstances:
		c.submitInstances(msg.instances)
	case msgKillUnknownTask:
		c.submitUnknownTask(msg.taskID)
	case msgRetryTick:
		c.retryTick()
		return // retryTick already re-syncs the timer; no pending entries to dispatch.
	case msgInspect:
		msg.reply <- Snapshot{
			Pending:    len(c.pending),
			InFlight:   len(c.inflight),
			RetryArmed: c.retryTimer.Armed(),
		}
		return
	}
	c.dispatch()
}

// submitInstances upserts a fresh ToKill for every instance, replacing
// any prior entry (in either table) for that InstanceID — the new
// snapshot wins, discarding prior attempts.
func (c *Core) submitInstances(instances []structs.Instance) {
	for _, inst := range instances {
		inst := inst // local copy for the pointer stored below
		id := inst.ID
		delete(c.pending, id)
		delete(c.inflight, id)
		c.pending[id] = &ToKill{
			InstanceID: id,
			TaskIDs:    inst.NonTerminalTaskIDs(),
			Instance:   &inst,
		}
	}
}

// submitUnknownTask upserts a single-task entry with no Instance
// snapshot.
func (c *Core) submitUnknownTask(taskID structs.TaskID) {
	id := taskID.InstanceID
	delete(c.pending, id)
	delete(c.inflight, id)
	c.pending[id] = &ToKill{
		InstanceID: id,
		TaskIDs:    []structs.TaskID{taskID},
	}
}

// handleEvent clears a terminal event's instance from both tables and
// triggers a dispatch pass. Events for ids in neither table, or
// non-terminal events, are dropped silently.
func (c *Core) handleEvent(ev stream.Event) {
	if !ev.Terminal() {
		return
	}

	id := ev.InstanceID
	_, inPending := c.pending[id]
	_, inFlight := c.inflight[id]
	if !inPending && !inFlight {
		return
	}

	delete(c.pending, id)
	delete(c.inflight, id)
	emitInFlightGauge(len(c.inflight))
	c.dispatch()
}

func (c *Core) logShutdownResidual() {
	if len(c.pending) == 0 && len(c.inflight) == 0 {
		return
	}
	pending := make([]structs.InstanceID, 0, len(c.pending))
	for id := range c.pending {
		pending = append(pending, id)
	}
	inflight := make([]structs.InstanceID, 0, len(c.inflight))
	for id := range c.inflight {
		inflight = append(inflight, id)
	}
	c.logger.Warn("kill service stopped with residual entries",
		"pending", pending, "inflight", inflight)
}

// Inspect returns a Snapshot of the core's tables, round-tripped
// through the mailbox so it never races the mutator goroutine. Tests
// use it to assert the core's invariants (|in-flight| <= killChunkSize,
// retryTimer.armed <=> |in-flight| > 0); production code never needs
// it.
func (c *Core) Inspect() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case c.mailbox <- message{kind: msgInspect, reply: reply}:
	case <-c.ctx.Done():
		return Snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-c.ctx.Done():
		return Snapshot{}
	}
}
