// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stream implements the event bus the kill service and its
// watchers subscribe to. It is deliberately narrow: the core only
// ever cares about two event kinds, so the bus carries a closed set of
// tagged variants rather than a general pub/sub envelope.
package stream

import "github.com/hashicorp/nomad-its/structs"

// Kind distinguishes the two event variants the kill service
// subscribes to.
type Kind uint8

const (
	// KindInstanceChanged is emitted whenever an instance's status
	// condition is updated.
	KindInstanceChanged Kind = iota
	// KindUnknownInstanceTerminated is emitted for instances the
	// cluster has no snapshot for.
	KindUnknownInstanceTerminated
)

// Event is the single wire-shape delivered to subscribers. Only the
// fields relevant to Kind are populated — a tagged record rather than
// a class hierarchy.
type Event struct {
	Kind       Kind
	InstanceID structs.InstanceID
	Condition  structs.Condition // only set for KindInstanceChanged
}

// Terminal reports whether this event denotes a terminal observation
// for its instance.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindUnknownInstanceTerminated:
		return true
	case KindInstanceChanged:
		return e.Condition.Terminal()
	default:
		return false
	}
}

// InstanceChanged constructs an InstanceChanged event.
func InstanceChanged(id structs.InstanceID, cond structs.Condition) Event {
	return Event{Kind: KindInstanceChanged, InstanceID: id, Condition: cond}
}

// UnknownInstanceTerminated constructs an UnknownInstanceTerminated event.
func UnknownInstanceTerminated(id structs.InstanceID) Event {
	return Event{Kind: KindUnknownInstanceTerminated, InstanceID: id}
}
