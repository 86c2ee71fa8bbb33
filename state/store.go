// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state is a memdb-backed stand-in for the cluster's
// authoritative instance state store. The kill service only ever sees
// it through the StateOpProcessor seam: ForceExpunge. Everything else
// here exists to make ForceExpunge an observable, testable operation
// rather than a bare stub.
package state

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/nomad-its/stream"
	"github.com/hashicorp/nomad-its/structs"
)

const tableInstances = "instances"

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableInstances: {
				Name: tableInstances,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}

// record is the memdb row; a thin wrapper so the table isn't keyed
// directly on structs.Instance (whose ID field type memdb's reflection
// based indexer wants as a plain string).
type record struct {
	ID   string
	Inst structs.Instance
}

// Store is the authoritative record of live instances. ForceExpunge
// implements the StateOpProcessor capability: deleting the row and
// publishing the resulting terminal event is what, in a real cluster,
// a separate replication/backup layer would eventually converge to —
// here it happens synchronously so the rest of the subsystem can be
// exercised end to end.
type Store struct {
	logger hclog.Logger
	bus    *stream.Bus

	mu sync.Mutex
	db *memdb.MemDB
}

// NewStore builds an empty store that publishes expunge-completion
// events onto bus.
func NewStore(logger hclog.Logger, bus *stream.Bus) (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Store{
		logger: logger.Named("state"),
		bus:    bus,
		db:     db,
	}, nil
}

// Put inserts or replaces an instance snapshot. Exercised by tests
// that need Get/ForceExpunge to have something to operate on; the
// its-agent wiring does not call it.
func (s *Store) Put(inst structs.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableInstances, record{ID: string(inst.ID), Inst: inst}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Get returns the live snapshot for id, if any.
func (s *Store) Get(id structs.InstanceID) (*structs.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(false)
	raw, err := txn.First(tableInstances, "id", string(id))
	if err != nil || raw == nil {
		return nil, false
	}
	rec := raw.(record)
	inst := rec.Inst
	return &inst, true
}

// ForceExpunge implements StateOpProcessor.ForceExpunge: it removes id
// from authoritative state, best-effort, and publishes the terminal
// event the kill service is waiting on. A missing row is not an error
// — the caller may force-expunge an instance state never held a
// snapshot for (the unknown-task path), and that's still a valid
// terminal condition.
func (s *Store) ForceExpunge(id structs.InstanceID) {
	s.mu.Lock()
	txn := s.db.Txn(true)
	_, err := txn.DeleteAll(tableInstances, "id", string(id))
	if err != nil {
		txn.Abort()
		s.mu.Unlock()
		s.logger.Error("force-expunge failed", "instance_id", id, "error", err)
		return
	}
	txn.Commit()
	s.mu.Unlock()

	s.logger.Warn("force-expunged instance", "instance_id", id)
	s.bus.Publish(stream.InstanceChanged(id, structs.ConditionGone))
}
