// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package holder implements the Holder: one partition of a vdisk's data,
// identified by a (disk, vdisk, start timestamp) triple for normal data or
// a (disk, source node, vdisk, start timestamp) quadruple for buffered
// alien data. A Holder owns exactly one Blob Engine and tracks the state
// that the Group and Disk Controller need to decide when to route writes
// to it, close it, or drop it (spec §4.4).
package holder

import (
	"sync/atomic"
	"time"

	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/core"
)

// State is a Holder's lifecycle state (spec §4.4).
type State int

const (
	// StateInit means the engine has not finished opening yet.
	StateInit State = iota
	// StateActive means the holder accepts both reads and writes.
	StateActive
	// StateClosed means the holder is read-only: its engine is still open
	// for Get/Exist but new writes are routed elsewhere.
	StateClosed
	// StateDropped means the holder's engine has been closed and the
	// holder itself is no longer reachable from its Group.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateDropped:
		return "dropped"
	default:
		return "init"
	}
}

// MaxTimeSinceLastWrite is how long a holder can go without a write before
// NoWritesRecently reports true, mirroring the original's 10-second window.
const MaxTimeSinceLastWrite = 10 * time.Second

// Holder wraps a blobengine.Engine with the partition metadata and state
// machine the Group needs to route operations and the Cleaner needs to
// decide on eviction.
type Holder struct {
	VDisk core.VDiskId
	Disk  core.DiskName
	Path  string

	// AlienSourceNode names the remote node an alien holder buffers data
	// for (spec §2.9). New does not set it and Group never fills it in, so
	// it is empty on every holder a Group creates; whether data is alien is
	// recorded on the Group (group.Group.AlienSourceNode).
	AlienSourceNode core.NodeName

	startTS core.Timestamp
	endTS   core.Timestamp

	engine blobengine.Engine

	state       atomic.Int32
	lastWriteTS atomic.Int64 // unix seconds
}

// New wraps engine as a Holder covering [startTS, endTS).
func New(vdisk core.VDiskId, disk core.DiskName, path string, startTS, endTS core.Timestamp, engine blobengine.Engine) *Holder {
	h := &Holder{
		VDisk:   vdisk,
		Disk:    disk,
		Path:    path,
		startTS: startTS,
		endTS:   endTS,
		engine:  engine,
	}
	h.state.Store(int32(StateActive))
	return h
}

// StartTS returns the inclusive lower bound of the holder's timestamp interval.
func (h *Holder) StartTS() core.Timestamp { return h.startTS }

// EndTS returns the exclusive upper bound of the holder's timestamp interval.
func (h *Holder) EndTS() core.Timestamp { return h.endTS }

// State returns the holder's current lifecycle state.
func (h *Holder) State() State { return State(h.state.Load()) }

// IsActual reports whether currentStart (the start of the latest period
// computed from "now") equals this holder's own start, i.e. whether this
// is the holder new writes for the current period should land in.
func (h *Holder) IsActual(currentStart core.Timestamp) bool {
	return h.startTS == currentStart
}

// GetsIntoInterval reports whether ts falls within [startTS, endTS).
func (h *Holder) GetsIntoInterval(ts core.Timestamp) bool {
	return h.startTS <= ts && ts < h.endTS
}

// IsOutdated reports whether the holder's interval has fully elapsed.
func (h *Holder) IsOutdated(now core.Timestamp) bool {
	return now >= h.endTS
}

// NoWritesRecently reports whether it has been more than
// MaxTimeSinceLastWrite since the last successful write.
func (h *Holder) NoWritesRecently() bool {
	last := h.lastWriteTS.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(last, 0)) > MaxTimeSinceLastWrite
}

// Close transitions the holder to StateClosed: still readable, no longer
// a write target. It does not close the underlying engine.
func (h *Holder) Close() {
	h.state.Store(int32(StateClosed))
}

// Drop closes the underlying engine and marks the holder StateDropped. The
// caller (Group/Cleaner) is responsible for removing it from any index.
func (h *Holder) Drop() error {
	h.state.Store(int32(StateDropped))
	return h.engine.Close()
}

// Put appends a record. Returns core.ErrDiskUnavailable if the holder has
// already been closed or dropped.
func (h *Holder) Put(key core.Key, ts core.Timestamp, payload []byte) error {
	if h.State() != StateActive {
		return core.ErrDiskUnavailable
	}
	if err := h.engine.Put(key, ts, payload); err != nil {
		return err
	}
	h.lastWriteTS.Store(time.Now().Unix())
	return nil
}

// Delete appends a tombstone. Same availability rules as Put.
func (h *Holder) Delete(key core.Key, ts core.Timestamp) error {
	if h.State() != StateActive {
		return core.ErrDiskUnavailable
	}
	if err := h.engine.Delete(key, ts); err != nil {
		return err
	}
	h.lastWriteTS.Store(time.Now().Unix())
	return nil
}

// ForceDelete appends a tombstone directly to the engine, bypassing the
// Active-only check Delete enforces. Alien handoff uses this: a holder can
// be Closed (no longer accepting new alien writes) while still holding
// records that were just replayed to their owner and now need clearing
// (spec §4.6 step 3), which is not the same thing as accepting a write.
func (h *Holder) ForceDelete(key core.Key, ts core.Timestamp) error {
	if h.State() == StateDropped {
		return core.ErrDiskUnavailable
	}
	return h.engine.Delete(key, ts)
}

// Get reads a record. Closed holders remain readable; dropped ones are not.
func (h *Holder) Get(key core.Key, ts core.Timestamp) (core.Record, error) {
	if h.State() == StateDropped {
		return core.Record{}, core.ErrNotFound
	}
	return h.engine.Get(key, ts)
}

// Exist reports whether key has a live record in this holder.
func (h *Holder) Exist(key core.Key) (bool, error) {
	if h.State() == StateDropped {
		return false, nil
	}
	return h.engine.Exist(key)
}

// GetAny is Get without collapsing a tombstone into core.ErrNotFound, so a
// Group scanning holders newest-first can tell "this holder has a
// tombstone for key" apart from "this holder has nothing for key".
func (h *Holder) GetAny(key core.Key, ts core.Timestamp) (core.Record, error) {
	if h.State() == StateDropped {
		return core.Record{}, core.ErrNotFound
	}
	return h.engine.GetAny(key, ts)
}

// ExistAny is Exist without collapsing "tombstoned" into "absent".
func (h *Holder) ExistAny(key core.Key) (found, deleted bool, err error) {
	if h.State() == StateDropped {
		return false, false, nil
	}
	return h.engine.ExistAny(key)
}

// BlobsCount, IndexMemory, and FilterMemory expose the engine's footprint
// for the Cleaner's eviction heuristics (spec §4.4/§9).
func (h *Holder) BlobsCount() int   { return h.engine.BlobsCount() }
func (h *Holder) IndexMemory() int  { return h.engine.IndexMemory() }
func (h *Holder) FilterMemory() int { return h.engine.FilterMemory() }
func (h *Holder) OffloadFilter()    { h.engine.OffloadFilter() }
func (h *Holder) OffloadIndex()     { h.engine.OffloadIndex() }
func (h *Holder) Sync() error       { return h.engine.Sync() }

// Iterate walks every record the holder's engine currently has indexed.
// The alien replay worker uses this to find records to hand off. It does
// not check Holder state: on a dropped holder the engine is already
// closed, so callers check State() first.
func (h *Holder) Iterate(fn func(core.Record) error) error { return h.engine.Iterate(fn) }
