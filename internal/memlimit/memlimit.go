// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package memlimit implements the memory budget limiter: a process-wide
// (but explicitly injected, never package-global) accounting of resident
// bloom filter and index bytes against the `bloom_filter_memory_limit`/
// `index_memory_limit` knobs, plus the eviction pass that offloads
// holders when a budget is exceeded (spec §4.5, §9 "Global state").
package memlimit

import (
	"sort"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/holder"
)

// Evictable is anything memlimit can ask to shed memory: in practice a
// group.Group, abstracted here so this package doesn't import group and
// create a cycle (group already imports holder, cleaner wires the two
// together).
type Evictable interface {
	// Holders returns every holder backing this evictable, oldest first.
	Holders() []*holder.Holder
	// IsAlien reports whether this evictable holds buffered (alien) data,
	// which is preferred for eviction over normal data (spec §4.5).
	IsAlien() bool
}

// Limiter tracks resident bloom/index bytes against configured budgets and
// evicts holders when over budget: alien groups first, then each group's
// holders in start-timestamp order, oldest period first. How recently a
// holder was written or read plays no part in the order.
//
// Unlike the teacher's pkg/tokenbucket, a Limiter has no goroutine of its
// own: the set of evictables changes every time the Disk Controller opens
// an alien group on demand (spec §4.6), so a Limiter holding a registered
// list taken once at startup would silently stop covering groups created
// later. Instead the Cleaner, which already walks every live group each
// tick (spec §4.7), drives both Observe and Evict with the current set.
type Limiter struct {
	bloomLimit int64
	indexLimit int64

	bloomUsed atomic.Int64
	indexUsed atomic.Int64
}

// New builds a Limiter with the given budgets. A limit of 0 means
// unbounded.
func New(bloomLimit, indexLimit int64) *Limiter {
	return &Limiter{bloomLimit: bloomLimit, indexLimit: indexLimit}
}

// Observe updates the limiter's view of current resident bytes. The
// Cleaner calls this once per tick after re-summing every live group's
// footprint.
func (l *Limiter) Observe(bloomBytes, indexBytes int64) {
	l.bloomUsed.Store(bloomBytes)
	l.indexUsed.Store(indexBytes)
}

// OverBudget reports whether either budget is currently exceeded.
func (l *Limiter) OverBudget() (bloom, index bool) {
	bloom = l.bloomLimit > 0 && l.bloomUsed.Load() > l.bloomLimit
	index = l.indexLimit > 0 && l.indexUsed.Load() > l.indexLimit
	return
}

// Evict offloads filters/indexes from evictables until both budgets are
// back under limit or there is nothing left to shed. The Cleaner passes
// the full, current set of live groups on every tick; Evict itself holds
// no state across calls besides the running totals it tracks locally while
// walking evictables, which it writes back to bloomUsed/indexUsed when done
// so a concurrent OverBudget() call reflects this pass without waiting for
// the Cleaner's next Observe.
func (l *Limiter) Evict(evictables []Evictable) {
	bloomUsed := l.bloomUsed.Load()
	indexUsed := l.indexUsed.Load()
	overBloom := l.bloomLimit > 0 && bloomUsed > l.bloomLimit
	overIndex := l.indexLimit > 0 && indexUsed > l.indexLimit
	if !overBloom && !overIndex {
		return
	}

	ordered := make([]Evictable, len(evictables))
	copy(ordered, evictables)

	// Alien groups first, then each group's holders in Holders() order
	// (oldest start timestamp first).
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].IsAlien() && !ordered[j].IsAlien()
	})

	defer func() {
		l.bloomUsed.Store(bloomUsed)
		l.indexUsed.Store(indexUsed)
	}()

	for _, e := range ordered {
		if !overBloom && !overIndex {
			return
		}
		for _, h := range e.Holders() {
			if !overBloom && !overIndex {
				return
			}
			if overBloom {
				bloomUsed -= int64(h.FilterMemory())
				h.OffloadFilter()
			}
			if overIndex {
				indexUsed -= int64(h.IndexMemory())
				h.OffloadIndex()
			}
			log.Infof("memlimit: offloaded holder %s (alien=%v) to relieve budget", h.Path, e.IsAlien())
			overBloom = l.bloomLimit > 0 && bloomUsed > l.bloomLimit
			overIndex = l.indexLimit > 0 && indexUsed > l.indexLimit
		}
	}
}
