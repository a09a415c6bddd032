// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package group implements the Group: the ordered set of Holders covering
// one (disk, vdisk) pair — or, for buffered data, one (disk, source node,
// vdisk) triple. A Group picks which Holder a write lands in, scans its
// Holders newest-first on read, and exposes a hierarchical bloom filter
// that ORs every Holder's filter together so the Backend can reject a
// lookup for a vdisk in one check instead of one per Holder (spec §4.4).
package group

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"
	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/holder"
)

// EngineOpener builds a fresh Engine rooted at path. Group takes this as a
// dependency instead of calling blobengine.Open directly so tests can swap
// in an in-memory engine without touching a filesystem.
type EngineOpener func(path string, maxBlobSize int64, allowDuplicates bool) (blobengine.Engine, error)

// DefaultEngineOpener opens a real blobengine.FileEngine.
func DefaultEngineOpener(path string, maxBlobSize int64, allowDuplicates bool) (blobengine.Engine, error) {
	return blobengine.Open(blobengine.Options{Root: path, MaxBlobSize: maxBlobSize, AllowDuplicates: allowDuplicates})
}

// Group owns every Holder for one (disk, vdisk) pair, or for one (disk,
// source node, vdisk) alien buffering triple when AlienSourceNode is set.
type Group struct {
	VDisk           core.VDiskId
	Disk            core.DiskName
	AlienSourceNode core.NodeName // empty for normal (non-alien) groups

	root            string
	timestampPeriod uint64
	maxBlobSize     int64
	allowDuplicates bool
	opener          EngineOpener

	mu      sync.RWMutex
	holders []*holder.Holder // sorted by start timestamp, ascending

	createMu sync.Mutex // serializes get-or-create-holder below mu

	filterMu        sync.RWMutex
	filter          *bloom.BloomFilter // the OR of every live Holder's keys
	filterDirty     bool               // true once a mutation has outrun the last Aggregate
	filterOffloaded bool
}

// Config configures a new Group.
type Config struct {
	VDisk           core.VDiskId
	Disk            core.DiskName
	AlienSourceNode core.NodeName
	Root            string
	TimestampPeriod uint64
	MaxBlobSize     int64
	AllowDuplicates bool
	Opener          EngineOpener
}

// New builds a Group rooted at cfg.Root. If Root already has holder
// directories from a previous run, they are parsed and reopened (spec
// §4.4/§6.3); every holder but the newest by start timestamp is left
// Closed, since there's no "now" available here to tell which period is
// still current — the newest on-disk holder is the one most likely to
// still be receiving writes, so it alone is left Active. New Holders for
// periods with no prior directory are still created lazily on first write.
func New(cfg Config) (*Group, error) {
	opener := cfg.Opener
	if opener == nil {
		opener = DefaultEngineOpener
	}
	g := &Group{
		VDisk:           cfg.VDisk,
		Disk:            cfg.Disk,
		AlienSourceNode: cfg.AlienSourceNode,
		root:            cfg.Root,
		timestampPeriod: cfg.TimestampPeriod,
		maxBlobSize:     cfg.MaxBlobSize,
		allowDuplicates: cfg.AllowDuplicates,
		opener:          opener,
	}
	if err := g.loadHolders(); err != nil {
		return nil, err
	}

	g.filterMu.Lock()
	g.filterDirty = true
	if err := g.aggregateLocked(); err != nil {
		g.filterMu.Unlock()
		return nil, err
	}
	g.filterMu.Unlock()

	return g, nil
}

// loadHolders scans root for directories named after a start timestamp
// (spec §6.3) and reopens each as a Holder, oldest first. A directory name
// that doesn't parse as a timestamp is skipped and logged rather than
// failing the whole mount. A missing root is not an error: it just means
// this Group has no holders yet.
func (g *Group) loadHolders() error {
	entries, err := os.ReadDir(g.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: listing holders under %q: %v", core.ErrInternal, g.root, err)
	}

	var starts []uint64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		start, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			log.Warningf("group %s: skipping unparseable holder directory %q", g.id(), entry.Name())
			continue
		}
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for i, start := range starts {
		end := start + g.timestampPeriod
		if g.timestampPeriod == 0 {
			end = start + 1
		}
		path := filepath.Join(g.root, fmt.Sprintf("%d", start))
		eng, err := g.opener(path, g.maxBlobSize, g.allowDuplicates)
		if err != nil {
			return fmt.Errorf("%w: reopening holder engine at %q: %v", core.ErrDiskUnavailable, path, err)
		}
		h := holderNew(g.VDisk, g.Disk, path, core.Timestamp(start), core.Timestamp(end), eng)
		if i != len(starts)-1 {
			h.Close()
		}
		g.holders = append(g.holders, h)
		log.V(5).Infof("group %s: reopened holder for period [%d, %d)", g.id(), start, end)
	}
	return nil
}

// IsAlien reports whether this Group buffers alien (handed-off) data
// instead of normal vdisk data.
func (g *Group) IsAlien() bool { return g.AlienSourceNode != "" }

func (g *Group) periodStart(ts core.Timestamp) core.Timestamp {
	if g.timestampPeriod == 0 {
		return 0
	}
	return core.Timestamp((uint64(ts) / g.timestampPeriod) * g.timestampPeriod)
}

// actualHolder returns the Holder that should receive a write at ts,
// creating one if none of the existing Holders' intervals cover it. This
// mirrors the original's "find actual, else create" double-checked
// pattern: the read under mu.RLock is the fast path, and createMu
// serializes the slow path so concurrent writers to a brand-new period
// don't create two Holders for the same interval.
func (g *Group) actualHolder(ts core.Timestamp) (*holder.Holder, error) {
	if h := g.findHolder(ts); h != nil {
		return h, nil
	}

	g.createMu.Lock()
	defer g.createMu.Unlock()

	// Re-check: another goroutine may have created it while we waited.
	if h := g.findHolder(ts); h != nil {
		return h, nil
	}

	start := g.periodStart(ts)
	end := start + core.Timestamp(g.timestampPeriod)
	if g.timestampPeriod == 0 {
		end = start + 1
	}

	path := filepath.Join(g.root, fmt.Sprintf("%d", uint64(start)))
	eng, err := g.opener(path, g.maxBlobSize, g.allowDuplicates)
	if err != nil {
		return nil, fmt.Errorf("%w: opening holder engine at %q: %v", core.ErrDiskUnavailable, path, err)
	}
	h := holderNew(g.VDisk, g.Disk, path, start, end, eng)

	g.mu.Lock()
	g.holders = append(g.holders, h)
	sort.Slice(g.holders, func(i, j int) bool { return g.holders[i].StartTS() < g.holders[j].StartTS() })
	g.mu.Unlock()
	g.invalidateFilter()

	log.V(5).Infof("group %s: created holder for period [%d, %d)", g.id(), start, end)
	return h, nil
}

// holderNew exists only so this file doesn't repeat holder.New's full
// signature inline at both call sites below.
func holderNew(vdisk core.VDiskId, disk core.DiskName, path string, start, end core.Timestamp, eng blobengine.Engine) *holder.Holder {
	return holder.New(vdisk, disk, path, start, end, eng)
}

func (g *Group) findHolder(ts core.Timestamp) *holder.Holder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	// Newest first: if periods were ever re-created out of order, prefer
	// the most recently created holder that claims this timestamp.
	for i := len(g.holders) - 1; i >= 0; i-- {
		if g.holders[i].GetsIntoInterval(ts) && g.holders[i].State() != holder.StateDropped {
			return g.holders[i]
		}
	}
	return nil
}

func (g *Group) id() string {
	if g.IsAlien() {
		return fmt.Sprintf("alien(%s/%s/%d)", g.AlienSourceNode, g.Disk, g.VDisk)
	}
	return fmt.Sprintf("%s/%d", g.Disk, g.VDisk)
}

// Put writes a record to whichever Holder owns ts, creating it if needed.
func (g *Group) Put(key core.Key, ts core.Timestamp, payload []byte) error {
	h, err := g.actualHolder(ts)
	if err != nil {
		return err
	}
	if err := h.Put(key, ts, payload); err != nil {
		return err
	}
	g.bumpFilter(key)
	return nil
}

// Delete appends a tombstone to whichever Holder owns ts.
func (g *Group) Delete(key core.Key, ts core.Timestamp) error {
	h, err := g.actualHolder(ts)
	if err != nil {
		return err
	}
	return h.Delete(key, ts)
}

// Get scans Holders newest-first. ts == 0 means "the newest version across
// all holders". The first holder that has any entry for key at all wins,
// whether that entry is live or a tombstone: a tombstone is itself the
// newest record and must stop the scan rather than fall through to an
// older holder's stale live copy of the same key.
func (g *Group) Get(key core.Key, ts core.Timestamp) (core.Record, error) {
	if !g.mayContain(key) {
		return core.Record{}, core.ErrNotFound
	}

	for _, h := range g.snapshotHoldersNewestFirst() {
		rec, err := h.GetAny(key, ts)
		if err != nil {
			continue
		}
		if rec.Deleted {
			return core.Record{}, core.ErrNotFound
		}
		return rec, nil
	}
	return core.Record{}, core.ErrNotFound
}

// Exist reports whether key has a live record, scanning Holders newest-first
// with the same stop-on-first-verdict rule as Get: a tombstone in a newer
// holder answers "false" outright rather than letting an older holder's
// stale live copy win.
func (g *Group) Exist(key core.Key) (bool, error) {
	if !g.mayContain(key) {
		return false, nil
	}
	for _, h := range g.snapshotHoldersNewestFirst() {
		found, deleted, err := h.ExistAny(key)
		if err != nil {
			return false, err
		}
		if found {
			return !deleted, nil
		}
	}
	return false, nil
}

func (g *Group) snapshotHoldersNewestFirst() []*holder.Holder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*holder.Holder, len(g.holders))
	for i, h := range g.holders {
		out[len(g.holders)-1-i] = h
	}
	return out
}

// bumpFilter adds key directly to the current aggregate filter. This is the
// fast path for the common case of a brand-new write: it keeps the filter
// usable without forcing a full rebuild, even while filterDirty is set from
// some other mutation still waiting on a rebuild.
func (g *Group) bumpFilter(key core.Key) {
	g.filterMu.Lock()
	defer g.filterMu.Unlock()
	if g.filterOffloaded || g.filter == nil {
		return
	}
	g.filter.Add(key[:])
}

// invalidateFilter marks the aggregate filter stale; it is rebuilt lazily
// on the next Aggregate or mayContain call.
func (g *Group) invalidateFilter() {
	g.filterMu.Lock()
	g.filterDirty = true
	g.filterMu.Unlock()
}

// Aggregate recomputes the Group's hierarchical filter as the union of
// every live Holder's keys, per spec §4.5, if it has gone stale since the
// last call. It is a no-op once the filter has been offloaded.
func (g *Group) Aggregate() error {
	g.filterMu.Lock()
	defer g.filterMu.Unlock()
	return g.aggregateLocked()
}

// aggregateLocked does the actual rebuild; callers must hold filterMu.
// There's no exported way to OR two bloom.BloomFilter values together in
// the version of bits-and-blooms/bloom this module depends on, so the
// rebuild instead replays every live Holder's keys through Iterate and
// re-Adds them to a fresh filter.
func (g *Group) aggregateLocked() error {
	if g.filterOffloaded || !g.filterDirty {
		return nil
	}
	fresh := bloom.NewWithEstimates(1<<16, 0.01)
	for _, h := range g.Holders() {
		if h.State() == holder.StateDropped {
			continue
		}
		if err := h.Iterate(func(rec core.Record) error {
			if !rec.Deleted {
				fresh.Add(rec.Key[:])
			}
			return nil
		}); err != nil {
			return fmt.Errorf("%w: rebuilding aggregate filter for group %s: %v", core.ErrInternal, g.id(), err)
		}
	}
	g.filter = fresh
	g.filterDirty = false
	return nil
}

func (g *Group) mayContain(key core.Key) bool {
	g.filterMu.Lock()
	defer g.filterMu.Unlock()
	if g.filterOffloaded {
		return true
	}
	if g.filterDirty {
		if err := g.aggregateLocked(); err != nil {
			log.Warningf("group %s: %v, falling back to scanning holders", g.id(), err)
			return true
		}
	}
	if g.filter == nil {
		return true
	}
	return g.filter.Test(key[:])
}

// Holders returns a snapshot of the Group's Holders, oldest first. The
// Cleaner uses this to pick eviction candidates.
func (g *Group) Holders() []*holder.Holder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*holder.Holder, len(g.holders))
	copy(out, g.holders)
	return out
}

// DropHolder removes h from the Group after the caller has already closed
// its engine (via h.Drop()), per spec §4.4's Cleaner responsibilities.
func (g *Group) DropHolder(h *holder.Holder) {
	g.mu.Lock()
	removed := false
	for i, candidate := range g.holders {
		if candidate == h {
			g.holders = append(g.holders[:i], g.holders[i+1:]...)
			removed = true
			break
		}
	}
	g.mu.Unlock()
	if removed {
		g.invalidateFilter()
	}
}

// IndexMemory and FilterMemory sum the footprint of every Holder plus this
// Group's own aggregate filter, for the Cleaner's eviction heuristics.
func (g *Group) IndexMemory() int {
	total := 0
	for _, h := range g.Holders() {
		total += h.IndexMemory()
	}
	return total
}

func (g *Group) FilterMemory() int {
	total := 0
	for _, h := range g.Holders() {
		total += h.FilterMemory()
	}
	g.filterMu.RLock()
	if !g.filterOffloaded && g.filter != nil {
		total += int(g.filter.Cap() / 8)
	}
	g.filterMu.RUnlock()
	return total
}

// Iterate walks every record across every Holder in the Group, oldest
// holder first. The alien replay worker uses this to enumerate everything
// buffered for one (source node, vdisk) pair.
func (g *Group) Iterate(fn func(core.Record) error) error {
	for _, h := range g.Holders() {
		if h.State() == holder.StateDropped {
			continue
		}
		if err := h.Iterate(fn); err != nil {
			return err
		}
	}
	return nil
}

// OffloadAggregateFilter drops the Group's own hierarchical filter,
// falling back to always scanning Holders on Get/Exist. Holder-level
// filters are offloaded independently by the Cleaner per Holder.
func (g *Group) OffloadAggregateFilter() {
	g.filterMu.Lock()
	g.filter = nil
	g.filterOffloaded = true
	g.filterMu.Unlock()
}
