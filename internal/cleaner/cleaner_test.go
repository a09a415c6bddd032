// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cleaner

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/group"
	"github.com/qoollo/bob/internal/holder"
	"github.com/qoollo/bob/internal/memlimit"
)

type fakeEngine struct {
	mu     sync.Mutex
	data   map[core.Key][]byte
	closed bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{data: map[core.Key][]byte{}} }

func (f *fakeEngine) Put(key core.Key, ts core.Timestamp, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = payload
	return nil
}
func (f *fakeEngine) Get(key core.Key, ts core.Timestamp) (core.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.data[key]
	if !ok {
		return core.Record{}, core.ErrNotFound
	}
	return core.Record{Key: key, Payload: p}, nil
}
func (f *fakeEngine) Exist(key core.Key) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}
func (f *fakeEngine) GetAny(key core.Key, ts core.Timestamp) (core.Record, error) {
	return f.Get(key, ts)
}
func (f *fakeEngine) ExistAny(key core.Key) (found, deleted bool, err error) {
	ok, err := f.Exist(key)
	return ok, false, err
}
func (f *fakeEngine) Delete(key core.Key, ts core.Timestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}
func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeEngine) BlobsCount() int   { return 1 }
func (f *fakeEngine) IndexMemory() int  { return 100 }
func (f *fakeEngine) FilterMemory() int { return 100 }
func (f *fakeEngine) OffloadFilter()    {}
func (f *fakeEngine) OffloadIndex()     {}
func (f *fakeEngine) Sync() error       { return nil }
func (f *fakeEngine) Iterate(fn func(core.Record) error) error {
	f.mu.Lock()
	records := make(map[core.Key][]byte, len(f.data))
	for k, v := range f.data {
		records[k] = v
	}
	f.mu.Unlock()
	for k, v := range records {
		if err := fn(core.Record{Key: k, Payload: v}); err != nil {
			return err
		}
	}
	return nil
}

var _ blobengine.Engine = (*fakeEngine)(nil)

// fakeSource is an in-test Source: it holds a fixed set of groups and lets
// the test control which alien holders are reported exhausted, standing in
// for whatever the alien replay worker will eventually decide.
type fakeSource struct {
	groups    []*group.Group
	exhausted map[*holder.Holder]bool
}

func (s *fakeSource) AllGroups() []*group.Group { return s.groups }
func (s *fakeSource) AlienHolderExhausted(h *holder.Holder) bool {
	return s.exhausted[h]
}

func newTestGroup(t *testing.T, alienSource core.NodeName) (*group.Group, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	opened := false
	g, err := group.New(group.Config{
		VDisk:           0,
		Disk:            "disk1",
		AlienSourceNode: alienSource,
		Root:            t.TempDir(),
		TimestampPeriod: 0,
		Opener: func(path string, maxBlobSize int64, allowDuplicates bool) (blobengine.Engine, error) {
			require.False(t, opened, "opener should be called exactly once in these tests")
			opened = true
			return eng, nil
		},
	})
	require.NoError(t, err)
	return g, eng
}

func TestCleanerLeavesRecentlyWrittenHolderOpen(t *testing.T) {
	g, _ := newTestGroup(t, "")
	require.NoError(t, g.Put(core.KeyFromUint64(1), 1, []byte("x")))

	h := g.Holders()[0]
	require.Equal(t, holder.StateActive, h.State())

	// The holder was written just now, so NoWritesRecently reports false
	// and Tick must leave it open.
	c := New(Config{
		Source:   &fakeSource{groups: []*group.Group{g}},
		Interval: time.Hour,
	})
	c.Tick()
	assert.Equal(t, holder.StateActive, g.Holders()[0].State())
}

func TestCleanerDropsExhaustedAlienHolder(t *testing.T) {
	g, eng := newTestGroup(t, "remote")
	require.NoError(t, g.Put(core.KeyFromUint64(1), 1, []byte("x")))

	h := g.Holders()[0]
	h.Close()
	require.Equal(t, holder.StateClosed, h.State())

	src := &fakeSource{
		groups:    []*group.Group{g},
		exhausted: map[*holder.Holder]bool{h: true},
	}
	c := New(Config{Source: src, Interval: time.Hour})
	c.Tick()

	assert.Empty(t, g.Holders())
	assert.True(t, eng.closed)
}

func TestCleanerKeepsNonExhaustedAlienHolder(t *testing.T) {
	g, eng := newTestGroup(t, "remote")
	require.NoError(t, g.Put(core.KeyFromUint64(1), 1, []byte("x")))

	h := g.Holders()[0]
	h.Close()

	src := &fakeSource{
		groups:    []*group.Group{g},
		exhausted: map[*holder.Holder]bool{h: false},
	}
	c := New(Config{Source: src, Interval: time.Hour})
	c.Tick()

	require.Len(t, g.Holders(), 1)
	assert.False(t, eng.closed)
}

func TestCleanerNeverDropsNonAlienHolders(t *testing.T) {
	g, _ := newTestGroup(t, "") // normal, non-alien group
	require.NoError(t, g.Put(core.KeyFromUint64(1), 1, []byte("x")))
	h := g.Holders()[0]
	h.Close()

	// Even though the fakeSource would say "exhausted", Tick only consults
	// AlienHolderExhausted for alien groups.
	src := &fakeSource{
		groups:    []*group.Group{g},
		exhausted: map[*holder.Holder]bool{h: true},
	}
	c := New(Config{Source: src, Interval: time.Hour})
	c.Tick()

	assert.Len(t, g.Holders(), 1)
}

func TestCleanerFeedsMemoryFootprintToLimiter(t *testing.T) {
	g, _ := newTestGroup(t, "")
	require.NoError(t, g.Put(core.KeyFromUint64(1), 1, []byte("x")))

	limiter := memlimit.New(1, 1) // budget of 1 byte, guaranteed to be exceeded
	src := &fakeSource{groups: []*group.Group{g}}
	c := New(Config{Source: src, Limiter: limiter, Interval: time.Hour})
	c.Tick()

	bloomOver, indexOver := limiter.OverBudget()
	assert.True(t, bloomOver)
	assert.True(t, indexOver)
}

func TestCleanerStartStop(t *testing.T) {
	g, _ := newTestGroup(t, "")
	src := &fakeSource{groups: []*group.Group{g}}
	c := New(Config{Source: src, Interval: 10 * time.Millisecond})
	c.Start()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
}
