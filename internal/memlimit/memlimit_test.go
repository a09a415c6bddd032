// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package memlimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/holder"
)

type fakeEngine struct {
	filterOffloaded, indexOffloaded bool
}

func (f *fakeEngine) Put(core.Key, core.Timestamp, []byte) error { return nil }
func (f *fakeEngine) Get(core.Key, core.Timestamp) (core.Record, error) {
	return core.Record{}, core.ErrNotFound
}
func (f *fakeEngine) GetAny(core.Key, core.Timestamp) (core.Record, error) {
	return core.Record{}, core.ErrNotFound
}
func (f *fakeEngine) Exist(core.Key) (bool, error)           { return false, nil }
func (f *fakeEngine) ExistAny(core.Key) (bool, bool, error)  { return false, false, nil }
func (f *fakeEngine) Delete(core.Key, core.Timestamp) error  { return nil }
func (f *fakeEngine) Close() error                           { return nil }
func (f *fakeEngine) BlobsCount() int                        { return 1 }
func (f *fakeEngine) IndexMemory() int                       { return 1000 }
func (f *fakeEngine) FilterMemory() int                       { return 1000 }
func (f *fakeEngine) OffloadFilter() { f.filterOffloaded = true }
func (f *fakeEngine) OffloadIndex()  { f.indexOffloaded = true }
func (f *fakeEngine) Sync() error    { return nil }
func (f *fakeEngine) Iterate(fn func(core.Record) error) error { return nil }

type fakeEvictable struct {
	alien   bool
	holders []*holder.Holder
}

func (e *fakeEvictable) Holders() []*holder.Holder { return e.holders }
func (e *fakeEvictable) IsAlien() bool             { return e.alien }

func TestLimiterOverBudget(t *testing.T) {
	l := New(100, 100)
	l.Observe(50, 50)
	bloom, index := l.OverBudget()
	assert.False(t, bloom)
	assert.False(t, index)

	l.Observe(150, 50)
	bloom, index = l.OverBudget()
	assert.True(t, bloom)
	assert.False(t, index)
}

func TestLimiterUnboundedWhenZero(t *testing.T) {
	l := New(0, 0)
	l.Observe(1 << 40, 1 << 40)
	bloom, index := l.OverBudget()
	assert.False(t, bloom)
	assert.False(t, index)
}

func TestLimiterEvictsAlienFirst(t *testing.T) {
	l := New(10, 0)
	l.Observe(20, 0)

	normalEngine := &fakeEngine{}
	alienEngine := &fakeEngine{}
	normalHolder := holder.New(0, "disk1", "/tmp/normal", 0, 1000, normalEngine)
	alienHolder := holder.New(0, "disk1", "/tmp/alien", 0, 1000, alienEngine)

	normal := &fakeEvictable{alien: false, holders: []*holder.Holder{normalHolder}}
	alien := &fakeEvictable{alien: true, holders: []*holder.Holder{alienHolder}}

	l.Observe(20, 0) // still over the 10-byte bloom budget
	l.Evict([]Evictable{normal, alien})

	require.True(t, alienEngine.filterOffloaded, "alien holder should be offloaded first")
}

func TestLimiterStopsEvictingOnceUnderBudget(t *testing.T) {
	l := New(1500, 0)
	l.Observe(2000, 0)

	firstEngine := &fakeEngine{}
	secondEngine := &fakeEngine{}
	firstHolder := holder.New(0, "disk1", "/tmp/first", 0, 1000, firstEngine)
	secondHolder := holder.New(0, "disk1", "/tmp/second", 1000, 2000, secondEngine)

	group := &fakeEvictable{holders: []*holder.Holder{firstHolder, secondHolder}}
	l.Evict([]Evictable{group})

	assert.True(t, firstEngine.filterOffloaded, "first holder's filter should be offloaded to get back under budget")
	assert.False(t, secondEngine.filterOffloaded, "second holder should be left alone once the bloom budget is satisfied")
}
