// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package holder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/core"
)

// fakeEngine is a minimal in-memory blobengine.Engine stand-in so these
// tests exercise the Holder's state machine without touching a filesystem.
type fakeEngine struct {
	records map[core.Key]core.Record
	closed  bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{records: make(map[core.Key]core.Record)} }

func (f *fakeEngine) Put(key core.Key, ts core.Timestamp, payload []byte) error {
	f.records[key] = core.Record{Key: key, Payload: payload, TS: ts}
	return nil
}

func (f *fakeEngine) Get(key core.Key, ts core.Timestamp) (core.Record, error) {
	r, ok := f.records[key]
	if !ok || r.Deleted {
		return core.Record{}, core.ErrNotFound
	}
	return r, nil
}

func (f *fakeEngine) Exist(key core.Key) (bool, error) {
	r, ok := f.records[key]
	return ok && !r.Deleted, nil
}

func (f *fakeEngine) GetAny(key core.Key, ts core.Timestamp) (core.Record, error) {
	r, ok := f.records[key]
	if !ok {
		return core.Record{}, core.ErrNotFound
	}
	return r, nil
}

func (f *fakeEngine) ExistAny(key core.Key) (found, deleted bool, err error) {
	r, ok := f.records[key]
	if !ok {
		return false, false, nil
	}
	return true, r.Deleted, nil
}

func (f *fakeEngine) Delete(key core.Key, ts core.Timestamp) error {
	f.records[key] = core.Record{Key: key, TS: ts, Deleted: true}
	return nil
}

func (f *fakeEngine) Close() error    { f.closed = true; return nil }
func (f *fakeEngine) BlobsCount() int { return 1 }
func (f *fakeEngine) IndexMemory() int { return len(f.records) * 48 }
func (f *fakeEngine) FilterMemory() int { return 1024 }
func (f *fakeEngine) OffloadFilter()    {}
func (f *fakeEngine) OffloadIndex()     {}
func (f *fakeEngine) Sync() error       { return nil }
func (f *fakeEngine) Iterate(fn func(core.Record) error) error {
	for _, r := range f.records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func TestHolderIntervalChecks(t *testing.T) {
	h := New(0, "disk1", "/tmp/disk1/0", 100, 200, newFakeEngine())
	assert.True(t, h.GetsIntoInterval(150))
	assert.False(t, h.GetsIntoInterval(200))
	assert.False(t, h.GetsIntoInterval(99))
	assert.True(t, h.IsActual(100))
	assert.False(t, h.IsActual(101))
	assert.False(t, h.IsOutdated(199))
	assert.True(t, h.IsOutdated(200))
}

func TestHolderPutGetDelete(t *testing.T) {
	h := New(0, "disk1", "/tmp/disk1/0", 0, 1000, newFakeEngine())
	key := core.KeyFromUint64(1)

	require.NoError(t, h.Put(key, 1, []byte("x")))
	rec, err := h.Get(key, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), rec.Payload)

	require.NoError(t, h.Delete(key, 2))
	_, err = h.Get(key, 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestHolderGetAnyExistAnyReportTombstones(t *testing.T) {
	h := New(0, "disk1", "/tmp/disk1/0", 0, 1000, newFakeEngine())
	key := core.KeyFromUint64(1)

	require.NoError(t, h.Put(key, 1, []byte("x")))
	require.NoError(t, h.Delete(key, 2))

	rec, err := h.GetAny(key, 0)
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	found, deleted, err := h.ExistAny(key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, deleted)

	_, err = h.GetAny(core.KeyFromUint64(999), 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestHolderDroppedGetAnyExistAnyReportNotFound(t *testing.T) {
	h := New(0, "disk1", "/tmp/disk1/0", 0, 1000, newFakeEngine())
	key := core.KeyFromUint64(1)
	require.NoError(t, h.Put(key, 1, []byte("x")))
	require.NoError(t, h.Drop())

	_, err := h.GetAny(key, 0)
	assert.ErrorIs(t, err, core.ErrNotFound)

	found, _, err := h.ExistAny(key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHolderIteratePassesThroughToEngine(t *testing.T) {
	h := New(0, "disk1", "/tmp/disk1/0", 0, 1000, newFakeEngine())
	require.NoError(t, h.Put(core.KeyFromUint64(1), 1, []byte("x")))
	require.NoError(t, h.Put(core.KeyFromUint64(2), 2, []byte("y")))

	var keys []core.Key
	require.NoError(t, h.Iterate(func(rec core.Record) error {
		keys = append(keys, rec.Key)
		return nil
	}))
	assert.Len(t, keys, 2)
}

func TestHolderClosedStillReadableNotWritable(t *testing.T) {
	h := New(0, "disk1", "/tmp/disk1/0", 0, 1000, newFakeEngine())
	key := core.KeyFromUint64(1)
	require.NoError(t, h.Put(key, 1, []byte("x")))

	h.Close()
	assert.Equal(t, StateClosed, h.State())

	_, err := h.Get(key, 0)
	require.NoError(t, err)

	err = h.Put(key, 2, []byte("y"))
	assert.ErrorIs(t, err, core.ErrDiskUnavailable)
}

func TestHolderDroppedClosesEngine(t *testing.T) {
	fe := newFakeEngine()
	h := New(0, "disk1", "/tmp/disk1/0", 0, 1000, fe)
	require.NoError(t, h.Drop())
	assert.Equal(t, StateDropped, h.State())
	assert.True(t, fe.closed)

	_, err := h.Get(core.KeyFromUint64(1), 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestHolderNoWritesRecently(t *testing.T) {
	h := New(0, "disk1", "/tmp/disk1/0", 0, 1000, newFakeEngine())
	assert.True(t, h.NoWritesRecently())

	require.NoError(t, h.Put(core.KeyFromUint64(1), 1, []byte("x")))
	assert.False(t, h.NoWritesRecently())
}

func TestMaxTimeSinceLastWriteIsPositive(t *testing.T) {
	assert.Greater(t, MaxTimeSinceLastWrite, time.Duration(0))
}
