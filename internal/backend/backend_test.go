// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/blobengine"
	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/diskcontroller"
	"github.com/qoollo/bob/internal/group"
)

func memOpener() group.EngineOpener {
	return func(path string, maxBlobSize int64, allowDuplicates bool) (blobengine.Engine, error) {
		return newStubMemEngine(), nil
	}
}

// stubMemEngine is the same minimal in-memory blobengine.Engine used by
// diskcontroller's own tests, duplicated here to avoid an import cycle
// through an exported test helper.
type stubMemEngine struct {
	records map[core.Key]core.Record
}

func newStubMemEngine() *stubMemEngine { return &stubMemEngine{records: make(map[core.Key]core.Record)} }

func (e *stubMemEngine) Put(key core.Key, ts core.Timestamp, payload []byte) error {
	e.records[key] = core.Record{Key: key, Payload: payload, TS: ts}
	return nil
}
func (e *stubMemEngine) Get(key core.Key, ts core.Timestamp) (core.Record, error) {
	r, ok := e.records[key]
	if !ok || r.Deleted {
		return core.Record{}, core.ErrNotFound
	}
	return r, nil
}
func (e *stubMemEngine) Exist(key core.Key) (bool, error) {
	r, ok := e.records[key]
	return ok && !r.Deleted, nil
}
func (e *stubMemEngine) GetAny(key core.Key, ts core.Timestamp) (core.Record, error) {
	r, ok := e.records[key]
	if !ok {
		return core.Record{}, core.ErrNotFound
	}
	return r, nil
}
func (e *stubMemEngine) ExistAny(key core.Key) (found, deleted bool, err error) {
	r, ok := e.records[key]
	if !ok {
		return false, false, nil
	}
	return true, r.Deleted, nil
}
func (e *stubMemEngine) Delete(key core.Key, ts core.Timestamp) error {
	e.records[key] = core.Record{Key: key, TS: ts, Deleted: true}
	return nil
}
func (e *stubMemEngine) Close() error     { return nil }
func (e *stubMemEngine) BlobsCount() int  { return 1 }
func (e *stubMemEngine) IndexMemory() int { return 48 }
func (e *stubMemEngine) FilterMemory() int { return 1024 }
func (e *stubMemEngine) OffloadFilter()    {}
func (e *stubMemEngine) OffloadIndex()     {}
func (e *stubMemEngine) Sync() error       { return nil }
func (e *stubMemEngine) Iterate(fn func(core.Record) error) error {
	for _, r := range e.records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func newTestPearlBackend(t *testing.T, vdisks ...core.VDiskId) *PearlBackend {
	c := diskcontroller.New(diskcontroller.Config{
		Disk:            "disk1",
		Path:            t.TempDir(),
		TimestampPeriod: 1000,
		MaxBlobSize:     1 << 20,
		Opener:          memOpener(),
	})
	require.NoError(t, c.Init())

	route := make(map[core.VDiskId]*diskcontroller.Controller)
	for _, v := range vdisks {
		route[v] = c
	}
	return NewPearlBackend("local", route)
}

func TestPearlBackendPutGetExistDelete(t *testing.T) {
	b := newTestPearlBackend(t, 1)
	ctx := context.Background()
	key := core.KeyFromUint64(1)

	require.NoError(t, b.Put(ctx, 1, key, 10, []byte("x")))
	rec, err := b.Get(ctx, 1, key, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), rec.Payload)

	ok, err := b.Exist(ctx, 1, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Delete(ctx, 1, key, 11))
	_, err = b.Get(ctx, 1, key, 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPearlBackendUnknownVDiskIsNotFound(t *testing.T) {
	b := newTestPearlBackend(t, 1)
	_, err := b.Get(context.Background(), 99, core.KeyFromUint64(1), 0)
	assert.ErrorIs(t, err, core.ErrVDiskNotFound)
}

func TestPearlBackendAlienRoundTrip(t *testing.T) {
	b := newTestPearlBackend(t, 1)
	ctx := context.Background()
	key := core.KeyFromUint64(2)

	require.NoError(t, b.PutAlien(ctx, "remote", 1, key, 5, []byte("y")))
	rec, err := b.GetAlien(ctx, "remote", 1, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), rec.Payload)

	require.NoError(t, b.DeleteAlien(ctx, "remote", 1, key, 6))
	_, err = b.GetAlien(ctx, "remote", 1, key)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInMemoryBackendRoundTrip(t *testing.T) {
	b := NewInMemoryBackend()
	ctx := context.Background()
	key := core.KeyFromUint64(1)

	require.NoError(t, b.Put(ctx, 1, key, 10, []byte("x")))
	rec, err := b.Get(ctx, 1, key, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), rec.Payload)

	require.NoError(t, b.Delete(ctx, 1, key, 11))
	_, err = b.Get(ctx, 1, key, 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInMemoryBackendAlienRoundTrip(t *testing.T) {
	b := NewInMemoryBackend()
	ctx := context.Background()
	key := core.KeyFromUint64(2)

	require.NoError(t, b.PutAlien(ctx, "remote", 1, key, 5, []byte("y")))
	rec, err := b.GetAlien(ctx, "remote", 1, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), rec.Payload)
}

func TestStubBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stub.bolt")
	b, err := NewStubBackend(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	key := core.KeyFromUint64(1)

	require.NoError(t, b.Put(ctx, 1, key, 10, []byte("x")))
	rec, err := b.Get(ctx, 1, key, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), rec.Payload)

	ok, err := b.Exist(ctx, 1, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Delete(ctx, 1, key, 11))
	_, err = b.Get(ctx, 1, key, 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStubBackendAlienRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stub.bolt")
	b, err := NewStubBackend(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	key := core.KeyFromUint64(2)

	require.NoError(t, b.PutAlien(ctx, "remote", 1, key, 5, []byte("y")))
	rec, err := b.GetAlien(ctx, "remote", 1, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), rec.Payload)
}
