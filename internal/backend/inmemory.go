// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"sync"

	"github.com/qoollo/bob/internal/core"
)

// InMemoryBackend is a pure in-process map implementation of Backend, used
// for unit tests that don't want to touch a filesystem (spec §9
// `backend_type: in_memory`).
type InMemoryBackend struct {
	mu     sync.RWMutex
	data   map[core.VDiskId]map[core.Key]core.Record
	aliens map[core.NodeName]map[core.VDiskId]map[core.Key]core.Record
}

// NewInMemoryBackend returns an empty InMemoryBackend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		data:   make(map[core.VDiskId]map[core.Key]core.Record),
		aliens: make(map[core.NodeName]map[core.VDiskId]map[core.Key]core.Record),
	}
}

func (b *InMemoryBackend) Put(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.data[vdisk]
	if !ok {
		m = make(map[core.Key]core.Record)
		b.data[vdisk] = m
	}
	m[key] = core.Record{Key: key, Payload: payload, TS: ts}
	return nil
}

func (b *InMemoryBackend) Get(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp) (core.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.data[vdisk][key]
	if !ok || rec.Deleted {
		return core.Record{}, core.ErrNotFound
	}
	return rec, nil
}

func (b *InMemoryBackend) Exist(ctx context.Context, vdisk core.VDiskId, key core.Key) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.data[vdisk][key]
	return ok && !rec.Deleted, nil
}

func (b *InMemoryBackend) Delete(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.data[vdisk]
	if !ok {
		m = make(map[core.Key]core.Record)
		b.data[vdisk] = m
	}
	m[key] = core.Record{Key: key, TS: ts, Deleted: true}
	return nil
}

func (b *InMemoryBackend) PutAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key, ts core.Timestamp, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	byVDisk, ok := b.aliens[sourceNode]
	if !ok {
		byVDisk = make(map[core.VDiskId]map[core.Key]core.Record)
		b.aliens[sourceNode] = byVDisk
	}
	m, ok := byVDisk[vdisk]
	if !ok {
		m = make(map[core.Key]core.Record)
		byVDisk[vdisk] = m
	}
	m[key] = core.Record{Key: key, Payload: payload, TS: ts}
	return nil
}

func (b *InMemoryBackend) GetAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key) (core.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.aliens[sourceNode][vdisk][key]
	if !ok || rec.Deleted {
		return core.Record{}, core.ErrNotFound
	}
	return rec, nil
}

func (b *InMemoryBackend) DeleteAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key, ts core.Timestamp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	byVDisk, ok := b.aliens[sourceNode]
	if !ok {
		return core.ErrNotFound
	}
	m, ok := byVDisk[vdisk]
	if !ok {
		return core.ErrNotFound
	}
	m[key] = core.Record{Key: key, TS: ts, Deleted: true}
	return nil
}

func (b *InMemoryBackend) IndexMemory() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.data {
		n += len(m)
	}
	return n * 48
}

func (b *InMemoryBackend) FilterMemory() int { return 0 }
