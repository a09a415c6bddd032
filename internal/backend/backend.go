// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package backend implements the Pearl/Backend Facade: the process-level
// entry point the Grinder calls for every local operation. It routes
// (operation, vdisk) to the Disk Controller that owns that vdisk on this
// node, and falls back to buffering into a local alien area when that
// disk is unavailable (spec §4.3 "PUT algorithm" step 5, §2.5).
package backend

import (
	"context"
	"fmt"

	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/diskcontroller"
)

// Backend is the interface the Grinder uses for every local operation,
// implemented identically by the in-memory, stub, and pearl variants (spec
// §9 "backend_type") so the Grinder never branches on which one is wired
// in.
type Backend interface {
	Put(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp, payload []byte) error
	Get(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp) (core.Record, error)
	Exist(ctx context.Context, vdisk core.VDiskId, key core.Key) (bool, error)
	Delete(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp) error

	// PutAlien buffers a record this node received on behalf of sourceNode
	// (the node that actually owns vdisk) because sourceNode couldn't be
	// reached directly (spec §4.6).
	PutAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key, ts core.Timestamp, payload []byte) error
	GetAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key) (core.Record, error)
	DeleteAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key, ts core.Timestamp) error

	IndexMemory() int
	FilterMemory() int
}

// PearlBackend is the full blobengine-backed implementation: every vdisk is
// routed to the Disk Controller that owns its configured local disk, and a
// write that finds its disk unavailable is buffered as a local alien
// record tagged with this node's own name, so it gets replayed onto the
// disk once the Disk Controller recovers instead of being lost.
type PearlBackend struct {
	localNode core.NodeName

	// route maps a local vdisk to the Disk Controller that owns it,
	// built once at startup from the Cluster Mapper's local replicas.
	route map[core.VDiskId]*diskcontroller.Controller

	controllers []*diskcontroller.Controller // for picking an alien fallback disk
}

// NewPearlBackend builds a PearlBackend from a vdisk routing table. The
// caller (cmd/bobd) builds route by walking mapper.VDiskIDs and mapping
// each vdisk that has a replica on this node (mapper.IsLocal) to the
// Controller of that replica's disk.
func NewPearlBackend(localNode core.NodeName, route map[core.VDiskId]*diskcontroller.Controller) *PearlBackend {
	seen := make(map[*diskcontroller.Controller]bool)
	controllers := make([]*diskcontroller.Controller, 0, len(route))
	for _, c := range route {
		if !seen[c] {
			seen[c] = true
			controllers = append(controllers, c)
		}
	}
	return &PearlBackend{localNode: localNode, route: route, controllers: controllers}
}

func (b *PearlBackend) controllerFor(vdisk core.VDiskId) (*diskcontroller.Controller, error) {
	c, ok := b.route[vdisk]
	if !ok {
		return nil, fmt.Errorf("%w: vdisk %d has no local disk", core.ErrVDiskNotFound, vdisk)
	}
	return c, nil
}

// fallbackController picks any other local disk controller to hold a
// buffered write while the vdisk's own disk is unavailable. Any disk will
// do: the alien group is keyed by node, not by the disk it happens to sit
// on, so the Cleaner/replay worker can find it regardless.
func (b *PearlBackend) fallbackController(unavailable *diskcontroller.Controller) *diskcontroller.Controller {
	for _, c := range b.controllers {
		if c != unavailable && c.State() == diskcontroller.StateRunning {
			return c
		}
	}
	return nil
}

func (b *PearlBackend) Put(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp, payload []byte) error {
	c, err := b.controllerFor(vdisk)
	if err != nil {
		return err
	}
	g, err := c.Group(vdisk)
	if err == nil {
		if putErr := g.Put(key, ts, payload); putErr == nil {
			return nil
		}
	}

	fb := b.fallbackController(c)
	if fb == nil {
		return fmt.Errorf("%w: vdisk %d's disk unavailable and no fallback disk", core.ErrDiskUnavailable, vdisk)
	}
	log.Warningf("backend: disk for vdisk %d unavailable, buffering locally as alien", vdisk)
	ag, err := fb.AlienGroup(b.localNode, vdisk)
	if err != nil {
		return err
	}
	return ag.Put(key, ts, payload)
}

func (b *PearlBackend) Get(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp) (core.Record, error) {
	c, err := b.controllerFor(vdisk)
	if err != nil {
		return core.Record{}, err
	}
	g, err := c.Group(vdisk)
	if err != nil {
		return core.Record{}, err
	}
	return g.Get(key, ts)
}

func (b *PearlBackend) Exist(ctx context.Context, vdisk core.VDiskId, key core.Key) (bool, error) {
	c, err := b.controllerFor(vdisk)
	if err != nil {
		return false, err
	}
	g, err := c.Group(vdisk)
	if err != nil {
		return false, err
	}
	return g.Exist(key)
}

func (b *PearlBackend) Delete(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp) error {
	c, err := b.controllerFor(vdisk)
	if err != nil {
		return err
	}
	g, err := c.Group(vdisk)
	if err != nil {
		return err
	}
	return g.Delete(key, ts)
}

func (b *PearlBackend) PutAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key, ts core.Timestamp, payload []byte) error {
	if len(b.controllers) == 0 {
		return fmt.Errorf("%w: no local disks for alien storage", core.ErrDiskUnavailable)
	}
	c := b.controllers[vdiskHash(vdisk)%uint32(len(b.controllers))]
	g, err := c.AlienGroup(sourceNode, vdisk)
	if err != nil {
		return err
	}
	return g.Put(key, ts, payload)
}

func (b *PearlBackend) GetAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key) (core.Record, error) {
	for _, c := range b.controllers {
		g, err := c.AlienGroup(sourceNode, vdisk)
		if err != nil {
			continue
		}
		if rec, err := g.Get(key, 0); err == nil {
			return rec, nil
		}
	}
	return core.Record{}, core.ErrNotFound
}

func (b *PearlBackend) DeleteAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key, ts core.Timestamp) error {
	for _, c := range b.controllers {
		g, err := c.AlienGroup(sourceNode, vdisk)
		if err != nil {
			continue
		}
		if err := g.Delete(key, ts); err == nil {
			return nil
		}
	}
	return core.ErrNotFound
}

func (b *PearlBackend) IndexMemory() int {
	total := 0
	for _, c := range b.controllers {
		total += c.IndexMemory()
	}
	return total
}

func (b *PearlBackend) FilterMemory() int {
	total := 0
	for _, c := range b.controllers {
		total += c.FilterMemory()
	}
	return total
}

func vdiskHash(v core.VDiskId) uint32 { return uint32(v) }
