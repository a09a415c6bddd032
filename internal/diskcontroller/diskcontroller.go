// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package diskcontroller implements the Disk Controller: one per physical
// disk, owning every Group that lives on it (one per local vdisk, plus one
// alien Group per (source node, vdisk) pair buffered on this disk) and running
// the read/write probe loop that drives the disk's availability state
// machine (spec §4.4).
package diskcontroller

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/group"
	"github.com/qoollo/bob/internal/server"
)

// alienDirName is the fixed directory name under a disk's root that holds
// every alien Group this disk buffers, one subdirectory per source node
// (spec §4.6/§6.3).
const alienDirName = "alien"

// State is the disk's availability state machine (spec §4.4).
type State int32

const (
	// StateInit means the controller hasn't finished opening its groups yet.
	StateInit State = iota
	// StateRunning means the disk is accepting reads and writes.
	StateRunning
	// StateDegraded means the write probe is failing; Group and AlienGroup
	// refuse every operation, reads included, until a probe succeeds.
	StateDegraded
	// StateRemounting means the disk dropped out and is being reopened.
	StateRemounting
	// StateStopped means the controller has been shut down and will not
	// recover on its own.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateRemounting:
		return "remounting"
	case StateStopped:
		return "stopped"
	default:
		return "init"
	}
}

const probeFileName = ".bob_probe"

// alienKey identifies one alien Group: the node that owns the data and the
// vdisk it belongs to. A disk can buffer for the same source node across
// more than one vdisk, so the node name alone isn't a unique key.
type alienKey struct {
	node  core.NodeName
	vdisk core.VDiskId
}

// Config configures a Controller for one physical disk.
type Config struct {
	Disk core.DiskName
	Path string

	TimestampPeriod uint64
	MaxBlobSize     int64
	AllowDuplicates bool

	ProbeInterval time.Duration

	// InitSemaphore bounds concurrent Init/Remounting work across every
	// Controller on the node, so a node with many disks doesn't thrash
	// them all open or closed at once.
	InitSemaphore server.Semaphore

	Opener group.EngineOpener // nil uses group.DefaultEngineOpener
}

// Controller owns every Group backed by one physical disk: one per local
// vdisk plus one alien Group per (source node, vdisk) pair this disk
// buffers data for.
type Controller struct {
	cfg Config

	state atomic.Int32

	mu     sync.RWMutex
	vdisks map[core.VDiskId]*group.Group
	aliens map[alienKey]*group.Group

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Controller in StateInit; call Start to run its probe loop.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:    cfg,
		vdisks: make(map[core.VDiskId]*group.Group),
		aliens: make(map[alienKey]*group.Group),
		stop:   make(chan struct{}),
	}
	c.state.Store(int32(StateInit))
	return c
}

// Init opens the disk for business: probes it once, and if that succeeds
// transitions to StateRunning. Acquires the InitSemaphore for the duration
// of the probe so a node with many disks doesn't probe them all at once.
func (c *Controller) Init() error {
	if c.cfg.InitSemaphore != nil {
		c.cfg.InitSemaphore.Acquire()
		defer c.cfg.InitSemaphore.Release()
	}

	if err := os.MkdirAll(c.cfg.Path, 0700); err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("%w: creating disk root %q: %v", core.ErrDiskUnavailable, c.cfg.Path, err)
	}

	if err := c.probeWrite(); err != nil {
		c.state.Store(int32(StateStopped))
		return err
	}

	c.mu.Lock()
	err := c.loadExistingGroups()
	c.mu.Unlock()
	if err != nil {
		c.state.Store(int32(StateStopped))
		return err
	}

	c.state.Store(int32(StateRunning))
	log.Infof("diskcontroller %s: init complete, state running", c.cfg.Disk)
	return nil
}

// Start launches the background probe loop. Call after Init succeeds.
func (c *Controller) Start() {
	interval := c.cfg.ProbeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c.wg.Add(1)
	go c.probeLoop(interval)
}

// Stop halts the probe loop and marks the controller StateStopped. It does
// not close any Group's holders; the Cleaner owns that lifecycle.
func (c *Controller) Stop() {
	c.state.Store(int32(StateStopped))
	close(c.stop)
	c.wg.Wait()
}

func (c *Controller) probeLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.runProbe()
		}
	}
}

func (c *Controller) runProbe() {
	if c.State() == StateStopped {
		return
	}
	if err := c.probeWrite(); err != nil {
		if c.State() == StateRunning {
			log.Errorf("diskcontroller %s: write probe failed, degrading: %v", c.cfg.Disk, err)
			c.state.Store(int32(StateDegraded))
		}
		return
	}
	if c.State() == StateDegraded {
		log.Infof("diskcontroller %s: write probe recovered, remounting", c.cfg.Disk)
		c.state.Store(int32(StateRemounting))
		if err := c.remount(); err != nil {
			log.Errorf("diskcontroller %s: remount failed, staying degraded: %v", c.cfg.Disk, err)
			c.state.Store(int32(StateDegraded))
			return
		}
		c.state.Store(int32(StateRunning))
		log.Infof("diskcontroller %s: remount complete, state running", c.cfg.Disk)
	}

	free, total, err := diskSpace(c.cfg.Path)
	if err != nil {
		log.Warningf("diskcontroller %s: free space probe failed: %v", c.cfg.Disk, err)
		return
	}
	if total > 0 && free*20 < total { // less than 5% free
		log.Warningf("diskcontroller %s: low free space, %d/%d bytes free", c.cfg.Disk, free, total)
	}
}

// probeWrite writes and reads back a sentinel file to confirm the disk is
// actually writable, not just mounted.
func (c *Controller) probeWrite() error {
	path := filepath.Join(c.cfg.Path, probeFileName)
	if err := os.WriteFile(path, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("%w: write probe on %q: %v", core.ErrDiskUnavailable, c.cfg.Disk, err)
	}
	if _, err := os.ReadFile(path); err != nil {
		return fmt.Errorf("%w: read probe on %q: %v", core.ErrDiskUnavailable, c.cfg.Disk, err)
	}
	return nil
}

func diskSpace(path string) (free, total uint64, err error) {
	usage := sigar.FileSystemUsage{}
	if err := usage.Get(path); err != nil {
		return 0, 0, err
	}
	return usage.Avail * 1024, usage.Total * 1024, nil
}

// State returns the controller's current availability state.
func (c *Controller) State() State { return State(c.state.Load()) }

// available reports whether the controller will currently accept writes.
func (c *Controller) available() bool {
	switch c.State() {
	case StateRunning:
		return true
	default:
		return false
	}
}

func (c *Controller) opener() group.EngineOpener {
	if c.cfg.Opener != nil {
		return c.cfg.Opener
	}
	return group.DefaultEngineOpener
}

// Group returns (creating if necessary) the normal Group for vdisk.
func (c *Controller) Group(vdisk core.VDiskId) (*group.Group, error) {
	if !c.available() {
		return nil, fmt.Errorf("%w: disk %q is %s", core.ErrDiskUnavailable, c.cfg.Disk, c.State())
	}

	c.mu.RLock()
	g, ok := c.vdisks[vdisk]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.vdisks[vdisk]; ok {
		return g, nil
	}
	return c.newGroupLocked(vdisk)
}

// AlienGroup returns (creating if necessary) the Group buffering data that
// belongs to sourceNode's vdisk, on this disk, per spec §4.6.
func (c *Controller) AlienGroup(sourceNode core.NodeName, vdisk core.VDiskId) (*group.Group, error) {
	if !c.available() {
		return nil, fmt.Errorf("%w: disk %q is %s", core.ErrDiskUnavailable, c.cfg.Disk, c.State())
	}

	key := alienKey{node: sourceNode, vdisk: vdisk}
	c.mu.RLock()
	g, ok := c.aliens[key]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.aliens[key]; ok {
		return g, nil
	}
	return c.newAlienGroupLocked(sourceNode, vdisk)
}

// newGroupLocked opens (or reopens, if its directory already holds holders
// from a previous run) the normal Group for vdisk. Callers must hold c.mu.
func (c *Controller) newGroupLocked(vdisk core.VDiskId) (*group.Group, error) {
	g, err := group.New(group.Config{
		VDisk:           vdisk,
		Disk:            c.cfg.Disk,
		Root:            filepath.Join(c.cfg.Path, fmt.Sprintf("%d", vdisk)),
		TimestampPeriod: c.cfg.TimestampPeriod,
		MaxBlobSize:     c.cfg.MaxBlobSize,
		AllowDuplicates: c.cfg.AllowDuplicates,
		Opener:          c.opener(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening group for vdisk %d: %v", core.ErrDiskUnavailable, vdisk, err)
	}
	c.vdisks[vdisk] = g
	return g, nil
}

// newAlienGroupLocked opens (or reopens) the alien Group buffering data for
// (sourceNode, vdisk) on this disk. Callers must hold c.mu.
func (c *Controller) newAlienGroupLocked(sourceNode core.NodeName, vdisk core.VDiskId) (*group.Group, error) {
	g, err := group.New(group.Config{
		VDisk:           vdisk,
		Disk:            c.cfg.Disk,
		AlienSourceNode: sourceNode,
		Root:            filepath.Join(c.cfg.Path, alienDirName, string(sourceNode), fmt.Sprintf("%d", vdisk)),
		TimestampPeriod: c.cfg.TimestampPeriod,
		MaxBlobSize:     c.cfg.MaxBlobSize,
		AllowDuplicates: c.cfg.AllowDuplicates,
		Opener:          c.opener(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening alien group for %s/%d: %v", core.ErrDiskUnavailable, sourceNode, vdisk, err)
	}
	c.aliens[alienKey{node: sourceNode, vdisk: vdisk}] = g
	return g, nil
}

// loadExistingGroups scans the disk's root for vdisk and alien directories
// left by a previous run and reopens each as a Group, per spec §4.4/§6.3:
// "directory names are parsed to (vdisk, start-timestamp) at mount." The
// root layout is <path>/<vdisk-id>/<start-ts> for normal groups and
// <path>/alien/<source-node>/<vdisk-id>/<start-ts> for buffered ones.
// Callers must hold c.mu.
func (c *Controller) loadExistingGroups() error {
	entries, err := os.ReadDir(c.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: listing disk root %q: %v", core.ErrDiskUnavailable, c.cfg.Path, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if entry.Name() == alienDirName {
			if err := c.loadExistingAlienGroups(); err != nil {
				return err
			}
			continue
		}
		vdisk, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			log.Warningf("diskcontroller %s: skipping unparseable vdisk directory %q", c.cfg.Disk, entry.Name())
			continue
		}
		if _, err := c.newGroupLocked(core.VDiskId(vdisk)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) loadExistingAlienGroups() error {
	alienRoot := filepath.Join(c.cfg.Path, alienDirName)
	nodeEntries, err := os.ReadDir(alienRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: listing alien root %q: %v", core.ErrDiskUnavailable, alienRoot, err)
	}

	for _, nodeEntry := range nodeEntries {
		if !nodeEntry.IsDir() {
			continue
		}
		sourceNode := core.NodeName(nodeEntry.Name())
		vdiskEntries, err := os.ReadDir(filepath.Join(alienRoot, nodeEntry.Name()))
		if err != nil {
			return fmt.Errorf("%w: listing alien source %q: %v", core.ErrDiskUnavailable, sourceNode, err)
		}
		for _, vdiskEntry := range vdiskEntries {
			if !vdiskEntry.IsDir() {
				continue
			}
			vdisk, err := strconv.ParseUint(vdiskEntry.Name(), 10, 32)
			if err != nil {
				log.Warningf("diskcontroller %s: skipping unparseable alien vdisk directory %q", c.cfg.Disk, vdiskEntry.Name())
				continue
			}
			if _, err := c.newAlienGroupLocked(sourceNode, core.VDiskId(vdisk)); err != nil {
				return err
			}
		}
	}
	return nil
}

// remount tears down every currently-open Group — releasing its Holders'
// engines, bloom filters, and indexes — and rebuilds the disk's Groups from
// the on-disk directory listing, as if the controller had just started up.
// It's invoked on the Degraded -> Remounting -> Running transition so a
// disk that drops out and recovers re-derives its state from disk instead
// of silently keeping whatever (now possibly stale) Groups it had in
// memory from before the outage.
func (c *Controller) remount() error {
	c.mu.Lock()
	oldVdisks := c.vdisks
	oldAliens := c.aliens
	c.vdisks = make(map[core.VDiskId]*group.Group)
	c.aliens = make(map[alienKey]*group.Group)
	c.mu.Unlock()

	for _, g := range oldVdisks {
		dropGroupHolders(g)
	}
	for _, g := range oldAliens {
		dropGroupHolders(g)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadExistingGroups()
}

// dropGroupHolders closes every Holder's engine so the memory it was
// holding (index, bloom filter, file descriptors) is released before the
// Group itself is discarded. Drop is idempotent, so this is safe even if
// the Cleaner already dropped some of these holders concurrently.
func dropGroupHolders(g *group.Group) {
	for _, h := range g.Holders() {
		if err := h.Drop(); err != nil {
			log.Warningf("diskcontroller: dropping holder %s during remount: %v", h.Path, err)
		}
	}
}

// Groups returns every normal Group currently open on this disk.
func (c *Controller) Groups() []*group.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*group.Group, 0, len(c.vdisks))
	for _, g := range c.vdisks {
		out = append(out, g)
	}
	return out
}

// AlienGroups returns every alien Group currently open on this disk.
func (c *Controller) AlienGroups() []*group.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*group.Group, 0, len(c.aliens))
	for _, g := range c.aliens {
		out = append(out, g)
	}
	return out
}

// IndexMemory and FilterMemory sum every Group's footprint on this disk,
// for the memory limiter's per-disk accounting.
func (c *Controller) IndexMemory() int {
	total := 0
	for _, g := range append(c.Groups(), c.AlienGroups()...) {
		total += g.IndexMemory()
	}
	return total
}

func (c *Controller) FilterMemory() int {
	total := 0
	for _, g := range append(c.Groups(), c.AlienGroups()...) {
		total += g.FilterMemory()
	}
	return total
}
