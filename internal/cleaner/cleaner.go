// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package cleaner implements the Cleaner & Dumper: the periodic task that
// closes idle holders, drops exhausted alien holders, recomputes
// hierarchical aggregate filters, and feeds current memory footprint to
// the memory budget limiter (spec §4.7).
package cleaner

import (
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/group"
	"github.com/qoollo/bob/internal/holder"
	"github.com/qoollo/bob/internal/memlimit"
	"github.com/qoollo/bob/internal/server"
)

// Source supplies the Cleaner with every Group on the node, normal and
// alien, each tick, plus the judgment of whether a closed alien holder has
// finished replaying and can be dropped. That judgment belongs to the
// alien replay worker (spec §4.6 step 4), not the Cleaner itself, so it is
// injected rather than guessed from holder state.
type Source interface {
	AllGroups() []*group.Group
	AlienHolderExhausted(h *holder.Holder) bool
}

// Cleaner runs the periodic maintenance pass described in spec §4.7.
type Cleaner struct {
	source   Source
	limiter  *memlimit.Limiter
	interval time.Duration

	// dumpSem bounds how many holders can be checked/dropped concurrently,
	// mirroring the teacher's semaphore-bounded dump pattern.
	dumpSem server.Semaphore

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config configures a Cleaner.
type Config struct {
	Source          Source
	Limiter         *memlimit.Limiter
	Interval        time.Duration
	MaxParallelDump int
}

// New builds a Cleaner.
func New(cfg Config) *Cleaner {
	maxDump := cfg.MaxParallelDump
	if maxDump <= 0 {
		maxDump = 4
	}
	return &Cleaner{
		source:   cfg.Source,
		limiter:  cfg.Limiter,
		interval: cfg.Interval,
		dumpSem:  server.NewSemaphore(maxDump),
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic tick loop.
func (c *Cleaner) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop halts the tick loop.
func (c *Cleaner) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Cleaner) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick runs one maintenance pass: close idle holders, drop exhausted alien
// holders, refresh each group's aggregate filter, recompute memory
// accounting. Exported so tests (and an operator
// forcing an out-of-band cleanup) can drive it directly.
func (c *Cleaner) Tick() {
	groups := c.source.AllGroups()

	var bloomBytes, indexBytes int64
	evictables := make([]memlimit.Evictable, 0, len(groups))
	for _, g := range groups {
		for _, h := range g.Holders() {
			if h.State() == holder.StateActive && h.NoWritesRecently() {
				log.V(4).Infof("cleaner: closing idle holder %s", h.Path)
				h.Close()
			}
			if g.IsAlien() && h.State() == holder.StateClosed {
				c.dropIfExhausted(g, h)
			}
		}
		if err := g.Aggregate(); err != nil {
			log.Warningf("cleaner: refreshing aggregate filter: %v", err)
		}
		bloomBytes += int64(g.FilterMemory())
		indexBytes += int64(g.IndexMemory())
		evictables = append(evictables, g)
	}

	if c.limiter != nil {
		c.limiter.Observe(bloomBytes, indexBytes)
		c.limiter.Evict(evictables)
	}
}

// dropIfExhausted drops h once the Source confirms it has no more work to
// replay. The dump semaphore bounds how many of these (which close a file
// and touch disk) run concurrently.
func (c *Cleaner) dropIfExhausted(g *group.Group, h *holder.Holder) {
	if !c.source.AlienHolderExhausted(h) {
		return
	}

	c.dumpSem.Acquire()
	defer c.dumpSem.Release()

	if err := h.Drop(); err != nil {
		log.Errorf("cleaner: failed to drop exhausted alien holder %s: %v", h.Path, err)
		return
	}
	g.DropHolder(h)
	log.Infof("cleaner: dropped exhausted alien holder %s", h.Path)
}
