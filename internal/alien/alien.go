// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package alien implements the Alien Handoff replay worker: the background
// task that, once the Link Manager reports a node reachable again, walks
// every Holder buffering that node's data and hands the records back to
// their rightful owner in compressed batches of up to BatchSize records
// (spec §4.6).
package alien

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/diskcontroller"
	"github.com/qoollo/bob/internal/group"
	"github.com/qoollo/bob/internal/holder"
	"github.com/qoollo/bob/internal/linkmanager"
	"github.com/qoollo/bob/internal/server"
	"github.com/qoollo/bob/pkg/tokenbucket"
)

// Record is the wire shape for one buffered entry inside a handoff batch,
// gob-encoded and then snappy-compressed as core.PutAlienRecordsRequest's
// Records field.
type Record struct {
	Key     core.Key
	Payload []byte
	TS      core.Timestamp
	Deleted bool
}

// EncodeBatch gob-encodes then snappy-compresses records for the wire.
func EncodeBatch(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return nil, fmt.Errorf("%w: encoding alien batch: %v", core.ErrInternal, err)
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) ([]Record, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing alien batch: %v", core.ErrInternal, err)
	}
	var records []Record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: decoding alien batch: %v", core.ErrInternal, err)
	}
	return records, nil
}

// Config configures a Worker.
type Config struct {
	Controllers []*diskcontroller.Controller
	Links       *linkmanager.Manager
	Ledger      *Ledger // nil disables durable attempt/exhaustion tracking
	Interval    time.Duration
	BatchSize   int // records per PutAlienRecords RPC; 0 uses a sane default
	// MaxParallelReplay bounds how many (sourceNode, vdisk) holders this
	// node replays concurrently, mirroring the Cleaner's dump semaphore.
	MaxParallelReplay int
	// BandwidthLimit caps outgoing handoff traffic in bytes/sec across every
	// concurrent replay; 0 means unlimited. Mirrors the teacher's curator
	// recovery/rebuild bandwidth caps (pkg/tokenbucket), applied here to the
	// handoff path instead of RS recovery.
	BandwidthLimit int64
}

// Worker periodically scans every alien Group on the node's disks and
// replays their buffered records to the owning node once it is reachable.
type Worker struct {
	controllers []*diskcontroller.Controller
	links       *linkmanager.Manager
	ledger      *Ledger
	interval    time.Duration
	batchSize   int
	sem         server.Semaphore

	// groupLocks serializes a replay pass against concurrent local appends
	// to the same alien Group (e.g. the Backend buffering a fresh write
	// into the same holder mid-scan), keyed by "<source node>/<vdisk>".
	groupLocks server.KeyLock

	// bw is nil when BandwidthLimit is 0 (unlimited).
	bw *tokenbucket.TokenBucket

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Worker from cfg.
func New(cfg Config) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 256
	}
	parallel := cfg.MaxParallelReplay
	if parallel <= 0 {
		parallel = 4
	}
	var bw *tokenbucket.TokenBucket
	if cfg.BandwidthLimit > 0 {
		bw = tokenbucket.New(float32(cfg.BandwidthLimit), float32(cfg.BandwidthLimit))
	}
	return &Worker{
		controllers: cfg.Controllers,
		links:       cfg.Links,
		ledger:      cfg.Ledger,
		interval:    cfg.Interval,
		batchSize:   batch,
		sem:         server.NewSemaphore(parallel),
		groupLocks:  server.NewFineGrainedLock(),
		bw:          bw,
		stop:        make(chan struct{}),
	}
}

// Start launches the periodic replay loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the replay loop.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Tick runs one replay pass over every alien Group whose owning node is
// currently reachable. Exported so tests and an operator-triggered replay
// can drive it directly.
func (w *Worker) Tick() {
	var wg sync.WaitGroup
	for _, c := range w.controllers {
		for _, g := range c.AlienGroups() {
			if !w.links.IsConnected(g.AlienSourceNode) {
				continue
			}
			g := g
			wg.Add(1)
			w.sem.Acquire()
			go func() {
				defer wg.Done()
				defer w.sem.Release()
				w.replayGroup(g)
			}()
		}
	}
	wg.Wait()
}

func (w *Worker) replayGroup(g *group.Group) {
	key := fmt.Sprintf("%s/%d", g.AlienSourceNode, g.VDisk)
	w.groupLocks.Lock(key)
	defer w.groupLocks.Unlock(key)

	for _, h := range g.Holders() {
		if h.State() == holder.StateDropped {
			continue
		}
		w.replayHolder(g, h)
	}
}

func (w *Worker) replayHolder(g *group.Group, h *holder.Holder) {
	if w.ledger != nil {
		if exhausted, err := w.ledger.IsExhausted(h.Path); err == nil && exhausted {
			return
		}
	}

	var batch []Record
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.sendBatch(g.AlienSourceNode, g.VDisk, batch); err != nil {
			return err
		}
		// The owner now durably has these records (spec §4.6 step 3): clear
		// them out of this alien holder's engine so GetAlien/ExistAlien stop
		// seeing them, regardless of whether the holder is still open for
		// new alien writes or has already been closed.
		for _, rec := range batch {
			if err := h.ForceDelete(rec.Key, rec.TS); err != nil {
				log.Errorf("alien: deleting replayed record %x@%d from %s: %v", rec.Key, rec.TS, h.Path, err)
			}
		}
		batch = batch[:0]
		return nil
	}

	err := h.Iterate(func(rec core.Record) error {
		batch = append(batch, Record{Key: rec.Key, Payload: rec.Payload, TS: rec.TS, Deleted: rec.Deleted})
		if len(batch) >= w.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}

	if w.ledger != nil {
		if attemptErr := w.ledger.MarkAttempt(h.Path, g.AlienSourceNode, g.VDisk, time.Now().Unix()); attemptErr != nil {
			log.Errorf("alien: recording replay attempt for %s: %v", h.Path, attemptErr)
		}
	}

	if err != nil {
		log.Warningf("alien: replay of %s to %s failed: %v", h.Path, g.AlienSourceNode, err)
		return
	}

	log.V(4).Infof("alien: replayed holder %s to %s", h.Path, g.AlienSourceNode)
	if h.State() != holder.StateClosed {
		// Still accepting writes: never exhausted while that's true, no
		// matter how clean this pass was, since another write could land
		// the instant after Iterate returns.
		return
	}
	if w.ledger != nil {
		if err := w.ledger.MarkExhausted(h.Path); err != nil {
			log.Errorf("alien: marking %s exhausted: %v", h.Path, err)
		}
	}
}

func (w *Worker) sendBatch(sourceNode core.NodeName, vdisk core.VDiskId, batch []Record) error {
	data, err := EncodeBatch(batch)
	if err != nil {
		return err
	}
	if w.bw != nil {
		w.bw.Take(float32(len(data)))
	}
	req := &core.PutAlienRecordsRequest{SourceNode: sourceNode, VDisk: vdisk, Records: data}
	var reply core.PutAlienRecordsReply
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.links.CallWithRetry(ctx, sourceNode, "BobServer.PutAlienRecords", req, &reply); err != nil {
		return err
	}
	if reply.Err != core.NoError {
		return reply.Err
	}
	return nil
}

// AlienHolderExhausted reports whether h has finished replaying, per the
// durable ledger. It implements the predicate internal/cleaner.Source needs
// to decide when it's safe to drop a closed alien holder.
func (w *Worker) AlienHolderExhausted(h *holder.Holder) bool {
	if w.ledger == nil {
		return false
	}
	exhausted, err := w.ledger.IsExhausted(h.Path)
	if err != nil {
		log.Errorf("alien: checking exhaustion for %s: %v", h.Path, err)
		return false
	}
	return exhausted
}

// NodeGroups adapts a node's disk controllers and replay Worker into
// internal/cleaner.Source, so the Cleaner doesn't need to know either type
// exists: it just asks for groups and exhaustion verdicts.
type NodeGroups struct {
	Controllers []*diskcontroller.Controller
	Worker      *Worker
}

// AllGroups returns every normal and alien Group across every controller.
func (n *NodeGroups) AllGroups() []*group.Group {
	var out []*group.Group
	for _, c := range n.Controllers {
		out = append(out, c.Groups()...)
		out = append(out, c.AlienGroups()...)
	}
	return out
}

// AlienHolderExhausted delegates to the replay Worker.
func (n *NodeGroups) AlienHolderExhausted(h *holder.Holder) bool {
	return n.Worker.AlienHolderExhausted(h)
}
