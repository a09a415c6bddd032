// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// bobd is the single node daemon: it loads a cluster config and a node
// config, wires up every internal component for that node (Cluster Mapper,
// Link Manager, Backend, Grinder, memory limiter, alien replay, Cleaner),
// and serves the BobServer RPC until it receives SIGINT/SIGTERM.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/codegangsta/cli"
	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/alien"
	"github.com/qoollo/bob/internal/backend"
	"github.com/qoollo/bob/internal/bobserver"
	"github.com/qoollo/bob/internal/cleaner"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/diskcontroller"
	"github.com/qoollo/bob/internal/grinder"
	"github.com/qoollo/bob/internal/linkmanager"
	"github.com/qoollo/bob/internal/mapper"
	"github.com/qoollo/bob/internal/memlimit"
	"github.com/qoollo/bob/internal/server"
	"github.com/qoollo/bob/pkg/rpc"
)

func main() {
	flag.Set("logtostderr", "true")
	flag.Parse()

	app := cli.NewApp()
	app.Name = "bobd"
	app.Usage = "run a single Bob blob store node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "cluster, c",
			Usage: "path to the cluster config YAML file",
		},
		cli.StringFlag{
			Name:  "node, n",
			Usage: "path to this node's config YAML file",
		},
	}
	app.Action = runDaemon

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("bobd: %v", err)
	}
}

func runDaemon(c *cli.Context) error {
	clusterPath := c.String("cluster")
	nodePath := c.String("node")
	if clusterPath == "" || nodePath == "" {
		return fmt.Errorf("bobd: both --cluster and --node are required")
	}

	clusterCfg, err := config.LoadCluster(clusterPath)
	if err != nil {
		return fmt.Errorf("bobd: loading cluster config: %w", err)
	}
	nodeCfg, err := config.LoadNode(nodePath)
	if err != nil {
		return fmt.Errorf("bobd: loading node config: %w", err)
	}

	n, err := newNode(clusterCfg, nodeCfg)
	if err != nil {
		return err
	}
	defer n.stop()

	addr, ok := n.mapper.NodeAddress(n.mapper.LocalNodeName())
	if !ok {
		return fmt.Errorf("bobd: local node %q has no address in cluster config", n.mapper.LocalNodeName())
	}
	if err := rpc.RegisterName("BobServer", n.server); err != nil {
		return fmt.Errorf("bobd: registering BobServer: %w", err)
	}
	rpc.StartStandaloneRPCServer(addr)
	log.Infof("bobd: node %q serving on %s", n.mapper.LocalNodeName(), addr)

	waitForShutdown()
	log.Infof("bobd: shutting down")
	return nil
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

// node bundles every long-lived component this process owns, so main can
// start and stop them as one unit.
type node struct {
	mapper      *mapper.Mapper
	links       *linkmanager.Manager
	controllers []*diskcontroller.Controller
	back        backend.Backend
	grinder     *grinder.Grinder
	limiter     *memlimit.Limiter
	alienWorker *alien.Worker
	ledger      *alien.Ledger
	cleaner     *cleaner.Cleaner
	server      *bobserver.Server
}

func newNode(clusterCfg *config.Cluster, nodeCfg *config.Node) (*node, error) {
	m, err := mapper.New(clusterCfg, nodeCfg)
	if err != nil {
		return nil, fmt.Errorf("bobd: building mapper: %w", err)
	}

	links := linkmanager.New(m, nodeCfg.OperationTimeoutDuration(), nodeCfg.CheckIntervalDuration())
	links.Start()

	n := &node{mapper: m, links: links}

	back, err := n.buildBackend(nodeCfg)
	if err != nil {
		links.Stop()
		return nil, err
	}
	n.back = back

	g := grinder.New(m, back, links, nodeCfg.Quorum, nodeCfg.ClusterPolicyValue())
	n.grinder = g

	n.server = bobserver.New(bobserver.Config{Mapper: m, Grinder: g, Backend: back})

	if nodeCfg.BackendTypeValue() == core.BackendPearl {
		n.startMaintenance(nodeCfg)
	}

	return n, nil
}

// buildBackend constructs the Backend named by backend_type (spec §9),
// building one Disk Controller per local disk and a vdisk routing table
// when that is the pearl backend.
func (n *node) buildBackend(nodeCfg *config.Node) (backend.Backend, error) {
	switch nodeCfg.BackendTypeValue() {
	case core.BackendInMemory:
		return backend.NewInMemoryBackend(), nil
	case core.BackendStub:
		path := filepath.Join(nodeCfg.Pearl.Path, "stub.db")
		return backend.NewStubBackend(path)
	default:
		return n.buildPearlBackend(nodeCfg)
	}
}

func (n *node) buildPearlBackend(nodeCfg *config.Node) (backend.Backend, error) {
	initSem := server.NewSemaphore(4)

	byDisk := make(map[core.DiskName]*diskcontroller.Controller)
	for _, disk := range n.mapper.LocalDisks() {
		path, _ := n.mapper.LocalDiskPath(disk)
		ctl := diskcontroller.New(diskcontroller.Config{
			Disk:            disk,
			Path:            path,
			TimestampPeriod: nodeCfg.Pearl.Settings.TimestampPeriodSeconds(),
			MaxBlobSize:     nodeCfg.Pearl.Settings.MaxBlobSizeBytes(),
			AllowDuplicates: nodeCfg.Pearl.Settings.AllowDuplicates,
			InitSemaphore:   initSem,
		})
		if err := ctl.Init(); err != nil {
			log.Errorf("bobd: disk %q failed to init: %v", disk, err)
		}
		ctl.Start()
		byDisk[disk] = ctl
		n.controllers = append(n.controllers, ctl)
	}

	route := make(map[core.VDiskId]*diskcontroller.Controller)
	for _, id := range n.mapper.VDiskIDs() {
		vd, ok := n.mapper.VDisk(id)
		if !ok {
			continue
		}
		for _, r := range vd.Replicas {
			if !n.mapper.IsLocal(r) {
				continue
			}
			if ctl, ok := byDisk[r.Disk]; ok {
				route[id] = ctl
			}
		}
	}

	return backend.NewPearlBackend(n.mapper.LocalNodeName(), route), nil
}

// startMaintenance launches the memory limiter, alien replay worker, and
// Cleaner: background coordinators only the pearl backend's Disk
// Controllers need (spec §4.5-§4.7).
func (n *node) startMaintenance(nodeCfg *config.Node) {
	// Limiter has no goroutine of its own: the Cleaner feeds it the live
	// group set (including alien groups opened long after startup) on
	// every tick, via Observe/Evict below.
	n.limiter = memlimit.New(nodeCfg.BloomFilterMemoryLimitBytes(), nodeCfg.IndexMemoryLimitBytes())

	ledgerPath := filepath.Join(nodeCfg.Pearl.Path, "alien_ledger.db")
	ledger, err := alien.OpenLedger(ledgerPath)
	if err != nil {
		log.Errorf("bobd: opening alien ledger at %q: %v", ledgerPath, err)
	}
	n.ledger = ledger

	worker := alien.New(alien.Config{
		Controllers:    n.controllers,
		Links:          n.links,
		Ledger:         ledger,
		Interval:       nodeCfg.CheckIntervalDuration(),
		BandwidthLimit: nodeCfg.AlienBandwidthLimitBytes(),
	})
	worker.Start()
	n.alienWorker = worker

	n.cleaner = cleaner.New(cleaner.Config{
		Source:   &alien.NodeGroups{Controllers: n.controllers, Worker: worker},
		Limiter:  n.limiter,
		Interval: nodeCfg.CleanupIntervalDuration(),
	})
	n.cleaner.Start()
}

func (n *node) stop() {
	if n.cleaner != nil {
		n.cleaner.Stop()
	}
	if n.alienWorker != nil {
		n.alienWorker.Stop()
	}
	for _, ctl := range n.controllers {
		ctl.Stop()
	}
	if n.links != nil {
		n.links.Stop()
	}
}
