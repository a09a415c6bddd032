// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package linkmanager tracks the reachability of every peer node in the
// cluster and gives the Grinder a fast-failing client for each one: a PUT
// or GET aimed at a node already known to be unreachable returns
// core.ErrDiskUnavailable immediately instead of waiting out a dial
// timeout, which is what lets the quorum algorithm fall back to alien
// buffering promptly (spec §4.2/§4.3).
package linkmanager

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/mapper"
	"github.com/qoollo/bob/pkg/retry"
	"github.com/qoollo/bob/pkg/rpc"
)

// State is a Link's connectivity state.
type State int

const (
	// StateUnknown is the state before the first ping has completed.
	StateUnknown State = iota
	// StateConnected means the most recent ping succeeded.
	StateConnected
	// StateUnreachable means the most recent ping failed.
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Link is the Link Manager's view of one remote node: its resolved address
// and current connectivity state.
type Link struct {
	Node core.NodeName
	Addr string

	mu    sync.RWMutex
	state State

	errCount int
}

// State returns the link's current connectivity state.
func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	if s == StateConnected {
		l.errCount = 0
	} else {
		l.errCount++
	}
	l.mu.Unlock()
	if changed {
		log.Infof("linkmanager: %s (%s) is now %s", l.Node, l.Addr, s)
	}
}

// Manager owns one Link per remote node in the cluster and periodically
// pings them on Node.CheckInterval, per spec §4.2.
type Manager struct {
	conns *rpc.ConnectionCache
	rtr   retry.Retrier

	operationTimeout time.Duration
	checkInterval    time.Duration

	mu    sync.RWMutex
	links map[core.NodeName]*Link

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Manager for every remote node known to m, none of them
// considered reachable until the first ping round completes.
func New(m *mapper.Mapper, operationTimeout, checkInterval time.Duration) *Manager {
	mgr := &Manager{
		conns:            rpc.NewConnectionCache(operationTimeout, operationTimeout, 0),
		rtr:              retry.Retrier{MinSleep: 50 * time.Millisecond, MaxSleep: checkInterval},
		operationTimeout: operationTimeout,
		checkInterval:    checkInterval,
		links:            make(map[core.NodeName]*Link),
		stop:             make(chan struct{}),
	}
	for _, n := range m.RemoteNodes() {
		mgr.links[n.Name] = &Link{Node: n.Name, Addr: n.Address}
	}
	return mgr
}

// Start launches the background ping loop. It must be called at most once.
func (mgr *Manager) Start() {
	mgr.wg.Add(1)
	go mgr.pingLoop()
}

// Stop halts the background ping loop and closes all cached connections.
func (mgr *Manager) Stop() {
	close(mgr.stop)
	mgr.wg.Wait()
	mgr.conns.CloseAll()
}

func (mgr *Manager) pingLoop() {
	defer mgr.wg.Done()
	ticker := time.NewTicker(mgr.checkInterval)
	defer ticker.Stop()

	mgr.pingAll()
	for {
		select {
		case <-ticker.C:
			mgr.pingAll()
		case <-mgr.stop:
			return
		}
	}
}

func (mgr *Manager) pingAll() {
	mgr.mu.RLock()
	links := make([]*Link, 0, len(mgr.links))
	for _, l := range mgr.links {
		links = append(links, l)
	}
	mgr.mu.RUnlock()

	var wg sync.WaitGroup
	for _, l := range links {
		wg.Add(1)
		go func(l *Link) {
			defer wg.Done()
			mgr.ping(l)
		}(l)
	}
	wg.Wait()
}

func (mgr *Manager) ping(l *Link) {
	ctx, cancel := context.WithTimeout(context.Background(), mgr.operationTimeout)
	defer cancel()

	var reply core.PingReply
	err := mgr.conns.Send(ctx, l.Addr, "BobServer.Ping", &core.PingRequest{}, &reply)
	if err != nil {
		l.setState(StateUnreachable)
		return
	}
	l.setState(StateConnected)
}

// Link returns the Link tracking the given node, or nil if node is unknown
// to this Manager (which includes the local node itself, since the Link
// Manager only tracks peers).
func (mgr *Manager) Link(node core.NodeName) *Link {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.links[node]
}

// IsConnected reports whether node is currently reachable. Unknown nodes
// are reported as unreachable.
func (mgr *Manager) IsConnected(node core.NodeName) bool {
	l := mgr.Link(node)
	return l != nil && l.State() == StateConnected
}

// Call sends an RPC to node's cached connection, failing fast with
// core.ErrDiskUnavailable if the Link is already known to be unreachable
// rather than paying a dial timeout on every quorum attempt.
func (mgr *Manager) Call(ctx context.Context, node core.NodeName, method string, req, reply interface{}) error {
	l := mgr.Link(node)
	if l == nil {
		return core.ErrVDiskNotFound
	}
	if l.State() == StateUnreachable {
		return core.ErrDiskUnavailable
	}

	nctx, cancel := context.WithTimeout(ctx, mgr.operationTimeout)
	defer cancel()
	err := mgr.conns.Send(nctx, l.Addr, method, req, reply)
	if err != nil {
		l.setState(StateUnreachable)
		return core.ErrDiskUnavailable
	}
	return nil
}

// CallWithRetry is like Call, but retries with backoff bounded by the
// Manager's check interval — used for the handoff replay path, where a
// transient failure shouldn't immediately give up on a destination that was
// reachable moments ago.
func (mgr *Manager) CallWithRetry(ctx context.Context, node core.NodeName, method string, req, reply interface{}) error {
	var lastErr error
	mgr.rtr.Do(ctx, func(int) bool {
		lastErr = mgr.Call(ctx, node, method, req, reply)
		return lastErr == nil
	})
	return lastErr
}

// ConnectedNodes returns the names of nodes currently considered reachable.
func (mgr *Manager) ConnectedNodes() []core.NodeName {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	var out []core.NodeName
	for name, l := range mgr.links {
		if l.State() == StateConnected {
			out = append(out, name)
		}
	}
	return out
}
