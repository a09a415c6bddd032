// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package grinder implements the Cluster Coordinator: the component every
// client RPC lands on first. It fans a PUT/GET/EXIST/DELETE out across the
// replicas the Cluster Mapper names for a key, applies the quorum rule,
// and buffers into alien storage whenever a replica can't be reached
// directly (spec §4.3).
package grinder

import (
	"context"
	"fmt"
	"sync"

	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/backend"
	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/linkmanager"
	"github.com/qoollo/bob/internal/mapper"
	"github.com/qoollo/bob/internal/server"
)

// Grinder coordinates a single node's view of PUT/GET/EXIST/DELETE across
// the cluster.
type Grinder struct {
	mapper  *mapper.Mapper
	backend backend.Backend
	links   *linkmanager.Manager
	quorum  int
	policy  core.ClusterPolicy

	ops *server.OpMetric
}

// New builds a Grinder. quorum is the minimum number of replicas (local
// write counts as one) that must acknowledge a PUT/DELETE under
// core.PolicyQuorum; policy core.PolicySimple skips waiting for any
// acknowledgment at all (spec §9 "cluster_policy").
func New(m *mapper.Mapper, b backend.Backend, links *linkmanager.Manager, quorum int, policy core.ClusterPolicy) *Grinder {
	return &Grinder{
		mapper:  m,
		backend: b,
		links:   links,
		quorum:  quorum,
		policy:  policy,
		ops:     server.NewOpMetric("bob_grinder_op", "op"),
	}
}

func (g *Grinder) remoteReplicas(key core.Key) []core.Replica {
	all := g.mapper.ReplicasForKey(key)
	local := g.mapper.LocalNodeName()
	out := make([]core.Replica, 0, len(all))
	for _, r := range all {
		if r.Node != local {
			out = append(out, r)
		}
	}
	return out
}

func (g *Grinder) localReplica(key core.Key) (core.Replica, bool) {
	for _, r := range g.mapper.ReplicasForKey(key) {
		if r.Node == g.mapper.LocalNodeName() {
			return r, true
		}
	}
	return core.Replica{}, false
}

// Put writes a record, fanning out to every replica of key's vdisk, and
// buffers into alien storage for any replica it couldn't reach directly
// (spec §4.3 "PUT algorithm").
func (g *Grinder) Put(ctx context.Context, key core.Key, ts core.Timestamp, payload []byte) error {
	lm := g.ops.Start("put")
	defer lm.End()

	vdisk := g.mapper.VDiskIDFromKey(key)
	acked := 0
	var fails []core.PerReplicaError

	if _, ok := g.localReplica(key); ok {
		if err := g.backend.Put(ctx, vdisk, key, ts, payload); err != nil {
			fails = append(fails, core.PerReplicaError{Replica: core.Replica{Node: g.mapper.LocalNodeName()}, Err: err})
		} else {
			acked++
		}
	}

	remote := g.remoteReplicas(key)
	// cluster_policy=simple never waits for replica acks (spec §9); when the
	// local write alone already satisfies the quorum, Put does not wait
	// either. In both cases the remote replicas are still written in the
	// background, with alien buffering for any that fail.
	if g.policy == core.PolicySimple || g.quorum <= acked {
		go g.backgroundPutRemote(remote, key, ts, payload)
		lm.Result("ok")
		return nil
	}

	type result struct {
		replica core.Replica
		err     error
	}
	results := make(chan result, len(remote))
	var wg sync.WaitGroup
	for _, r := range remote {
		wg.Add(1)
		go func(r core.Replica) {
			defer wg.Done()
			req := &core.PutRequest{Key: key, Payload: payload, TS: ts, Options: core.PutOptions{Local: true}}
			var reply core.PutReply
			err := g.links.CallWithRetry(ctx, r.Node, "BobServer.Put", req, &reply)
			if err == nil && reply.Err != core.NoError {
				err = reply.Err
			}
			results <- result{replica: r, err: err}
		}(r)
	}
	wg.Wait()
	close(results)

	var pending []core.Replica
	for res := range results {
		if res.err != nil {
			fails = append(fails, core.PerReplicaError{Replica: res.replica, Err: res.err})
			pending = append(pending, res.replica)
		} else {
			acked++
		}
	}

	if acked >= g.quorum {
		lm.Result("ok")
		if len(pending) > 0 {
			go g.putAliens(pending, key, vdisk, ts, payload)
		}
		return nil
	}

	lm.Failed()
	if err := g.putAliens(pending, key, vdisk, ts, payload); err != nil {
		log.Errorf("PUT[%s]: quorum not reached (%d/%d) and alien buffering also failed: %v", key, acked, g.quorum, err)
		return &core.PutFailed{Key: key, Quorum: g.quorum, Acked: acked, SubFails: fails}
	}
	log.Warningf("PUT[%s]: quorum not reached (%d/%d), buffered remainder as alien", key, acked, g.quorum)
	return nil
}

func (g *Grinder) backgroundPutRemote(remote []core.Replica, key core.Key, ts core.Timestamp, payload []byte) {
	ctx := context.Background()
	var pending []core.Replica
	for _, r := range remote {
		req := &core.PutRequest{Key: key, Payload: payload, TS: ts, Options: core.PutOptions{Local: true}}
		var reply core.PutReply
		if err := g.links.CallWithRetry(ctx, r.Node, "BobServer.Put", req, &reply); err != nil || reply.Err != core.NoError {
			pending = append(pending, r)
		}
	}
	if len(pending) > 0 {
		vdisk := g.mapper.VDiskIDFromKey(key)
		if err := g.putAliens(pending, key, vdisk, ts, payload); err != nil {
			log.Errorf("PUT[%s]: background alien buffering failed: %v", key, err)
		}
	}
}

// putAliens buffers payload on behalf of every replica in failed, preferring
// a remote support node (any cluster node that isn't already a replica for
// this vdisk) so the data isn't doubly concentrated on the coordinator's
// own disks; falls back to local alien storage when no support node is
// reachable.
func (g *Grinder) putAliens(failed []core.Replica, key core.Key, vdisk core.VDiskId, ts core.Timestamp, payload []byte) error {
	if len(failed) == 0 {
		return nil
	}
	supports := g.supportNodes(key, len(failed))
	ctx := context.Background()
	var lastErr error
	for i, r := range failed {
		if i < len(supports) {
			node := supports[i]
			req := &core.PutAlienRequest{SourceNode: r.Node, VDisk: vdisk, Key: key, Payload: payload, TS: ts}
			var reply core.PutAlienReply
			err := g.links.CallWithRetry(ctx, node, "BobServer.PutAlien", req, &reply)
			if err == nil && reply.Err == core.NoError {
				continue
			}
			log.Warningf("PUT[%s]: support node %s failed to take alien for %s, buffering locally: %v", key, node, r.Node, err)
		}
		if err := g.backend.PutAlien(ctx, r.Node, vdisk, key, ts, payload); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// supportNodes picks up to n remote nodes that are not already replicas for
// key's vdisk and are currently known reachable, to host alien buffers.
func (g *Grinder) supportNodes(key core.Key, n int) []core.NodeName {
	replicaNodes := make(map[core.NodeName]bool)
	for _, r := range g.mapper.ReplicasForKey(key) {
		replicaNodes[r.Node] = true
	}
	var out []core.NodeName
	for _, node := range g.mapper.RemoteNodes() {
		if len(out) >= n {
			break
		}
		if replicaNodes[node.Name] {
			continue
		}
		if g.links.IsConnected(node.Name) {
			out = append(out, node.Name)
		}
	}
	return out
}

// Get reads a record according to source (spec §4.3 GetSource).
func (g *Grinder) Get(ctx context.Context, key core.Key, source core.GetSource) (core.Record, error) {
	lm := g.ops.Start("get")
	defer lm.End()

	vdisk := g.mapper.VDiskIDFromKey(key)

	if _, ok := g.localReplica(key); ok {
		if rec, err := g.backend.Get(ctx, vdisk, key, 0); err == nil {
			lm.Result("ok")
			return rec, nil
		}
	}
	if source == core.SourceLocal {
		lm.Failed()
		return core.Record{}, core.ErrNotFound
	}

	remote := g.remoteReplicas(key)
	best, found, subFails := g.getFromReplicas(ctx, remote, key)
	if found {
		lm.Result("ok")
		return best, nil
	}

	if rec, err := g.backend.GetAlien(ctx, g.mapper.LocalNodeName(), vdisk, key); err == nil {
		lm.Result("ok")
		return rec, nil
	}

	if source == core.SourceAll {
		if rec, found := g.getFromRemoteAliens(ctx, key, vdisk); found {
			lm.Result("ok")
			return rec, nil
		}
	}

	if len(subFails) > 0 {
		lm.Failed()
		return core.Record{}, &core.GetUnavailable{Key: key, SubFails: subFails}
	}
	lm.Result("not_found")
	return core.Record{}, core.ErrNotFound
}

func (g *Grinder) getFromReplicas(ctx context.Context, replicas []core.Replica, key core.Key) (core.Record, bool, []core.PerReplicaError) {
	type result struct {
		replica core.Replica
		rec     core.Record
		err     error
	}
	results := make(chan result, len(replicas))
	var wg sync.WaitGroup
	for _, r := range replicas {
		wg.Add(1)
		go func(r core.Replica) {
			defer wg.Done()
			req := &core.GetRequest{Key: key, Source: core.SourceLocal}
			var reply core.GetReply
			err := g.links.CallWithRetry(ctx, r.Node, "BobServer.Get", req, &reply)
			if err == nil && reply.Err != core.NoError {
				err = reply.Err
			}
			results <- result{replica: r, rec: reply.Record, err: err}
		}(r)
	}
	wg.Wait()
	close(results)

	var best core.Record
	var bestReplica core.Replica
	found := false
	var fails []core.PerReplicaError
	for res := range results {
		if res.err != nil {
			fails = append(fails, core.PerReplicaError{Replica: res.replica, Err: res.err})
			continue
		}
		if !found {
			best, bestReplica, found = res.rec, res.replica, true
			continue
		}
		switch {
		case res.rec.TS > best.TS:
			best, bestReplica = res.rec, res.replica
		case res.rec.TS == best.TS && string(res.rec.Payload) != string(best.Payload):
			log.Warningf("%v", &core.ReplicaDivergence{Key: key, TS: res.rec.TS, A: bestReplica, B: res.replica})
		}
	}
	return best, found, fails
}

func (g *Grinder) getFromRemoteAliens(ctx context.Context, key core.Key, vdisk core.VDiskId) (core.Record, bool) {
	for _, n := range g.mapper.RemoteNodes() {
		req := &core.ExistAlienRequest{SourceNode: g.mapper.LocalNodeName(), VDisk: vdisk, Keys: []core.Key{key}}
		var reply core.ExistAlienReply
		if err := g.links.CallWithRetry(ctx, n.Name, "BobServer.ExistAlien", req, &reply); err != nil {
			continue
		}
		if reply.Err == core.NoError && len(reply.Bitmap) == 1 && reply.Bitmap[0] {
			getReq := &core.GetRequest{Key: key, Source: core.SourceLocal}
			var getReply core.GetReply
			if err := g.links.CallWithRetry(ctx, n.Name, "BobServer.Get", getReq, &getReply); err == nil && getReply.Err == core.NoError {
				return getReply.Record, true
			}
		}
	}
	return core.Record{}, false
}

// Exist batches an existence check across every key's vdisk replicas, ORing
// per-replica bitmaps together, then — for any key still missing — falls
// through to the alien areas exactly as Get does, so exist(k) agrees with
// whether Get(k) would return a record (spec §4.3 EXIST, spec.md:226's
// "EXIST equals GET" invariant). source == core.SourceLocal skips both the
// local and remote alien passes, matching Get's own early return.
func (g *Grinder) Exist(ctx context.Context, keys []core.Key, source core.GetSource) ([]bool, bool, error) {
	lm := g.ops.Start("exist")
	defer lm.End()

	bitmap := make([]bool, len(keys))
	incomplete := false

	byNode := g.groupKeysByReplicaNode(keys)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for node, idxs := range byNode {
		wg.Add(1)
		go func(node core.NodeName, idxs []int) {
			defer wg.Done()
			reqKeys := make([]core.Key, len(idxs))
			for i, idx := range idxs {
				reqKeys[i] = keys[idx]
			}
			bits, err := g.existOnNode(ctx, node, reqKeys)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				incomplete = true
				return
			}
			for i, idx := range idxs {
				if i < len(bits) && bits[i] {
					bitmap[idx] = true
				}
			}
		}(node, idxs)
	}
	wg.Wait()

	if source != core.SourceLocal {
		g.existAliens(ctx, keys, bitmap, source)
	}

	lm.Result("ok")
	return bitmap, incomplete, nil
}

// existAliens ORs alien-area hits into bitmap for every key not already
// found among normal replicas. The local alien area is always consulted
// once a normal-replica miss is possible, mirroring Get's unconditional
// local-alien fallback; source == SourceAll additionally fans the
// remaining misses out to every other node's alien area, one batched
// ExistAlien RPC per (remote node, vdisk), mirroring Get's
// getFromRemoteAliens (spec.md:90 "a separate lookup pass is made into the
// alien area when source = ALL").
func (g *Grinder) existAliens(ctx context.Context, keys []core.Key, bitmap []bool, source core.GetSource) {
	local := g.mapper.LocalNodeName()
	for i, k := range keys {
		if bitmap[i] {
			continue
		}
		vdisk := g.mapper.VDiskIDFromKey(k)
		if _, err := g.backend.GetAlien(ctx, local, vdisk, k); err == nil {
			bitmap[i] = true
		}
	}

	if source != core.SourceAll {
		return
	}

	byVDisk := make(map[core.VDiskId][]int)
	for i, k := range keys {
		if !bitmap[i] {
			byVDisk[g.mapper.VDiskIDFromKey(k)] = append(byVDisk[g.mapper.VDiskIDFromKey(k)], i)
		}
	}

	for vdisk, idxs := range byVDisk {
		for _, n := range g.mapper.RemoteNodes() {
			var pending []int
			for _, idx := range idxs {
				if !bitmap[idx] {
					pending = append(pending, idx)
				}
			}
			if len(pending) == 0 {
				break
			}
			reqKeys := make([]core.Key, len(pending))
			for j, idx := range pending {
				reqKeys[j] = keys[idx]
			}
			req := &core.ExistAlienRequest{SourceNode: local, VDisk: vdisk, Keys: reqKeys}
			var reply core.ExistAlienReply
			if err := g.links.CallWithRetry(ctx, n.Name, "BobServer.ExistAlien", req, &reply); err != nil {
				continue
			}
			if reply.Err != core.NoError {
				continue
			}
			for j, idx := range pending {
				if j < len(reply.Bitmap) && reply.Bitmap[j] {
					bitmap[idx] = true
				}
			}
		}
	}
}

func (g *Grinder) existOnNode(ctx context.Context, node core.NodeName, keys []core.Key) ([]bool, error) {
	if node == g.mapper.LocalNodeName() {
		out := make([]bool, len(keys))
		for i, k := range keys {
			vdisk := g.mapper.VDiskIDFromKey(k)
			ok, err := g.backend.Exist(ctx, vdisk, k)
			if err != nil {
				return nil, err
			}
			out[i] = ok
		}
		return out, nil
	}
	req := &core.ExistRequest{Keys: keys, Source: core.SourceLocal}
	var reply core.ExistReply
	if err := g.links.CallWithRetry(ctx, node, "BobServer.Exist", req, &reply); err != nil {
		return nil, err
	}
	if reply.Err != core.NoError {
		return nil, reply.Err
	}
	return reply.Bitmap, nil
}

func (g *Grinder) groupKeysByReplicaNode(keys []core.Key) map[core.NodeName][]int {
	out := make(map[core.NodeName][]int)
	for i, k := range keys {
		for _, r := range g.mapper.ReplicasForKey(k) {
			out[r.Node] = append(out[r.Node], i)
		}
	}
	return out
}

// Delete removes a record from every replica of key's vdisk and tombstones
// the alien areas listed in deleteAliens (spec §4.3 DELETE).
func (g *Grinder) Delete(ctx context.Context, key core.Key, ts core.Timestamp) error {
	lm := g.ops.Start("delete")
	defer lm.End()

	vdisk := g.mapper.VDiskIDFromKey(key)
	var failed []core.Replica

	if r, ok := g.localReplica(key); ok {
		if err := g.backend.Delete(ctx, vdisk, key, ts); err != nil {
			failed = append(failed, r)
		}
	}

	remote := g.remoteReplicas(key)

	// cluster_policy=simple never waits for replica acks: fan the tombstone
	// out and tidy up aliens in the background instead of blocking here.
	if g.policy == core.PolicySimple {
		go g.backgroundDeleteRemote(remote, key, ts, vdisk)
		lm.Result("ok")
		return nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, r := range remote {
		wg.Add(1)
		go func(r core.Replica) {
			defer wg.Done()
			req := &core.DeleteRequest{Key: key, TS: ts, Options: core.DeleteOptions{Local: true}}
			var reply core.DeleteReply
			err := g.links.CallWithRetry(ctx, r.Node, "BobServer.Delete", req, &reply)
			if err != nil || reply.Err != core.NoError {
				mu.Lock()
				failed = append(failed, r)
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()

	if err := g.deleteAliens(ctx, key, ts, vdisk, failed); err != nil {
		lm.Failed()
		return fmt.Errorf("%w: delete alien cleanup failed: %v", core.ErrInternal, err)
	}
	if len(failed) > 0 {
		log.Warningf("DELETE[%s]: %d replicas unreachable, alien tombstones recorded", key, len(failed))
	}
	lm.Result("ok")
	return nil
}

func (g *Grinder) backgroundDeleteRemote(remote []core.Replica, key core.Key, ts core.Timestamp, vdisk core.VDiskId) {
	ctx := context.Background()
	var failed []core.Replica
	for _, r := range remote {
		req := &core.DeleteRequest{Key: key, TS: ts, Options: core.DeleteOptions{Local: true}}
		var reply core.DeleteReply
		if err := g.links.CallWithRetry(ctx, r.Node, "BobServer.Delete", req, &reply); err != nil || reply.Err != core.NoError {
			failed = append(failed, r)
		}
	}
	if err := g.deleteAliens(ctx, key, ts, vdisk, failed); err != nil {
		log.Errorf("DELETE[%s]: background alien cleanup failed: %v", key, err)
	}
}

func (g *Grinder) deleteAliens(ctx context.Context, key core.Key, ts core.Timestamp, vdisk core.VDiskId, failed []core.Replica) error {
	// Tombstone the alien areas this node can name: the support nodes
	// picked for failed replicas, this node's alien area for each failed
	// replica, and this node's alien area for itself. Other nodes' alien
	// areas are not contacted.
	var lastErr error
	supports := g.supportNodes(key, len(failed))
	for i, r := range failed {
		if i >= len(supports) {
			break
		}
		req := &core.PutAlienRequest{SourceNode: r.Node, VDisk: vdisk, Key: key, TS: ts, Deleted: true}
		var reply core.PutAlienReply
		if err := g.links.CallWithRetry(ctx, supports[i], "BobServer.PutAlien", req, &reply); err != nil {
			lastErr = err
		}
	}
	for _, r := range failed {
		if err := g.backend.DeleteAlien(ctx, r.Node, vdisk, key, ts); err != nil && err != core.ErrNotFound {
			lastErr = err
		}
	}
	if err := g.backend.DeleteAlien(ctx, g.mapper.LocalNodeName(), vdisk, key, ts); err != nil && err != core.ErrNotFound {
		lastErr = err
	}
	return lastErr
}
