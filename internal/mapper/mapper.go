// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package mapper implements the Cluster Mapper: the static topology lookup
// table built once at startup from a Cluster config and a Node config, and
// consulted by the Grinder and Backend on every operation to translate a
// Key into the set of replicas responsible for it.
package mapper

import (
	"fmt"

	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/core"
)

// VDisk is one virtual disk: an ID plus its ordered list of replicas and the
// distinct nodes that host them.
type VDisk struct {
	ID       core.VDiskId
	Replicas []core.Replica
	Nodes    []core.NodeName
}

// Node is a node entry from the cluster config, with a stable index assigned
// in config order (used to pick deterministic "support" nodes for alien
// handoff without needing a hash table lookup on the hot path).
type Node struct {
	Index   int
	Name    core.NodeName
	Address string
}

// Mapper is the Cluster Mapper (spec §4.1): it resolves a Key to a VDiskId,
// a VDiskId to its Replicas, and tells the caller which of a vdisk's
// replicas (if any) live on the local node's disks.
//
// A Mapper is built once from validated config and is immutable afterward;
// it is safe for concurrent use by any number of callers without locking.
type Mapper struct {
	localNodeName core.NodeName
	localDisks    map[core.DiskName]string // disk name -> root path, local node only

	nodes      []Node
	nodesByID  map[core.NodeName]*Node
	vdisks     map[core.VDiskId]*VDisk
	vdiskCount uint32
}

// New builds a Mapper from a validated cluster config and the local node's
// config. It returns core.ErrInvalidConfig if the local node name is not
// present in the cluster config, if any vdisk references an unknown
// node or disk, or if the node's quorum exceeds a vdisk's replica count.
func New(cluster *config.Cluster, node *config.Node) (*Mapper, error) {
	if err := cluster.Validate(); err != nil {
		return nil, err
	}

	m := &Mapper{
		localNodeName: core.NodeName(node.Name),
		localDisks:    make(map[core.DiskName]string),
		nodesByID:     make(map[core.NodeName]*Node),
		vdisks:        make(map[core.VDiskId]*VDisk),
	}

	for i, n := range cluster.Nodes {
		nn := Node{Index: i, Name: core.NodeName(n.Name), Address: n.Address}
		m.nodes = append(m.nodes, nn)
		m.nodesByID[nn.Name] = &m.nodes[len(m.nodes)-1]

		if nn.Name == m.localNodeName {
			for _, d := range n.Disks {
				m.localDisks[core.DiskName(d.Name)] = d.Path
			}
		}
	}
	if _, ok := m.nodesByID[m.localNodeName]; !ok {
		return nil, fmt.Errorf("%w: local node %q not present in cluster config", core.ErrInvalidConfig, node.Name)
	}

	for _, v := range cluster.VDisks {
		vd := &VDisk{ID: core.VDiskId(v.ID)}
		seenNodes := make(map[core.NodeName]bool)
		seenReplicas := make(map[core.Replica]bool)
		for _, r := range v.Replicas {
			rep := core.Replica{Node: core.NodeName(r.Node), Disk: core.DiskName(r.Disk)}
			// A (node, disk) pair listed twice for the same vdisk is one
			// physical disk, not two quorum votes: dedup here so every
			// caller of ReplicasForKey — in particular the Grinder's ack
			// counting — sees each physical disk exactly once.
			if seenReplicas[rep] {
				log.Warningf("mapper: vdisk %d lists replica %s/%s more than once, ignoring the duplicate", v.ID, rep.Node, rep.Disk)
				continue
			}
			seenReplicas[rep] = true
			vd.Replicas = append(vd.Replicas, rep)
			if !seenNodes[rep.Node] {
				seenNodes[rep.Node] = true
				vd.Nodes = append(vd.Nodes, rep.Node)
			}
		}
		if node.Quorum > len(vd.Replicas) {
			return nil, fmt.Errorf("%w: quorum %d exceeds the %d replicas of vdisk %d", core.ErrInvalidConfig, node.Quorum, len(vd.Replicas), v.ID)
		}
		m.vdisks[vd.ID] = vd
	}
	m.vdiskCount = uint32(len(m.vdisks))

	log.Infof("mapper: local node %q, %d vdisks, %d nodes", m.localNodeName, m.vdiskCount, len(m.nodes))
	return m, nil
}

// LocalNodeName returns the name of the node this Mapper was built for.
func (m *Mapper) LocalNodeName() core.NodeName { return m.localNodeName }

// VDiskCount returns the total number of vdisks in the cluster.
func (m *Mapper) VDiskCount() uint32 { return m.vdiskCount }

// VDiskIDFromKey maps a Key to its VDiskId by taking the key's integer value
// modulo the vdisk count, per spec §3.
func (m *Mapper) VDiskIDFromKey(key core.Key) core.VDiskId {
	if m.vdiskCount == 0 {
		return 0
	}
	return core.VDiskId(key.Uint64() % uint64(m.vdiskCount))
}

// VDisk returns the vdisk with the given id, or false if no such vdisk
// exists in this cluster.
func (m *Mapper) VDisk(id core.VDiskId) (*VDisk, bool) {
	v, ok := m.vdisks[id]
	return v, ok
}

// VDiskIDs returns the ids of all vdisks in the cluster, in no particular order.
func (m *Mapper) VDiskIDs() []core.VDiskId {
	ids := make([]core.VDiskId, 0, len(m.vdisks))
	for id := range m.vdisks {
		ids = append(ids, id)
	}
	return ids
}

// ReplicasForKey returns the replica set responsible for key.
func (m *Mapper) ReplicasForKey(key core.Key) []core.Replica {
	id := m.VDiskIDFromKey(key)
	v, ok := m.vdisks[id]
	if !ok {
		return nil
	}
	return v.Replicas
}

// LocalReplicasForKey returns the subset of the key's replicas that live on
// disks local to this node, keyed by disk name. It returns
// core.ErrVDiskNotFound if the key's vdisk is unknown, and an empty (but
// non-nil) slice if the vdisk exists but none of its replicas are local.
func (m *Mapper) LocalReplicasForKey(key core.Key) ([]core.Replica, error) {
	id := m.VDiskIDFromKey(key)
	v, ok := m.vdisks[id]
	if !ok {
		return nil, fmt.Errorf("%w: vdisk %d", core.ErrVDiskNotFound, id)
	}
	local := make([]core.Replica, 0, len(v.Replicas))
	for _, r := range v.Replicas {
		if r.Node == m.localNodeName {
			local = append(local, r)
		}
	}
	return local, nil
}

// IsLocal reports whether the given replica's node is the local node.
func (m *Mapper) IsLocal(r core.Replica) bool {
	return r.Node == m.localNodeName
}

// LocalDiskPath returns the root path configured for a local disk name.
func (m *Mapper) LocalDiskPath(disk core.DiskName) (string, bool) {
	p, ok := m.localDisks[disk]
	return p, ok
}

// LocalDisks returns the names of all disks configured on the local node.
func (m *Mapper) LocalDisks() []core.DiskName {
	disks := make([]core.DiskName, 0, len(m.localDisks))
	for d := range m.localDisks {
		disks = append(disks, d)
	}
	return disks
}

// NodeAddress returns the dial address configured for a node, per spec §6.1.
func (m *Mapper) NodeAddress(name core.NodeName) (string, bool) {
	n, ok := m.nodesByID[name]
	if !ok {
		return "", false
	}
	return n.Address, true
}

// RemoteNodes returns every node in the cluster except the local one, in
// config order. The Link Manager uses this to establish a logical client
// for each peer at startup.
func (m *Mapper) RemoteNodes() []Node {
	remote := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.Name != m.localNodeName {
			remote = append(remote, n)
		}
	}
	return remote
}

// AllNodes returns every node in the cluster, including the local one, in
// config order. The caller must not modify the returned slice.
func (m *Mapper) AllNodes() []Node {
	return m.nodes
}
