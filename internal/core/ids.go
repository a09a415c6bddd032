// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/binary"
	"fmt"
)

/*

Bob's addressing scheme is flatter than a tract-based store: a client deals
in one opaque Key per blob, and the cluster maps that key straight to a
VDiskId and from there to an ordered list of Replicas.

  +----------------------+
  |  Key (KeyWidth bytes)|
  +----------------------+
         |
         | key mod vdisk_count
         v
  +----------------------+       +-----------------------------+
  |  VDiskId (uint32)    | ----> | ordered []Replica            |
  +----------------------+       +-----------------------------+

A Holder further qualifies a (disk, vdisk) pair (or, for buffered data, a
(disk, source-node, vdisk) triple) by a start Timestamp that identifies its
partition/period.

*/

// Key is a fixed-width, totally-ordered (lexicographically) identifier for a
// blob. Its width is the build-time constant KeyWidth.
type Key [KeyWidth]byte

// String renders a Key as a hex string.
func (k Key) String() string {
	return fmt.Sprintf("%x", k[:])
}

// Less reports whether k sorts before other, lexicographically.
func (k Key) Less(other Key) bool {
	for i := range k {
		if k[i] != other[i] {
			return k[i] < other[i]
		}
	}
	return false
}

// Uint64 interprets the low 8 bytes of the key as a little-endian integer.
// Used by the Cluster Mapper's key-to-vdisk function (spec §4.1).
func (k Key) Uint64() uint64 {
	var buf [8]byte
	if KeyWidth >= 8 {
		copy(buf[:], k[:8])
	} else {
		copy(buf[:], k[:])
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// KeyFromUint64 builds a Key from a little-endian uint64, zero-padded (or
// truncated) to KeyWidth. Used by tests and by clients with integer keys.
func KeyFromUint64(v uint64) Key {
	var k Key
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	n := copy(k[:], buf[:])
	_ = n
	return k
}

// NodeName is a stable, cluster-unique name for a node, set at startup from
// the node's own config and cross-checked against the cluster config.
type NodeName string

// DiskName is a name unique within a single node.
type DiskName string

// VDiskId identifies a virtual disk, cluster-wide unique.
type VDiskId uint32

// Timestamp is a monotonically-assigned second count, stamped by the client
// or the coordinator. It both versions a record and selects its partition.
type Timestamp uint64

// Replica is one (node, disk) slot of a VDisk. Immutable once the cluster
// config has been loaded.
type Replica struct {
	Node NodeName
	Disk DiskName
}

func (r Replica) String() string {
	return fmt.Sprintf("%s/%s", r.Node, r.Disk)
}

// TSAddr pairs a Replica's disk with the network address of the node that
// hosts it, as resolved by the Cluster Mapper.
type TSAddr struct {
	Replica Replica
	Addr    string
}

// Record is what the Blob Engine persists and returns: a Key, its payload,
// the Timestamp it was written (or tombstoned) at, and whether it is a
// tombstone.
type Record struct {
	Key     Key
	Payload []byte
	TS      Timestamp
	Deleted bool
}

// GetSource selects which replicas Grinder.Get consults (spec §4.3).
type GetSource int

const (
	// SourceLocal restricts the lookup to the local node only.
	SourceLocal GetSource = iota
	// SourceNormal consults the replicas that own the key's vdisk.
	SourceNormal
	// SourceAll consults normal replicas plus every alien area cluster-wide.
	SourceAll
)

func (s GetSource) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceNormal:
		return "normal"
	case SourceAll:
		return "all"
	default:
		return "unknown"
	}
}

// ClusterPolicy selects whether PUT/DELETE require quorum acks (spec §6.2
// cluster_policy).
type ClusterPolicy int

const (
	// PolicyQuorum is the default: PUT/DELETE require quorum acks.
	PolicyQuorum ClusterPolicy = iota
	// PolicySimple acknowledges immediately with no ack requirement.
	PolicySimple
)

// BackendType selects the Backend Facade's concrete storage implementation
// (spec §6.2 backend_type, spec §9 "dynamic dispatch").
type BackendType int

const (
	// BackendPearl is the full holder/group/disk-controller stack backed by
	// internal/blobengine.
	BackendPearl BackendType = iota
	// BackendInMemory is a pure in-process map, used in tests.
	BackendInMemory
	// BackendStub is a single bolt-backed store with no rotation/partitioning,
	// used in tests and fixtures.
	BackendStub
)
