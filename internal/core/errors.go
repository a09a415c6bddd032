// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type for sending errors over an RPC layer,
// the same way the teacher's core.Error does. The taxonomy below is spec §7
// verbatim.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	// ErrNotFound means no live record for the key (GET).
	ErrNotFound

	// ErrDuplicateKey means the engine rejected a duplicate write because
	// allow_duplicates=false.
	ErrDuplicateKey

	// ErrVDiskNotFound means the key maps to a vdisk absent from the cluster
	// config.
	ErrVDiskNotFound

	// ErrVDiskNoReplicasAvailable means every replica of the target vdisk is
	// currently unreachable.
	ErrVDiskNoReplicasAvailable

	// ErrDiskUnavailable means the local disk probe is failing; triggers
	// local alien fallback.
	ErrDiskUnavailable

	// ErrTimeout means the operation exceeded its deadline; eligible for
	// alien fallback.
	ErrTimeout

	// ErrQuorumNotReached means a PUT/DELETE was acknowledged by fewer than
	// quorum replicas (counting alien buffers on distinct physical disks).
	ErrQuorumNotReached

	// ErrUnauthorized means the caller's credentials were valid but
	// insufficient.
	ErrUnauthorized

	// ErrAuthFailed means the caller's credentials were rejected.
	ErrAuthFailed

	// ErrInvalidConfig means the cluster or node config failed validation at
	// load time: duplicate names, dangling references, or quorum > replica
	// count.
	ErrInvalidConfig

	// ErrInvalidKey means the key's width doesn't match the build's KeyWidth.
	ErrInvalidKey

	// ErrInvalidRequest means a malformed request was rejected at the
	// request boundary.
	ErrInvalidRequest

	// ErrInternal means an engine, filesystem, or invariant violation was
	// detected.
	ErrInternal
)

var description = map[Error]string{
	NoError:                     "no error",
	ErrNotFound:                 "no live record for key",
	ErrDuplicateKey:             "duplicate key rejected (allow_duplicates=false)",
	ErrVDiskNotFound:            "vdisk not found in cluster config",
	ErrVDiskNoReplicasAvailable: "no replicas of the vdisk are reachable",
	ErrDiskUnavailable:          "local disk probe failing",
	ErrTimeout:                  "operation exceeded its deadline",
	ErrQuorumNotReached:         "fewer than quorum replicas acknowledged",
	ErrUnauthorized:             "caller is not authorized for this operation",
	ErrAuthFailed:               "authentication failed",
	ErrInvalidConfig:            "cluster or node config is invalid",
	ErrInvalidKey:               "key width mismatch",
	ErrInvalidRequest:           "malformed request",
	ErrInternal:                 "internal engine, filesystem, or invariant violation",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "unknown core.Error"
}

// Error makes Error satisfy the standard error interface directly, so it can
// be returned and compared with errors.Is without an extra wrapper type.
func (e Error) Error() string {
	return e.String()
}

// IsRetriable reports whether the error is transient and worth retrying --
// network/disk level failures, never quorum or validation failures.
func (e Error) IsRetriable() bool {
	switch e {
	case ErrTimeout, ErrDiskUnavailable, ErrVDiskNoReplicasAvailable:
		return true
	default:
		return false
	}
}

// PerReplicaError pairs a Replica with the Error observed trying to reach it,
// the Go analog of the teacher's NodeOutput[core.Error].
type PerReplicaError struct {
	Replica Replica
	Err     error
}

// PutFailed is returned by Grinder.Put when fewer than quorum replicas (local
// writes, remote writes, and alien buffers on distinct physical disks
// combined) acknowledged durability. It carries the per-replica failures so
// callers can see exactly what went wrong (spec §4.3 step 5).
type PutFailed struct {
	Key      Key
	Quorum   int
	Acked    int
	SubFails []PerReplicaError
}

func (e *PutFailed) Error() string {
	return ErrQuorumNotReached.String()
}

// GetUnavailable is returned by Grinder.Get when no replica returned a
// record but at least one replica was unreachable, as opposed to NotFound
// where every replica was reachable and agreed the key doesn't exist.
type GetUnavailable struct {
	Key      Key
	SubFails []PerReplicaError
}

func (e *GetUnavailable) Error() string {
	return ErrVDiskNoReplicasAvailable.String()
}

// ReplicaDivergence is logged (not returned as a fatal error — the newest
// record is still served) when two replicas return records with an equal
// Timestamp but different payload bytes (spec §4.3 "Tie-breaks").
type ReplicaDivergence struct {
	Key  Key
	TS   Timestamp
	A, B Replica
}

func (e *ReplicaDivergence) Error() string {
	return "replica divergence: equal-timestamp records with different payloads"
}
