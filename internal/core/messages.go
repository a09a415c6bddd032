// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// This file defines the RPC message shapes (spec §6.4). They are
// language-agnostic on the wire (gob-encoded over net/rpc, see pkg/rpc) but
// the Go types below are what internal/linkmanager and internal/grinder
// exchange.

// PutOptions carries PUT modifiers, analogous to spec's Put{options}.
type PutOptions struct {
	// Local, when true, tells the receiving node to only write to its own
	// local replica rather than re-fan-out to the cluster (used by Grinder
	// when it has already done the fan-out).
	Local bool
}

// PutRequest is the wire shape for a PUT.
type PutRequest struct {
	Key     Key
	Payload []byte
	TS      Timestamp
	Options PutOptions
}

// PutReply is the wire shape for a PUT response.
type PutReply struct {
	Err Error
}

// GetRequest is the wire shape for a GET.
type GetRequest struct {
	Key    Key
	Source GetSource
}

// GetReply is the wire shape for a GET response.
type GetReply struct {
	Record Record
	Err    Error
}

// ExistRequest is the wire shape for a batched EXIST.
type ExistRequest struct {
	Keys   []Key
	Source GetSource
}

// ExistReply is the wire shape for an EXIST response: a bitmap parallel to
// the request's Keys, plus whether every consulted replica answered.
type ExistReply struct {
	Bitmap     []bool
	Incomplete bool
	Err        Error
}

// DeleteOptions carries DELETE modifiers.
type DeleteOptions struct {
	Local bool
}

// DeleteRequest is the wire shape for a DELETE.
type DeleteRequest struct {
	Key     Key
	TS      Timestamp
	Options DeleteOptions
}

// DeleteReply is the wire shape for a DELETE response.
type DeleteReply struct {
	Err Error
}

// PutAlienRequest is the wire shape for internal PutAlien handoff (spec
// §4.6), preserving the original Timestamp.
type PutAlienRequest struct {
	SourceNode NodeName
	VDisk      VDiskId
	Key        Key
	Payload    []byte
	TS         Timestamp
	Deleted    bool
}

// PutAlienReply is the wire shape for a PutAlien response.
type PutAlienReply struct {
	Err Error
}

// ExistAlienRequest batches existence checks against a node's alien area
// (used when GetSource is SourceAll).
type ExistAlienRequest struct {
	SourceNode NodeName
	VDisk      VDiskId
	Keys       []Key
}

// ExistAlienReply is the wire shape for an ExistAlien response.
type ExistAlienReply struct {
	Bitmap []bool
	Err    Error
}

// PutAlienRecordsRequest delivers a batch of buffered records back to the
// node that owns them, replayed once the Link Manager reports that node
// reachable again (spec §4.6). Records is a snappy-compressed, gob-encoded
// []alien.Record rather than individual fields, so a holder's backlog is
// handed off in batches of many records instead of one RPC per record.
type PutAlienRecordsRequest struct {
	SourceNode NodeName
	VDisk      VDiskId
	Records    []byte
}

// PutAlienRecordsReply is the wire shape for a PutAlienRecords response.
type PutAlienRecordsReply struct {
	Err Error
}

// PingRequest/PingReply are the Link Manager's health check.
type PingRequest struct{}

// PingReply is the wire shape for a Ping response.
type PingReply struct {
	NodeName NodeName
}
