// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package bobserver implements the BobServer RPC receiver: the net/rpc
// surface every node in the cluster exposes to every other node (and to
// clients), registered once per process via pkg/rpc.RegisterName. It is a
// thin adapter between the wire messages in internal/core and the two
// things that actually do the work, the Grinder (client-originated
// requests) and the Backend (node-to-node forwarded and alien requests),
// mirroring the teacher's TSSrvHandler split between client-facing and
// internal RPCs (spec §6.4).
package bobserver

import (
	"context"
	"errors"

	log "github.com/golang/glog"

	"github.com/qoollo/bob/internal/alien"
	"github.com/qoollo/bob/internal/backend"
	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/grinder"
	"github.com/qoollo/bob/internal/mapper"
	"github.com/qoollo/bob/internal/server"
)

// errBusy is returned when the server is rejecting a request because it
// has too many requests already in flight.
var errBusy = errors.New("bob: too busy, rejecting request")

// Config configures a Server.
type Config struct {
	Mapper  *mapper.Mapper
	Grinder *grinder.Grinder
	Backend backend.Backend

	// PendingLimit bounds the number of requests this server will accept
	// concurrently before returning errBusy; 0 means unlimited.
	PendingLimit int
}

// Server is the BobServer RPC receiver registered with pkg/rpc under the
// name "BobServer".
type Server struct {
	mapper  *mapper.Mapper
	grinder *grinder.Grinder
	backend backend.Backend

	pendingSem server.Semaphore
	ops        *server.OpMetric
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	limit := cfg.PendingLimit
	if limit <= 0 {
		limit = 1 << 20 // effectively unlimited, still bounded to avoid overflow
	}
	return &Server{
		mapper:     cfg.Mapper,
		grinder:    cfg.Grinder,
		backend:    cfg.Backend,
		pendingSem: server.NewSemaphore(limit),
		ops:        server.NewOpMetric("bob_server_rpc", "op"),
	}
}

func (s *Server) acquire(op string) bool {
	if !s.pendingSem.TryAcquire() {
		log.Warningf("bobserver: %s: too busy, rejecting request", op)
		return false
	}
	return true
}

// Ping answers the Link Manager's health check.
func (s *Server) Ping(req *core.PingRequest, reply *core.PingReply) error {
	reply.NodeName = s.mapper.LocalNodeName()
	return nil
}

// Put handles both client-originated PUTs (fanned out by the Grinder) and
// node-to-node forwarded PUTs (Options.Local, written straight to this
// node's Backend).
func (s *Server) Put(req *core.PutRequest, reply *core.PutReply) error {
	op := s.ops.Start("put")
	defer op.EndWithBlbError(&reply.Err)

	if !s.acquire("Put") {
		return errBusy
	}
	defer s.pendingSem.Release()

	var err error
	if req.Options.Local {
		vdisk := s.mapper.VDiskIDFromKey(req.Key)
		err = s.backend.Put(context.Background(), vdisk, req.Key, req.TS, req.Payload)
	} else {
		err = s.grinder.Put(context.Background(), req.Key, req.TS, req.Payload)
	}
	reply.Err = toWireError(err)
	return nil
}

// Get handles both client-originated GETs (the full Grinder algorithm) and
// node-to-node forwarded GETs (Source == SourceLocal, read straight from
// this node's Backend).
func (s *Server) Get(req *core.GetRequest, reply *core.GetReply) error {
	op := s.ops.Start("get")
	defer op.EndWithBlbError(&reply.Err)

	if !s.acquire("Get") {
		return errBusy
	}
	defer s.pendingSem.Release()

	var rec core.Record
	var err error
	if req.Source == core.SourceLocal {
		vdisk := s.mapper.VDiskIDFromKey(req.Key)
		rec, err = s.backend.Get(context.Background(), vdisk, req.Key, 0)
	} else {
		rec, err = s.grinder.Get(context.Background(), req.Key, req.Source)
	}
	if err != nil {
		reply.Err = toWireError(err)
		return nil
	}
	reply.Record = rec
	return nil
}

// Exist handles both client-originated and node-to-node forwarded EXIST
// checks, the same Source == SourceLocal split as Get.
func (s *Server) Exist(req *core.ExistRequest, reply *core.ExistReply) error {
	op := s.ops.Start("exist")
	defer op.EndWithBlbError(&reply.Err)

	if !s.acquire("Exist") {
		return errBusy
	}
	defer s.pendingSem.Release()

	if req.Source == core.SourceLocal {
		bitmap := make([]bool, len(req.Keys))
		for i, k := range req.Keys {
			vdisk := s.mapper.VDiskIDFromKey(k)
			ok, err := s.backend.Exist(context.Background(), vdisk, k)
			if err != nil {
				reply.Err = toWireError(err)
				return nil
			}
			bitmap[i] = ok
		}
		reply.Bitmap = bitmap
		return nil
	}

	bitmap, incomplete, err := s.grinder.Exist(context.Background(), req.Keys, req.Source)
	if err != nil {
		reply.Err = toWireError(err)
		return nil
	}
	reply.Bitmap = bitmap
	reply.Incomplete = incomplete
	return nil
}

// Delete handles both client-originated DELETEs and node-to-node forwarded
// DELETEs (Options.Local).
func (s *Server) Delete(req *core.DeleteRequest, reply *core.DeleteReply) error {
	op := s.ops.Start("delete")
	defer op.EndWithBlbError(&reply.Err)

	if !s.acquire("Delete") {
		return errBusy
	}
	defer s.pendingSem.Release()

	var err error
	if req.Options.Local {
		vdisk := s.mapper.VDiskIDFromKey(req.Key)
		err = s.backend.Delete(context.Background(), vdisk, req.Key, req.TS)
	} else {
		err = s.grinder.Delete(context.Background(), req.Key, req.TS)
	}
	reply.Err = toWireError(err)
	return nil
}

// PutAlien buffers a record on behalf of SourceNode, which couldn't be
// reached directly (spec §4.6).
func (s *Server) PutAlien(req *core.PutAlienRequest, reply *core.PutAlienReply) error {
	op := s.ops.Start("put_alien")
	defer op.EndWithBlbError(&reply.Err)

	if !s.acquire("PutAlien") {
		return errBusy
	}
	defer s.pendingSem.Release()

	var err error
	if req.Deleted {
		err = s.backend.DeleteAlien(context.Background(), req.SourceNode, req.VDisk, req.Key, req.TS)
	} else {
		err = s.backend.PutAlien(context.Background(), req.SourceNode, req.VDisk, req.Key, req.TS, req.Payload)
	}
	reply.Err = toWireError(err)
	return nil
}

// ExistAlien checks whether this node is buffering a key on SourceNode's
// behalf, used by Grinder.Get under core.SourceAll.
func (s *Server) ExistAlien(req *core.ExistAlienRequest, reply *core.ExistAlienReply) error {
	op := s.ops.Start("exist_alien")
	defer op.EndWithBlbError(&reply.Err)

	if !s.acquire("ExistAlien") {
		return errBusy
	}
	defer s.pendingSem.Release()

	bitmap := make([]bool, len(req.Keys))
	for i, k := range req.Keys {
		_, err := s.backend.GetAlien(context.Background(), req.SourceNode, req.VDisk, k)
		bitmap[i] = err == nil
	}
	reply.Bitmap = bitmap
	return nil
}

// PutAlienRecords accepts a whole batch of buffered records replayed back
// by internal/alien.Worker once this node becomes reachable again,
// applying each as a Put or, for a tombstone, a Delete.
func (s *Server) PutAlienRecords(req *core.PutAlienRecordsRequest, reply *core.PutAlienRecordsReply) error {
	op := s.ops.Start("put_alien_records")
	defer op.EndWithBlbError(&reply.Err)

	if !s.acquire("PutAlienRecords") {
		return errBusy
	}
	defer s.pendingSem.Release()

	records, err := alien.DecodeBatch(req.Records)
	if err != nil {
		reply.Err = toWireError(err)
		return nil
	}

	ctx := context.Background()
	for _, rec := range records {
		vdisk := req.VDisk
		if rec.Deleted {
			err = s.backend.Delete(ctx, vdisk, rec.Key, rec.TS)
		} else {
			err = s.backend.Put(ctx, vdisk, rec.Key, rec.TS, rec.Payload)
		}
		if err != nil {
			log.Warningf("bobserver: replaying record %s from %s failed: %v", rec.Key, req.SourceNode, err)
			reply.Err = toWireError(err)
			return nil
		}
	}
	return nil
}

// toWireError maps an error returned by the Grinder/Backend to the closed
// core.Error taxonomy the wire carries. Anything not already a core.Error
// (e.g. a *core.PutFailed or an fmt.Errorf-wrapped sentinel) collapses to
// the closest taxonomy member, defaulting to ErrInternal.
func toWireError(err error) core.Error {
	if err == nil {
		return core.NoError
	}
	var wireErr core.Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	switch {
	case errors.Is(err, core.ErrNotFound):
		return core.ErrNotFound
	case errors.Is(err, core.ErrVDiskNotFound):
		return core.ErrVDiskNotFound
	case errors.Is(err, core.ErrVDiskNoReplicasAvailable):
		return core.ErrVDiskNoReplicasAvailable
	case errors.Is(err, core.ErrDiskUnavailable):
		return core.ErrDiskUnavailable
	case errors.Is(err, core.ErrTimeout):
		return core.ErrTimeout
	case errors.Is(err, core.ErrDuplicateKey):
		return core.ErrDuplicateKey
	case errors.Is(err, core.ErrInvalidRequest):
		return core.ErrInvalidRequest
	}
	var putFailed *core.PutFailed
	if errors.As(err, &putFailed) {
		return core.ErrQuorumNotReached
	}
	var getUnavailable *core.GetUnavailable
	if errors.As(err, &getUnavailable) {
		return core.ErrVDiskNoReplicasAvailable
	}
	return core.ErrInternal
}
