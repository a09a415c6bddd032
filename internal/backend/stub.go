// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/qoollo/bob/internal/core"
)

// StubBackend is a single bolt-backed store with no rotation or
// partitioning: every vdisk's records live in one bucket of one file (spec
// §9 `backend_type: stub`), intended for fixtures and integration tests
// that want real durability without the full holder/group machinery.
type StubBackend struct {
	db *bolt.DB
}

var (
	dataBucket  = []byte("data")
	alienBucket = []byte("alien")
)

type stubRecord struct {
	Payload []byte
	TS      uint64
	Deleted bool
}

// NewStubBackend opens (creating if absent) a bolt file at path.
func NewStubBackend(path string) (*StubBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening stub backend at %q: %v", core.ErrDiskUnavailable, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(alienBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &StubBackend{db: db}, nil
}

func (b *StubBackend) Close() error { return b.db.Close() }

func stubKey(vdisk core.VDiskId, key core.Key) []byte {
	buf := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(buf, uint32(vdisk))
	copy(buf[4:], key[:])
	return buf
}

func alienStubKey(sourceNode core.NodeName, vdisk core.VDiskId, key core.Key) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteString(string(sourceNode))
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, uint32(vdisk))
	buf.Write(key[:])
	return buf.Bytes()
}

func encodeStubRecord(r stubRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStubRecord(data []byte) (stubRecord, error) {
	var r stubRecord
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	return r, err
}

func (b *StubBackend) Put(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp, payload []byte) error {
	data, err := encodeStubRecord(stubRecord{Payload: payload, TS: uint64(ts)})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put(stubKey(vdisk, key), data)
	})
}

func (b *StubBackend) Get(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp) (core.Record, error) {
	var rec core.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(dataBucket).Get(stubKey(vdisk, key))
		if raw == nil {
			return core.ErrNotFound
		}
		r, err := decodeStubRecord(raw)
		if err != nil {
			return err
		}
		if r.Deleted {
			return core.ErrNotFound
		}
		rec = core.Record{Key: key, Payload: r.Payload, TS: core.Timestamp(r.TS)}
		return nil
	})
	return rec, err
}

func (b *StubBackend) Exist(ctx context.Context, vdisk core.VDiskId, key core.Key) (bool, error) {
	_, err := b.Get(ctx, vdisk, key, 0)
	if err == core.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (b *StubBackend) Delete(ctx context.Context, vdisk core.VDiskId, key core.Key, ts core.Timestamp) error {
	data, err := encodeStubRecord(stubRecord{TS: uint64(ts), Deleted: true})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put(stubKey(vdisk, key), data)
	})
}

func (b *StubBackend) PutAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key, ts core.Timestamp, payload []byte) error {
	data, err := encodeStubRecord(stubRecord{Payload: payload, TS: uint64(ts)})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(alienBucket).Put(alienStubKey(sourceNode, vdisk, key), data)
	})
}

func (b *StubBackend) GetAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key) (core.Record, error) {
	var rec core.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(alienBucket).Get(alienStubKey(sourceNode, vdisk, key))
		if raw == nil {
			return core.ErrNotFound
		}
		r, err := decodeStubRecord(raw)
		if err != nil {
			return err
		}
		if r.Deleted {
			return core.ErrNotFound
		}
		rec = core.Record{Key: key, Payload: r.Payload, TS: core.Timestamp(r.TS)}
		return nil
	})
	return rec, err
}

func (b *StubBackend) DeleteAlien(ctx context.Context, sourceNode core.NodeName, vdisk core.VDiskId, key core.Key, ts core.Timestamp) error {
	data, err := encodeStubRecord(stubRecord{TS: uint64(ts), Deleted: true})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(alienBucket).Put(alienStubKey(sourceNode, vdisk, key), data)
	})
}

func (b *StubBackend) IndexMemory() int  { return 0 }
func (b *StubBackend) FilterMemory() int { return 0 }
