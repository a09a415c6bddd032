// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package bobserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/alien"
	"github.com/qoollo/bob/internal/backend"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/grinder"
	"github.com/qoollo/bob/internal/linkmanager"
	"github.com/qoollo/bob/internal/mapper"
)

func newTestServer(t *testing.T) (*Server, *backend.InMemoryBackend) {
	t.Helper()
	cluster := &config.Cluster{
		Nodes: []config.ClusterNode{
			{Name: "local", Address: "127.0.0.1:0", Disks: []config.ClusterDisk{{Name: "disk1", Path: "/tmp/local/disk1"}}},
		},
		VDisks: []config.ClusterVDisk{
			{ID: 0, Replicas: []config.ClusterReplica{{Node: "local", Disk: "disk1"}}},
		},
	}
	m, err := mapper.New(cluster, &config.Node{Name: "local"})
	require.NoError(t, err)

	links := linkmanager.New(m, 500*time.Millisecond, 20*time.Millisecond)
	links.Start()
	t.Cleanup(links.Stop)

	b := backend.NewInMemoryBackend()
	g := grinder.New(m, b, links, 1, core.PolicyQuorum)

	s := New(Config{Mapper: m, Grinder: g, Backend: b})
	return s, b
}

func TestServerPingReturnsLocalNodeName(t *testing.T) {
	s, _ := newTestServer(t)
	var reply core.PingReply
	require.NoError(t, s.Ping(&core.PingRequest{}, &reply))
	assert.Equal(t, core.NodeName("local"), reply.NodeName)
}

func TestServerPutLocalWritesDirectlyToBackend(t *testing.T) {
	s, b := newTestServer(t)
	key := core.KeyFromUint64(1)
	req := &core.PutRequest{Key: key, Payload: []byte("x"), TS: 10, Options: core.PutOptions{Local: true}}
	var reply core.PutReply
	require.NoError(t, s.Put(req, &reply))
	assert.Equal(t, core.NoError, reply.Err)

	rec, err := b.Get(context.Background(), 0, key, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), rec.Payload)
}

func TestServerPutClientOriginatedGoesThroughGrinder(t *testing.T) {
	s, b := newTestServer(t)
	key := core.KeyFromUint64(2)
	req := &core.PutRequest{Key: key, Payload: []byte("y"), TS: 10}
	var reply core.PutReply
	require.NoError(t, s.Put(req, &reply))
	assert.Equal(t, core.NoError, reply.Err)

	rec, err := b.Get(context.Background(), 0, key, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), rec.Payload)
}

func TestServerGetMissingKeyReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := &core.GetRequest{Key: core.KeyFromUint64(99), Source: core.SourceLocal}
	var reply core.GetReply
	require.NoError(t, s.Get(req, &reply))
	assert.Equal(t, core.ErrNotFound, reply.Err)
}

func TestServerDeleteThenExistIsFalse(t *testing.T) {
	s, _ := newTestServer(t)
	key := core.KeyFromUint64(3)
	putReq := &core.PutRequest{Key: key, Payload: []byte("z"), TS: 10, Options: core.PutOptions{Local: true}}
	var putReply core.PutReply
	require.NoError(t, s.Put(putReq, &putReply))

	delReq := &core.DeleteRequest{Key: key, TS: 11, Options: core.DeleteOptions{Local: true}}
	var delReply core.DeleteReply
	require.NoError(t, s.Delete(delReq, &delReply))
	assert.Equal(t, core.NoError, delReply.Err)

	existReq := &core.ExistRequest{Keys: []core.Key{key}, Source: core.SourceLocal}
	var existReply core.ExistReply
	require.NoError(t, s.Exist(existReq, &existReply))
	assert.False(t, existReply.Bitmap[0])
}

func TestServerPutAlienThenExistAlienIsTrue(t *testing.T) {
	s, _ := newTestServer(t)
	key := core.KeyFromUint64(4)
	req := &core.PutAlienRequest{SourceNode: "remote", VDisk: 0, Key: key, Payload: []byte("w"), TS: 10}
	var reply core.PutAlienReply
	require.NoError(t, s.PutAlien(req, &reply))
	assert.Equal(t, core.NoError, reply.Err)

	existReq := &core.ExistAlienRequest{SourceNode: "remote", VDisk: 0, Keys: []core.Key{key}}
	var existReply core.ExistAlienReply
	require.NoError(t, s.ExistAlien(existReq, &existReply))
	assert.True(t, existReply.Bitmap[0])
}

func TestServerPutAlienDeletedTombstonesExistingAlien(t *testing.T) {
	s, _ := newTestServer(t)
	key := core.KeyFromUint64(5)
	putReq := &core.PutAlienRequest{SourceNode: "remote", VDisk: 0, Key: key, Payload: []byte("w"), TS: 10}
	var putReply core.PutAlienReply
	require.NoError(t, s.PutAlien(putReq, &putReply))

	delReq := &core.PutAlienRequest{SourceNode: "remote", VDisk: 0, Key: key, TS: 11, Deleted: true}
	var delReply core.PutAlienReply
	require.NoError(t, s.PutAlien(delReq, &delReply))
	assert.Equal(t, core.NoError, delReply.Err)

	existReq := &core.ExistAlienRequest{SourceNode: "remote", VDisk: 0, Keys: []core.Key{key}}
	var existReply core.ExistAlienReply
	require.NoError(t, s.ExistAlien(existReq, &existReply))
	assert.False(t, existReply.Bitmap[0])
}

func TestServerPutAlienRecordsAppliesBatchToBackend(t *testing.T) {
	s, b := newTestServer(t)
	keyA := core.KeyFromUint64(6)
	keyB := core.KeyFromUint64(7)

	data, err := alien.EncodeBatch([]alien.Record{
		{Key: keyA, Payload: []byte("a"), TS: 10},
		{Key: keyB, TS: 11, Deleted: true},
	})
	require.NoError(t, err)

	req := &core.PutAlienRecordsRequest{SourceNode: "local", VDisk: 0, Records: data}
	var reply core.PutAlienRecordsReply
	require.NoError(t, s.PutAlienRecords(req, &reply))
	assert.Equal(t, core.NoError, reply.Err)

	rec, err := b.Get(context.Background(), 0, keyA, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), rec.Payload)

	_, err = b.Get(context.Background(), 0, keyB, 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
