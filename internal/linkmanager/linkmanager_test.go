// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package linkmanager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/internal/mapper"
	"github.com/qoollo/bob/pkg/rpc"
	test "github.com/qoollo/bob/pkg/testutil"
)

// pingServer implements the BobServer RPC surface the Manager's ping loop calls.
type pingServer struct{}

func (pingServer) Ping(req *core.PingRequest, reply *core.PingReply) error {
	reply.NodeName = "remote"
	return nil
}

func startPingServer(t *testing.T) string {
	t.Helper()
	port := test.GetFreePort()
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	require.NoError(t, rpc.RegisterName("BobServer", pingServer{}))
	rpc.StartStandaloneRPCServer(addr)
	return addr
}

func testMapper(t *testing.T, remoteAddr string) *mapper.Mapper {
	cluster := &config.Cluster{
		Nodes: []config.ClusterNode{
			{Name: "local", Address: "127.0.0.1:0", Disks: []config.ClusterDisk{{Name: "disk1", Path: "/tmp/local/disk1"}}},
			{Name: "remote", Address: remoteAddr, Disks: []config.ClusterDisk{{Name: "disk1", Path: "/tmp/remote/disk1"}}},
		},
		VDisks: []config.ClusterVDisk{
			{ID: 0, Replicas: []config.ClusterReplica{{Node: "local", Disk: "disk1"}, {Node: "remote", Disk: "disk1"}}},
		},
	}
	m, err := mapper.New(cluster, &config.Node{Name: "local"})
	require.NoError(t, err)
	return m
}

func TestManagerPingMarksLinkConnected(t *testing.T) {
	addr := startPingServer(t)
	m := testMapper(t, addr)

	mgr := New(m, 2*time.Second, 50*time.Millisecond)
	mgr.pingAll()

	assert.True(t, mgr.IsConnected("remote"))
	link := mgr.Link("remote")
	require.NotNil(t, link)
	assert.Equal(t, StateConnected, link.State())
}

func TestManagerUnknownNodeIsUnreachable(t *testing.T) {
	addr := startPingServer(t)
	m := testMapper(t, addr)
	mgr := New(m, 2*time.Second, 50*time.Millisecond)

	assert.False(t, mgr.IsConnected("nonexistent"))
	assert.Nil(t, mgr.Link("nonexistent"))
}

func TestManagerCallFailsFastWhenUnreachable(t *testing.T) {
	// Point "remote" at a port nothing is listening on.
	m := testMapper(t, "127.0.0.1:1")
	mgr := New(m, 100*time.Millisecond, 50*time.Millisecond)
	mgr.pingAll()

	assert.False(t, mgr.IsConnected("remote"))

	var reply core.PingReply
	start := time.Now()
	err := mgr.Call(context.Background(), "remote", "BobServer.Ping", &core.PingRequest{}, &reply)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, core.ErrDiskUnavailable)
	assert.Less(t, elapsed, 50*time.Millisecond, "Call should fail fast without dialing")
}
