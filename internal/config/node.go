// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qoollo/bob/internal/core"
)

// PearlSettings holds the pearl.settings.* knobs from spec §6.2: the blob
// engine's rotation size, max data key size, timestamp period, and
// allow_duplicates behavior.
type PearlSettings struct {
	MaxBlobSize     string `yaml:"max_blob_size"`
	MaxDataKeySize  int    `yaml:"max_data_key_size"`
	TimestampPeriod string `yaml:"timestamp_period"`
	AllowDuplicates bool   `yaml:"allow_duplicates"`

	maxBlobSizeBytes    int64
	timestampPeriodSecs uint64
}

// Pearl holds the pearl.* section of the node config: root path plus the
// nested settings block.
type Pearl struct {
	Path     string        `yaml:"path"`
	Settings PearlSettings `yaml:"settings"`
}

// Node is the top-level node config (spec §6.2). Unknown keys are rejected.
type Node struct {
	Name                   string `yaml:"name"`
	Quorum                 int    `yaml:"quorum"`
	OperationTimeout       string `yaml:"operation_timeout"`
	CheckInterval          string `yaml:"check_interval"`
	ClusterPolicy          string `yaml:"cluster_policy"`
	BackendType            string `yaml:"backend_type"`
	CleanupInterval        string `yaml:"cleanup_interval"`
	AuthenticationType     string `yaml:"authentication_type"`
	BloomFilterMemoryLimit string `yaml:"bloom_filter_memory_limit"`
	IndexMemoryLimit       string `yaml:"index_memory_limit"`
	AlienBandwidthLimit    string `yaml:"alien_bandwidth_limit"`
	Pearl                  Pearl  `yaml:"pearl"`

	operationTimeout       time.Duration
	checkInterval          time.Duration
	cleanupInterval        time.Duration
	bloomFilterMemoryLimit int64
	indexMemoryLimit       int64
	alienBandwidthLimit    int64
	clusterPolicy          core.ClusterPolicy
	backendType            core.BackendType
}

// LoadNode reads, parses, and resolves a node config YAML file.
func LoadNode(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening node config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var n Node
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("decoding node config: %w", err)
	}
	if err := n.resolve(); err != nil {
		return nil, err
	}
	return &n, nil
}

// resolve fills in defaults and parses the human-readable size/duration
// strings into the numeric fields used by the rest of the system. It is
// also where malformed knobs turn into core.ErrInvalidConfig, per spec §7.
func (n *Node) resolve() error {
	if n.Name == "" {
		return fmt.Errorf("%w: node config has no name", core.ErrInvalidConfig)
	}
	if n.Quorum <= 0 {
		n.Quorum = core.DefaultQuorum
	}

	var err error
	if n.operationTimeout, err = durationOrDefault(n.OperationTimeout, 3*time.Second); err != nil {
		return fmt.Errorf("%w: operation_timeout: %v", core.ErrInvalidConfig, err)
	}
	if n.checkInterval, err = durationOrDefault(n.CheckInterval, 5*time.Second); err != nil {
		return fmt.Errorf("%w: check_interval: %v", core.ErrInvalidConfig, err)
	}
	if n.cleanupInterval, err = durationOrDefault(n.CleanupInterval, time.Hour); err != nil {
		return fmt.Errorf("%w: cleanup_interval: %v", core.ErrInvalidConfig, err)
	}
	if n.bloomFilterMemoryLimit, err = byteSizeOrDefault(n.BloomFilterMemoryLimit, 0); err != nil {
		return fmt.Errorf("%w: bloom_filter_memory_limit: %v", core.ErrInvalidConfig, err)
	}
	if n.indexMemoryLimit, err = byteSizeOrDefault(n.IndexMemoryLimit, 0); err != nil {
		return fmt.Errorf("%w: index_memory_limit: %v", core.ErrInvalidConfig, err)
	}
	if n.alienBandwidthLimit, err = byteSizeOrDefault(n.AlienBandwidthLimit, 0); err != nil {
		return fmt.Errorf("%w: alien_bandwidth_limit: %v", core.ErrInvalidConfig, err)
	}

	switch n.ClusterPolicy {
	case "", "quorum":
		n.clusterPolicy = core.PolicyQuorum
	case "simple":
		n.clusterPolicy = core.PolicySimple
	default:
		return fmt.Errorf("%w: unknown cluster_policy %q", core.ErrInvalidConfig, n.ClusterPolicy)
	}

	switch n.BackendType {
	case "", "pearl":
		n.backendType = core.BackendPearl
	case "in_memory":
		n.backendType = core.BackendInMemory
	case "stub":
		n.backendType = core.BackendStub
	default:
		return fmt.Errorf("%w: unknown backend_type %q", core.ErrInvalidConfig, n.BackendType)
	}

	if n.Pearl.Settings.maxBlobSizeBytes, err = byteSizeOrDefault(n.Pearl.Settings.MaxBlobSize, 10<<20); err != nil {
		return fmt.Errorf("%w: pearl.settings.max_blob_size: %v", core.ErrInvalidConfig, err)
	}
	tp, err := durationOrDefault(n.Pearl.Settings.TimestampPeriod, time.Duration(core.DefaultTimestampPeriod)*time.Second)
	if err != nil {
		return fmt.Errorf("%w: pearl.settings.timestamp_period: %v", core.ErrInvalidConfig, err)
	}
	n.Pearl.Settings.timestampPeriodSecs = uint64(tp.Seconds())

	return nil
}

// OperationTimeout is the resolved per-RPC deadline used by the Link Manager.
func (n *Node) OperationTimeoutDuration() time.Duration { return n.operationTimeout }

// CheckIntervalDuration is the resolved ping-loop interval used by the Link Manager.
func (n *Node) CheckIntervalDuration() time.Duration { return n.checkInterval }

// CleanupIntervalDuration is the resolved Cleaner task interval.
func (n *Node) CleanupIntervalDuration() time.Duration { return n.cleanupInterval }

// BloomFilterMemoryLimitBytes is the resolved memory budget for bloom filters, 0 meaning unlimited.
func (n *Node) BloomFilterMemoryLimitBytes() int64 { return n.bloomFilterMemoryLimit }

// IndexMemoryLimitBytes is the resolved memory budget for holder indexes, 0 meaning unlimited.
func (n *Node) IndexMemoryLimitBytes() int64 { return n.indexMemoryLimit }

// AlienBandwidthLimitBytes is the resolved cap, in bytes per second, on
// alien handoff replay traffic this node will generate, 0 meaning
// unlimited.
func (n *Node) AlienBandwidthLimitBytes() int64 { return n.alienBandwidthLimit }

// ClusterPolicy is the resolved cluster policy (quorum vs. simple fan-out).
func (n *Node) ClusterPolicyValue() core.ClusterPolicy { return n.clusterPolicy }

// BackendTypeValue is the resolved backend variant (pearl/in_memory/stub).
func (n *Node) BackendTypeValue() core.BackendType { return n.backendType }

// MaxBlobSizeBytes is the resolved blob rotation threshold for the blob engine.
func (p *PearlSettings) MaxBlobSizeBytes() int64 { return p.maxBlobSizeBytes }

// TimestampPeriodSeconds is the resolved partition width used to pick a
// holder's (disk, vdisk, start_ts) identity.
func (p *PearlSettings) TimestampPeriodSeconds() uint64 { return p.timestampPeriodSecs }

func durationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return Duration(s)
}

func byteSizeOrDefault(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return ByteSize(s)
}
