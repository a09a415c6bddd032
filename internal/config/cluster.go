// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/qoollo/bob/internal/core"
	"github.com/qoollo/bob/pkg/slices"
)

// ClusterDisk is one disk entry under a cluster node (spec §6.1).
type ClusterDisk struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// ClusterNode is one node entry in the cluster config (spec §6.1).
type ClusterNode struct {
	Name    string        `yaml:"name"`
	Address string        `yaml:"address"`
	Disks   []ClusterDisk `yaml:"disks"`
}

// ClusterReplica is one (node, disk) replica slot of a vdisk (spec §6.1).
type ClusterReplica struct {
	Node string `yaml:"node"`
	Disk string `yaml:"disk"`
}

// ClusterVDisk is one vdisk entry in the cluster config (spec §6.1).
type ClusterVDisk struct {
	ID       uint32           `yaml:"id"`
	Replicas []ClusterReplica `yaml:"replicas"`
}

// Cluster is the top-level cluster config (spec §6.1): `nodes` and `vdisks`.
// Unknown keys are rejected (KnownFields below).
type Cluster struct {
	Nodes  []ClusterNode  `yaml:"nodes"`
	VDisks []ClusterVDisk `yaml:"vdisks"`
}

// LoadCluster reads and parses a cluster config YAML file, rejecting
// unknown keys per spec §6.1.
func LoadCluster(path string) (*Cluster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cluster config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var c Cluster
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decoding cluster config: %w", err)
	}
	return &c, nil
}

// Validate checks the structural invariants spec §4.1 requires the Cluster
// Mapper to enforce at construction time: duplicate names and dangling
// references. The quorum > replica count check needs the node config and
// is made by mapper.New.
func (c *Cluster) Validate() error {
	nodeNames := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("%w: node with empty name", core.ErrInvalidConfig)
		}
		if nodeNames[n.Name] {
			return fmt.Errorf("%w: duplicate node name %q", core.ErrInvalidConfig, n.Name)
		}
		nodeNames[n.Name] = true

		diskNames := make(map[string]bool, len(n.Disks))
		for _, d := range n.Disks {
			if d.Name == "" || d.Path == "" {
				return fmt.Errorf("%w: node %q has a disk with an empty name or path", core.ErrInvalidConfig, n.Name)
			}
			if diskNames[d.Name] {
				return fmt.Errorf("%w: node %q has duplicate disk name %q", core.ErrInvalidConfig, n.Name, d.Name)
			}
			diskNames[d.Name] = true
		}
	}

	vdiskIDs := make(map[uint32]bool, len(c.VDisks))
	for _, v := range c.VDisks {
		if vdiskIDs[v.ID] {
			return fmt.Errorf("%w: duplicate vdisk id %d", core.ErrInvalidConfig, v.ID)
		}
		vdiskIDs[v.ID] = true

		if len(v.Replicas) == 0 {
			return fmt.Errorf("%w: vdisk %d has no replicas", core.ErrInvalidConfig, v.ID)
		}
		for _, r := range v.Replicas {
			if !nodeNames[r.Node] {
				return fmt.Errorf("%w: vdisk %d references unknown node %q", core.ErrInvalidConfig, v.ID, r.Node)
			}
			if !diskExistsOnNode(c, r.Node, r.Disk) {
				return fmt.Errorf("%w: vdisk %d references unknown disk %q on node %q", core.ErrInvalidConfig, v.ID, r.Disk, r.Node)
			}
		}
	}

	if len(c.VDisks) == 0 {
		return fmt.Errorf("%w: cluster config has no vdisks", core.ErrInvalidConfig)
	}
	return nil
}

func diskExistsOnNode(c *Cluster, nodeName, diskName string) bool {
	for _, n := range c.Nodes {
		if n.Name != nodeName {
			continue
		}
		names := make([]string, len(n.Disks))
		for i, d := range n.Disks {
			names[i] = d.Name
		}
		if slices.ContainsString(names, diskName) {
			return true
		}
	}
	return false
}
