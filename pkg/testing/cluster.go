// Package testing is a multi-node simulation harness for pkg/raft: it
// wires real Node instances together over the simulated network in
// pkg/transport, so tests can drive elections, partitions, and membership
// changes without a real network. Each node keeps its log and term/vote
// stores on disk in its own temporary directory.
package testing

import (
	"fmt"
	"log"
	"os"
	"time"

	"xraft/pkg/logstore"
	"xraft/pkg/membership"
	"xraft/pkg/nodestore"
	"xraft/pkg/raft"
	"xraft/pkg/scheduler"
	"xraft/pkg/statemachine"
	"xraft/pkg/transport"
)

// Cluster is a set of raft.Node instances sharing one simulated network,
// each with its own on-disk log store, node store, and state machine.
type Cluster struct {
	Nodes     []*raft.Node
	Stores    []*statemachine.Store
	LogStores []*logstore.Store
	Network   *transport.Network
	dirs      []string
}

// NewCluster builds a size-node cluster where every node is a voting peer
// of every other from the start. Each node's durable state lives under its
// own temp directory, removed by Cleanup.
func NewCluster(size int) (*Cluster, error) {
	network := transport.NewNetwork()

	endpoints := make([]raft.Endpoint, size)
	for i := 0; i < size; i++ {
		id := raft.NodeId(fmt.Sprintf("node-%d", i))
		endpoints[i] = raft.Endpoint{ID: id, Address: string(id)}
	}

	c := &Cluster{
		Nodes:     make([]*raft.Node, size),
		Stores:    make([]*statemachine.Store, size),
		LogStores: make([]*logstore.Store, size),
		Network:   network,
		dirs:      make([]string, size),
	}

	config := raft.DefaultConfig()
	config.ElectionTimeoutMin = 150 * time.Millisecond
	config.ElectionTimeoutMax = 300 * time.Millisecond
	config.MinReplicationInterval = 20 * time.Millisecond

	for i := 0; i < size; i++ {
		dir, err := os.MkdirTemp("", fmt.Sprintf("xraft-cluster-%d-*", i))
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.dirs[i] = dir

		ls, err := logstore.Open(dir, 1000)
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		ns, err := nodestore.Open(dir)
		if err != nil {
			c.Cleanup()
			return nil, err
		}

		store := statemachine.New()
		c.Stores[i] = store
		c.LogStores[i] = ls
		ls.SetStateMachine(store)

		peers := make([]raft.Endpoint, 0, size-1)
		for j := 0; j < size; j++ {
			if j != i {
				peers = append(peers, endpoints[j])
			}
		}
		reg := membership.New(endpoints[i], peers)
		sched := scheduler.New(int64(i) + 1)
		tr := network.NewTransport(endpoints[i].ID)

		logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", endpoints[i].ID), log.LstdFlags)
		node := raft.NewNode(endpoints[i], config, logger, ls, ns, tr, sched, reg)
		c.Nodes[i] = node
	}

	return c, nil
}

// Start starts every node.
func (c *Cluster) Start() error {
	for _, node := range c.Nodes {
		if err := node.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every node.
func (c *Cluster) Stop() {
	for _, node := range c.Nodes {
		if node != nil {
			node.Stop()
		}
	}
}

// Cleanup stops the cluster and removes every node's durable state.
func (c *Cluster) Cleanup() {
	c.Stop()
	time.Sleep(50 * time.Millisecond)
	for _, dir := range c.dirs {
		if dir != "" {
			os.RemoveAll(dir)
		}
	}
}

// GetLeader returns the first node currently reporting itself Leader, or
// nil.
func (c *Cluster) GetLeader() *raft.Node {
	for _, node := range c.Nodes {
		if name, _ := node.GetRoleNameAndLeaderId(); name == raft.RoleLeader {
			return node
		}
	}
	return nil
}

// WaitForLeader polls until some node reports itself Leader.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.GetLeader(); leader != nil {
			return leader, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within %s", timeout)
}

// WaitForStableLeader waits for a leader and confirms it holds the role
// across a short observation window, to avoid returning mid-churn.
func (c *Cluster) WaitForStableLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	var candidate *raft.Node
	stable := 0
	const required = 10

	for time.Now().Before(deadline) {
		current := c.GetLeader()
		if current != nil && current == candidate {
			stable++
			if stable >= required {
				return candidate, nil
			}
		} else {
			candidate = current
			stable = 0
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("no stable leader within %s", timeout)
}

// WaitForNewLeader waits for a leader different from excludeID.
func (c *Cluster) WaitForNewLeader(excludeID raft.NodeId, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.Nodes {
			name, _ := node.GetRoleNameAndLeaderId()
			if name == raft.RoleLeader && node.ID() != excludeID {
				return node, nil
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("no new leader elected within %s", timeout)
}

// PartitionLeader isolates the current leader from the rest of the
// cluster and returns it.
func (c *Cluster) PartitionLeader() *raft.Node {
	leader := c.GetLeader()
	if leader != nil {
		c.Network.Partition(leader.ID())
	}
	return leader
}

// HealPartition clears every injected partition.
func (c *Cluster) HealPartition() {
	c.Network.HealAll()
}

// SubmitCommand retries command against whichever node is leader until a
// leader appends it or timeout elapses. It does not wait for the command
// to commit.
func (c *Cluster) SubmitCommand(command []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader := c.GetLeader()
		if leader == nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		_, err := leader.AppendLog(command)
		if err == nil {
			return nil
		}
		if raft.IsNotLeader(err) {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("timeout submitting command")
}
