// Package api is a thin HTTP status and administration surface over the
// raft.Node public API: role, leader, appendLog, addNode, removeNode. It
// carries no Raft logic of its own.
package api

import (
	"context"
	"errors"
	"time"

	"xraft/pkg/raft"
	"xraft/pkg/statemachine"
)

// Client is a convenience wrapper a demo process can use to submit KV
// commands against whichever node in nodes currently holds the leader role,
// without going through HTTP.
type Client struct {
	nodes   []*raft.Node
	timeout time.Duration
}

// NewClient returns a Client that picks its leader from nodes on every call.
func NewClient(nodes []*raft.Node) *Client {
	return &Client{
		nodes:   nodes,
		timeout: 5 * time.Second,
	}
}

// Set appends a CommandSet entry via the current leader.
func (c *Client) Set(ctx context.Context, clientID string, requestID uint64, key, value string) error {
	leader := c.findLeader()
	if leader == nil {
		return errors.New("no leader available")
	}
	cmd, err := statemachine.EncodeCommand(statemachine.CommandSet, key, []byte(value), clientID, requestID)
	if err != nil {
		return err
	}
	_, err = leader.AppendLog(cmd)
	return err
}

// Delete appends a CommandDelete entry via the current leader.
func (c *Client) Delete(ctx context.Context, clientID string, requestID uint64, key string) error {
	leader := c.findLeader()
	if leader == nil {
		return errors.New("no leader available")
	}
	cmd, err := statemachine.EncodeCommand(statemachine.CommandDelete, key, nil, clientID, requestID)
	if err != nil {
		return err
	}
	_, err = leader.AppendLog(cmd)
	return err
}

func (c *Client) findLeader() *raft.Node {
	for _, node := range c.nodes {
		if name, _ := node.GetRoleNameAndLeaderId(); name == raft.RoleLeader {
			return node
		}
	}
	return nil
}

// SetTimeout records d as the client's timeout; Set and Delete do not
// apply it to their calls.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}
