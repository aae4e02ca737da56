package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for malformed API calls, e.g. addNode
	// with the node's own id.
	ErrInvalidArgument = errors.New("raft: invalid argument")
	// ErrConcurrentChange is returned when a membership change is already
	// in flight (spec.md §4.5: at most one group config change in flight).
	ErrConcurrentChange = errors.New("raft: a group config change is already in flight")
	// ErrNodeStopped is returned by API calls made after Stop.
	ErrNodeStopped = errors.New("raft: node has been stopped")
	// ErrDuplicateCatchUp is returned when addNode is called twice for the
	// same endpoint while the first catch-up is still running.
	ErrDuplicateCatchUp = errors.New("raft: catch-up already running for this endpoint")
)

// NotLeaderError carries the current role name and last-known leader id, as
// required by spec.md §7.
type NotLeaderError struct {
	Role     RoleName
	LeaderID *NodeId
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID != nil {
		return fmt.Sprintf("raft: not leader (role=%s, leader=%s)", e.Role, *e.LeaderID)
	}
	return fmt.Sprintf("raft: not leader (role=%s, leader=unknown)", e.Role)
}

// IsNotLeader reports whether err is (or wraps) a NotLeaderError.
func IsNotLeader(err error) bool {
	var e *NotLeaderError
	return errors.As(err, &e)
}
