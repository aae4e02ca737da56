// Package membership implements raft.MembershipRegistry: the per-peer
// replication bookkeeping table a leader consults every replication tick.
package membership

import (
	"sync"

	"xraft/pkg/raft"
)

// Registry is a map-based implementation of raft.MembershipRegistry.
type Registry struct {
	mu      sync.RWMutex
	self    raft.Endpoint
	members map[raft.NodeId]*raft.GroupMember
}

// New returns a Registry seeded with self and the initial peer set. Peers
// are inserted as full voting members; use Upsert for members still
// catching up.
func New(self raft.Endpoint, peers []raft.Endpoint) *Registry {
	r := &Registry{self: self, members: make(map[raft.NodeId]*raft.GroupMember)}
	for _, p := range peers {
		r.members[p.ID] = &raft.GroupMember{Endpoint: p, IsMajor: true}
	}
	return r
}

func (r *Registry) SelfID() raft.NodeId {
	return r.self.ID
}

func (r *Registry) Self() raft.Endpoint {
	return r.self
}

func (r *Registry) Members() []*raft.GroupMember {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*raft.GroupMember, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

func (r *Registry) Get(id raft.NodeId) (*raft.GroupMember, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	return m, ok
}

func (r *Registry) Upsert(member raft.GroupMember) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.members[member.Endpoint.ID]; ok {
		existing.Endpoint = member.Endpoint
		existing.IsMajor = member.IsMajor
		existing.IsRemoving = member.IsRemoving
		return
	}
	m := member
	r.members[member.Endpoint.ID] = &m
}

func (r *Registry) Remove(id raft.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
}

func (r *Registry) VotingMembers() []*raft.GroupMember {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*raft.GroupMember, 0, len(r.members))
	for id, m := range r.members {
		if id == r.self.ID {
			continue
		}
		if m.IsMajor && !m.IsRemoving {
			out = append(out, m)
		}
	}
	return out
}

// MajorityThreshold is strictly more than half of the voting cluster size,
// self included, so a cluster of 2*k members needs k+1 agreeing votes.
func (r *Registry) MajorityThreshold() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	votingCount := 1 // self
	for id, m := range r.members {
		if id == r.self.ID {
			continue
		}
		if m.IsMajor && !m.IsRemoving {
			votingCount++
		}
	}
	return votingCount/2 + 1
}

// ApplyGroupConfig replaces the whole membership set with endpoints.
// Members absent from endpoints are dropped; members present are upserted
// as full voting members, preserving NextIndex/MatchIndex on survivors.
func (r *Registry) ApplyGroupConfig(endpoints []raft.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[raft.NodeId]raft.Endpoint, len(endpoints))
	for _, e := range endpoints {
		wanted[e.ID] = e
	}

	for id := range r.members {
		if _, ok := wanted[id]; !ok {
			delete(r.members, id)
		}
	}
	for id, e := range wanted {
		if id == r.self.ID {
			continue
		}
		if existing, ok := r.members[id]; ok {
			existing.Endpoint = e
			existing.IsMajor = true
			existing.IsRemoving = false
			continue
		}
		r.members[id] = &raft.GroupMember{Endpoint: e, IsMajor: true}
	}
}
