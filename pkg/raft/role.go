package raft

// role is the mutable, actor-internal representation of the three Raft
// states (spec.md §4.1). It is a single struct rather than three separate
// implementations of a common interface: the fields not meaningful to the
// current Name are simply left zero, which keeps the role-change protocol
// (cancel timer, persist, install, notify) a single uniform code path
// instead of a per-variant one.
type role struct {
	Name RoleName
	Term Term

	// votedFor is meaningful for Follower and Candidate.
	votedFor *NodeId
	// leaderID is meaningful for Follower and Leader.
	leaderID *NodeId
	// votesGranted is meaningful for Candidate only: the set of voters
	// (self included) that have granted a vote this term.
	votesGranted map[NodeId]bool

	// timer is the election-timeout Cancellable for Follower/Candidate, or
	// the replication-ticker Cancellable for Leader. It is cancelled as the
	// first step of every role change.
	timer Cancellable
}

func followerRole(term Term, votedFor, leaderID *NodeId, timer Cancellable) role {
	return role{Name: RoleFollower, Term: term, votedFor: votedFor, leaderID: leaderID, timer: timer}
}

func candidateRole(term Term, self NodeId, timer Cancellable) role {
	return role{
		Name:         RoleCandidate,
		Term:         term,
		votedFor:     &self,
		votesGranted: map[NodeId]bool{self: true},
		timer:        timer,
	}
}

func leaderRole(term Term, self NodeId, timer Cancellable) role {
	return role{Name: RoleLeader, Term: term, leaderID: &self, timer: timer}
}

func (r role) snapshot() RoleSnapshot {
	s := RoleSnapshot{Name: r.Name, Term: r.Term, VotedFor: r.votedFor, LeaderID: r.leaderID}
	if r.Name == RoleCandidate {
		s.Votes = len(r.votesGranted)
	}
	return s
}
