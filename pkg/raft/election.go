package raft

// onElectionTimeout fires when no AppendEntries/RequestVote has reset the
// timer within the randomized deadline (spec.md §4.2). A Leader never arms
// this timer (it arms a replication ticker instead), but a timeout already
// queued when the node won its election can still arrive; a Leader ignores it.
func (n *Node) onElectionTimeout() {
	if n.role.Name == RoleLeader {
		return
	}
	if n.config.Mode == ModeStandby {
		n.resetElectionTimer()
		return
	}
	n.startElection()
}

func (n *Node) startElection() {
	term := n.role.Term + 1
	voters := n.membership.VotingMembers()

	// Solo-cluster shortcut: with no other voting members, a single vote
	// (our own) is already a majority, so skip the RequestVote round trip
	// and become leader directly.
	if len(voters) == 0 {
		n.transitionTo(candidateRole(term, n.self.ID, n.armElectionTimer()))
		n.logger.Printf("[%s] solo cluster, becoming leader at term %d", n.self.ID, term)
		n.becomeLeader()
		return
	}

	n.transitionTo(candidateRole(term, n.self.ID, n.armElectionTimer()))
	n.logger.Printf("[%s] election timeout, starting election for term %d", n.self.ID, term)

	last := n.logStore.GetLastEntryMeta()
	rpc := RequestVoteRPC{
		Term:         term,
		CandidateID:  n.self.ID,
		LastLogIndex: last.Index,
		LastLogTerm:  last.Term,
	}
	endpoints := make([]Endpoint, 0, len(voters))
	for _, v := range voters {
		endpoints = append(endpoints, v.Endpoint)
	}
	n.transport.SendRequestVote(rpc, endpoints)
}

func (n *Node) onRequestVote(rpc RequestVoteRPC) RequestVoteResult {
	if rpc.Term < n.role.Term {
		return RequestVoteResult{Term: n.role.Term, Granted: false, VoterID: n.self.ID, Envelope: rpc}
	}

	if !n.isVotingMember(rpc.CandidateID) {
		n.logger.Printf("[%s] rejecting vote request from non-member %s", n.self.ID, rpc.CandidateID)
		return RequestVoteResult{Term: n.role.Term, Granted: false, VoterID: n.self.ID, Envelope: rpc}
	}

	if rpc.Term > n.role.Term {
		n.transitionTo(followerRole(rpc.Term, nil, nil, n.armElectionTimer()))
	}

	alreadyVoted := n.role.votedFor != nil && *n.role.votedFor != rpc.CandidateID
	if alreadyVoted {
		return RequestVoteResult{Term: n.role.Term, Granted: false, VoterID: n.self.ID, Envelope: rpc}
	}

	last := n.logStore.GetLastEntryMeta()
	logIsCurrent := rpc.LastLogTerm > last.Term ||
		(rpc.LastLogTerm == last.Term && rpc.LastLogIndex >= last.Index)
	if !logIsCurrent {
		return RequestVoteResult{Term: n.role.Term, Granted: false, VoterID: n.self.ID, Envelope: rpc}
	}

	candidate := rpc.CandidateID
	if n.role.Name == RoleFollower && sameNodeId(n.role.votedFor, &candidate) {
		n.resetElectionTimer()
	} else {
		n.transitionTo(followerRole(n.role.Term, &candidate, n.role.leaderID, n.armElectionTimer()))
	}
	n.logger.Printf("[%s] granted vote to %s for term %d", n.self.ID, rpc.CandidateID, rpc.Term)
	return RequestVoteResult{Term: n.role.Term, Granted: true, VoterID: n.self.ID, Envelope: rpc}
}

func (n *Node) onRequestVoteResult(result RequestVoteResult) {
	if result.Term > n.role.Term {
		n.transitionTo(followerRole(result.Term, nil, nil, n.armElectionTimer()))
		return
	}
	if n.role.Name != RoleCandidate || result.Term < n.role.Term || !result.Granted {
		return
	}

	n.role.votesGranted[result.VoterID] = true
	if len(n.role.votesGranted) < n.membership.MajorityThreshold() {
		return
	}

	n.logger.Printf("[%s] won election for term %d with %d votes", n.self.ID, n.role.Term, len(n.role.votesGranted))
	n.becomeLeader()
}

func (n *Node) becomeLeader() {
	term := n.role.Term
	self := n.self.ID
	n.transitionTo(leaderRole(term, self, n.armReplicationTicker()))

	for _, m := range n.membership.Members() {
		if m.Endpoint.ID == self {
			continue
		}
		m.NextIndex = n.logStore.GetNextIndex()
		m.MatchIndex = 0
		m.ReplicatingInProgress = false
	}

	n.transport.ResetChannels()

	if _, err := n.logStore.AppendNoop(term); err != nil {
		n.logger.Printf("[%s] failed to append leadership no-op: %v", n.self.ID, err)
	}
	n.replicateToAll()
}

// isVotingMember reports whether id is a current voting member of this
// node's configuration. A node always counts itself; any other id must be
// a full member that is not mid-removal (spec.md §4.2: a source that is
// not a voting member of the current configuration must be rejected
// without voting).
func (n *Node) isVotingMember(id NodeId) bool {
	if id == n.self.ID {
		return true
	}
	m, ok := n.membership.Get(id)
	return ok && m.IsMajor && !m.IsRemoving
}

func (n *Node) armReplicationTicker() Cancellable {
	return n.scheduler.ScheduleLogReplicationTask(n.config.MinReplicationInterval, func() {
		n.enqueue(n.onReplicationTick)
	})
}
