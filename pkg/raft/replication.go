package raft

import "time"

// onReplicationTick fires on the leader's replication ticker. It is a
// fan-out point: every voting or catching-up member that isn't already
// waiting on an in-flight send gets a fresh AppendEntries (or, if its
// prefix has been compacted away, an InstallSnapshot chunk). With no other
// voting member there are no replies to count, so the leader advances its
// commit index here from its own log.
func (n *Node) onReplicationTick() {
	if n.role.Name != RoleLeader {
		return
	}
	n.groupConfig.checkTimeouts()
	if len(n.membership.VotingMembers()) == 0 {
		n.maybeAdvanceCommitIndex()
	}
	n.replicateToAll()
}

func (n *Node) replicateToAll() {
	self := n.self.ID
	for _, m := range n.membership.Members() {
		if m.Endpoint.ID == self {
			continue
		}
		n.replicateTo(m)
	}
}

func (n *Node) replicateTo(m *GroupMember) {
	if m.ReplicatingInProgress && time.Since(m.LastReplicatedAt) < n.config.MinReplicationInterval {
		return
	}

	maxEntries := n.config.MaxReplicationEntries
	if !m.IsMajor {
		maxEntries = n.config.MaxReplicationEntriesForNewNode
	}

	rpc, err := n.logStore.CreateAppendEntriesRPC(n.role.Term, n.self.ID, n.logStore.GetCommitIndex(), m.NextIndex, maxEntries)
	if err != nil {
		n.sendSnapshotChunk(m, 0)
		return
	}
	rpc.MsgID = n.nextMsgID()

	m.ReplicatingInProgress = true
	m.LastReplicatedAt = time.Now()
	n.transport.SendAppendEntries(rpc, m.Endpoint)
}

func (n *Node) onAppendEntries(rpc AppendEntriesRPC) AppendEntriesResult {
	if rpc.Term < n.role.Term {
		return AppendEntriesResult{MsgID: rpc.MsgID, Term: n.role.Term, Success: false, SourceID: n.self.ID, Envelope: rpc}
	}

	if rpc.Term == n.role.Term && n.role.Name == RoleLeader {
		n.logger.Printf("[%s] rejecting AppendEntries from %s at our own term %d while still leader", n.self.ID, rpc.LeaderID, rpc.Term)
		return AppendEntriesResult{MsgID: rpc.MsgID, Term: n.role.Term, Success: false, SourceID: n.self.ID, Envelope: rpc}
	}

	leader := rpc.LeaderID
	if rpc.Term > n.role.Term || n.role.Name != RoleFollower {
		n.transitionTo(followerRole(rpc.Term, n.role.votedFor, &leader, n.armElectionTimer()))
	} else if n.role.leaderID == nil || *n.role.leaderID != leader {
		n.transitionTo(followerRole(rpc.Term, n.role.votedFor, &leader, n.armElectionTimer()))
	} else {
		n.resetElectionTimer()
	}

	ok := n.logStore.AppendEntriesFromLeader(rpc.PrevLogIndex, rpc.PrevLogTerm, rpc.Entries)
	result := AppendEntriesResult{MsgID: rpc.MsgID, Term: n.role.Term, Success: ok, SourceID: n.self.ID, Envelope: rpc}
	if !ok {
		result.LastEntryIndex = n.logStore.GetLastEntryMeta().Index
		return result
	}

	if rpc.LeaderCommit > n.logStore.GetCommitIndex() {
		last := n.logStore.GetLastEntryMeta()
		newCommit := rpc.LeaderCommit
		if last.Index < newCommit {
			newCommit = last.Index
		}
		n.logStore.AdvanceCommitIndex(newCommit, rpc.Term)
	}
	result.LastEntryIndex = n.logStore.GetLastEntryMeta().Index
	return result
}

func (n *Node) onAppendEntriesResult(result AppendEntriesResult) {
	if result.Term > n.role.Term {
		n.transitionTo(followerRole(result.Term, nil, nil, n.armElectionTimer()))
		return
	}
	if n.role.Name != RoleLeader || result.Term < n.role.Term {
		return
	}

	m, ok := n.membership.Get(result.SourceID)
	if !ok {
		return
	}
	m.ReplicatingInProgress = false

	if !result.Success {
		// Fast conflict backtracking: when the follower's log ends before
		// nextIndex, jump straight to its last index; otherwise step
		// nextIndex back by one.
		if result.LastEntryIndex > 0 && result.LastEntryIndex < m.NextIndex {
			m.NextIndex = result.LastEntryIndex
		} else if m.NextIndex > 1 {
			m.NextIndex--
		}
		n.groupConfig.onReplicationFailure(m)
		n.replicateTo(m)
		return
	}

	matched := result.Envelope.PrevLogIndex + LogIndex(len(result.Envelope.Entries))
	if matched > m.MatchIndex {
		m.MatchIndex = matched
		m.NextIndex = matched + 1
	}

	n.maybeAdvanceCommitIndex()
	n.groupConfig.onReplicationProgress(m)

	if m.NextIndex <= n.logStore.GetNextIndex()-1 {
		n.replicateTo(m)
	}
}

// maybeAdvanceCommitIndex recomputes the highest index replicated to a
// majority of voting members and, if it is ahead of the current commit
// index and carries the leader's own term, advances it (spec.md §4.3: a
// leader may only commit entries from its own term by counting replicas;
// earlier-term entries commit only as a side effect of that).
func (n *Node) maybeAdvanceCommitIndex() {
	voters := n.membership.VotingMembers()
	matches := make([]LogIndex, 0, len(voters)+1)
	matches = append(matches, n.logStore.GetNextIndex()-1) // self: fully caught up
	for _, m := range voters {
		matches = append(matches, m.MatchIndex)
	}

	threshold := n.membership.MajorityThreshold()
	candidate := majorityIndex(matches, threshold)
	if candidate <= n.logStore.GetCommitIndex() {
		return
	}
	n.logStore.AdvanceCommitIndex(candidate, n.role.Term)
}

// majorityIndex returns the highest index that at least threshold entries
// of matches are greater than or equal to.
func majorityIndex(matches []LogIndex, threshold int) LogIndex {
	sorted := append([]LogIndex(nil), matches...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	if threshold <= 0 || threshold > len(sorted) {
		return 0
	}
	return sorted[len(sorted)-threshold]
}
