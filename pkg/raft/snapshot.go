package raft

// sendSnapshotChunk sends the next chunk of the local snapshot to m,
// starting a new transfer at offset 0 if none is in progress.
func (n *Node) sendSnapshotChunk(m *GroupMember, offset uint64) {
	if offset == 0 {
		offset = n.snapshotOffsets[m.Endpoint.ID]
	}

	rpc, err := n.logStore.CreateInstallSnapshotRPC(n.role.Term, n.self.ID, offset, n.config.SnapshotDataLength)
	if err != nil {
		n.logger.Printf("[%s] failed building snapshot chunk for %s: %v", n.self.ID, m.Endpoint.ID, err)
		delete(n.snapshotOffsets, m.Endpoint.ID)
		return
	}

	m.ReplicatingInProgress = true
	n.transport.SendInstallSnapshot(rpc, m.Endpoint)
}

func (n *Node) onInstallSnapshot(rpc InstallSnapshotRPC) InstallSnapshotResult {
	if rpc.Term < n.role.Term {
		return InstallSnapshotResult{Term: n.role.Term, SourceID: n.self.ID, Envelope: rpc}
	}

	leader := rpc.LeaderID
	if rpc.Term > n.role.Term || n.role.leaderID == nil || *n.role.leaderID != leader {
		n.transitionTo(followerRole(rpc.Term, n.role.votedFor, &leader, n.armElectionTimer()))
	} else {
		n.resetElectionTimer()
	}

	if err := n.logStore.InstallSnapshot(rpc); err != nil {
		n.logger.Printf("[%s] install snapshot chunk failed: %v", n.self.ID, err)
		return InstallSnapshotResult{Term: n.role.Term, Offset: rpc.Offset, SourceID: n.self.ID, Envelope: rpc}
	}

	return InstallSnapshotResult{
		Term:     n.role.Term,
		Offset:   rpc.Offset,
		DataLen:  uint64(len(rpc.Data)),
		IsDone:   rpc.Done,
		SourceID: n.self.ID,
		Envelope: rpc,
	}
}

func (n *Node) onInstallSnapshotResult(result InstallSnapshotResult) {
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

	if result.IsDone {
		meta := result.Envelope
		m.MatchIndex = meta.LastIncludedIndex
		m.NextIndex = meta.LastIncludedIndex + 1
		delete(n.snapshotOffsets, result.SourceID)
		n.groupConfig.onReplicationProgress(m)
		return
	}

	nextOffset := result.Offset + result.DataLen
	n.snapshotOffsets[result.SourceID] = nextOffset
	n.sendSnapshotChunk(m, nextOffset)
}
