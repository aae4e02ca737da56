package raft

import (
	"sync"
	"time"
)

// GroupConfigFuture is the handle addNode/removeNode return. It resolves
// once the membership change either commits, definitively fails, or times
// out (spec.md §7: these are non-exceptional outcomes, not errors).
type GroupConfigFuture struct {
	mu       sync.Mutex
	done     chan struct{}
	result   GroupConfigResult
	onCancel func()
}

func newGroupConfigFuture() *GroupConfigFuture {
	return &GroupConfigFuture{done: make(chan struct{})}
}

// resolveLocked resolves the future to result if it is not already
// resolved, reporting whether it did. Caller must hold f.mu.
func (f *GroupConfigFuture) resolveLocked(result GroupConfigResult) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	f.result = result
	close(f.done)
	return true
}

func (f *GroupConfigFuture) resolve(result GroupConfigResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveLocked(result)
}

// Wait blocks until the change resolves.
func (f *GroupConfigFuture) Wait() GroupConfigResult {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// AwaitDone blocks until the change resolves or timeout elapses, whichever
// comes first. ok is false if timeout elapsed before a result was ready.
func (f *GroupConfigFuture) AwaitDone(timeout time.Duration) (result GroupConfigResult, ok bool) {
	select {
	case <-f.done:
		f.mu.Lock()
		result = f.result
		f.mu.Unlock()
		return result, true
	case <-time.After(timeout):
		return result, false
	}
}

// Done returns a channel closed once the change resolves, for select-based
// callers.
func (f *GroupConfigFuture) Done() <-chan struct{} {
	return f.done
}

// Cancel abandons the change: it resolves the future to ResultError if it
// hasn't resolved yet, and tells the holder to drop the task if it is still
// the one in flight, so a new AddNode/RemoveNode isn't stuck behind it.
func (f *GroupConfigFuture) Cancel() {
	f.mu.Lock()
	resolved := f.resolveLocked(ResultError)
	onCancel := f.onCancel
	f.mu.Unlock()
	if resolved && onCancel != nil {
		onCancel()
	}
}

type catchUpState struct {
	startedAt        time.Time
	lastRoundAt      time.Time
	roundsCompleted  int
	consecutiveFails int
}

type groupConfigChangeTask struct {
	kind           string // "add" or "remove"
	targetEndpoint Endpoint
	targetID       NodeId
	future         *GroupConfigFuture
	catchUp        *catchUpState
	// pendingIndex is the log index of the group-config entry once
	// appended; zero until then.
	pendingIndex LogIndex
}

// groupConfigChangeTaskHolder enforces spec.md §4.5's "at most one group
// config change in flight" rule and drives the new-node catch-up task
// state machine (Running / ReplicationFailed / Timeout / Ok). All of its
// methods run on the actor goroutine.
type groupConfigChangeTaskHolder struct {
	node    *Node
	active  *groupConfigChangeTask
	cleared chan struct{}
}

func newGroupConfigChangeTaskHolder(n *Node) *groupConfigChangeTaskHolder {
	h := &groupConfigChangeTaskHolder{node: n, cleared: make(chan struct{})}
	close(h.cleared)
	return h
}

func (h *groupConfigChangeTaskHolder) clearedSignal() chan struct{} {
	return h.cleared
}

func (h *groupConfigChangeTaskHolder) beginAdd(endpoint Endpoint) (*groupConfigChangeTask, error) {
	n := h.node
	if n.role.Name != RoleLeader {
		return nil, &NotLeaderError{Role: n.role.Name, LeaderID: n.role.leaderID}
	}
	if endpoint.ID == "" || endpoint.ID == n.self.ID {
		return nil, ErrInvalidArgument
	}
	if existing, exists := n.membership.Get(endpoint.ID); exists {
		if !existing.IsMajor {
			return nil, ErrDuplicateCatchUp
		}
		return nil, ErrInvalidArgument
	}
	if h.active != nil {
		return nil, ErrConcurrentChange
	}

	future := newGroupConfigFuture()
	task := &groupConfigChangeTask{
		kind:           "add",
		targetEndpoint: endpoint,
		targetID:       endpoint.ID,
		future:         future,
		catchUp:        &catchUpState{startedAt: time.Now()},
	}
	future.onCancel = func() {
		n.enqueue(func() { h.clearIfActive(task) })
	}
	h.active = task
	h.cleared = make(chan struct{})

	n.membership.Upsert(GroupMember{Endpoint: endpoint, NextIndex: n.logStore.GetNextIndex(), IsMajor: false})
	n.logger.Printf("[%s] catch-up started for %s", n.self.ID, endpoint.ID)
	return task, nil
}

func (h *groupConfigChangeTaskHolder) beginRemove(id NodeId) (*groupConfigChangeTask, error) {
	n := h.node
	if n.role.Name != RoleLeader {
		return nil, &NotLeaderError{Role: n.role.Name, LeaderID: n.role.leaderID}
	}
	if h.active != nil {
		return nil, ErrConcurrentChange
	}

	selfRemoval := id == n.self.ID
	if !selfRemoval {
		existing, exists := n.membership.Get(id)
		if !exists {
			return nil, ErrInvalidArgument
		}
		// Downgrade before appending so the member stops counting toward
		// quorum or vote eligibility. The endpoint set below excludes it, and
		// appending that entry applies the set to the registry at once, so
		// the member is dropped (and no longer replicated to) from then on.
		n.membership.Upsert(GroupMember{
			Endpoint:   existing.Endpoint,
			NextIndex:  existing.NextIndex,
			MatchIndex: existing.MatchIndex,
			IsMajor:    false,
			IsRemoving: true,
		})
	}

	future := newGroupConfigFuture()
	task := &groupConfigChangeTask{kind: "remove", targetID: id, future: future}
	future.onCancel = func() {
		n.enqueue(func() { h.clearIfActive(task) })
	}
	h.active = task
	h.cleared = make(chan struct{})

	endpoints := endpointsExcluding(n, id)
	idx, err := n.logStore.AppendGroupConfig(n.role.Term, endpoints)
	if err != nil {
		n.logger.Printf("[%s] failed to append removal of %s: %v", n.self.ID, id, err)
		h.resolve(task, ResultError)
		return task, nil
	}
	task.pendingIndex = idx
	n.logger.Printf("[%s] removal of %s appended at index %d", n.self.ID, id, idx)
	return task, nil
}

// onReplicationProgress is called after every successful AppendEntries or
// InstallSnapshot reply lands on the leader. It advances the active add
// task's catch-up round counter and, once the prospective member has
// completed CatchUpRounds consecutive rounds within CatchUpRoundTimeout
// each, promotes it to a full voting member.
func (h *groupConfigChangeTaskHolder) onReplicationProgress(m *GroupMember) {
	n := h.node
	task := h.active
	if task == nil || task.kind != "add" || task.pendingIndex != 0 || task.targetEndpoint.ID != m.Endpoint.ID {
		return
	}

	task.catchUp.consecutiveFails = 0

	leaderLast := n.logStore.GetNextIndex() - 1
	if m.MatchIndex < leaderLast {
		return
	}

	now := time.Now()
	if task.catchUp.roundsCompleted > 0 && now.Sub(task.catchUp.lastRoundAt) > n.config.CatchUpRoundTimeout {
		task.catchUp.roundsCompleted = 0
	}
	task.catchUp.roundsCompleted++
	task.catchUp.lastRoundAt = now

	if task.catchUp.roundsCompleted < n.config.CatchUpRounds {
		return
	}

	endpoints := append(endpointsExcluding(n, ""), task.targetEndpoint)
	idx, err := n.logStore.AppendGroupConfig(n.role.Term, endpoints)
	if err != nil {
		n.logger.Printf("[%s] failed to append membership change for %s: %v", n.self.ID, m.Endpoint.ID, err)
		h.resolve(task, ResultError)
		return
	}
	task.pendingIndex = idx
	n.logger.Printf("[%s] %s caught up, membership change appended at index %d", n.self.ID, m.Endpoint.ID, idx)
}

// checkTimeouts runs on every replication tick, independent of whether any
// reply has arrived from the catch-up target, so a target that never
// responds at all still times out instead of hanging the future forever.
func (h *groupConfigChangeTaskHolder) checkTimeouts() {
	n := h.node
	task := h.active
	if task == nil || task.kind != "add" || task.pendingIndex != 0 {
		return
	}
	if time.Since(task.catchUp.startedAt) > n.config.CatchUpOverallTimeout {
		n.logger.Printf("[%s] catch-up for %s timed out", n.self.ID, task.targetEndpoint.ID)
		h.resolve(task, ResultTimeout)
	}
}

// onReplicationFailure is called after a failed AppendEntries reply from
// the active add task's target. Enough consecutive failures with no
// progress in between means the target is unreachable or rejecting every
// attempt, which is reported distinctly from a plain overall timeout.
func (h *groupConfigChangeTaskHolder) onReplicationFailure(m *GroupMember) {
	n := h.node
	task := h.active
	if task == nil || task.kind != "add" || task.pendingIndex != 0 || task.targetEndpoint.ID != m.Endpoint.ID {
		return
	}
	task.catchUp.consecutiveFails++
	if task.catchUp.consecutiveFails >= n.config.CatchUpRounds {
		n.logger.Printf("[%s] catch-up for %s failing persistently", n.self.ID, m.Endpoint.ID)
		h.resolve(task, ResultReplicationFailed)
	}
}

func (h *groupConfigChangeTaskHolder) onCommitted(index LogIndex, endpoints []Endpoint) {
	task := h.active
	if task == nil || task.pendingIndex == 0 || task.pendingIndex != index {
		return
	}
	n := h.node
	selfRemoved := task.kind == "remove" && task.targetID == n.self.ID
	h.resolve(task, ResultOk)
	if selfRemoved {
		// Resolve first: transitionTo's step-down side effect calls
		// failActive, which would otherwise clobber this Ok result since
		// h.active is cleared by resolve above and failActive becomes a
		// no-op. Pass a nil timer so this node never re-arms an election
		// timeout; it stays a permanently parked, non-voting follower.
		n.logger.Printf("[%s] removed self from the cluster, stepping down", n.self.ID)
		n.transitionTo(followerRole(n.role.Term, nil, nil, nil))
	}
}

// failActive resolves any in-flight change with result when the leader
// steps down, since a non-leader cannot drive a membership change to
// completion.
func (h *groupConfigChangeTaskHolder) failActive(result GroupConfigResult) {
	if h.active != nil {
		h.resolve(h.active, result)
	}
}

func (h *groupConfigChangeTaskHolder) resolve(task *groupConfigChangeTask, result GroupConfigResult) {
	task.future.resolve(result)
	h.clearIfActive(task)
}

// clearIfActive drops task as the in-flight change if it still is one,
// waking any submitGroupConfigChange callers blocked behind ErrConcurrentChange.
func (h *groupConfigChangeTaskHolder) clearIfActive(task *groupConfigChangeTask) {
	if h.active == task {
		h.active = nil
		close(h.cleared)
		// An add that ends before its group-config entry is appended drops
		// the non-voting member beginAdd registered for it.
		if task.kind == "add" && task.pendingIndex == 0 {
			h.node.membership.Remove(task.targetID)
		}
	}
}

// endpointsExcluding returns the current endpoint set minus exclude. Self is
// included unless self itself is the one being excluded, which is what
// makes removing the leader's own node possible.
func endpointsExcluding(n *Node, exclude NodeId) []Endpoint {
	var out []Endpoint
	if n.self.ID != exclude {
		out = append(out, n.self)
	}
	for _, m := range n.membership.Members() {
		if m.Endpoint.ID == exclude {
			continue
		}
		out = append(out, m.Endpoint)
	}
	return out
}

// AddNode starts replicating to endpoint and, once it has caught up over
// CatchUpRounds consecutive rounds, commits it as a full voting member
// (spec.md §4.5). It only succeeds on the leader.
func (n *Node) AddNode(endpoint Endpoint) (*GroupConfigFuture, error) {
	return n.submitGroupConfigChange(func() (*groupConfigChangeTask, error) {
		return n.groupConfig.beginAdd(endpoint)
	})
}

// RemoveNode appends and commits a membership change excluding id.
func (n *Node) RemoveNode(id NodeId) (*GroupConfigFuture, error) {
	return n.submitGroupConfigChange(func() (*groupConfigChangeTask, error) {
		return n.groupConfig.beginRemove(id)
	})
}

func (n *Node) submitGroupConfigChange(begin func() (*groupConfigChangeTask, error)) (*GroupConfigFuture, error) {
	deadline := time.Now().Add(n.config.PreviousGroupConfigChangeTimeout)
	for {
		var (
			task      *groupConfigChangeTask
			err       error
			clearedCh chan struct{}
		)
		n.call(func() {
			task, err = begin()
			if err == ErrConcurrentChange {
				clearedCh = n.groupConfig.clearedSignal()
			}
		})
		if err == nil && task == nil {
			// begin never ran: the node stopped before the call was served.
			return nil, ErrNodeStopped
		}
		if err == nil {
			return task.future, nil
		}
		if err != ErrConcurrentChange {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrConcurrentChange
		}
		select {
		case <-clearedCh:
			continue
		case <-time.After(remaining):
			return nil, ErrConcurrentChange
		case <-n.stopCh:
			return nil, ErrNodeStopped
		}
	}
}

// AppendLog submits command to the replicated log. It only succeeds on the
// leader; followers should retry against the leader id carried on
// NotLeaderError.
func (n *Node) AppendLog(command []byte) (LogIndex, error) {
	var (
		index LogIndex
		err   error
	)
	n.call(func() {
		if n.role.Name != RoleLeader {
			err = &NotLeaderError{Role: n.role.Name, LeaderID: n.role.leaderID}
			return
		}
		index, err = n.logStore.AppendCommand(n.role.Term, command)
		if err == nil {
			n.replicateToAll()
		}
	})
	if err == nil && index == 0 {
		// The closure never ran: the node stopped before the call was served.
		return 0, ErrNodeStopped
	}
	return index, err
}
