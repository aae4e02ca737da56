package raft

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Node is the Raft core actor. Every field that changes with role or log
// state is only ever touched from inside run(), which drains a single
// inbox channel — this is the "single-threaded task executor" of spec.md
// §5. Callers from other goroutines (the transport, the scheduler, API
// callers) never mutate Node state directly; they enqueue a closure and,
// where a result is needed, block on it.
type Node struct {
	self   Endpoint
	config Config
	logger *log.Logger

	logStore   LogStore
	nodeStore  NodeStore
	transport  Transport
	scheduler  Scheduler
	membership MembershipRegistry

	inbox   chan func()
	stopCh  chan struct{}
	stopped int32
	wg      sync.WaitGroup

	// onActorGoroutine is 1 while run() is executing a dispatched closure,
	// 0 otherwise. It is only ever written by the actor goroutine itself;
	// enqueue reads it (atomically, since other goroutines read it
	// concurrently) to tell whether it is being called from inside that
	// closure rather than from an external caller.
	onActorGoroutine int32

	role role

	snapshotMu sync.RWMutex
	published  RoleSnapshot

	listenersMu sync.Mutex
	listeners   []func(RoleSnapshot)

	msgSeq uint64

	// snapshotOffsets tracks, per member currently receiving a chunked
	// InstallSnapshot, the byte offset of the next chunk to send. It is
	// leader-side-only transient state, not part of the durable
	// membership registry.
	snapshotOffsets map[NodeId]uint64

	groupConfig *groupConfigChangeTaskHolder
}

// NewNode wires a Node to its collaborators. It does not start any
// goroutines; call Start for that.
func NewNode(self Endpoint, config Config, logger *log.Logger, logStore LogStore, nodeStore NodeStore, transport Transport, scheduler Scheduler, membership MembershipRegistry) *Node {
	if logger == nil {
		logger = log.Default()
	}
	n := &Node{
		self:       self,
		config:     config,
		logger:     logger,
		logStore:   logStore,
		nodeStore:  nodeStore,
		transport:  transport,
		scheduler:  scheduler,
		membership: membership,
		inbox:      make(chan func()),
		stopCh:     make(chan struct{}),
		snapshotOffsets: make(map[NodeId]uint64),
	}
	n.groupConfig = newGroupConfigChangeTaskHolder(n)
	logStore.SetEventSink(n)
	return n
}

// Start registers the node with its transport, restores persisted term and
// vote, begins life as a Follower, and launches the actor loop.
func (n *Node) Start() error {
	if err := n.transport.Initialize(n.self.ID, n); err != nil {
		return fmt.Errorf("raft: transport initialize: %w", err)
	}
	term := n.nodeStore.GetTerm()
	votedFor := n.nodeStore.GetVotedFor()
	n.role = followerRole(term, votedFor, nil, n.armElectionTimer())
	n.logger.Printf("[%s] started as follower at term %d", n.self.ID, term)

	n.wg.Add(1)
	go n.run()
	return nil
}

// Stop cancels the current timer, stops the scheduler and closes every
// collaborator. It is safe to call once; a second call is a no-op.
func (n *Node) Stop() error {
	if !atomic.CompareAndSwapInt32(&n.stopped, 0, 1) {
		return nil
	}
	close(n.stopCh)
	n.wg.Wait()

	n.scheduler.Stop()
	if err := n.transport.Close(); err != nil {
		n.logger.Printf("[%s] transport close: %v", n.self.ID, err)
	}
	if err := n.logStore.Close(); err != nil {
		n.logger.Printf("[%s] log store close: %v", n.self.ID, err)
	}
	if err := n.nodeStore.Close(); err != nil {
		n.logger.Printf("[%s] node store close: %v", n.self.ID, err)
	}
	return nil
}

func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case f := <-n.inbox:
			atomic.StoreInt32(&n.onActorGoroutine, 1)
			f()
			atomic.StoreInt32(&n.onActorGoroutine, 0)
		case <-n.stopCh:
			return
		}
	}
}

// enqueue schedules f on the actor goroutine without waiting for it to run.
// Used for events that do not need to report back (RPC results, timers).
//
// The log store's EventSink calls reach here synchronously from inside code
// that is already running on the actor goroutine (appendLocked,
// AppendEntriesFromLeader, AdvanceCommitIndex all call back into Node while
// handling a request dispatched through run()). A blocking send on the
// unbuffered inbox from that same goroutine would deadlock: nothing is left
// to drain it. When enqueue detects it is already running on the actor
// goroutine, it runs f inline instead of dispatching it.
func (n *Node) enqueue(f func()) {
	if atomic.LoadInt32(&n.onActorGoroutine) == 1 {
		f()
		return
	}
	select {
	case n.inbox <- f:
	case <-n.stopCh:
	}
}

// call schedules f on the actor goroutine and blocks until it has run, or
// until the node stops. Used by API calls that return a value.
func (n *Node) call(f func()) {
	done := make(chan struct{})
	n.enqueue(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-n.stopCh:
	}
}

// ID returns this node's endpoint id. It is immutable for the node's
// lifetime and safe to call from any goroutine.
func (n *Node) ID() NodeId {
	return n.self.ID
}

// AddRoleListener registers fn to be invoked, synchronously on the actor
// goroutine, after every role change. fn must not block and must not call
// back into the Node, or the actor deadlocks.
func (n *Node) AddRoleListener(fn func(RoleSnapshot)) {
	n.listenersMu.Lock()
	n.listeners = append(n.listeners, fn)
	n.listenersMu.Unlock()
}

// GetRoleState returns the most recently published role snapshot. It never
// blocks on the actor goroutine, so it is safe to call from a listener.
func (n *Node) GetRoleState() RoleSnapshot {
	n.snapshotMu.RLock()
	defer n.snapshotMu.RUnlock()
	return n.published
}

// GetRoleNameAndLeaderId is a convenience accessor over GetRoleState.
func (n *Node) GetRoleNameAndLeaderId() (RoleName, *NodeId) {
	s := n.GetRoleState()
	return s.Name, s.LeaderID
}

// transitionTo applies the role-change protocol: cancel the outgoing
// timer, persist (term, votedFor) if either changed, install the new role,
// then publish it to listeners. Must run on the actor goroutine.
func (n *Node) transitionTo(next role) {
	wasLeader := n.role.Name == RoleLeader
	if n.role.timer != nil {
		n.role.timer.Cancel()
	}
	if next.Term != n.role.Term || !sameNodeId(next.votedFor, n.role.votedFor) {
		if err := n.nodeStore.SetTermAndVotedFor(next.Term, next.votedFor); err != nil {
			n.logger.Printf("[%s] persist term/votedFor failed: %v", n.self.ID, err)
		}
	}
	n.role = next
	if wasLeader && next.Name != RoleLeader {
		n.groupConfig.failActive(ResultError)
	}
	n.publish()
}

// publish stores the current role as the snapshot GetRoleState returns and
// hands it to every registered listener. Must run on the actor goroutine.
func (n *Node) publish() {
	s := n.role.snapshot()
	n.snapshotMu.Lock()
	n.published = s
	n.snapshotMu.Unlock()

	n.listenersMu.Lock()
	listeners := append(([]func(RoleSnapshot))(nil), n.listeners...)
	n.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// resetElectionTimer rearms the election timer in place without running
// the full role-change protocol. This is the stable-follower path: a
// heartbeat or vote grant that does not change term, leader or votedFor
// should not re-persist state or re-notify listeners, only push the
// deadline out.
func (n *Node) resetElectionTimer() {
	if n.role.timer != nil {
		n.role.timer.Cancel()
	}
	n.role.timer = n.armElectionTimer()
}

func (n *Node) armElectionTimer() Cancellable {
	return n.scheduler.ScheduleElectionTimeout(n.config.ElectionTimeoutMin, n.config.ElectionTimeoutMax, func() {
		n.enqueue(n.onElectionTimeout)
	})
}

func (n *Node) nextMsgID() uint64 {
	n.msgSeq++
	return n.msgSeq
}

func sameNodeId(a, b *NodeId) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// --- TransportHandler ---
//
// Every inbound RPC and RPC result crosses into the actor by way of these
// methods. Requests block the calling transport goroutine until the actor
// has produced a reply (the reply itself carries no further side effects);
// results are fire-and-forget from the transport's point of view.

func (n *Node) HandleRequestVote(ctx context.Context, rpc RequestVoteRPC) RequestVoteResult {
	var result RequestVoteResult
	n.call(func() { result = n.onRequestVote(rpc) })
	return result
}

func (n *Node) HandleAppendEntries(ctx context.Context, rpc AppendEntriesRPC) AppendEntriesResult {
	var result AppendEntriesResult
	n.call(func() { result = n.onAppendEntries(rpc) })
	return result
}

func (n *Node) HandleInstallSnapshot(ctx context.Context, rpc InstallSnapshotRPC) InstallSnapshotResult {
	var result InstallSnapshotResult
	n.call(func() { result = n.onInstallSnapshot(rpc) })
	return result
}

func (n *Node) HandleRequestVoteResult(result RequestVoteResult) {
	n.enqueue(func() { n.onRequestVoteResult(result) })
}

func (n *Node) HandleAppendEntriesResult(result AppendEntriesResult) {
	n.enqueue(func() { n.onAppendEntriesResult(result) })
}

func (n *Node) HandleInstallSnapshotResult(result InstallSnapshotResult) {
	n.enqueue(func() { n.onInstallSnapshotResult(result) })
}

// --- EventSink ---
//
// The log store calls these synchronously from whatever goroutine
// triggered the append/commit/truncate; each goes through enqueue, which
// runs it inline when that caller is the actor goroutine itself (as it is
// for every log store mutation the Node makes), so the log store never
// needs a back-pointer into Node state.

func (n *Node) GroupConfigAppended(entry LogEntry) {
	n.enqueue(func() { n.membership.ApplyGroupConfig(entry.GroupConfig) })
}

func (n *Node) GroupConfigCommitted(index LogIndex, endpoints []Endpoint) {
	n.enqueue(func() { n.groupConfig.onCommitted(index, endpoints) })
}

func (n *Node) GroupConfigBatchRemoved(firstRemovedEndpoints []Endpoint) {
	n.enqueue(func() { n.membership.ApplyGroupConfig(firstRemovedEndpoints) })
}
