package raft

import (
	"context"
	"time"
)

// StateMachine applies committed commands. It is an external collaborator;
// the core never inspects command payloads itself (spec.md §1 Non-goals).
type StateMachine interface {
	Apply(command []byte) (interface{}, error)
	// Snapshot and Restore support log compaction via InstallSnapshot.
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// EventSink receives notifications the log store publishes back into the
// actor. It exists so the log store never holds a mutable back-pointer into
// the Node (spec.md §9 design note on cyclic collaborator refs) — instead it
// holds this narrow, enqueue-only handle.
type EventSink interface {
	// GroupConfigAppended fires whenever a group-config entry is appended,
	// on a follower or on the leader itself; membership takes effect
	// immediately.
	GroupConfigAppended(entry LogEntry)
	// GroupConfigCommitted fires when a group-config entry commits; the
	// leader's holder resolves its pending future from this event.
	GroupConfigCommitted(index LogIndex, endpoints []Endpoint)
	// GroupConfigBatchRemoved fires when entries are truncated past a
	// group-config entry; membership reverts to the endpoints recorded on
	// the first removed entry, or to nil if none of the removed entries
	// carried a group-config.
	GroupConfigBatchRemoved(firstRemovedEndpoints []Endpoint)
}

// LogStore is the durable replicated log collaborator (spec.md §6).
type LogStore interface {
	SetStateMachine(sm StateMachine)
	SetEventSink(sink EventSink)

	// AppendNoop appends a no-op entry at term, used by a freshly elected
	// leader to commit across term boundaries.
	AppendNoop(term Term) (LogIndex, error)
	// AppendCommand appends an application command entry at term.
	AppendCommand(term Term, command []byte) (LogIndex, error)
	// AppendGroupConfig appends a membership-change entry whose payload is
	// the resulting endpoint set.
	AppendGroupConfig(term Term, endpoints []Endpoint) (LogIndex, error)

	// AppendEntriesFromLeader implements the AppendEntries log-matching
	// rule: it returns false if prevLogIndex/prevLogTerm do not match,
	// otherwise reconciles entries (truncating on conflict) and appends
	// any new ones.
	AppendEntriesFromLeader(prevIndex LogIndex, prevTerm Term, entries []LogEntry) bool

	// AdvanceCommitIndex advances commitIndex to index, applying newly
	// committed entries to the state machine. termAtAdvance is the
	// caller's current term; the store enforces that the entry at index
	// carries that term before committing past it (commit safety rule,
	// spec.md §4.3).
	AdvanceCommitIndex(index LogIndex, termAtAdvance Term)

	// IsNewerThan reports whether this log is strictly ahead of the given
	// (lastIndex, lastTerm) — used by RequestVote to decide log freshness.
	IsNewerThan(lastIndex LogIndex, lastTerm Term) bool

	GetLastEntryMeta() EntryMeta
	// GetNextIndex is one past the last log index — the index a new entry
	// would receive.
	GetNextIndex() LogIndex
	GetCommitIndex() LogIndex

	// CreateAppendEntriesRPC builds the RPC a leader sends to a member
	// whose next index is nextIndex, capped at maxEntries. It returns
	// ErrEntryInSnapshot if prevLogIndex precedes the local snapshot, so
	// the caller should fall back to InstallSnapshot.
	CreateAppendEntriesRPC(term Term, selfID NodeId, leaderCommit LogIndex, nextIndex LogIndex, maxEntries int) (AppendEntriesRPC, error)
	// CreateInstallSnapshotRPC builds a single chunk starting at offset,
	// length bytes long.
	CreateInstallSnapshotRPC(term Term, selfID NodeId, offset uint64, length int) (InstallSnapshotRPC, error)
	// InstallSnapshot applies a received chunk; on the final chunk it
	// restores the state machine and truncates the local log.
	InstallSnapshot(rpc InstallSnapshotRPC) error

	Close() error
}

// ErrEntryInSnapshot promotes an AppendEntries send into an InstallSnapshot
// send (spec.md §7).
type ErrEntryInSnapshot struct {
	LastIncludedIndex LogIndex
	LastIncludedTerm  Term
}

func (e *ErrEntryInSnapshot) Error() string {
	return "raft: requested prefix is covered by a local snapshot"
}

// NodeStore is the durable (currentTerm, votedFor) collaborator (spec.md §6).
// Implementations must write both fields atomically per call.
type NodeStore interface {
	GetTerm() Term
	GetVotedFor() *NodeId
	SetTermAndVotedFor(term Term, votedFor *NodeId) error
	Close() error
}

// Transport delivers RPCs to peers and carries replies back to the node
// that sent them (spec.md §6).
type Transport interface {
	Initialize(selfID NodeId, handler TransportHandler) error
	SendRequestVote(rpc RequestVoteRPC, targets []Endpoint)
	SendAppendEntries(rpc AppendEntriesRPC, target Endpoint)
	SendInstallSnapshot(rpc InstallSnapshotRPC, target Endpoint)
	// ResetChannels drops and re-establishes peer connections, used after
	// winning an election so stale connections from a previous term don't
	// linger (spec.md §4.2).
	ResetChannels()
	Close() error
}

// TransportHandler is what a Transport delivers inbound messages to. The
// Node implements this and dispatches every call onto its own actor inbox.
type TransportHandler interface {
	HandleRequestVote(ctx context.Context, rpc RequestVoteRPC) RequestVoteResult
	HandleAppendEntries(ctx context.Context, rpc AppendEntriesRPC) AppendEntriesResult
	HandleInstallSnapshot(ctx context.Context, rpc InstallSnapshotRPC) InstallSnapshotResult

	HandleRequestVoteResult(result RequestVoteResult)
	HandleAppendEntriesResult(result AppendEntriesResult)
	HandleInstallSnapshotResult(result InstallSnapshotResult)
}

// GroupMember is the per-peer replication bookkeeping record a
// MembershipRegistry hands back to the core (spec.md §3).
type GroupMember struct {
	Endpoint Endpoint
	// NextIndex is the next log index the leader will send this member.
	NextIndex LogIndex
	// MatchIndex is the highest log index known to be replicated to this
	// member.
	MatchIndex LogIndex
	// IsMajor is true for a full voting member; false while a newly added
	// node is still catching up (it replicates but does not count toward
	// quorum or vote eligibility).
	IsMajor bool
	// IsRemoving is true once removeNode has been requested for this
	// member. The member leaves the registry as soon as the removal entry
	// is appended, not when it commits.
	IsRemoving bool
	// ReplicatingInProgress debounces concurrent sends to the same member
	// (spec.md §4.3 minReplicationInterval).
	ReplicatingInProgress bool
	LastReplicatedAt      time.Time
}

// MembershipRegistry tracks the current group membership and per-member
// replication progress (spec.md §3, §4.5). The core mutates it only from
// inside the actor goroutine.
type MembershipRegistry interface {
	SelfID() NodeId
	Self() Endpoint

	Members() []*GroupMember
	Get(id NodeId) (*GroupMember, bool)

	// Upsert adds member if absent, or updates its Endpoint/IsMajor/
	// IsRemoving flags in place if present, preserving NextIndex/MatchIndex.
	Upsert(member GroupMember)
	Remove(id NodeId)

	// VotingMembers returns members (excluding self) eligible to vote,
	// i.e. IsMajor and not IsRemoving.
	VotingMembers() []*GroupMember
	// MajorityThreshold is strictly more than half of the voting cluster
	// size, self included.
	MajorityThreshold() int

	// ApplyGroupConfig replaces the whole membership set with endpoints,
	// used when a group-config log entry is appended or committed. Members
	// absent from endpoints are dropped; members present are upserted as
	// full voting members; NextIndex/MatchIndex on survivors are preserved.
	ApplyGroupConfig(endpoints []Endpoint)
}

// Cancellable is returned by the scheduler for timers and tickers that can
// be cancelled on role change.
type Cancellable interface {
	Cancel()
}

// Scheduler owns the node's timers (spec.md §6).
type Scheduler interface {
	// ScheduleElectionTimeout arms a one-shot timer with a randomized
	// duration in [min, max) and invokes callback if it fires before being
	// cancelled.
	ScheduleElectionTimeout(min, max time.Duration, callback func()) Cancellable
	// ScheduleLogReplicationTask arms a periodic ticker at the given
	// interval, invoking callback on every tick until cancelled.
	ScheduleLogReplicationTask(interval time.Duration, callback func()) Cancellable
	Stop()
}
