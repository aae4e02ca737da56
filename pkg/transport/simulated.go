package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"xraft/pkg/raft"
)

// Message records one simulated RPC attempt, delivered or not, for
// inspection by tests.
type Message struct {
	From      raft.NodeId
	To        raft.NodeId
	Kind      string
	Timestamp time.Time
	Delivered bool
	Dropped   bool
}

// Network is a shared in-memory network: every SimTransport registered on
// it can reach every other, subject to injected partitions, message
// drops and delay.
type Network struct {
	mu         sync.RWMutex
	transports map[raft.NodeId]*SimTransport
	partitions map[raft.NodeId]map[raft.NodeId]bool
	dropRate   float64
	minDelay   time.Duration
	maxDelay   time.Duration
	rnd        *rand.Rand
	log        []Message
}

// NewNetwork returns an empty simulated network.
func NewNetwork() *Network {
	return &Network{
		transports: make(map[raft.NodeId]*SimTransport),
		partitions: make(map[raft.NodeId]map[raft.NodeId]bool),
		rnd:        rand.New(rand.NewSource(1)),
	}
}

// NewTransport creates and registers a SimTransport for id on this
// network. Construct one per simulated node and pass it to raft.NewNode.
func (n *Network) NewTransport(id raft.NodeId) *SimTransport {
	t := &SimTransport{id: id, network: n}
	n.mu.Lock()
	n.transports[id] = t
	n.partitions[id] = make(map[raft.NodeId]bool)
	n.mu.Unlock()
	return t
}

func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

func (n *Network) SetDelay(min, max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.minDelay, n.maxDelay = min, max
}

// Partition isolates id from every other registered node.
func (n *Network) Partition(id raft.NodeId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.transports {
		if other == id {
			continue
		}
		n.partitions[id][other] = true
		n.partitions[other][id] = true
	}
}

// PartitionBetween isolates only the a-b link.
func (n *Network) PartitionBetween(a, b raft.NodeId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[a][b] = true
	n.partitions[b][a] = true
}

// Heal clears every partition touching id.
func (n *Network) Heal(id raft.NodeId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[id] = make(map[raft.NodeId]bool)
	for other := range n.transports {
		if n.partitions[other] != nil {
			delete(n.partitions[other], id)
		}
	}
}

func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id := range n.partitions {
		n.partitions[id] = make(map[raft.NodeId]bool)
	}
}

func (n *Network) isPartitioned(a, b raft.NodeId) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.partitions[a][b]
}

func (n *Network) shouldDrop() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropRate > 0 && n.rnd.Float64() < n.dropRate
}

func (n *Network) delay() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.maxDelay <= n.minDelay {
		return n.minDelay
	}
	return n.minDelay + time.Duration(n.rnd.Int63n(int64(n.maxDelay-n.minDelay)))
}

func (n *Network) logMessage(m Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = append(n.log, m)
}

// Messages returns every attempted send so far, delivered or not.
func (n *Network) Messages() []Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Message, len(n.log))
	copy(out, n.log)
	return out
}

func (n *Network) transportFor(id raft.NodeId) (*SimTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.transports[id]
	return t, ok
}

// SimTransport is one node's raft.Transport handle onto a shared Network.
type SimTransport struct {
	id      raft.NodeId
	network *Network
	mu      sync.RWMutex
	handler raft.TransportHandler
}

func (t *SimTransport) Initialize(selfID raft.NodeId, handler raft.TransportHandler) error {
	t.mu.Lock()
	t.id = selfID
	t.handler = handler
	t.mu.Unlock()
	return nil
}

// send simulates one request/response round trip to target: the
// partition check, drop chance and delay apply once, to the outbound
// leg, mirroring a single gRPC Invoke over one connection. deliver runs
// on the target's handler and hands the result back to respond, which
// runs on the caller's handler — both still off the actor goroutine,
// exactly as the gRPC transport's client goroutine does.
func (t *SimTransport) send(kind string, target raft.NodeId, deliver func(raft.TransportHandler), respond func()) {
	msg := Message{From: t.id, To: target, Kind: kind, Timestamp: time.Now()}

	if t.network.isPartitioned(t.id, target) || t.network.shouldDrop() {
		msg.Dropped = true
		t.network.logMessage(msg)
		return
	}
	dst, ok := t.network.transportFor(target)
	if !ok {
		t.network.logMessage(msg)
		return
	}

	go func() {
		if d := t.network.delay(); d > 0 {
			time.Sleep(d)
		}
		dst.mu.RLock()
		h := dst.handler
		dst.mu.RUnlock()
		if h == nil {
			return
		}
		deliver(h)
		msg.Delivered = true
		t.network.logMessage(msg)
		respond()
	}()
}

func (t *SimTransport) SendRequestVote(rpc raft.RequestVoteRPC, targets []raft.Endpoint) {
	for _, target := range targets {
		var result raft.RequestVoteResult
		t.send("RequestVote", target.ID,
			func(h raft.TransportHandler) { result = h.HandleRequestVote(context.Background(), rpc) },
			func() { t.handlerSnapshot().HandleRequestVoteResult(result) },
		)
	}
}

func (t *SimTransport) SendAppendEntries(rpc raft.AppendEntriesRPC, target raft.Endpoint) {
	var result raft.AppendEntriesResult
	t.send("AppendEntries", target.ID,
		func(h raft.TransportHandler) { result = h.HandleAppendEntries(context.Background(), rpc) },
		func() { t.handlerSnapshot().HandleAppendEntriesResult(result) },
	)
}

func (t *SimTransport) SendInstallSnapshot(rpc raft.InstallSnapshotRPC, target raft.Endpoint) {
	var result raft.InstallSnapshotResult
	t.send("InstallSnapshot", target.ID,
		func(h raft.TransportHandler) { result = h.HandleInstallSnapshot(context.Background(), rpc) },
		func() { t.handlerSnapshot().HandleInstallSnapshotResult(result) },
	)
}

func (t *SimTransport) handlerSnapshot() raft.TransportHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *SimTransport) ResetChannels() {}

func (t *SimTransport) Close() error {
	return nil
}

var _ raft.Transport = (*SimTransport)(nil)
