package transport

import (
	"context"
	"testing"
	"time"

	"xraft/pkg/raft"
)

func TestGobCodecRoundTrip(t *testing.T) {
	c := gobCodec{}
	rpc := raft.RequestVoteRPC{Term: 7, CandidateID: "n1", LastLogIndex: 3, LastLogTerm: 2}

	data, err := c.Marshal(&rpc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded raft.RequestVoteRPC
	if err := c.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != rpc {
		t.Fatalf("round trip = %+v, want %+v", decoded, rpc)
	}
}

func TestGobCodecNameIsGob(t *testing.T) {
	if name := (gobCodec{}).Name(); name != "gob" {
		t.Fatalf("Name() = %q, want gob", name)
	}
}

// stubHandler implements raft.TransportHandler with a canned RequestVote
// reply and channels/hooks capturing async results delivered back to the
// caller. Tests that only need RequestVote leave the other hooks nil.
type stubHandler struct {
	voteReply   raft.RequestVoteResult
	voteResults chan raft.RequestVoteResult

	onAppend       func(raft.AppendEntriesRPC) raft.AppendEntriesResult
	onAppendResult func(raft.AppendEntriesResult)
}

func newStubHandler() *stubHandler {
	return &stubHandler{voteResults: make(chan raft.RequestVoteResult, 1)}
}

func (s *stubHandler) HandleRequestVote(ctx context.Context, rpc raft.RequestVoteRPC) raft.RequestVoteResult {
	reply := s.voteReply
	reply.Envelope = rpc
	return reply
}
func (s *stubHandler) HandleAppendEntries(ctx context.Context, rpc raft.AppendEntriesRPC) raft.AppendEntriesResult {
	if s.onAppend != nil {
		return s.onAppend(rpc)
	}
	return raft.AppendEntriesResult{}
}
func (s *stubHandler) HandleInstallSnapshot(ctx context.Context, rpc raft.InstallSnapshotRPC) raft.InstallSnapshotResult {
	return raft.InstallSnapshotResult{}
}
func (s *stubHandler) HandleRequestVoteResult(result raft.RequestVoteResult) {
	s.voteResults <- result
}
func (s *stubHandler) HandleAppendEntriesResult(result raft.AppendEntriesResult) {
	if s.onAppendResult != nil {
		s.onAppendResult(result)
	}
}
func (s *stubHandler) HandleInstallSnapshotResult(result raft.InstallSnapshotResult) {}

func TestGRPCTransportRequestVoteRoundTrip(t *testing.T) {
	server := NewGRPCTransport("127.0.0.1:0")
	serverHandler := newStubHandler()
	serverHandler.voteReply = raft.RequestVoteResult{Term: 9, Granted: true, VoterID: "server"}
	if err := server.Initialize("server", serverHandler); err != nil {
		t.Fatalf("server.Initialize: %v", err)
	}
	defer server.Close()

	addr := server.listener.Addr().String()

	client := NewGRPCTransport("127.0.0.1:0")
	clientHandler := newStubHandler()
	if err := client.Initialize("client", clientHandler); err != nil {
		t.Fatalf("client.Initialize: %v", err)
	}
	defer client.Close()

	req := raft.RequestVoteRPC{Term: 8, CandidateID: "client", LastLogIndex: 1, LastLogTerm: 1}
	client.SendRequestVote(req, []raft.Endpoint{{ID: "server", Address: addr}})

	select {
	case result := <-clientHandler.voteResults:
		if !result.Granted || result.Term != 9 || result.VoterID != "server" {
			t.Fatalf("result = %+v, want Granted=true Term=9 VoterID=server", result)
		}
		if result.Envelope != req {
			t.Fatalf("result.Envelope = %+v, want %+v", result.Envelope, req)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for RequestVote result")
	}
}

func TestGRPCTransportResetChannelsClosesConnections(t *testing.T) {
	server := NewGRPCTransport("127.0.0.1:0")
	serverHandler := newStubHandler()
	if err := server.Initialize("server", serverHandler); err != nil {
		t.Fatalf("server.Initialize: %v", err)
	}
	defer server.Close()
	addr := server.listener.Addr().String()

	client := NewGRPCTransport("127.0.0.1:0")
	clientHandler := newStubHandler()
	if err := client.Initialize("client", clientHandler); err != nil {
		t.Fatalf("client.Initialize: %v", err)
	}
	defer client.Close()

	client.SendRequestVote(raft.RequestVoteRPC{Term: 1}, []raft.Endpoint{{ID: "server", Address: addr}})
	<-clientHandler.voteResults

	client.mu.RLock()
	_, hadConn := client.conns["server"]
	client.mu.RUnlock()
	if !hadConn {
		t.Fatalf("expected a cached connection to server before ResetChannels")
	}

	client.ResetChannels()

	client.mu.RLock()
	_, stillCached := client.conns["server"]
	client.mu.RUnlock()
	if stillCached {
		t.Fatalf("ResetChannels left a cached connection behind")
	}
}
