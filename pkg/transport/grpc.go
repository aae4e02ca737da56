// Package transport implements raft.Transport. GRPCTransport is the
// production implementation: it uses real google.golang.org/grpc dialing,
// serving and deadlines, but registers a hand-written grpc.ServiceDesc and
// a gob encoding.Codec instead of protoc-generated bindings, since no
// .proto/.pb.go pair travelled with this codebase (see DESIGN.md).
package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"xraft/pkg/raft"
)

const serviceName = "xraft.RaftTransport"

// gobCodec marshals gRPC messages with encoding/gob, matching the wire
// format the log store already uses on disk.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return "gob" }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req raft.RequestVoteRPC
	if err := dec(&req); err != nil {
		return nil, err
	}
	s := srv.(*rpcServer)
	if interceptor == nil {
		return s.requestVote(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	h := func(ctx context.Context, in interface{}) (interface{}, error) {
		return s.requestVote(ctx, in.(*raft.RequestVoteRPC))
	}
	return interceptor(ctx, &req, info, h)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req raft.AppendEntriesRPC
	if err := dec(&req); err != nil {
		return nil, err
	}
	s := srv.(*rpcServer)
	if interceptor == nil {
		return s.appendEntries(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	h := func(ctx context.Context, in interface{}) (interface{}, error) {
		return s.appendEntries(ctx, in.(*raft.AppendEntriesRPC))
	}
	return interceptor(ctx, &req, info, h)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req raft.InstallSnapshotRPC
	if err := dec(&req); err != nil {
		return nil, err
	}
	s := srv.(*rpcServer)
	if interceptor == nil {
		return s.installSnapshot(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshot"}
	h := func(ctx context.Context, in interface{}) (interface{}, error) {
		return s.installSnapshot(ctx, in.(*raft.InstallSnapshotRPC))
	}
	return interceptor(ctx, &req, info, h)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rpcServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/grpc.go",
}

// rpcServer adapts inbound gRPC calls onto a raft.TransportHandler.
type rpcServer struct {
	mu      sync.RWMutex
	handler raft.TransportHandler
}

func (s *rpcServer) requestVote(ctx context.Context, req *raft.RequestVoteRPC) (*raft.RequestVoteResult, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("transport: handler not set")
	}
	result := h.HandleRequestVote(ctx, *req)
	return &result, nil
}

func (s *rpcServer) appendEntries(ctx context.Context, req *raft.AppendEntriesRPC) (*raft.AppendEntriesResult, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("transport: handler not set")
	}
	result := h.HandleAppendEntries(ctx, *req)
	return &result, nil
}

func (s *rpcServer) installSnapshot(ctx context.Context, req *raft.InstallSnapshotRPC) (*raft.InstallSnapshotResult, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("transport: handler not set")
	}
	result := h.HandleInstallSnapshot(ctx, *req)
	return &result, nil
}

// GRPCTransport is the production raft.Transport: a gRPC server accepting
// the three Raft RPCs, plus lazily-dialled client connections to peers.
type GRPCTransport struct {
	mu          sync.RWMutex
	listenAddr  string
	server      *grpc.Server
	listener    net.Listener
	rpcSrv      *rpcServer
	conns       map[raft.NodeId]*grpc.ClientConn
	timeout     time.Duration
}

// NewGRPCTransport builds a transport that listens on listenAddr.
func NewGRPCTransport(listenAddr string) *GRPCTransport {
	return &GRPCTransport{
		listenAddr: listenAddr,
		rpcSrv:     &rpcServer{},
		conns:      make(map[raft.NodeId]*grpc.ClientConn),
		timeout:    2 * time.Second,
	}
}

func (t *GRPCTransport) Initialize(selfID raft.NodeId, handler raft.TransportHandler) error {
	t.rpcSrv.mu.Lock()
	t.rpcSrv.handler = handler
	t.rpcSrv.mu.Unlock()

	listener, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	t.mu.Lock()
	t.listener = listener
	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, t.rpcSrv)
	srv := t.server
	t.mu.Unlock()

	go func() {
		_ = srv.Serve(listener)
	}()
	return nil
}

func (t *GRPCTransport) getConn(target raft.Endpoint) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.conns[target.ID]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target.ID]; ok {
		return conn, nil
	}

	conn, err := grpc.Dial(target.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", target.Address, err)
	}
	t.conns[target.ID] = conn
	return conn, nil
}

func (t *GRPCTransport) SendRequestVote(rpc raft.RequestVoteRPC, targets []raft.Endpoint) {
	for _, target := range targets {
		target := target
		go func() {
			conn, err := t.getConn(target)
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
			defer cancel()
			var resp raft.RequestVoteResult
			if err := conn.Invoke(ctx, "/"+serviceName+"/RequestVote", &rpc, &resp); err != nil {
				return
			}
			t.rpcSrv.handlerSnapshot().HandleRequestVoteResult(resp)
		}()
	}
}

func (t *GRPCTransport) SendAppendEntries(rpc raft.AppendEntriesRPC, target raft.Endpoint) {
	go func() {
		conn, err := t.getConn(target)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		var resp raft.AppendEntriesResult
		if err := conn.Invoke(ctx, "/"+serviceName+"/AppendEntries", &rpc, &resp); err != nil {
			return
		}
		t.rpcSrv.handlerSnapshot().HandleAppendEntriesResult(resp)
	}()
}

func (t *GRPCTransport) SendInstallSnapshot(rpc raft.InstallSnapshotRPC, target raft.Endpoint) {
	go func() {
		conn, err := t.getConn(target)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout*4)
		defer cancel()
		var resp raft.InstallSnapshotResult
		if err := conn.Invoke(ctx, "/"+serviceName+"/InstallSnapshot", &rpc, &resp); err != nil {
			return
		}
		t.rpcSrv.handlerSnapshot().HandleInstallSnapshotResult(resp)
	}()
}

func (s *rpcServer) handlerSnapshot() raft.TransportHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// ResetChannels drops every cached connection so the next send redials,
// used after winning an election to discard connections that may have
// gone stale during the previous term.
func (t *GRPCTransport) ResetChannels() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[raft.NodeId]*grpc.ClientConn)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.conns {
		c.Close()
	}
	t.conns = make(map[raft.NodeId]*grpc.ClientConn)

	if t.server != nil {
		t.server.GracefulStop()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
