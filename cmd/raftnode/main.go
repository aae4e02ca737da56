package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"xraft/pkg/api"
	"xraft/pkg/logstore"
	"xraft/pkg/membership"
	"xraft/pkg/nodestore"
	"xraft/pkg/raft"
	"xraft/pkg/scheduler"
	"xraft/pkg/statemachine"
	"xraft/pkg/transport"
)

func main() {
	nodeID := flag.String("id", "", "node id; a random one is generated if empty")
	addr := flag.String("addr", "", "gRPC listen address (e.g., localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., localhost:8000)")
	peers := flag.String("peers", "", "comma-separated peer list (id1=addr1,id2=addr2)")
	dataDir := flag.String("data", "", "data directory for the log and node store")
	snapshotThreshold := flag.Int("snapshot-threshold", 1000, "entries past the last snapshot that trigger compaction")
	flag.Parse()

	if *nodeID == "" {
		*nodeID = uuid.NewString()
	}
	if *addr == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	peerEndpoints := make([]raft.Endpoint, 0)
	if *peers != "" {
		for _, p := range strings.Split(*peers, ",") {
			parts := strings.SplitN(p, "=", 2)
			if len(parts) != 2 {
				continue
			}
			if parts[0] == *nodeID {
				continue
			}
			peerEndpoints = append(peerEndpoints, raft.Endpoint{ID: raft.NodeId(parts[0]), Address: parts[1]})
		}
	}

	dir := *dataDir
	if dir == "" {
		dir = fmt.Sprintf("/tmp/xraft-%s", *nodeID)
	}

	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", *nodeID), log.LstdFlags)
	logger.Printf("starting raft node %s", *nodeID)
	logger.Printf("grpc address: %s", *addr)
	logger.Printf("http address: %s", *httpAddr)
	logger.Printf("peers: %v", peerEndpoints)
	logger.Printf("data dir: %s", dir)

	logStore, err := logstore.Open(dir, *snapshotThreshold)
	if err != nil {
		logger.Fatalf("open log store: %v", err)
	}
	nodeStore, err := nodestore.Open(dir)
	if err != nil {
		logger.Fatalf("open node store: %v", err)
	}

	store := statemachine.New()
	logStore.SetStateMachine(store)

	self := raft.Endpoint{ID: raft.NodeId(*nodeID), Address: *addr}
	reg := membership.New(self, peerEndpoints)
	sched := scheduler.New(0)
	tr := transport.NewGRPCTransport(*addr)

	config := raft.DefaultConfig()
	node := raft.NewNode(self, config, logger, logStore, nodeStore, tr, sched, reg)

	if err := node.Start(); err != nil {
		logger.Fatalf("start node: %v", err)
	}

	apiServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewHTTPHandler(node, store),
	}

	go func() {
		logger.Printf("http api listening on %s", *httpAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Println("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	apiServer.Shutdown(ctx)
	node.Stop()

	logger.Println("shutdown complete")
}
