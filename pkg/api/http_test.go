package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"xraft/pkg/logstore"
	"xraft/pkg/membership"
	"xraft/pkg/nodestore"
	"xraft/pkg/raft"
	"xraft/pkg/scheduler"
	"xraft/pkg/statemachine"
	"xraft/pkg/transport"
)

// soloNode builds a single node that, with no peers, becomes its own leader
// almost immediately via the solo-cluster election shortcut.
func soloNode(t *testing.T) (*raft.Node, *statemachine.Store, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "xraft-api-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}

	ls, err := logstore.Open(dir, 1000)
	if err != nil {
		t.Fatalf("logstore.Open: %v", err)
	}
	ns, err := nodestore.Open(dir)
	if err != nil {
		t.Fatalf("nodestore.Open: %v", err)
	}
	store := statemachine.New()
	ls.SetStateMachine(store)

	self := raft.Endpoint{ID: "solo", Address: "solo"}
	reg := membership.New(self, nil)
	sched := scheduler.New(1)
	network := transport.NewNetwork()
	tr := network.NewTransport(self.ID)

	config := raft.DefaultConfig()
	config.ElectionTimeoutMin = 20 * time.Millisecond
	config.ElectionTimeoutMax = 30 * time.Millisecond

	logger := log.New(io.Discard, "", 0)
	node := raft.NewNode(self, config, logger, ls, ns, tr, sched, reg)
	if err := node.Start(); err != nil {
		t.Fatalf("node.Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if name, _ := node.GetRoleNameAndLeaderId(); name == raft.RoleLeader {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("solo node never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cleanup := func() {
		node.Stop()
		os.RemoveAll(dir)
	}
	return node, store, cleanup
}

func TestHandleStatusReportsLeader(t *testing.T) {
	node, store, cleanup := soloNode(t)
	defer cleanup()

	srv := httptest.NewServer(NewHTTPHandler(node, store))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["role"] != "Leader" {
		t.Fatalf("role = %v, want Leader", body["role"])
	}
}

func TestHandleAppendLogCommitsCommand(t *testing.T) {
	node, store, cleanup := soloNode(t)
	defer cleanup()

	srv := httptest.NewServer(NewHTTPHandler(node, store))
	defer srv.Close()

	cmd, err := statemachine.EncodeCommand(statemachine.CommandSet, "k", []byte("v"), "client-1", 1)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	reqBody, _ := json.Marshal(map[string]string{"command_base64": base64.StdEncoding.EncodeToString(cmd)})

	resp, err := http.Post(srv.URL+"/log", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST /log: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := store.Get("k"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("command never committed to state machine")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleAppendLogRejectsBadBase64(t *testing.T) {
	node, store, cleanup := soloNode(t)
	defer cleanup()

	srv := httptest.NewServer(NewHTTPHandler(node, store))
	defer srv.Close()

	reqBody, _ := json.Marshal(map[string]string{"command_base64": "not valid base64!!"})
	resp, err := http.Post(srv.URL+"/log", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST /log: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleAppendLogMethodNotAllowed(t *testing.T) {
	node, store, cleanup := soloNode(t)
	defer cleanup()

	srv := httptest.NewServer(NewHTTPHandler(node, store))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/log")
	if err != nil {
		t.Fatalf("GET /log: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHandleKVReadReturnsStoredValue(t *testing.T) {
	node, store, cleanup := soloNode(t)
	defer cleanup()

	cmd, _ := statemachine.EncodeCommand(statemachine.CommandSet, "k", []byte("v"), "", 0)
	if _, err := node.AppendLog(cmd); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := store.Get("k"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("command never committed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv := httptest.NewServer(NewHTTPHandler(node, store))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/kv/k")
	if err != nil {
		t.Fatalf("GET /kv/k: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["value"] != "v" {
		t.Fatalf("value = %q, want v", body["value"])
	}
}

func TestHandleKVReadMissingKeyReturns404(t *testing.T) {
	node, store, cleanup := soloNode(t)
	defer cleanup()

	srv := httptest.NewServer(NewHTTPHandler(node, store))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/kv/missing")
	if err != nil {
		t.Fatalf("GET /kv/missing: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleNodeByIDRejectsUnknownMember(t *testing.T) {
	node, store, cleanup := soloNode(t)
	defer cleanup()

	srv := httptest.NewServer(NewHTTPHandler(node, store))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/nodes/ghost", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /nodes/ghost: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (ErrInvalidArgument for unknown member)", resp.StatusCode)
	}
}
