package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"xraft/pkg/raft"
	"xraft/pkg/statemachine"
)

// HTTPHandler exposes the public Node API over HTTP: role/leader status,
// appendLog, addNode, removeNode. Reads against the state machine are
// local and may be stale after a leader change; this surface makes no
// linearizability claim.
type HTTPHandler struct {
	node  *raft.Node
	store *statemachine.Store
	mux   *http.ServeMux
}

// NewHTTPHandler builds the handler for one node's administration surface.
func NewHTTPHandler(node *raft.Node, store *statemachine.Store) *HTTPHandler {
	h := &HTTPHandler{
		node:  node,
		store: store,
		mux:   http.NewServeMux(),
	}

	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.HandleFunc("/log", h.handleAppendLog)
	h.mux.HandleFunc("/nodes", h.handleNodes)
	h.mux.HandleFunc("/nodes/", h.handleNodeByID)
	h.mux.HandleFunc("/kv/", h.handleKVRead)

	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := h.node.GetRoleState()
	status := map[string]interface{}{
		"role": snapshot.Name.String(),
		"term": snapshot.Term,
	}
	if snapshot.LeaderID != nil {
		status["leader_id"] = *snapshot.LeaderID
	}
	if snapshot.Name == raft.RoleCandidate {
		status["votes"] = snapshot.Votes
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *HTTPHandler) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CommandBase64 string `json:"command_base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	command, err := base64.StdEncoding.DecodeString(req.CommandBase64)
	if err != nil {
		http.Error(w, "invalid command_base64: "+err.Error(), http.StatusBadRequest)
		return
	}

	index, err := h.node.AppendLog(command)
	if err != nil {
		h.respondAppendErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"index": index})
}

func (h *HTTPHandler) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	future, err := h.node.AddNode(raft.Endpoint{ID: raft.NodeId(req.ID), Address: req.Address})
	if err != nil {
		h.respondAppendErr(w, err)
		return
	}
	result := future.Wait()
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result.String()})
}

func (h *HTTPHandler) handleNodeByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/nodes/")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	future, err := h.node.RemoveNode(raft.NodeId(id))
	if err != nil {
		h.respondAppendErr(w, err)
		return
	}
	result := future.Wait()
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result.String()})
}

// handleKVRead is a convenience read straight off the local state machine.
// It is not routed through the log, so it may return a stale value after
// a leader change; see the HTTPHandler doc comment.
func (h *HTTPHandler) handleKVRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	value, ok := h.store.Get(key)
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": string(value)})
}

func (h *HTTPHandler) respondAppendErr(w http.ResponseWriter, err error) {
	var notLeader *raft.NotLeaderError
	if raft.IsNotLeader(err) {
		notLeader = err.(*raft.NotLeaderError)
		body := map[string]interface{}{"error": "not leader"}
		if notLeader.LeaderID != nil {
			body["leader_id"] = *notLeader.LeaderID
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
