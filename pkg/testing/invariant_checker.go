package testing

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"xraft/pkg/logstore"
	"xraft/pkg/raft"
	"xraft/pkg/statemachine"
)

// CommittedEntry is one (index, term, command) triple a node has applied.
type CommittedEntry struct {
	Index   raft.LogIndex
	Term    raft.Term
	Command statemachine.Command
	NodeID  raft.NodeId
}

// InvariantViolation is one safety property the checker found broken.
type InvariantViolation struct {
	Type        string
	Description string
	Details     map[string]interface{}
}

// InvariantChecker accumulates committed entries observed across a
// cluster's nodes and checks the safety properties Raft guarantees: log
// matching at committed indexes, monotonic commit, and term consistency.
// It makes no claim about linearizable reads.
type InvariantChecker struct {
	mu              sync.Mutex
	committedByNode map[raft.NodeId][]CommittedEntry
	violations      []InvariantViolation
	decodeFailures  []InvariantViolation
}

// NewInvariantChecker returns an empty checker.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{
		committedByNode: make(map[raft.NodeId][]CommittedEntry),
	}
}

// RecordCommit records one committed entry observed on nodeID.
func (ic *InvariantChecker) RecordCommit(nodeID raft.NodeId, index raft.LogIndex, term raft.Term, cmd statemachine.Command) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committedByNode[nodeID] = append(ic.committedByNode[nodeID], CommittedEntry{
		Index: index, Term: term, Command: cmd, NodeID: nodeID,
	})
}

// CheckSafetyInvariants runs every check and returns whether all passed.
func (ic *InvariantChecker) CheckSafetyInvariants() (bool, []InvariantViolation) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	ic.violations = append([]InvariantViolation(nil), ic.decodeFailures...)
	ic.checkLogMatchingSafety()
	ic.checkMonotonicCommit()
	ic.checkTermConsistency()

	return len(ic.violations) == 0, ic.violations
}

// checkLogMatchingSafety verifies every node agrees on the (term, command)
// at each index it has committed — two nodes must never commit different
// values at the same index.
func (ic *InvariantChecker) checkLogMatchingSafety() {
	indexEntries := make(map[raft.LogIndex]map[raft.NodeId]CommittedEntry)
	for nodeID, entries := range ic.committedByNode {
		for _, entry := range entries {
			if indexEntries[entry.Index] == nil {
				indexEntries[entry.Index] = make(map[raft.NodeId]CommittedEntry)
			}
			indexEntries[entry.Index][nodeID] = entry
		}
	}

	for index, nodeEntries := range indexEntries {
		var refEntry CommittedEntry
		var refNodeID raft.NodeId
		have := false

		for nodeID, entry := range nodeEntries {
			if !have {
				refEntry, refNodeID, have = entry, nodeID, true
				continue
			}
			if entry.Term != refEntry.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "LOG_MATCHING_VIOLATION",
					Description: fmt.Sprintf("different terms at index %d: node %s has term %d, node %s has term %d",
						index, refNodeID, refEntry.Term, nodeID, entry.Term),
					Details: map[string]interface{}{"index": index, "node1": refNodeID, "term1": refEntry.Term, "node2": nodeID, "term2": entry.Term},
				})
			}
			if entry.Command.Type == statemachine.CommandSet && refEntry.Command.Type == statemachine.CommandSet {
				if entry.Command.Key != refEntry.Command.Key || string(entry.Command.Value) != string(refEntry.Command.Value) {
					ic.violations = append(ic.violations, InvariantViolation{
						Type: "VALUE_MISMATCH",
						Description: fmt.Sprintf("different values at index %d: node %s has %s=%s, node %s has %s=%s",
							index, refNodeID, refEntry.Command.Key, refEntry.Command.Value, nodeID, entry.Command.Key, entry.Command.Value),
						Details: map[string]interface{}{"index": index, "node1": refNodeID, "node2": nodeID},
					})
				}
			}
		}
	}
}

// checkMonotonicCommit verifies each node's observed commit index never
// decreases over the sequence it was recorded in.
func (ic *InvariantChecker) checkMonotonicCommit() {
	for nodeID, entries := range ic.committedByNode {
		var lastIndex raft.LogIndex
		for _, entry := range entries {
			if entry.Index < lastIndex {
				ic.violations = append(ic.violations, InvariantViolation{
					Type:        "NON_MONOTONIC_COMMIT",
					Description: fmt.Sprintf("node %s committed index %d after index %d", nodeID, entry.Index, lastIndex),
					Details:     map[string]interface{}{"nodeID": nodeID, "prevIndex": lastIndex, "currIndex": entry.Index},
				})
			}
			lastIndex = entry.Index
		}
	}
}

// checkTermConsistency verifies a node never observes a lower term at a
// higher index than one it already committed.
func (ic *InvariantChecker) checkTermConsistency() {
	for nodeID, entries := range ic.committedByNode {
		for i := 1; i < len(entries); i++ {
			prev, curr := entries[i-1], entries[i]
			if curr.Index > prev.Index && curr.Term < prev.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "TERM_CONSISTENCY_VIOLATION",
					Description: fmt.Sprintf("node %s has term %d at index %d, but term %d at higher index %d",
						nodeID, prev.Term, prev.Index, curr.Term, curr.Index),
					Details: map[string]interface{}{"nodeID": nodeID, "prevIndex": prev.Index, "prevTerm": prev.Term, "currIndex": curr.Index, "currTerm": curr.Term},
				})
			}
		}
	}
}

// Clear discards every recorded entry and violation.
func (ic *InvariantChecker) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committedByNode = make(map[raft.NodeId][]CommittedEntry)
	ic.violations = nil
	ic.decodeFailures = nil
}

// CollectFromNodes records every committed entry from each node's log
// store. Entries whose kind is not EntryCommand are skipped (their
// command payload doesn't decode as a statemachine.Command); a decode
// failure on a command entry is treated as its own violation rather than
// silently ignored.
func (ic *InvariantChecker) CollectFromNodes(nodes []*raft.Node, logStores []*logstore.Store) {
	for i, node := range nodes {
		for _, entry := range logStores[i].CommittedEntries() {
			if entry.Kind != raft.EntryCommand {
				continue
			}
			var cmd statemachine.Command
			if err := gob.NewDecoder(bytes.NewReader(entry.Command)).Decode(&cmd); err != nil {
				ic.mu.Lock()
				ic.decodeFailures = append(ic.decodeFailures, InvariantViolation{
					Type:        "UNDECODABLE_COMMAND",
					Description: fmt.Sprintf("node %s index %d: %v", node.ID(), entry.Index, err),
				})
				ic.mu.Unlock()
				continue
			}
			ic.RecordCommit(node.ID(), entry.Index, entry.Term, cmd)
		}
	}
}

// CompareStateMachines reports whether every store holds the same
// key-value contents, for use once a cluster has quiesced.
func CompareStateMachines(stores []*statemachine.Store) (bool, []string) {
	if len(stores) == 0 {
		return true, nil
	}

	var differences []string
	refState := stores[0].GetAll()

	for i := 1; i < len(stores); i++ {
		state := stores[i].GetAll()
		for key, refValue := range refState {
			if value, ok := state[key]; !ok {
				differences = append(differences, fmt.Sprintf("store %d missing key %s (expected %s)", i, key, refValue))
			} else if string(value) != string(refValue) {
				differences = append(differences, fmt.Sprintf("store %d has %s=%s, expected %s", i, key, value, refValue))
			}
		}
		for key, value := range state {
			if _, ok := refState[key]; !ok {
				differences = append(differences, fmt.Sprintf("store %d has unexpected key %s=%s", i, key, value))
			}
		}
	}

	return len(differences) == 0, differences
}
