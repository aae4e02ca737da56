// Package logstore implements raft.LogStore: the durable replicated log
// and snapshot collaborator. It persists the whole log as a single
// CRC-framed, gob-encoded record, overwritten on every mutating call, in
// the same style as the write-ahead log this package is descended from.
package logstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"xraft/pkg/raft"
)

const (
	logFileName      = "raft.log"
	snapshotFileName = "snapshot.dat"
	recordHeaderSize = 8
)

type persistedLog struct {
	Entries       []raft.LogEntry
	SnapshotIndex raft.LogIndex
	SnapshotTerm  raft.Term
}

type persistedSnapshot struct {
	LastIncludedIndex raft.LogIndex
	LastIncludedTerm  raft.Term
	Data              []byte
}

// Store is the on-disk implementation of raft.LogStore.
type Store struct {
	mu  sync.RWMutex
	dir string
	f   *os.File

	entries       []raft.LogEntry // only entries with Index > snapshotIndex
	snapshotIndex raft.LogIndex
	snapshotTerm  raft.Term
	commitIndex   raft.LogIndex

	// snapshotThreshold triggers compaction once len(entries) exceeds it.
	snapshotThreshold int

	sm   raft.StateMachine
	sink raft.EventSink

	// groupConfigIndex/groupConfigEndpoints track the most recently
	// appended group-config entry, so a truncation past it can report
	// what membership to revert to.
	groupConfigIndex     raft.LogIndex
	groupConfigEndpoints []raft.Endpoint

	// installing accumulates chunks of an in-progress InstallSnapshot.
	installing       bool
	installIndex     raft.LogIndex
	installTerm      raft.Term
	installBuf       bytes.Buffer
}

// Open opens (or creates) a log store under dir. snapshotThreshold is the
// number of entries past the last snapshot that triggers compaction; zero
// disables automatic compaction.
func Open(dir string, snapshotThreshold int) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("logstore: mkdir: %w", err)
	}
	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("logstore: open: %w", err)
	}
	s := &Store{dir: dir, f: f, snapshotThreshold: snapshotThreshold}
	if err := s.load(); err != nil && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("logstore: load: %w", err)
	}
	for _, e := range s.entries {
		if e.Kind == raft.EntryGroupConfig {
			s.groupConfigIndex = e.Index
			s.groupConfigEndpoints = e.GroupConfig
		}
	}
	return s, nil
}

func (s *Store) load() error {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(s.f, header); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	data := make([]byte, length)
	if _, err := io.ReadFull(s.f, data); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(data) != crc {
		return fmt.Errorf("CRC mismatch in log store record")
	}
	var p persistedLog
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return fmt.Errorf("decode log store record: %w", err)
	}
	s.entries = p.Entries
	s.snapshotIndex = p.SnapshotIndex
	s.snapshotTerm = p.SnapshotTerm
	return nil
}

func (s *Store) persistLocked() error {
	p := persistedLog{Entries: s.entries, SnapshotIndex: s.snapshotIndex, SnapshotTerm: s.snapshotTerm}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("encode log store record: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := s.f.Seek(0, 0); err != nil {
		return err
	}
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	if _, err := s.f.Write(header); err != nil {
		return err
	}
	if _, err := s.f.Write(data); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *Store) SetStateMachine(sm raft.StateMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sm = sm
}

func (s *Store) SetEventSink(sink raft.EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// indexOf returns the position in s.entries holding index, or -1.
func (s *Store) indexOf(index raft.LogIndex) int {
	if index <= s.snapshotIndex || len(s.entries) == 0 {
		return -1
	}
	pos := int(index - s.snapshotIndex - 1)
	if pos < 0 || pos >= len(s.entries) {
		return -1
	}
	return pos
}

func (s *Store) nextIndexLocked() raft.LogIndex {
	if len(s.entries) == 0 {
		return s.snapshotIndex + 1
	}
	return s.entries[len(s.entries)-1].Index + 1
}

func (s *Store) appendLocked(term raft.Term, kind raft.EntryKind, command []byte, groupConfig []raft.Endpoint) (raft.LogIndex, error) {
	entry := raft.LogEntry{Index: s.nextIndexLocked(), Term: term, Kind: kind, Command: command, GroupConfig: groupConfig}
	s.entries = append(s.entries, entry)
	if err := s.persistLocked(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return 0, err
	}
	if kind == raft.EntryGroupConfig {
		s.groupConfigIndex = entry.Index
		s.groupConfigEndpoints = groupConfig
		if s.sink != nil {
			s.sink.GroupConfigAppended(entry)
		}
	}
	s.maybeCompactLocked()
	return entry.Index, nil
}

func (s *Store) AppendNoop(term raft.Term) (raft.LogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(term, raft.EntryNoop, nil, nil)
}

func (s *Store) AppendCommand(term raft.Term, command []byte) (raft.LogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(term, raft.EntryCommand, command, nil)
}

func (s *Store) AppendGroupConfig(term raft.Term, endpoints []raft.Endpoint) (raft.LogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(term, raft.EntryGroupConfig, nil, endpoints)
}

// AppendEntriesFromLeader implements the log-matching check and the
// conflict-resolution rule: if an existing entry conflicts with a new one
// at the same index (same index, different term) the existing entry and
// everything after it is deleted before the new entries are appended.
func (s *Store) AppendEntriesFromLeader(prevIndex raft.LogIndex, prevTerm raft.Term, entries []raft.LogEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prevIndex > 0 {
		if prevIndex == s.snapshotIndex {
			if prevTerm != s.snapshotTerm {
				return false
			}
		} else {
			pos := s.indexOf(prevIndex)
			if pos < 0 {
				return false
			}
			if s.entries[pos].Term != prevTerm {
				return false
			}
		}
	}

	var removedGroupConfigEndpoints []raft.Endpoint
	removedPastGroupConfig := false

	for _, incoming := range entries {
		pos := s.indexOf(incoming.Index)
		if pos >= 0 {
			if s.entries[pos].Term == incoming.Term {
				continue
			}
			if s.groupConfigIndex >= incoming.Index {
				removedPastGroupConfig = true
			}
			s.entries = s.entries[:pos]
		}
		s.entries = append(s.entries, incoming)
		if incoming.Kind == raft.EntryGroupConfig {
			s.groupConfigIndex = incoming.Index
			s.groupConfigEndpoints = incoming.GroupConfig
			if s.sink != nil {
				s.sink.GroupConfigAppended(incoming)
			}
		}
	}

	if err := s.persistLocked(); err != nil {
		return false
	}
	if removedPastGroupConfig && s.sink != nil {
		removedGroupConfigEndpoints = s.groupConfigEndpoints
		s.sink.GroupConfigBatchRemoved(removedGroupConfigEndpoints)
	}
	s.maybeCompactLocked()
	return true
}

func (s *Store) AdvanceCommitIndex(index raft.LogIndex, termAtAdvance raft.Term) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.commitIndex {
		return
	}
	if pos := s.indexOf(index); pos >= 0 && s.entries[pos].Term != termAtAdvance {
		return
	}

	start := s.commitIndex + 1
	s.commitIndex = index
	for i := start; i <= index; i++ {
		pos := s.indexOf(i)
		if pos < 0 {
			continue
		}
		entry := s.entries[pos]
		switch entry.Kind {
		case raft.EntryCommand:
			if s.sm != nil {
				if _, err := s.sm.Apply(entry.Command); err != nil {
					continue
				}
			}
		case raft.EntryGroupConfig:
			if s.sink != nil {
				s.sink.GroupConfigCommitted(entry.Index, entry.GroupConfig)
			}
		}
	}
}

func (s *Store) IsNewerThan(lastIndex raft.LogIndex, lastTerm raft.Term) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	myTerm, myIndex := s.lastEntryMetaLocked()
	if myTerm != lastTerm {
		return myTerm > lastTerm
	}
	return myIndex > lastIndex
}

func (s *Store) lastEntryMetaLocked() (raft.Term, raft.LogIndex) {
	if len(s.entries) == 0 {
		return s.snapshotTerm, s.snapshotIndex
	}
	last := s.entries[len(s.entries)-1]
	return last.Term, last.Index
}

func (s *Store) GetLastEntryMeta() raft.EntryMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	term, index := s.lastEntryMetaLocked()
	return raft.EntryMeta{Index: index, Term: term}
}

func (s *Store) GetNextIndex() raft.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextIndexLocked()
}

func (s *Store) GetCommitIndex() raft.LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitIndex
}

func (s *Store) CreateAppendEntriesRPC(term raft.Term, selfID raft.NodeId, leaderCommit raft.LogIndex, nextIndex raft.LogIndex, maxEntries int) (raft.AppendEntriesRPC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prevIndex := nextIndex - 1
	var prevTerm raft.Term
	if prevIndex == s.snapshotIndex {
		prevTerm = s.snapshotTerm
	} else if prevIndex > 0 {
		pos := s.indexOf(prevIndex)
		if pos < 0 {
			return raft.AppendEntriesRPC{}, &raft.ErrEntryInSnapshot{LastIncludedIndex: s.snapshotIndex, LastIncludedTerm: s.snapshotTerm}
		}
		prevTerm = s.entries[pos].Term
	}

	startPos := s.indexOf(nextIndex)
	var entries []raft.LogEntry
	if startPos >= 0 {
		end := startPos + maxEntries
		if end > len(s.entries) {
			end = len(s.entries)
		}
		entries = append(entries, s.entries[startPos:end]...)
	}

	return raft.AppendEntriesRPC{
		Term:         term,
		LeaderID:     selfID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}, nil
}

func (s *Store) CreateInstallSnapshotRPC(term raft.Term, selfID raft.NodeId, offset uint64, length int) (raft.InstallSnapshotRPC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.loadSnapshotBytesLocked()
	if err != nil {
		return raft.InstallSnapshotRPC{}, err
	}
	if offset > uint64(len(data)) {
		offset = uint64(len(data))
	}
	end := offset + uint64(length)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	chunk := data[offset:end]

	return raft.InstallSnapshotRPC{
		Term:              term,
		LeaderID:          selfID,
		LastIncludedIndex: s.snapshotIndex,
		LastIncludedTerm:  s.snapshotTerm,
		Offset:            offset,
		Data:              chunk,
		Done:              end >= uint64(len(data)),
	}, nil
}

func (s *Store) InstallSnapshot(rpc raft.InstallSnapshotRPC) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.installing || s.installIndex != rpc.LastIncludedIndex || s.installTerm != rpc.LastIncludedTerm {
		s.installing = true
		s.installIndex = rpc.LastIncludedIndex
		s.installTerm = rpc.LastIncludedTerm
		s.installBuf.Reset()
	}
	s.installBuf.Write(rpc.Data)
	if !rpc.Done {
		return nil
	}

	data := append([]byte(nil), s.installBuf.Bytes()...)
	s.installing = false
	s.installBuf.Reset()

	if err := s.writeSnapshotFileLocked(rpc.LastIncludedIndex, rpc.LastIncludedTerm, data); err != nil {
		return err
	}

	var kept []raft.LogEntry
	for _, e := range s.entries {
		if e.Index > rpc.LastIncludedIndex {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.snapshotIndex = rpc.LastIncludedIndex
	s.snapshotTerm = rpc.LastIncludedTerm
	if s.commitIndex < rpc.LastIncludedIndex {
		s.commitIndex = rpc.LastIncludedIndex
	}
	if err := s.persistLocked(); err != nil {
		return err
	}
	if s.sm != nil {
		return s.sm.Restore(data)
	}
	return nil
}

// maybeCompactLocked takes a fresh snapshot once the log grows past
// snapshotThreshold entries past the last snapshot. The snapshot covers
// entries up to the commit index; uncommitted entries stay in the log.
func (s *Store) maybeCompactLocked() {
	if s.snapshotThreshold <= 0 || len(s.entries) <= s.snapshotThreshold || s.sm == nil {
		return
	}
	pos := s.indexOf(s.commitIndex)
	if pos < 0 {
		return
	}
	data, err := s.sm.Snapshot()
	if err != nil {
		return
	}
	index, term := s.commitIndex, s.entries[pos].Term
	if err := s.writeSnapshotFileLocked(index, term, data); err != nil {
		return
	}
	s.entries = append([]raft.LogEntry(nil), s.entries[pos+1:]...)
	s.snapshotIndex = index
	s.snapshotTerm = term
	s.persistLocked()
}

func (s *Store) writeSnapshotFileLocked(index raft.LogIndex, term raft.Term, data []byte) error {
	p := persistedSnapshot{LastIncludedIndex: index, LastIncludedTerm: term, Data: data}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	payload := buf.Bytes()
	crc := crc32.ChecksumIEEE(payload)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))

	path := filepath.Join(s.dir, snapshotFileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(header); err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) loadSnapshotBytesLocked() ([]byte, error) {
	path := filepath.Join(s.dir, snapshotFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	payload := make([]byte, length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("read snapshot data: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, fmt.Errorf("CRC mismatch in snapshot file")
	}
	var p persistedSnapshot
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return p.Data, nil
}

// CommittedEntries returns a copy of every entry at or below the current
// commit index that is still in the log (entries compacted into the
// snapshot are not included), for tests that want to check cross-node
// safety invariants.
func (s *Store) CommittedEntries() []raft.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []raft.LogEntry
	for _, e := range s.entries {
		if e.Index <= s.commitIndex {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
