// Package nodestore implements the durable (currentTerm, votedFor) pair
// Raft requires be written before any RPC reply that depends on it, kept
// as its own file and its own collaborator separate from the log (xraft's
// node store contract).
package nodestore

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
	fileName         = "nodestate.dat"
	recordHeaderSize = 8
)

type persisted struct {
	Term     raft.Term
	VotedFor raft.NodeId
	HasVote  bool
}

// Store is a single small CRC-framed, gob-encoded record overwritten in
// place on every SetTermAndVotedFor call, in the style of the write-ahead
// log's own state record.
type Store struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	term     raft.Term
	votedFor *raft.NodeId
}

// Open opens (or creates) the node store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("nodestore: mkdir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("nodestore: open: %w", err)
	}
	s := &Store{path: path, file: f}
	if err := s.load(); err != nil && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("nodestore: load: %w", err)
	}
	return s, nil
}

func (s *Store) load() error {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(s.file, header); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(s.file, data); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(data) != crc {
		return fmt.Errorf("CRC mismatch in node store record")
	}

	var p persisted
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return fmt.Errorf("decode node store record: %w", err)
	}
	s.term = p.Term
	if p.HasVote {
		v := p.VotedFor
		s.votedFor = &v
	}
	return nil
}

func (s *Store) GetTerm() raft.Term {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term
}

func (s *Store) GetVotedFor() *raft.NodeId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.votedFor == nil {
		return nil
	}
	v := *s.votedFor
	return &v
}

// SetTermAndVotedFor overwrites both fields in a single fsync'd write, so a
// crash between the two never leaves term and vote inconsistent.
func (s *Store) SetTermAndVotedFor(term raft.Term, votedFor *raft.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := persisted{Term: term}
	if votedFor != nil {
		p.VotedFor = *votedFor
		p.HasVote = true
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("encode node store record: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek node store file: %w", err)
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate node store file: %w", err)
	}
	if _, err := s.file.Write(header); err != nil {
		return fmt.Errorf("write node store header: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("write node store record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return err
	}

	s.term = term
	s.votedFor = votedFor
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
