package nodestore

import (
	"os"
	"testing"

	"xraft/pkg/raft"
)

func TestOpenEmptyDirHasZeroTermAndNoVote(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.GetTerm() != 0 {
		t.Fatalf("GetTerm() = %d, want 0", s.GetTerm())
	}
	if s.GetVotedFor() != nil {
		t.Fatalf("GetVotedFor() = %v, want nil", s.GetVotedFor())
	}
}

func TestSetTermAndVotedForPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	voter := raft.NodeId("node-2")
	if err := s.SetTermAndVotedFor(5, &voter); err != nil {
		t.Fatalf("SetTermAndVotedFor: %v", err)
	}
	if s.GetTerm() != 5 {
		t.Fatalf("GetTerm() = %d, want 5", s.GetTerm())
	}
	if got := s.GetVotedFor(); got == nil || *got != voter {
		t.Fatalf("GetVotedFor() = %v, want %s", got, voter)
	}
	s.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.GetTerm() != 5 {
		t.Fatalf("after reopen GetTerm() = %d, want 5", reopened.GetTerm())
	}
	if got := reopened.GetVotedFor(); got == nil || *got != voter {
		t.Fatalf("after reopen GetVotedFor() = %v, want %s", got, voter)
	}
}

func TestSetTermAndVotedForNilClearsVote(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	voter := raft.NodeId("node-3")
	s.SetTermAndVotedFor(2, &voter)
	if err := s.SetTermAndVotedFor(3, nil); err != nil {
		t.Fatalf("SetTermAndVotedFor: %v", err)
	}
	if s.GetVotedFor() != nil {
		t.Fatalf("GetVotedFor() = %v, want nil after clearing", s.GetVotedFor())
	}
	if s.GetTerm() != 3 {
		t.Fatalf("GetTerm() = %d, want 3", s.GetTerm())
	}
}

func TestOpenCreatesDirIfMissing(t *testing.T) {
	dir := t.TempDir()
	sub := dir + "/nested/data"
	s, err := Open(sub)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(sub); err != nil {
		t.Fatalf("expected dir %s to exist: %v", sub, err)
	}
}
