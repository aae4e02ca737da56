package statemachine

import "testing"

func TestApplySetAndGet(t *testing.T) {
	s := New()
	cmd, err := EncodeCommand(CommandSet, "foo", []byte("bar"), "", 0)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if _, err := s.Apply(cmd); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	value, ok := s.Get("foo")
	if !ok || string(value) != "bar" {
		t.Fatalf("Get(foo) = %q, %v; want bar, true", value, ok)
	}
}

func TestApplyDelete(t *testing.T) {
	s := New()
	set, _ := EncodeCommand(CommandSet, "foo", []byte("bar"), "", 0)
	s.Apply(set)

	del, _ := EncodeCommand(CommandDelete, "foo", nil, "", 0)
	if _, err := s.Apply(del); err != nil {
		t.Fatalf("Apply delete: %v", err)
	}
	if _, ok := s.Get("foo"); ok {
		t.Fatalf("Get(foo) still present after delete")
	}
}

func TestApplyDeduplicatesRetriedRequest(t *testing.T) {
	s := New()
	cmd, _ := EncodeCommand(CommandSet, "foo", []byte("v1"), "client-1", 1)
	if _, err := s.Apply(cmd); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// A retry of the same RequestID must not overwrite a later value.
	later, _ := EncodeCommand(CommandSet, "foo", []byte("v2"), "client-1", 2)
	if _, err := s.Apply(later); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	retry, _ := EncodeCommand(CommandSet, "foo", []byte("v3"), "client-1", 1)
	resp, err := s.Apply(retry)
	if err != nil {
		t.Fatalf("Apply retry: %v", err)
	}
	if resp != true {
		t.Fatalf("retry response = %v, want cached true", resp)
	}
	value, _ := s.Get("foo")
	if string(value) != "v2" {
		t.Fatalf("Get(foo) = %q after retried stale request, want v2", value)
	}
}

func TestApplyWithoutClientIDNeverDedupes(t *testing.T) {
	s := New()
	cmd, _ := EncodeCommand(CommandSet, "foo", []byte("v1"), "", 0)
	s.Apply(cmd)
	cmd2, _ := EncodeCommand(CommandSet, "foo", []byte("v2"), "", 0)
	s.Apply(cmd2)

	value, _ := s.Get("foo")
	if string(value) != "v2" {
		t.Fatalf("Get(foo) = %q, want v2 (no dedup without ClientID)", value)
	}
	if len(s.sessions) != 0 {
		t.Fatalf("sessions recorded for empty ClientID: %d", len(s.sessions))
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	cmd, _ := EncodeCommand(CommandSet, "k1", []byte("v1"), "client-1", 1)
	s.Apply(cmd)

	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := New()
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	value, ok := restored.Get("k1")
	if !ok || string(value) != "v1" {
		t.Fatalf("restored Get(k1) = %q, %v; want v1, true", value, ok)
	}

	// The restored session state must still dedupe the original request.
	retry, _ := EncodeCommand(CommandSet, "k1", []byte("v2"), "client-1", 1)
	resp, err := restored.Apply(retry)
	if err != nil {
		t.Fatalf("Apply after restore: %v", err)
	}
	if resp != true {
		t.Fatalf("retry after restore = %v, want cached true", resp)
	}
	value, _ = restored.Get("k1")
	if string(value) != "v1" {
		t.Fatalf("Get(k1) = %q after restore dedup, want v1", value)
	}
}

func TestGetAllReturnsAllKeys(t *testing.T) {
	s := New()
	cmd, _ := EncodeCommand(CommandSet, "k1", []byte("v1"), "", 0)
	s.Apply(cmd)
	cmd2, _ := EncodeCommand(CommandSet, "k2", []byte("v2"), "", 0)
	s.Apply(cmd2)

	all := s.GetAll()
	if len(all) != 2 || string(all["k1"]) != "v1" || string(all["k2"]) != "v2" {
		t.Fatalf("GetAll() = %v, want k1=v1, k2=v2", all)
	}
}

func TestSizeReflectsAppliedKeys(t *testing.T) {
	s := New()
	if s.Size() != 0 {
		t.Fatalf("Size() on empty store = %d, want 0", s.Size())
	}
	cmd, _ := EncodeCommand(CommandSet, "a", []byte("1"), "", 0)
	s.Apply(cmd)
	cmd2, _ := EncodeCommand(CommandSet, "b", []byte("2"), "", 0)
	s.Apply(cmd2)
	if s.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", s.Size())
	}
}
