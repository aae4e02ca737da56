package api

import (
	"context"
	"testing"
	"time"

	"xraft/pkg/raft"
)

func TestClientSetAgainstSoloLeader(t *testing.T) {
	node, store, cleanup := soloNode(t)
	defer cleanup()

	client := NewClient([]*raft.Node{node})
	if err := client.Set(context.Background(), "client-1", 1, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if value, ok := store.Get("k"); ok {
			if string(value) != "v" {
				t.Fatalf("Get(k) = %q, want v", value)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Set command never committed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientDeleteAgainstSoloLeader(t *testing.T) {
	node, store, cleanup := soloNode(t)
	defer cleanup()

	client := NewClient([]*raft.Node{node})
	if err := client.Set(context.Background(), "client-1", 1, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := store.Get("k"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Set command never committed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := client.Delete(context.Background(), "client-1", 2, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		if _, ok := store.Get("k"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Delete command never committed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientSetReturnsErrorWithNoLeader(t *testing.T) {
	client := NewClient(nil)
	if err := client.Set(context.Background(), "client-1", 1, "k", "v"); err == nil {
		t.Fatalf("Set with no nodes = nil error, want error")
	}
}

func TestClientSetTimeout(t *testing.T) {
	client := NewClient(nil)
	client.SetTimeout(250 * time.Millisecond)
	if client.timeout != 250*time.Millisecond {
		t.Fatalf("timeout = %v, want 250ms", client.timeout)
	}
}
