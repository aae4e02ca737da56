package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleElectionTimeoutFires(t *testing.T) {
	s := New(1)
	defer s.Stop()

	var fired int32
	s.ScheduleElectionTimeout(10*time.Millisecond, 20*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("election timeout callback did not fire")
	}
}

func TestCancelPreventsCallback(t *testing.T) {
	s := New(1)
	defer s.Stop()

	var fired int32
	h := s.ScheduleElectionTimeout(50*time.Millisecond, 60*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})
	h.Cancel()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("cancelled timer fired anyway")
	}
}

func TestScheduleLogReplicationTaskFiresRepeatedly(t *testing.T) {
	s := New(1)
	defer s.Stop()

	var count int32
	h := s.ScheduleLogReplicationTask(10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	defer h.Cancel()

	time.Sleep(55 * time.Millisecond)
	if atomic.LoadInt32(&count) < 2 {
		t.Fatalf("ticker fired %d times in 55ms at a 10ms interval, want >= 2", count)
	}
}

func TestStopPreventsFurtherCallbacks(t *testing.T) {
	s := New(1)

	var count int32
	s.ScheduleLogReplicationTask(10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(25 * time.Millisecond)
	s.Stop()
	after := atomic.LoadInt32(&count)

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != after {
		t.Fatalf("ticker kept firing after Stop: before=%d after=%d", after, atomic.LoadInt32(&count))
	}
}

func TestScheduleAfterStopReturnsAlreadyCancelledHandle(t *testing.T) {
	s := New(1)
	s.Stop()

	var fired int32
	h := s.ScheduleElectionTimeout(5*time.Millisecond, 10*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})
	defer h.Cancel()

	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("timer armed after Stop fired")
	}
}
