// Package scheduler implements raft.Scheduler using stdlib timers, in the
// style of the teacher's own time.NewTimer/time.NewTicker election loop.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"xraft/pkg/raft"
)

// Scheduler owns every outstanding timer/ticker a Node has armed, so Stop
// can tear all of them down at once.
type Scheduler struct {
	mu      sync.Mutex
	rand    *rand.Rand
	handles map[*handle]struct{}
	stopped bool
}

// New returns a Scheduler. seed selects the election-timeout jitter
// source; pass 0 to seed from the current time.
func New(seed int64) *Scheduler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Scheduler{
		rand:    rand.New(rand.NewSource(seed)),
		handles: make(map[*handle]struct{}),
	}
}

type handle struct {
	s      *Scheduler
	timer  *time.Timer
	ticker *time.Ticker
}

func (h *handle) Cancel() {
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.ticker != nil {
		h.ticker.Stop()
	}
	h.s.mu.Lock()
	delete(h.s.handles, h)
	h.s.mu.Unlock()
}

// ScheduleElectionTimeout arms a one-shot timer with a duration drawn
// uniformly from [min, max), the standard Raft jitter to avoid split
// votes repeating indefinitely.
func (s *Scheduler) ScheduleElectionTimeout(min, max time.Duration, callback func()) raft.Cancellable {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := min
	if max > min {
		d = min + time.Duration(s.rand.Int63n(int64(max-min)))
	}
	h := &handle{s: s}
	h.timer = time.AfterFunc(d, callback)
	if s.stopped {
		h.timer.Stop()
		return h
	}
	s.handles[h] = struct{}{}
	return h
}

// ScheduleLogReplicationTask arms a periodic ticker.
func (s *Scheduler) ScheduleLogReplicationTask(interval time.Duration, callback func()) raft.Cancellable {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &handle{s: s}
	if s.stopped {
		return h
	}
	h.ticker = time.NewTicker(interval)
	s.handles[h] = struct{}{}
	go func() {
		for range h.ticker.C {
			callback()
		}
	}()
	return h
}

// Stop cancels every outstanding timer and ticker. Further Schedule calls
// return an already-cancelled handle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[*handle]struct{})
	s.mu.Unlock()

	for _, h := range handles {
		if h.timer != nil {
			h.timer.Stop()
		}
		if h.ticker != nil {
			h.ticker.Stop()
		}
	}
}
