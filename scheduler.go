// lookahead/scheduler.go
// Merge queue that coalesces candidate arrivals into throttled view refreshes.
package lookahead

import (
	"sync"
	"time"
)

// Scheduler merges Queue calls into one flush per interval. The interval is
// short until the first flush and longer afterwards.
type Scheduler struct {
	mu       sync.Mutex
	first    time.Duration
	interval time.Duration
	flush    func()

	timer    *time.Timer
	flushed  bool
	suppress int
	pending  bool
	stopped  bool
	flushes  int
}

// NewScheduler returns a scheduler calling flush on its own goroutine.
func NewScheduler(first, interval time.Duration, flush func()) *Scheduler {
	return &Scheduler{first: first, interval: interval, flush: flush}
}

func (s *Scheduler) span() time.Duration {
	if s.flushed {
		return s.interval
	}
	return s.first
}

// Queue requests a flush. Requests arriving before the pending flush fires merge into it.
func (s *Scheduler) Queue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.suppress > 0 {
		s.pending = true
		return
	}
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.span(), s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.suppress > 0 {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.flushed = true
	s.flushes++
	flush := s.flush
	s.mu.Unlock()
	if flush != nil {
		flush()
	}
}

// WithSingleUpdate runs fn with flushes suppressed and then queues exactly one
// trailing flush if anything was requested meanwhile.
func (s *Scheduler) WithSingleUpdate(fn func()) {
	s.mu.Lock()
	s.suppress++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.suppress--
		trailing := s.suppress == 0 && s.pending
		if trailing {
			s.pending = false
		}
		s.mu.Unlock()
		if trailing {
			s.Queue()
		}
	}()
	fn()
}

// FlushNow cancels the pending timer and flushes synchronously.
func (s *Scheduler) FlushNow() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.fire()
}

// Stop disables further flushes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Flushes returns how many flushes have run.
func (s *Scheduler) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}
