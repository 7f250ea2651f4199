// lookahead/signal.go
// A one-shot binary signal with bounded waits, backed by a weighted semaphore.
package lookahead

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// signal starts down. Up releases every current and future waiter; waits are
// always bounded by a timeout or a context.
type signal struct {
	sem  *semaphore.Weighted
	once sync.Once
	up   atomic.Bool
}

func newSignal() *signal {
	s := &signal{sem: semaphore.NewWeighted(1)}
	s.sem.TryAcquire(1)
	return s
}

// Up raises the signal. Calling it more than once is a no-op.
func (s *signal) Up() {
	s.once.Do(func() {
		s.up.Store(true)
		s.sem.Release(1)
	})
}

// Wait blocks until the signal is up or ctx is done.
func (s *signal) Wait(ctx context.Context) bool {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	s.sem.Release(1)
	return true
}

// WaitFor blocks for at most timeout.
func (s *signal) WaitFor(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Wait(ctx)
}

// IsUp reports whether the signal has been raised.
func (s *signal) IsUp() bool { return s.up.Load() }
