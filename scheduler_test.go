// lookahead/scheduler_test.go
package lookahead

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_CoalescesBursts(t *testing.T) {
	var flushes atomic.Int32
	s := NewScheduler(20*time.Millisecond, time.Hour, func() { flushes.Add(1) })
	defer s.Stop()

	for i := 0; i < 50; i++ {
		s.Queue()
	}
	require.Eventually(t, func() bool { return flushes.Load() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, flushes.Load())
	assert.Equal(t, 1, s.Flushes())
}

func TestScheduler_LongerIntervalAfterFirstFlush(t *testing.T) {
	var flushes atomic.Int32
	s := NewScheduler(time.Millisecond, time.Hour, func() { flushes.Add(1) })
	defer s.Stop()

	s.Queue()
	require.Eventually(t, func() bool { return flushes.Load() == 1 }, time.Second, time.Millisecond)
	s.Queue()
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, flushes.Load(), "second flush waits for the longer interval")
}

func TestScheduler_WithSingleUpdate(t *testing.T) {
	var flushes atomic.Int32
	s := NewScheduler(time.Millisecond, time.Millisecond, func() { flushes.Add(1) })
	defer s.Stop()

	s.WithSingleUpdate(func() {
		for i := 0; i < 10; i++ {
			s.Queue()
			time.Sleep(2 * time.Millisecond)
		}
		assert.Zero(t, flushes.Load(), "no flush while suppressed")
	})
	require.Eventually(t, func() bool { return flushes.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, flushes.Load(), "exactly one trailing flush")
}

func TestScheduler_WithSingleUpdateNested(t *testing.T) {
	var flushes atomic.Int32
	s := NewScheduler(time.Millisecond, time.Millisecond, func() { flushes.Add(1) })
	defer s.Stop()

	s.WithSingleUpdate(func() {
		s.WithSingleUpdate(func() { s.Queue() })
		time.Sleep(10 * time.Millisecond)
		assert.Zero(t, flushes.Load(), "inner block must not flush while the outer one runs")
		s.Queue()
	})
	require.Eventually(t, func() bool { return flushes.Load() == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_WithSingleUpdateWithoutRequests(t *testing.T) {
	var flushes atomic.Int32
	s := NewScheduler(time.Millisecond, time.Millisecond, func() { flushes.Add(1) })
	defer s.Stop()

	s.WithSingleUpdate(func() {})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, flushes.Load())
}

func TestScheduler_StopAndFlushNow(t *testing.T) {
	var flushes atomic.Int32
	s := NewScheduler(time.Hour, time.Hour, func() { flushes.Add(1) })

	s.Queue()
	s.FlushNow()
	assert.EqualValues(t, 1, flushes.Load())

	s.Stop()
	s.Queue()
	s.FlushNow()
	assert.EqualValues(t, 1, flushes.Load(), "stopped scheduler never flushes")
}
