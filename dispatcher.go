// lookahead/dispatcher.go
// Worker dispatchers: run producers inline or on worker goroutines behind one contract.
package lookahead

import (
	"context"
	stdslog "log/slog"
	"runtime/debug"
	"sync"
)

// Dispatcher runs a producer against a session. The returned channel is closed
// once the producer returned and every accepted candidate reached the session.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *Session, p Producer) (<-chan struct{}, error)
}

// NewDispatcher returns the dispatcher configured by mode.
func NewDispatcher(mode string, queueSize int, logger *stdslog.Logger) Dispatcher {
	if logger == nil {
		logger = stdslog.Default()
	}
	if mode == DispatchSync {
		return &SyncDispatcher{logger: logger}
	}
	return &AsyncDispatcher{queueSize: queueSize, logger: logger}
}

// ============================================================================
// Sink shared by both dispatchers
// ============================================================================

// sessionSink funnels emissions into deliver. Each producing goroutine gets
// its own fork so batches never mix.
type sessionSink struct {
	s       *Session
	deliver func(items []pendingItem) bool
	source  string

	mu       sync.Mutex
	batching int
	buf      []pendingItem
}

func (k *sessionSink) Emit(c *Candidate) bool { return k.EmitWithMatcher(c, nil) }

func (k *sessionSink) EmitWithMatcher(c *Candidate, m PrefixMatcher) bool {
	if c == nil {
		return !k.s.IsCancelled()
	}
	if k.s.IsCancelled() {
		return false
	}
	if c.Source == "" {
		c.Source = k.source
	}
	if c.Group == "" {
		c.Group = c.Source
	}
	k.mu.Lock()
	if k.batching > 0 {
		k.buf = append(k.buf, pendingItem{c: c, m: m})
		k.mu.Unlock()
		return true
	}
	k.mu.Unlock()
	return k.deliver([]pendingItem{{c: c, m: m}})
}

func (k *sessionSink) Batch(fn func()) {
	k.mu.Lock()
	k.batching++
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.batching--
		var items []pendingItem
		if k.batching == 0 {
			items, k.buf = k.buf, nil
		}
		k.mu.Unlock()
		if len(items) > 0 {
			k.deliver(items)
		}
	}()
	fn()
}

func (k *sessionSink) Advertise(text string) {
	if !k.s.IsCancelled() {
		k.s.AddAdvertisement(text)
	}
}

func (k *sessionSink) RestartOnPrefix(restart func(prefix string) bool) {
	if !k.s.IsCancelled() {
		k.s.AddWatchedPrefix(k.s.IdentStart, restart)
	}
}

func (k *sessionSink) Cancelled() bool { return k.s.IsCancelled() }

func (k *sessionSink) fork(source string) Sink {
	return &sessionSink{s: k.s, deliver: k.deliver, source: source}
}

// forkableSink hands each provider goroutine its own sink.
type forkableSink interface {
	Sink
	fork(source string) Sink
}

// accept checks the read precondition and hands items to the session. A failed
// precondition cancels the whole session.
func accept(s *Session, items []pendingItem, logger *stdslog.Logger) bool {
	if !s.readPrecondition() {
		if !s.IsCancelled() {
			logger.Debug("Read precondition failed, cancelling session", "error", ErrPreconditionFailed)
			metricPreconditionFailure()
			s.Cancel()
		}
		return false
	}
	if len(items) == 1 {
		return s.addItem(items[0].c, items[0].m)
	}
	return s.addBatch(items)
}

func runProducer(ctx context.Context, p Producer, sink Sink, logger *stdslog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in producer", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := p(ctx, sink); err != nil && !isCancellation(err) {
		logger.Warn("Producer returned error", "error", err)
	}
}

// ============================================================================
// Synchronous strategy
// ============================================================================

// SyncDispatcher runs producers inline on the calling goroutine. Dispatch
// returns after the producer finished; it is the deterministic test mode.
type SyncDispatcher struct {
	logger *stdslog.Logger
}

// NewSyncDispatcher returns an inline dispatcher.
func NewSyncDispatcher(logger *stdslog.Logger) *SyncDispatcher {
	if logger == nil {
		logger = stdslog.Default()
	}
	return &SyncDispatcher{logger: logger}
}

func (d *SyncDispatcher) Dispatch(ctx context.Context, s *Session, p Producer) (<-chan struct{}, error) {
	done := make(chan struct{})
	if s.IsCancelled() {
		close(done)
		return done, ErrSessionCancelled
	}
	logger := d.logger.With("session", s.ID, "dispatch", DispatchSync)
	sink := &sessionSink{s: s, deliver: func(items []pendingItem) bool { return accept(s, items, logger) }}
	runProducer(s.Context(), p, sink, logger)
	s.finishProducers()
	close(done)
	return done, nil
}

// ============================================================================
// Asynchronous strategy
// ============================================================================

// AsyncDispatcher runs producers on a worker goroutine. Candidates pass through
// a bounded queue drained by a second goroutine that re-checks the read
// precondition before each delivery.
type AsyncDispatcher struct {
	queueSize int
	logger    *stdslog.Logger
}

// NewAsyncDispatcher returns a worker dispatcher with a queue of queueSize deliveries.
func NewAsyncDispatcher(queueSize int, logger *stdslog.Logger) *AsyncDispatcher {
	if logger == nil {
		logger = stdslog.Default()
	}
	return &AsyncDispatcher{queueSize: queueSize, logger: logger}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, s *Session, p Producer) (<-chan struct{}, error) {
	done := make(chan struct{})
	if s.IsCancelled() {
		close(done)
		return done, ErrSessionCancelled
	}
	size := d.queueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := d.logger.With("session", s.ID, "dispatch", DispatchAsync)
	queue := make(chan []pendingItem, size)

	// closing excludes senders while the queue is closed.
	var closing sync.RWMutex
	closed := false
	deliver := func(items []pendingItem) bool {
		closing.RLock()
		defer closing.RUnlock()
		if closed {
			return false
		}
		select {
		case queue <- items:
			return true
		case <-s.Context().Done():
			return false
		}
	}
	sink := &sessionSink{s: s, deliver: deliver}

	started := make(chan struct{})
	go func() {
		defer func() {
			closing.Lock()
			closed = true
			close(queue)
			closing.Unlock()
		}()
		close(started)
		runProducer(s.Context(), p, sink, logger)
	}()

	go func() {
		defer close(done)
		for items := range queue {
			if s.IsCancelled() {
				continue
			}
			accept(s, items, logger)
		}
		s.finishProducers()
	}()

	select {
	case <-started:
		return done, nil
	case <-ctx.Done():
		s.Cancel()
		return done, ctx.Err()
	}
}
