// lookahead/session.go
// The session indicator: the single mutable handle for one completion attempt.
package lookahead

import (
	"context"
	stdslog "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one completion attempt from invocation to disposal. Its candidate
// list and arranger are guarded by mu; once cancelled or disposed it accepts
// no further candidates and requests no further refreshes.
type Session struct {
	ID              string
	Kind            CompletionKind
	InvocationCount int
	StartCaret      int // Caret offset at invocation.
	IdentStart      int // Start of the identifier being completed.
	Explicit        bool
	Surface         EditingSurface

	startedAt time.Time
	cfg       Config
	logger    *stdslog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled atomic.Bool
	disposed  bool
	running   bool
	count     int
	delayed   []pendingItem
	ads       []string
	arranger  *Arranger

	watcher   *Watcher
	scheduler *Scheduler

	freeze      *signal
	finish      *signal
	freezeTimer *time.Timer
}

type pendingItem struct {
	c *Candidate
	m PrefixMatcher
}

// sessionOptions carries what the controller knows when it opens a session.
type sessionOptions struct {
	Kind            CompletionKind
	InvocationCount int
	Explicit        bool
	Surface         EditingSurface
	Stats           StatsSource
	Groups          []string // Sorter groups in registration order.
	OnRefresh       func(*Session)
}

func newSession(parent context.Context, cfg Config, opts sessionOptions, logger *stdslog.Logger) *Session {
	if logger == nil {
		logger = stdslog.Default()
	}
	caret, identStart := 0, 0
	prefix := ""
	if opts.Surface != nil {
		text := opts.Surface.Text()
		caret = opts.Surface.Caret()
		if caret > len(text) {
			caret = len(text)
		}
		identStart = identifierStart(text, caret)
		prefix = text[identStart:caret]
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:              uuid.NewString(),
		Kind:            opts.Kind,
		InvocationCount: opts.InvocationCount,
		StartCaret:      caret,
		IdentStart:      identStart,
		Explicit:        opts.Explicit,
		Surface:         opts.Surface,
		startedAt:       time.Now(),
		cfg:             cfg,
		ctx:             ctx,
		cancel:          cancel,
		running:         true,
		freeze:          newSignal(),
		finish:          newSignal(),
		watcher:         NewWatcher(caret, !opts.Explicit),
	}
	s.logger = logger.With("session", s.ID, "invocation", s.InvocationCount)
	s.arranger = NewArranger(ArrangerOptions{
		Limit:           cfg.ItemLimit,
		MaxPreferred:    cfg.MaxPreferredCount,
		Alphabetical:    cfg.SortAlphabetically,
		Prefix:          prefix,
		Focused:         opts.Explicit,
		InvocationCount: opts.InvocationCount,
		Stats:           opts.Stats,
	})
	for _, g := range opts.Groups {
		s.arranger.RegisterGroup(g, DefaultChain())
	}
	onRefresh := opts.OnRefresh
	s.scheduler = NewScheduler(cfg.firstRefresh(), cfg.refreshInterval(), func() {
		if onRefresh != nil && !s.IsCancelled() {
			onRefresh(s)
		}
	})
	return s
}

// Context is cancelled together with the session.
func (s *Session) Context() context.Context { return s.ctx }

// Prefix returns the prefix candidates are currently matched against.
func (s *Session) Prefix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arranger.Prefix()
}

// Watcher returns the session's prefix watcher.
func (s *Session) Watcher() *Watcher { return s.watcher }

// Cancel marks the session cancelled. It is terminal and idempotent.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.cancelled.Load() {
		s.mu.Unlock()
		return
	}
	s.cancelled.Store(true)
	s.running = false
	s.delayed = nil
	if s.freezeTimer != nil {
		s.freezeTimer.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	s.scheduler.Stop()
	s.freeze.Up()
	s.finish.Up()
	s.logger.Debug("Session cancelled")
}

// IsCancelled reports whether Cancel has been called.
func (s *Session) IsCancelled() bool { return s.cancelled.Load() }

// Dispose cancels the session and releases its resources. Disposing twice is a no-op.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()
	s.Cancel()
	observeSessionDuration(time.Since(s.startedAt))
	s.logger.Debug("Session disposed")
}

// IsDisposed reports whether Dispose has been called.
func (s *Session) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// IsRunning reports whether producers are still working.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// readPrecondition holds while candidates may still be accepted.
func (s *Session) readPrecondition() bool {
	if s.IsCancelled() {
		return false
	}
	return s.Surface == nil || s.Surface.Valid()
}

// addItem hands one candidate to the arranger. It returns false once the
// session no longer accepts candidates.
func (s *Session) addItem(c *Candidate, m PrefixMatcher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptingLocked() {
		return false
	}
	s.addLocked(c, m)
	return true
}

// addBatch hands a batch to the arranger and requests a single refresh for it.
func (s *Session) addBatch(items []pendingItem) bool {
	ok := true
	s.scheduler.WithSingleUpdate(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, it := range items {
			if !s.acceptingLocked() {
				ok = false
				return
			}
			s.addLocked(it.c, it.m)
		}
	})
	return ok
}

func (s *Session) acceptingLocked() bool {
	return !s.cancelled.Load() && !s.disposed && s.running
}

func (s *Session) addLocked(c *Candidate, m PrefixMatcher) {
	// Matchers built before the last keystroke are re-targeted at the live prefix.
	prefix := s.arranger.Prefix()
	if m == nil {
		m = NewCamelMatcher(prefix)
	} else if m.Prefix() != prefix {
		m = m.CloneWithPrefix(prefix)
	}
	if !m.Matches(c) {
		return
	}
	allowMiddle := s.count > 2*s.cfg.MaxPreferredCount
	if allowMiddle && len(s.delayed) > 0 {
		s.flushDelayedLocked()
	}
	if !m.IsStartMatch(c) && !allowMiddle {
		s.delayed = append(s.delayed, pendingItem{c: c, m: m})
		return
	}
	s.offerLocked(c, m)
}

func (s *Session) flushDelayedLocked() {
	delayed := s.delayed
	s.delayed = nil
	for _, it := range delayed {
		s.offerLocked(it.c, it.m)
	}
}

func (s *Session) offerLocked(c *Candidate, m PrefixMatcher) {
	before := s.arranger.Len()
	added, overflowed := s.arranger.Add(c, m)
	if !added {
		return
	}
	s.count++
	metricCandidateAdded()
	if evicted := before + 1 - s.arranger.Len(); evicted > 0 {
		metricCandidatesEvicted(evicted)
	}
	if overflowed {
		s.addAdvertisementLocked(OverflowAdvertisement)
		s.watcher.Add(0, anyPrefix)
		s.logger.Debug("Retention budget exceeded, candidates evicted", "limit", s.cfg.ItemLimit)
	}
	if s.freezeTimer == nil {
		s.freezeTimer = time.AfterFunc(s.cfg.insertSingleItemSpan(), s.freeze.Up)
	}
	s.scheduler.Queue()
}

// finishProducers records that every producer returned.
func (s *Session) finishProducers() {
	s.mu.Lock()
	if s.cancelled.Load() || !s.running {
		s.mu.Unlock()
		return
	}
	s.flushDelayedLocked()
	s.running = false
	if s.freezeTimer != nil {
		s.freezeTimer.Stop()
	}
	s.mu.Unlock()
	s.freeze.Up()
	s.finish.Up()
}

// WaitForFinish blocks for at most timeout for the freeze signal. It reports
// whether producers finished without the session being cancelled.
func (s *Session) WaitForFinish(timeout time.Duration) bool {
	if !s.freeze.WaitFor(timeout) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running && !s.cancelled.Load()
}

// Done blocks until producers finished or the session was cancelled. It
// returns false if ctx ended first.
func (s *Session) Done(ctx context.Context) bool { return s.finish.Wait(ctx) }

// Count returns the number of candidates delivered to the arranger. Delayed
// middle matches are not counted until they are flushed.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Len returns the number of candidates held by the arranger.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arranger.Len()
}

// Arrange snapshots the ranked list with the queued advertisements attached.
func (s *Session) Arrange(explicit bool) RankedList {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.arranger.Arrange(explicit)
	list.Advertisements = append([]string(nil), s.ads...)
	return list
}

// AutoAccept returns the candidate that may be inserted without showing the list.
func (s *Session) AutoAccept() *Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arranger.AutoAccept()
}

// SetShown records whether the list is on screen.
func (s *Session) SetShown(shown bool) {
	s.mu.Lock()
	s.arranger.SetShown(shown)
	s.mu.Unlock()
}

// Select marks c as the user's selection.
func (s *Session) Select(c *Candidate) {
	s.mu.Lock()
	s.arranger.Select(c)
	s.mu.Unlock()
}

// PrefixChanged re-targets the candidates at a new prefix and reports whether any still match.
func (s *Session) PrefixChanged(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arranger.PrefixChanged(prefix)
	for i, it := range s.delayed {
		s.delayed[i].m = it.m.CloneWithPrefix(prefix)
	}
	if len(s.arranger.MatchingItems()) > 0 {
		return true
	}
	for _, it := range s.delayed {
		if it.m.Matches(it.c) {
			return true
		}
	}
	return false
}

// AddAdvertisement queues hint text for the view.
func (s *Session) AddAdvertisement(text string) {
	s.mu.Lock()
	s.addAdvertisementLocked(text)
	s.mu.Unlock()
}

func (s *Session) addAdvertisementLocked(text string) {
	if text == "" {
		return
	}
	for _, ad := range s.ads {
		if ad == text {
			return
		}
	}
	s.ads = append(s.ads, text)
}

// Advertisements returns the queued hint texts.
func (s *Session) Advertisements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ads...)
}

// AddWatchedPrefix registers a restart condition for this session.
func (s *Session) AddWatchedPrefix(start int, restart func(string) bool) {
	s.watcher.Add(start, restart)
}

// request builds the provider request for this session.
func (s *Session) request() *Request {
	req := &Request{
		SessionID:       s.ID,
		Kind:            s.Kind,
		InvocationCount: s.InvocationCount,
		Offset:          s.StartCaret,
		Prefix:          s.Prefix(),
	}
	if s.Surface != nil {
		req.SurfaceID = s.Surface.ID()
		req.Text = s.Surface.Text()
		req.Version = s.Surface.Version()
		if req.Offset > len(req.Text) {
			req.Offset = len(req.Text)
		}
	}
	return req
}
