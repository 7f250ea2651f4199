// lookahead/controller.go
// The session controller: an actor owning the current phase of one editing thread.
package lookahead

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"strings"
	"sync/atomic"

	"github.com/patrickmn/go-cache"
)

// NoSuggestionsHint is shown after an explicit invocation that produced nothing.
const NoSuggestionsHint = "No suggestions"

// SelectionRecorder persists chosen candidates for later weighing.
type SelectionRecorder interface {
	RecordSelection(group, text string) error
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Config     func() Config // Read on every invocation; nil selects DefaultConfig.
	Providers  []Provider
	View       View // nil selects NopView.
	Dispatcher Dispatcher
	Stats      StatsSource
	Recorder   SelectionRecorder
	Logger     *stdslog.Logger
	// ClientInserts is set when the client applies accepted text itself (LSP),
	// so the controller never edits the surface.
	ClientInserts bool
}

// Controller owns the single current phase. Run processes events; every
// other method posts an event and waits for the loop to handle it.
type Controller struct {
	opts   ControllerOptions
	view   View
	logger *stdslog.Logger

	events  chan any
	done    chan struct{}
	running atomic.Bool

	// Owned by the loop.
	ctx    context.Context
	phase  Phase
	shown  bool
	recent *cache.Cache
}

// NewController returns a controller. Call Run before posting events.
func NewController(opts ControllerOptions) *Controller {
	if opts.Logger == nil {
		opts.Logger = stdslog.Default()
	}
	if opts.Config == nil {
		def := DefaultConfig()
		opts.Config = func() Config { return def }
	}
	view := opts.View
	if view == nil {
		view = NopView{}
	}
	window := opts.Config().repeatWindow()
	return &Controller{
		opts:   opts,
		view:   view,
		logger: opts.Logger.With("component", "controller"),
		events: make(chan any, 64),
		done:   make(chan struct{}),
		phase:  idlePhase(),
		recent: cache.New(window, 2*window),
	}
}

// ============================================================================
// Events
// ============================================================================

type invokeResult struct {
	outcome Outcome
	err     error
}

type invokeEvent struct {
	inv    Invocation
	resume bool
	reply  chan invokeResult
}

type editedEvent struct {
	surface EditingSurface
	reply   chan error
}

type chooseEvent struct {
	c     *Candidate
	reply chan error
}

type selectEvent struct {
	c     *Candidate
	reply chan error
}

type dismissEvent struct {
	reply chan error
}

type phaseQuery struct {
	reply chan Phase
}

type inputsCommittedEvent struct {
	s   *Session
	err error
}

type workerFinishedEvent struct{ s *Session }

type refreshDueEvent struct{ s *Session }

// ============================================================================
// Public API
// ============================================================================

// Run processes events until ctx is done. It disposes the current session on exit.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: controller already running", ErrControllerClosed)
	}
	c.ctx = ctx
	defer close(c.done)
	defer func() {
		if c.phase.Session != nil {
			c.phase.Session.Dispose()
		}
		c.phase = idlePhase()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Invoke starts a completion session for inv, replacing the current one.
func (c *Controller) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	reply := make(chan invokeResult, 1)
	if err := c.post(ctx, invokeEvent{inv: inv, reply: reply}); err != nil {
		return Outcome{}, err
	}
	select {
	case r := <-reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-c.done:
		return Outcome{}, ErrControllerClosed
	}
}

// Resume reports the live session for surface after applying pending edits,
// or starts an auto-popup session when none is live.
func (c *Controller) Resume(ctx context.Context, surface EditingSurface) (Outcome, error) {
	reply := make(chan invokeResult, 1)
	ev := invokeEvent{inv: Invocation{Surface: surface}, resume: true, reply: reply}
	if err := c.post(ctx, ev); err != nil {
		return Outcome{}, err
	}
	select {
	case r := <-reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-c.done:
		return Outcome{}, ErrControllerClosed
	}
}

// Edited notifies the controller that surface text, caret or selection changed.
func (c *Controller) Edited(ctx context.Context, surface EditingSurface) error {
	reply := make(chan error, 1)
	return c.call(ctx, editedEvent{surface: surface, reply: reply}, reply)
}

// Choose accepts candidate cand from the shown list.
func (c *Controller) Choose(ctx context.Context, cand *Candidate) error {
	reply := make(chan error, 1)
	return c.call(ctx, chooseEvent{c: cand, reply: reply}, reply)
}

// Select moves the list selection to cand.
func (c *Controller) Select(ctx context.Context, cand *Candidate) error {
	reply := make(chan error, 1)
	return c.call(ctx, selectEvent{c: cand, reply: reply}, reply)
}

// Dismiss hides the list and returns to Idle.
func (c *Controller) Dismiss(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.call(ctx, dismissEvent{reply: reply}, reply)
}

// Phase returns a snapshot of the current phase.
func (c *Controller) Phase(ctx context.Context) (Phase, error) {
	reply := make(chan Phase, 1)
	if err := c.post(ctx, phaseQuery{reply: reply}); err != nil {
		return Phase{}, err
	}
	select {
	case p := <-reply:
		return p, nil
	case <-ctx.Done():
		return Phase{}, ctx.Err()
	case <-c.done:
		return Phase{}, ErrControllerClosed
	}
}

// Done is closed when Run returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) post(ctx context.Context, ev any) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) call(ctx context.Context, ev any, reply chan error) error {
	if err := c.post(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrControllerClosed
	}
}

// notify is used by worker goroutines; it never blocks past controller shutdown.
func (c *Controller) notify(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// ============================================================================
// Loop
// ============================================================================

func (c *Controller) handle(ev any) {
	switch ev := ev.(type) {
	case invokeEvent:
		var out Outcome
		var err error
		if ev.resume {
			out, err = c.handleResume(ev.inv.Surface)
		} else {
			out, err = c.handleInvoke(ev.inv, 0)
		}
		ev.reply <- invokeResult{outcome: out, err: err}
	case editedEvent:
		ev.reply <- c.handleEdited(ev.surface)
	case chooseEvent:
		ev.reply <- c.handleChoose(ev.c)
	case selectEvent:
		ev.reply <- c.handleSelect(ev.c)
	case dismissEvent:
		ev.reply <- c.handleDismiss()
	case phaseQuery:
		ev.reply <- c.phase
	case inputsCommittedEvent:
		c.handleInputsCommitted(ev.s, ev.err)
	case workerFinishedEvent:
		c.handleWorkerFinished(ev.s)
	case refreshDueEvent:
		c.handleRefreshDue(ev.s)
	default:
		c.logger.Warn("Unknown controller event", "type", fmt.Sprintf("%T", ev))
	}
}

// setPhase installs next and disposes the outgoing session.
func (c *Controller) setPhase(next Phase) {
	prev := c.phase
	if prev.Session != nil && prev.Session != next.Session {
		c.remember(prev.Session)
		prev.Session.Dispose()
		c.shown = false
		metricSessionFinished(next.String())
	}
	c.phase = next
	if next.Tag == PhaseIdle {
		c.shown = false
	}
	metricPhase(next.Tag)
	if prev.Tag != next.Tag {
		c.logger.Debug("Phase changed", "from", prev.String(), "to", next.String())
	}
}

// apply runs the pure transition and installs its result. A disallowed event
// is logged, counted and forces Idle.
func (c *Controller) apply(ev phaseEvent) error {
	next, err := transition(c.phase, ev)
	if err != nil {
		c.violation(err)
		return err
	}
	c.setPhase(next)
	return nil
}

func (c *Controller) violation(err error) {
	c.logger.Error("Phase consistency violation, forcing Idle", "phase", c.phase.String(), "error", err)
	metricPhaseViolation()
	if c.phase.Tag != PhaseIdle {
		c.view.Hide(false)
	}
	c.setPhase(idlePhase())
}

// ============================================================================
// Invocation
// ============================================================================

func repeatKey(surfaceID string, caret int, kind CompletionKind) string {
	return fmt.Sprintf("%s|%d|%s", surfaceID, caret, kind)
}

func (c *Controller) remember(s *Session) {
	if s.Surface == nil {
		return
	}
	c.recent.Set(repeatKey(s.Surface.ID(), s.StartCaret, s.Kind), s.InvocationCount, c.opts.Config().repeatWindow())
}

// previousCount returns the invocation count of a live or recently ended
// session at the same surface, caret and kind.
func (c *Controller) previousCount(surface EditingSurface, kind CompletionKind) (int, bool) {
	caret := surface.Caret()
	if s := c.phase.Session; s != nil && s.Surface != nil && s.Surface.ID() == surface.ID() && s.StartCaret == caret && s.Kind == kind {
		return s.InvocationCount, true
	}
	if v, ok := c.recent.Get(repeatKey(surface.ID(), caret, kind)); ok {
		if n, ok := v.(int); ok {
			return n, true
		}
	}
	return 0, false
}

// nextInvocationCount continues a repeated invocation or starts afresh at requested.
func nextInvocationCount(requested, previous int, repeated bool) int {
	if repeated {
		return max(previous+1, 2)
	}
	return requested
}

func (c *Controller) providerGroups() []string {
	groups := make([]string, 0, len(c.opts.Providers))
	for _, p := range c.opts.Providers {
		groups = append(groups, p.Name())
	}
	return groups
}

func (c *Controller) dispatcher(cfg Config) Dispatcher {
	if c.opts.Dispatcher != nil {
		return c.opts.Dispatcher
	}
	return NewDispatcher(cfg.DispatchMode, cfg.QueueSize, c.opts.Logger)
}

// handleInvoke opens a new session. forcedCount > 0 overrides invocation counting (restarts).
func (c *Controller) handleInvoke(inv Invocation, forcedCount int) (Outcome, error) {
	surface := inv.Surface
	if surface == nil || !surface.Valid() {
		return Outcome{Phase: c.phase.Tag}, ErrSurfaceInvalid
	}
	cfg := c.opts.Config()
	caret := surface.Caret()
	if surface.ReadOnly(caret) {
		if c.phase.Tag != PhaseIdle {
			c.view.Hide(false)
			c.setPhase(idlePhase())
		}
		return Outcome{Phase: PhaseIdle}, ErrReadOnly
	}

	requested := inv.Time
	if requested == 0 && inv.Explicit {
		requested = 1
	}
	count := forcedCount
	if count == 0 {
		prev, found := c.previousCount(surface, inv.Kind)
		count = nextInvocationCount(requested, prev, inv.Explicit && found)
	}

	if c.phase.Tag != PhaseIdle && c.phase.Tag != PhaseCommittingInputs {
		c.setPhase(idlePhase())
	}

	s := newSession(c.ctx, cfg, sessionOptions{
		Kind:            inv.Kind,
		InvocationCount: count,
		Explicit:        inv.Explicit,
		Surface:         surface,
		Stats:           c.opts.Stats,
		Groups:          c.providerGroups(),
		OnRefresh:       func(s *Session) { c.notify(refreshDueEvent{s: s}) },
	}, c.opts.Logger)
	metricSessionStarted(inv.Explicit)
	s.logger.Debug("Session started", "kind", inv.Kind.String(), "explicit", inv.Explicit, "caret", s.StartCaret)

	if err := c.apply(phaseEvent{kind: evInvoke, session: s, explicit: inv.Explicit, uncommitted: !surface.Committed()}); err != nil {
		s.Dispose()
		return Outcome{Phase: c.phase.Tag}, err
	}

	switch c.phase.Tag {
	case PhaseCommittingInputs:
		go func() {
			ctx, cancel := context.WithTimeout(s.Context(), cfg.syncTimeout(s.startedAt))
			defer cancel()
			c.notify(inputsCommittedEvent{s: s, err: surface.Commit(ctx)})
		}()
		return c.outcome(s), nil
	case PhaseSynchronous:
		return c.runSynchronous(s, cfg)
	default:
		if err := c.launch(s, cfg); err != nil {
			return c.outcome(s), err
		}
		return c.outcome(s), nil
	}
}

func (c *Controller) handleResume(surface EditingSurface) (Outcome, error) {
	s := c.phase.Session
	if s == nil || surface == nil || s.Surface == nil || s.Surface.ID() != surface.ID() {
		return c.handleInvoke(Invocation{Surface: surface, Explicit: false}, 0)
	}
	switch c.phase.Tag {
	case PhaseBackgroundComputing, PhaseItemsReady:
		if err := c.handleEdited(surface); err != nil {
			return c.outcome(c.phase.Session), err
		}
	}
	return c.outcome(c.phase.Session), nil
}

// launch dispatches the producers of s and reports the end of work to the loop.
func (c *Controller) launch(s *Session, cfg Config) error {
	producer := fanOut(c.opts.Providers, s.request(), cfg.MaxConcurrentProviders, s.logger)
	done, err := c.dispatcher(cfg).Dispatch(s.Context(), s, producer)
	if err != nil {
		if isCancellation(err) {
			return nil
		}
		return err
	}
	go func() {
		<-done
		c.notify(workerFinishedEvent{s: s})
	}()
	return nil
}

func (c *Controller) runSynchronous(s *Session, cfg Config) (Outcome, error) {
	if err := c.launch(s, cfg); err != nil {
		c.setPhase(idlePhase())
		return Outcome{Phase: PhaseIdle}, err
	}
	if !s.WaitForFinish(cfg.syncTimeout(s.startedAt)) {
		if s.IsCancelled() {
			c.setPhase(idlePhase())
			return Outcome{Phase: PhaseIdle}, nil
		}
		s.logger.Debug("Synchronous attempt timed out, continuing in background", "items", s.Len())
		metricSyncTimeout()
		if err := c.apply(phaseEvent{kind: evSyncTimeout}); err != nil {
			return Outcome{Phase: c.phase.Tag}, err
		}
		if list := s.Arrange(true); len(list.Items) > 0 {
			c.show(s, list)
		}
		return c.outcome(s), nil
	}

	list := s.Arrange(true)
	if len(list.Items) == 0 {
		return c.finishEmpty(s, evSyncFinished)
	}
	if item := c.autoInsertCandidate(s, cfg, list); item != nil {
		if err := c.insert(s, item); err != nil {
			s.logger.Warn("Automatic insertion failed, showing list", "error", err)
		} else {
			if err := c.apply(phaseEvent{kind: evSyncFinished, inserted: true}); err != nil {
				return Outcome{Phase: c.phase.Tag}, err
			}
			out := c.outcome(s)
			out.List = list
			out.Inserted = item
			return out, nil
		}
	}
	if err := c.apply(phaseEvent{kind: evSyncFinished}); err != nil {
		return Outcome{Phase: c.phase.Tag}, err
	}
	c.show(s, list)
	return c.outcome(s), nil
}

// autoInsertCandidate picks the candidate inserted without showing the list, if any.
func (c *Controller) autoInsertCandidate(s *Session, cfg Config, list RankedList) *Candidate {
	if !cfg.AutoInsert || !s.Explicit {
		return nil
	}
	if len(list.Items) == 1 {
		item := list.Items[0]
		switch item.Policy {
		case PolicyNeverInsert:
			return nil
		case PolicyAlwaysInsert:
			return item
		}
		if NewCamelMatcher(list.Prefix).IsStartMatch(item) {
			return item
		}
		return nil
	}
	if item := s.AutoAccept(); item != nil && item.Policy == PolicyAlwaysInsert {
		return item
	}
	return nil
}

// insert replaces the identifier being completed with item and records the choice.
func (c *Controller) insert(s *Session, item *Candidate) error {
	if !c.opts.ClientInserts && s.Surface != nil {
		caret := s.Surface.Caret()
		if caret < s.IdentStart {
			caret = s.IdentStart
		}
		if err := s.Surface.Replace(s.IdentStart, caret, item.Text); err != nil {
			return err
		}
	}
	c.record(item)
	return nil
}

func (c *Controller) record(item *Candidate) {
	metricItemChosen(item.Source)
	if c.opts.Recorder == nil {
		return
	}
	if err := c.opts.Recorder.RecordSelection(item.Group, item.Text); err != nil {
		c.logger.Warn("Failed to record selection", "group", item.Group, "text", item.Text, "error", err)
	}
}

// finishEmpty handles a session that produced nothing.
func (c *Controller) finishEmpty(s *Session, kind phaseEventKind) (Outcome, error) {
	if err := c.apply(phaseEvent{kind: kind, empty: true}); err != nil {
		return Outcome{Phase: c.phase.Tag}, err
	}
	out := Outcome{SessionID: s.ID, Phase: c.phase.Tag, InvocationCount: s.InvocationCount, List: RankedList{Selected: -1}}
	if c.phase.Tag == PhasePostInsertZombie {
		out.Hint = NoSuggestionsHint
		c.view.Hint(NoSuggestionsHint)
	}
	c.view.Hide(false)
	return out, nil
}

func (c *Controller) show(s *Session, list RankedList) {
	if !c.surfaceStillValid(s) {
		return
	}
	if !c.shown {
		c.shown = true
		s.SetShown(true)
		c.view.Show(list)
		return
	}
	c.view.Refresh(list, false)
	metricRefresh()
}

// surfaceStillValid treats an invalidated surface as cancellation of the live session.
func (c *Controller) surfaceStillValid(s *Session) bool {
	if s.Surface == nil || s.Surface.Valid() {
		return true
	}
	s.logger.Debug("Surface invalidated, cancelling session", "error", ErrSurfaceInvalid)
	c.view.Hide(false)
	c.setPhase(idlePhase())
	return false
}

func (c *Controller) outcome(s *Session) Outcome {
	out := Outcome{Phase: c.phase.Tag, List: RankedList{Selected: -1}}
	if s == nil || c.phase.Session != s {
		return out
	}
	out.SessionID = s.ID
	out.InvocationCount = s.InvocationCount
	out.List = s.Arrange(false)
	out.Incomplete = c.phase.Tag == PhaseBackgroundComputing || c.phase.Tag == PhaseCommittingInputs
	return out
}

// ============================================================================
// Worker events
// ============================================================================

func (c *Controller) live(s *Session, tags ...PhaseTag) bool {
	if c.phase.Session != s || s.IsCancelled() {
		return false
	}
	for _, t := range tags {
		if c.phase.Tag == t {
			return true
		}
	}
	return false
}

func (c *Controller) handleInputsCommitted(s *Session, err error) {
	if !c.live(s, PhaseCommittingInputs) {
		return
	}
	if err != nil {
		if !isCancellation(err) {
			s.logger.Warn("Committing pending input failed", "error", err)
		}
		c.setPhase(idlePhase())
		return
	}
	if err := c.apply(phaseEvent{kind: evInputsCommitted}); err != nil {
		return
	}
	cfg := c.opts.Config()
	if err := c.launch(s, cfg); err != nil {
		s.logger.Warn("Failed to launch producers", "error", err)
		c.setPhase(idlePhase())
	}
}

func (c *Controller) handleWorkerFinished(s *Session) {
	if !c.live(s, PhaseBackgroundComputing) {
		return
	}
	list := s.Arrange(s.Explicit && !c.shown)
	if len(list.Items) == 0 {
		c.finishEmpty(s, evWorkerFinished)
		return
	}
	if err := c.apply(phaseEvent{kind: evWorkerFinished}); err != nil {
		return
	}
	c.show(s, list)
}

func (c *Controller) handleRefreshDue(s *Session) {
	if !c.live(s, PhaseBackgroundComputing, PhaseItemsReady) {
		return
	}
	list := s.Arrange(false)
	if len(list.Items) == 0 && !c.shown {
		return
	}
	c.show(s, list)
}

// ============================================================================
// User events
// ============================================================================

func (c *Controller) handleEdited(surface EditingSurface) error {
	s := c.phase.Session
	if s == nil || surface == nil || s.Surface == nil || s.Surface.ID() != surface.ID() {
		return nil
	}
	switch c.phase.Tag {
	case PhasePostInsertZombie:
		return c.apply(phaseEvent{kind: evMutation})
	case PhaseBackgroundComputing, PhaseItemsReady:
	default:
		return nil
	}
	if !c.surfaceStillValid(s) {
		return nil
	}

	text, caret := surface.Text(), surface.Caret()
	if caret > len(text) {
		caret = len(text)
	}
	decision := DecisionRestart
	if caret >= s.StartCaret && caret >= s.IdentStart {
		prefix := text[s.IdentStart:caret]
		if strings.IndexFunc(prefix, func(r rune) bool { return !isIdentRune(r) }) >= 0 {
			c.view.Hide(false)
			return c.apply(phaseEvent{kind: evDismiss})
		}
		hasMatches := s.PrefixChanged(prefix)
		decision = s.Watcher().PrefixUpdated(text, caret, hasMatches)
	}

	switch decision {
	case DecisionRestart:
		return c.restart(s)
	case DecisionDismiss:
		c.view.Hide(false)
		return c.apply(phaseEvent{kind: evDismiss})
	}
	if c.shown {
		c.show(s, s.Arrange(false))
	}
	return nil
}

// restart cancels s and opens a fresh session continuing its invocation count.
func (c *Controller) restart(s *Session) error {
	s.logger.Debug("Restarting session")
	metricRestart()
	inv := Invocation{Surface: s.Surface, Kind: s.Kind, Explicit: s.Explicit, Time: s.InvocationCount}
	wasShown := c.shown
	c.setPhase(idlePhase())
	out, err := c.handleInvoke(inv, nextInvocationCount(s.InvocationCount, s.InvocationCount, true))
	if err != nil {
		if wasShown {
			c.view.Hide(false)
		}
		return err
	}
	if wasShown && out.Phase == PhaseBackgroundComputing && !c.shown {
		c.view.Hide(false)
	}
	return nil
}

func (c *Controller) handleChoose(item *Candidate) error {
	s := c.phase.Session
	if item == nil {
		return errors.New("nil candidate")
	}
	switch c.phase.Tag {
	case PhaseItemsReady:
		if err := c.insert(s, item); err != nil {
			return err
		}
		c.view.Hide(false)
		return c.apply(phaseEvent{kind: evItemChosen})
	case PhaseBackgroundComputing:
		if !c.shown {
			break
		}
		if err := c.insert(s, item); err != nil {
			return err
		}
		c.view.Hide(false)
		return c.apply(phaseEvent{kind: evDismiss})
	}
	return c.apply(phaseEvent{kind: evItemChosen})
}

func (c *Controller) handleSelect(item *Candidate) error {
	s := c.phase.Session
	if s == nil || (c.phase.Tag != PhaseItemsReady && c.phase.Tag != PhaseBackgroundComputing) {
		err := fmt.Errorf("%w: select not allowed in %s", ErrPhaseMismatch, c.phase)
		c.violation(err)
		return err
	}
	s.Select(item)
	if c.shown {
		c.show(s, s.Arrange(false))
	}
	return nil
}

func (c *Controller) handleDismiss() error {
	if c.phase.Tag == PhaseIdle {
		return nil
	}
	c.view.Hide(false)
	return c.apply(phaseEvent{kind: evDismiss})
}
