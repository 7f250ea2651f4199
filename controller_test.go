// lookahead/controller_test.go
package lookahead

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu     sync.Mutex
	chosen []string
}

func (r *fakeRecorder) RecordSelection(group, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chosen = append(r.chosen, group+"/"+text)
	return nil
}

func (r *fakeRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chosen...)
}

type controllerFixture struct {
	c        *Controller
	view     *recordingView
	recorder *fakeRecorder
}

func newTestController(t *testing.T, cfg Config, d Dispatcher, providers ...Provider) controllerFixture {
	t.Helper()
	f := controllerFixture{view: &recordingView{}, recorder: &fakeRecorder{}}
	f.c = NewController(ControllerOptions{
		Config:     func() Config { return cfg },
		Providers:  providers,
		View:       f.view,
		Dispatcher: d,
		Recorder:   f.recorder,
		Logger:     testLogger(t),
	})
	startController(t, f.c)
	return f
}

func itemByText(t *testing.T, list RankedList, text string) *Candidate {
	t.Helper()
	for _, c := range list.Items {
		if c.Text == text {
			return c
		}
	}
	t.Fatalf("%q not in list %v", text, list.Texts())
	return nil
}

var printProvider = StaticProvider{ID: "fmt", Items: []string{"Printf", "Println", "Errorf"}}

func TestController_ExplicitInvokeShowsList(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)

	assert.Equal(t, PhaseItemsReady, out.Phase)
	assert.Equal(t, 1, out.InvocationCount)
	assert.NotEmpty(t, out.SessionID)
	assert.False(t, out.Incomplete)
	assert.ElementsMatch(t, []string{"Printf", "Println"}, out.List.Texts())
	assert.Equal(t, 1, f.view.count(ViewShow))
	assert.Equal(t, "fmt.Pri", surface.Text(), "nothing inserted with two candidates")

	p, err := f.c.Phase(context.Background())
	require.NoError(t, err)
	require.NotNil(t, p.Session)
	assert.Equal(t, out.SessionID, p.Session.ID)
}

func TestController_ExplicitInvokeWithoutCandidates(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), StaticProvider{ID: "none"})
	surface := NewMemorySurface("doc", "zzz", 3)

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	assert.Equal(t, PhasePostInsertZombie, out.Phase)
	assert.Equal(t, NoSuggestionsHint, out.Hint)
	assert.Empty(t, out.List.Items)

	p := waitPhase(t, f.c, PhasePostInsertZombie)
	assert.Equal(t, ZombieNoSuggestions, p.Reason)
	assert.Equal(t, 1, f.view.count(ViewHint))
	assert.Equal(t, 1, f.view.count(ViewHide))
	assert.Zero(t, f.view.count(ViewShow))

	require.NoError(t, surface.Type("z"))
	require.NoError(t, f.c.Edited(context.Background(), surface))
	waitPhase(t, f.c, PhaseIdle)
}

func TestController_AutoPopupWithoutCandidatesGoesIdle(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), StaticProvider{ID: "none"})
	surface := NewMemorySurface("doc", "zzz", 3)

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface})
	require.NoError(t, err)
	assert.Equal(t, PhaseBackgroundComputing, out.Phase)
	assert.Zero(t, out.InvocationCount)

	waitPhase(t, f.c, PhaseIdle)
	assert.Zero(t, f.view.count(ViewHint))
	assert.Zero(t, f.view.count(ViewShow))
}

func TestController_AutoInsertsSingleCandidate(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)),
		StaticProvider{ID: "fmt", Group: "std", Items: []string{"Println", "Errorf"}})
	surface := NewMemorySurface("doc", "fmt.Pri", 7)

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)

	require.NotNil(t, out.Inserted)
	assert.Equal(t, "Println", out.Inserted.Text)
	assert.Equal(t, PhasePostInsertZombie, out.Phase)
	assert.Equal(t, "fmt.Println", surface.Text())
	assert.Equal(t, len("fmt.Println"), surface.Caret())
	assert.Equal(t, []string{"std/Println"}, f.recorder.all())
	assert.Zero(t, f.view.count(ViewShow), "inserted without showing the list")

	p := waitPhase(t, f.c, PhasePostInsertZombie)
	assert.Equal(t, ZombieInsertedSingleItem, p.Reason)
}

func TestController_AutoInsertDisabled(t *testing.T) {
	cfg := testConfig(t, func(c *Config) { c.AutoInsert = false })
	f := newTestController(t, cfg, NewSyncDispatcher(testLogger(t)), StaticProvider{ID: "fmt", Items: []string{"Println"}})
	surface := NewMemorySurface("doc", "fmt.Pri", 7)

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	assert.Nil(t, out.Inserted)
	assert.Equal(t, PhaseItemsReady, out.Phase)
	assert.Equal(t, "fmt.Pri", surface.Text())
}

func TestController_NeverInsertPolicy(t *testing.T) {
	p := ProviderFunc{ID: "p", Fn: func(ctx context.Context, _ *Request, sink Sink) error {
		sink.Emit(&Candidate{Text: "Println", Policy: PolicyNeverInsert})
		return nil
	}}
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), p)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	assert.Nil(t, out.Inserted)
	assert.Equal(t, PhaseItemsReady, out.Phase)
}

func TestController_SyncTimeoutContinuesInBackground(t *testing.T) {
	cfg := testConfig(t, func(c *Config) {
		c.AutoInsertTimeoutMs = 50
		c.SyncMinTimeoutMs = 50
	})
	gate := make(chan struct{})
	slow := ProviderFunc{ID: "slow", Fn: func(ctx context.Context, _ *Request, sink Sink) error {
		sink.Emit(&Candidate{Text: "Println"})
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		sink.Emit(&Candidate{Text: "Printf"})
		return nil
	}}
	f := newTestController(t, cfg, NewAsyncDispatcher(4, testLogger(t)), slow)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)
	before := testutil.ToFloat64(syncTimeouts)

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	assert.Equal(t, PhaseBackgroundComputing, out.Phase)
	assert.True(t, out.Incomplete)
	assert.Nil(t, out.Inserted, "no automatic insertion after the sync attempt timed out")
	assert.Equal(t, before+1, testutil.ToFloat64(syncTimeouts))
	assert.True(t, f.view.shownTexts()["Println"], "partial list shown on timeout")

	close(gate)
	waitPhase(t, f.c, PhaseItemsReady)
	require.Eventually(t, func() bool { return f.view.shownTexts()["Printf"] }, eventuallyTimeout, eventuallyTick)
	assert.Equal(t, "fmt.Pri", surface.Text())
}

func TestController_RestartWhenCaretMovesBeforeStart(t *testing.T) {
	p := ProviderFunc{ID: "p", Fn: func(ctx context.Context, req *Request, sink Sink) error {
		// The first session blocks until it is cancelled by the restart.
		if req.InvocationCount < 2 {
			<-ctx.Done()
			sink.Emit(&Candidate{Text: "Prold"})
			return ctx.Err()
		}
		sink.Emit(&Candidate{Text: "Println"})
		return nil
	}}
	f := newTestController(t, testConfig(t), NewAsyncDispatcher(4, testLogger(t)), p)
	surface := NewMemorySurface("doc", "fmt.Pr", 6)
	before := testutil.ToFloat64(restarts)

	first, err := f.c.Invoke(context.Background(), Invocation{Surface: surface})
	require.NoError(t, err)
	assert.Equal(t, PhaseBackgroundComputing, first.Phase)

	require.NoError(t, surface.Backspace())
	require.NoError(t, f.c.Edited(context.Background(), surface))

	ready := waitPhase(t, f.c, PhaseItemsReady)
	require.NotNil(t, ready.Session)
	assert.NotEqual(t, first.SessionID, ready.Session.ID)
	assert.Equal(t, 2, ready.Session.InvocationCount)
	assert.Equal(t, 5, ready.Session.StartCaret)
	assert.Equal(t, before+1, testutil.ToFloat64(restarts))

	require.Eventually(t, func() bool { return f.view.shownTexts()["Println"] }, eventuallyTimeout, eventuallyTick)
	assert.False(t, f.view.shownTexts()["Prold"], "candidates of the cancelled session never reach the view")
}

func TestController_RestartOnWatchedPrefix(t *testing.T) {
	p := ProviderFunc{ID: "p", Fn: func(ctx context.Context, req *Request, sink Sink) error {
		sink.RestartOnPrefix(func(prefix string) bool { return prefix == "Prin" })
		sink.Emit(&Candidate{Text: "Printf"})
		sink.Emit(&Candidate{Text: "Println"})
		return nil
	}}
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), p)
	surface := NewMemorySurface("doc", "fmt.Pr", 6)

	first, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	require.Equal(t, PhaseItemsReady, first.Phase)

	require.NoError(t, surface.Type("i"))
	require.NoError(t, f.c.Edited(context.Background(), surface))
	p1, err := f.c.Phase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, p1.Session.ID, "no restart before the watched prefix")

	require.NoError(t, surface.Type("n"))
	require.NoError(t, f.c.Edited(context.Background(), surface))
	p2 := waitPhase(t, f.c, PhaseItemsReady)
	assert.NotEqual(t, first.SessionID, p2.Session.ID)
	assert.Equal(t, 2, p2.Session.InvocationCount)
	assert.Equal(t, "Prin", p2.Session.Prefix())
}

func TestController_ChooseInsertsAndGoesIdle(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	require.Equal(t, PhaseItemsReady, out.Phase)

	item := itemByText(t, out.List, "Println")
	require.NoError(t, f.c.Select(context.Background(), item))
	require.NoError(t, f.c.Choose(context.Background(), item))

	waitPhase(t, f.c, PhaseIdle)
	assert.Equal(t, "fmt.Println", surface.Text())
	assert.Equal(t, []string{"fmt/Println"}, f.recorder.all())
	assert.GreaterOrEqual(t, f.view.count(ViewHide), 1)
}

func TestController_ClientInsertsLeavesSurfaceAlone(t *testing.T) {
	view := &recordingView{}
	c := NewController(ControllerOptions{
		Config:        func() Config { return testConfig(t) },
		Providers:     []Provider{printProvider},
		View:          view,
		Dispatcher:    NewSyncDispatcher(testLogger(t)),
		Logger:        testLogger(t),
		ClientInserts: true,
	})
	startController(t, c)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)

	out, err := c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	require.NoError(t, c.Choose(context.Background(), itemByText(t, out.List, "Printf")))
	waitPhase(t, c, PhaseIdle)
	assert.Equal(t, "fmt.Pri", surface.Text())
}

func TestController_PhaseMismatches(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
	before := testutil.ToFloat64(phaseViolations)

	err := f.c.Choose(context.Background(), &Candidate{Text: "Println"})
	assert.ErrorIs(t, err, ErrPhaseMismatch)

	err = f.c.Select(context.Background(), &Candidate{Text: "Println"})
	assert.ErrorIs(t, err, ErrPhaseMismatch)

	assert.Equal(t, before+2, testutil.ToFloat64(phaseViolations))
	waitPhase(t, f.c, PhaseIdle)

	// A violation while a list is visible hides it.
	surface := NewMemorySurface("doc", "fmt.Pri", 7)
	_, err = f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	require.NoError(t, f.c.Dismiss(context.Background()))
	hides := f.view.count(ViewHide)
	assert.ErrorIs(t, f.c.Choose(context.Background(), &Candidate{Text: "Printf"}), ErrPhaseMismatch)
	assert.Equal(t, hides, f.view.count(ViewHide), "Idle violation does not hide again")
}

func TestController_ReadOnlySurface(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)
	surface.SetReadOnly(func(int) bool { return true })

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Equal(t, PhaseIdle, out.Phase)
	assert.Zero(t, f.view.count(ViewShow))
}

func TestController_InvalidSurface(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)

	_, err := f.c.Invoke(context.Background(), Invocation{Explicit: true})
	assert.ErrorIs(t, err, ErrSurfaceInvalid)

	surface := NewMemorySurface("doc", "fmt.Pri", 7)
	surface.Invalidate()
	_, err = f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	assert.ErrorIs(t, err, ErrSurfaceInvalid)

	live := NewMemorySurface("doc2", "fmt.Pri", 7)
	out, err := f.c.Invoke(context.Background(), Invocation{Surface: live, Explicit: true})
	require.NoError(t, err)
	require.Equal(t, PhaseItemsReady, out.Phase)
	live.Invalidate()
	require.NoError(t, f.c.Edited(context.Background(), live))
	waitPhase(t, f.c, PhaseIdle)
}

func TestController_CommitsPendingInputFirst(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)
	surface.SetPending(true)

	out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	assert.Equal(t, PhaseCommittingInputs, out.Phase)
	assert.True(t, out.Incomplete)

	waitPhase(t, f.c, PhaseItemsReady)
	assert.True(t, surface.Committed())
	require.Eventually(t, func() bool { return f.view.shownTexts()["Println"] }, eventuallyTimeout, eventuallyTick)
}

func TestController_RepeatedInvocationCounts(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)

	first, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	assert.Equal(t, 1, first.InvocationCount)

	second, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	assert.Equal(t, 2, second.InvocationCount)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	require.NoError(t, f.c.Dismiss(context.Background()))
	third, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	assert.Equal(t, 3, third.InvocationCount, "recently ended sessions keep counting")

	surface.SetCaret(3)
	elsewhere, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	assert.Equal(t, 1, elsewhere.InvocationCount)

	requested, err := f.c.Invoke(context.Background(), Invocation{Surface: NewMemorySurface("other", "Pri", 3), Explicit: true, Time: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, requested.InvocationCount)
}

func TestController_EditingTheList(t *testing.T) {
	tests := []struct {
		name  string
		auto  bool
		typed string
		want  PhaseTag
	}{
		{name: "narrowing keeps the session", typed: "n", want: PhaseItemsReady},
		{name: "non-identifier dismisses", typed: " ", want: PhaseIdle},
		{name: "explicit list survives no matches", typed: "z", want: PhaseItemsReady},
		{name: "auto popup without matches dismisses", auto: true, typed: "z", want: PhaseIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
			surface := NewMemorySurface("doc", "fmt.Pri", 7)

			out, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: !tt.auto})
			require.NoError(t, err)
			first := waitPhase(t, f.c, PhaseItemsReady)
			if tt.auto {
				assert.Equal(t, PhaseBackgroundComputing, out.Phase)
			}

			require.NoError(t, surface.Type(tt.typed))
			require.NoError(t, f.c.Edited(context.Background(), surface))
			p := waitPhase(t, f.c, tt.want)
			if tt.want == PhaseItemsReady {
				assert.Equal(t, first.Session.ID, p.Session.ID)
			}
		})
	}
}

func TestController_NarrowingRefreshesView(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)
	_, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)

	require.NoError(t, surface.Type("ntl"))
	require.NoError(t, f.c.Edited(context.Background(), surface))

	events := f.view.Events()
	last := events[len(events)-1]
	assert.Equal(t, ViewRefresh, last.Kind)
	assert.Equal(t, []string{"Println"}, last.List.Texts())
}

func TestController_Dismiss(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
	require.NoError(t, f.c.Dismiss(context.Background()), "dismissing Idle is a no-op")
	assert.Zero(t, f.view.count(ViewHide))

	surface := NewMemorySurface("doc", "fmt.Pri", 7)
	_, err := f.c.Invoke(context.Background(), Invocation{Surface: surface, Explicit: true})
	require.NoError(t, err)
	require.NoError(t, f.c.Dismiss(context.Background()))

	p := waitPhase(t, f.c, PhaseIdle)
	assert.Nil(t, p.Session)
	assert.Equal(t, 1, f.view.count(ViewHide))
	assert.Equal(t, "fmt.Pri", surface.Text())
}

func TestController_Resume(t *testing.T) {
	f := newTestController(t, testConfig(t), NewSyncDispatcher(testLogger(t)), printProvider)
	surface := NewMemorySurface("doc", "fmt.Pri", 7)

	out, err := f.c.Resume(context.Background(), surface)
	require.NoError(t, err)
	assert.Equal(t, PhaseBackgroundComputing, out.Phase, "no live session starts an auto-popup")
	waitPhase(t, f.c, PhaseItemsReady)

	require.NoError(t, surface.Type("n"))
	again, err := f.c.Resume(context.Background(), surface)
	require.NoError(t, err)
	assert.Equal(t, out.SessionID, again.SessionID)
	assert.Equal(t, PhaseItemsReady, again.Phase)
	assert.True(t, strings.HasPrefix(again.List.Texts()[0], "Prin"))
}

func TestController_RunTwiceAndClosed(t *testing.T) {
	c := NewController(ControllerOptions{Logger: testLogger(t)})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	require.Eventually(t, func() bool { return c.running.Load() }, eventuallyTimeout, eventuallyTick)

	assert.ErrorIs(t, c.Run(context.Background()), ErrControllerClosed)

	cancel()
	<-c.Done()
	_, err := c.Invoke(context.Background(), Invocation{Surface: NewMemorySurface("doc", "", 0)})
	assert.ErrorIs(t, err, ErrControllerClosed)
	_, err = c.Phase(context.Background())
	assert.ErrorIs(t, err, ErrControllerClosed)
}

func TestNextInvocationCount(t *testing.T) {
	tests := []struct {
		requested, previous int
		repeated            bool
		want                int
	}{
		{requested: 1, want: 1},
		{requested: 0, want: 0},
		{requested: 1, previous: 1, repeated: true, want: 2},
		{requested: 1, previous: 3, repeated: true, want: 4},
		{requested: 0, previous: 0, repeated: true, want: 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextInvocationCount(tt.requested, tt.previous, tt.repeated), "%+v", tt)
	}
}
