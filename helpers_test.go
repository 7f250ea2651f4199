// lookahead/helpers_test.go
package lookahead

import (
	"context"
	"io"
	stdslog "log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	eventuallyTimeout = 2 * time.Second
	eventuallyTick    = 5 * time.Millisecond
)

// testLogger discards output unless -v is given.
func testLogger(t *testing.T) *stdslog.Logger {
	t.Helper()
	if testing.Verbose() {
		return stdslog.New(stdslog.NewTextHandler(&testWriter{t: t}, &stdslog.HandlerOptions{Level: stdslog.LevelDebug}))
	}
	return stdslog.New(stdslog.NewTextHandler(io.Discard, nil))
}

type testWriter struct{ t *testing.T }

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// testConfig returns a validated configuration with short refresh spans.
func testConfig(t *testing.T, mutate ...func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FirstRefreshMs = 5
	cfg.RefreshIntervalMs = 10
	cfg.InsertSingleItemMs = 10_000
	cfg.StatsEnabled = false
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Validate(testLogger(t)))
	return cfg
}

// recordingView records every View call.
type recordingView struct {
	mu     sync.Mutex
	events []ViewEvent
}

func (v *recordingView) add(ev ViewEvent) {
	v.mu.Lock()
	v.events = append(v.events, ev)
	v.mu.Unlock()
}

func (v *recordingView) Show(list RankedList) { v.add(ViewEvent{Kind: ViewShow, List: list}) }
func (v *recordingView) Refresh(list RankedList, justOpened bool) {
	v.add(ViewEvent{Kind: ViewRefresh, List: list, JustOpened: justOpened})
}
func (v *recordingView) Hide(restore bool) { v.add(ViewEvent{Kind: ViewHide, Restore: restore}) }
func (v *recordingView) Hint(text string)  { v.add(ViewEvent{Kind: ViewHint, Hint: text}) }

func (v *recordingView) Events() []ViewEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]ViewEvent(nil), v.events...)
}

// shownTexts collects every lookup string that reached Show or Refresh.
func (v *recordingView) shownTexts() map[string]bool {
	out := make(map[string]bool)
	for _, ev := range v.Events() {
		if ev.Kind == ViewShow || ev.Kind == ViewRefresh {
			for _, c := range ev.List.Items {
				out[c.Text] = true
			}
		}
	}
	return out
}

func (v *recordingView) count(kind ViewEventKind) int {
	n := 0
	for _, ev := range v.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// startController runs c until the test ends.
func startController(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Error("controller did not stop")
		}
	})
}

// waitPhase waits until the controller reports tag.
func waitPhase(t *testing.T, c *Controller, tag PhaseTag) Phase {
	t.Helper()
	var last Phase
	require.Eventually(t, func() bool {
		p, err := c.Phase(context.Background())
		if err != nil {
			return false
		}
		last = p
		return p.Tag == tag
	}, eventuallyTimeout, eventuallyTick, "phase never became %s", tag)
	return last
}

func candidates(group string, texts ...string) []*Candidate {
	out := make([]*Candidate, len(texts))
	for i, text := range texts {
		out[i] = &Candidate{Text: text, Group: group}
	}
	return out
}
