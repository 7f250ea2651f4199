// lookahead/watcher.go
// Watches prefix edits during a session and decides between restart, continue and dismiss.
package lookahead

import "sync"

// Decision is the outcome of a prefix update.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionRestart
	DecisionDismiss
)

func (d Decision) String() string {
	switch d {
	case DecisionRestart:
		return "restart"
	case DecisionDismiss:
		return "dismiss"
	default:
		return "continue"
	}
}

// WatchedPrefix forces a restart once the text from Start to the caret satisfies Restart.
type WatchedPrefix struct {
	Start   int
	Restart func(prefix string) bool
}

// anyPrefix restarts on any further edit.
func anyPrefix(string) bool { return true }

// Watcher accumulates watched prefixes for one session.
type Watcher struct {
	mu         sync.Mutex
	startCaret int
	autoPopup  bool
	watched    []WatchedPrefix
}

// NewWatcher returns a watcher for a session started at startCaret.
func NewWatcher(startCaret int, autoPopup bool) *Watcher {
	return &Watcher{startCaret: startCaret, autoPopup: autoPopup}
}

// Add registers a watched prefix. A nil predicate matches everything.
func (w *Watcher) Add(start int, restart func(string) bool) {
	if restart == nil {
		restart = anyPrefix
	}
	w.mu.Lock()
	w.watched = append(w.watched, WatchedPrefix{Start: start, Restart: restart})
	w.mu.Unlock()
}

// Len returns the number of watched prefixes.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// Clear drops every watched prefix.
func (w *Watcher) Clear() {
	w.mu.Lock()
	w.watched = nil
	w.mu.Unlock()
}

// PrefixUpdated decides what an edit that left text with the caret at caret
// means for the session. hasMatches reports whether any retained candidate
// still matches the new prefix.
func (w *Watcher) PrefixUpdated(text string, caret int, hasMatches bool) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()
	if caret < w.startCaret {
		w.watched = nil
		return DecisionRestart
	}
	for _, wp := range w.watched {
		if wp.Start < 0 || wp.Start > caret || caret > len(text) {
			continue
		}
		if wp.Restart(text[wp.Start:caret]) {
			w.watched = nil
			return DecisionRestart
		}
	}
	if w.autoPopup && !hasMatches {
		return DecisionDismiss
	}
	return DecisionContinue
}
