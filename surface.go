// lookahead/surface.go
// Editing surface and view collaborators, plus an in-memory surface used by the CLI, TUI and tests.
package lookahead

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"
)

// EditingSurface is the document the engine completes in.
type EditingSurface interface {
	ID() string
	Text() string
	Caret() int // Byte offset into Text.
	Version() int
	// Committed reports whether pending edits are already applied.
	Committed() bool
	Commit(ctx context.Context) error
	ReadOnly(offset int) bool
	// Valid turns false once the surface is closed or replaced.
	Valid() bool
	// Replace substitutes text[start:end] and moves the caret after it.
	Replace(start, end int, text string) error
}

// View renders the candidate list. It is only called from the controller loop
// and must accept empty lists.
type View interface {
	Show(list RankedList)
	Refresh(list RankedList, justOpened bool)
	Hide(restoreDocument bool)
	Hint(text string)
}

// NopView discards every call.
type NopView struct{}

func (NopView) Show(RankedList)          {}
func (NopView) Refresh(RankedList, bool) {}
func (NopView) Hide(bool)                {}
func (NopView) Hint(string)              {}

// MemorySurface is a thread-safe in-memory EditingSurface.
type MemorySurface struct {
	mu        sync.Mutex
	id        string
	text      string
	caret     int
	version   int
	pending   bool
	valid     bool
	readOnly  func(offset int) bool
	onReplace func(text string, caret int)
}

// NewMemorySurface returns a surface holding text with the caret at caret.
func NewMemorySurface(id, text string, caret int) *MemorySurface {
	if caret < 0 || caret > len(text) {
		caret = len(text)
	}
	return &MemorySurface{id: id, text: text, caret: caret, valid: true}
}

func (s *MemorySurface) ID() string { return s.id }

func (s *MemorySurface) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *MemorySurface) Caret() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caret
}

func (s *MemorySurface) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *MemorySurface) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pending
}

func (s *MemorySurface) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()
	return nil
}

func (s *MemorySurface) ReadOnly(offset int) bool {
	s.mu.Lock()
	ro := s.readOnly
	s.mu.Unlock()
	return ro != nil && ro(offset)
}

func (s *MemorySurface) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *MemorySurface) Replace(start, end int, text string) error {
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return ErrSurfaceInvalid
	}
	if start < 0 || end < start || end > len(s.text) {
		s.mu.Unlock()
		return fmt.Errorf("%w: replace [%d,%d) in text of length %d", ErrPositionOutOfRange, start, end, len(s.text))
	}
	s.text = s.text[:start] + text + s.text[end:]
	s.caret = start + len(text)
	s.version++
	cb, newText, caret := s.onReplace, s.text, s.caret
	s.mu.Unlock()
	if cb != nil {
		cb(newText, caret)
	}
	return nil
}

// Type inserts text at the caret as user typing would.
func (s *MemorySurface) Type(text string) error {
	caret := s.Caret()
	return s.Replace(caret, caret, text)
}

// Backspace deletes the rune before the caret.
func (s *MemorySurface) Backspace() error {
	s.mu.Lock()
	caret, text := s.caret, s.text
	s.mu.Unlock()
	if caret == 0 {
		return nil
	}
	_, size := utf8.DecodeLastRuneInString(text[:caret])
	return s.Replace(caret-size, caret, "")
}

// SetText replaces the whole content, e.g. after a full-document sync.
func (s *MemorySurface) SetText(text string, caret int) {
	s.mu.Lock()
	if caret < 0 || caret > len(text) {
		caret = len(text)
	}
	s.text, s.caret = text, caret
	s.version++
	s.mu.Unlock()
}

// SetCaret moves the caret without editing.
func (s *MemorySurface) SetCaret(caret int) {
	s.mu.Lock()
	if caret >= 0 && caret <= len(s.text) {
		s.caret = caret
	}
	s.mu.Unlock()
}

// SetPending marks the surface as holding uncommitted input.
func (s *MemorySurface) SetPending(pending bool) {
	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()
}

// SetReadOnly installs a guarded-region predicate.
func (s *MemorySurface) SetReadOnly(fn func(offset int) bool) {
	s.mu.Lock()
	s.readOnly = fn
	s.mu.Unlock()
}

// OnReplace registers a callback run after every Replace, outside the lock.
func (s *MemorySurface) OnReplace(fn func(text string, caret int)) {
	s.mu.Lock()
	s.onReplace = fn
	s.mu.Unlock()
}

// Invalidate marks the surface closed.
func (s *MemorySurface) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// ViewEventKind tags the View call a ViewEvent records.
type ViewEventKind int

const (
	ViewShow ViewEventKind = iota
	ViewRefresh
	ViewHide
	ViewHint
)

// ViewEvent is one View call forwarded by ChannelView.
type ViewEvent struct {
	Kind       ViewEventKind
	List       RankedList
	JustOpened bool
	Restore    bool
	Hint       string
}

// ChannelView forwards View calls to a buffered channel for a UI running on
// another goroutine. When the buffer is full the oldest event is dropped.
type ChannelView struct {
	events chan ViewEvent
}

// NewChannelView returns a view buffering up to size events.
func NewChannelView(size int) *ChannelView {
	if size <= 0 {
		size = 16
	}
	return &ChannelView{events: make(chan ViewEvent, size)}
}

// Events returns the receive side of the view.
func (v *ChannelView) Events() <-chan ViewEvent { return v.events }

func (v *ChannelView) Show(list RankedList) { v.send(ViewEvent{Kind: ViewShow, List: list}) }

func (v *ChannelView) Refresh(list RankedList, justOpened bool) {
	v.send(ViewEvent{Kind: ViewRefresh, List: list, JustOpened: justOpened})
}

func (v *ChannelView) Hide(restoreDocument bool) {
	v.send(ViewEvent{Kind: ViewHide, Restore: restoreDocument})
}

func (v *ChannelView) Hint(text string) { v.send(ViewEvent{Kind: ViewHint, Hint: text}) }

func (v *ChannelView) send(ev ViewEvent) {
	for {
		select {
		case v.events <- ev:
			return
		default:
		}
		select {
		case <-v.events:
		default:
		}
	}
}
