// lookahead/surface_test.go
package lookahead

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySurface(t *testing.T) {
	t.Run("caret is clamped", func(t *testing.T) {
		assert.Equal(t, 3, NewMemorySurface("a", "abc", -1).Caret())
		assert.Equal(t, 3, NewMemorySurface("a", "abc", 10).Caret())
		assert.Equal(t, 1, NewMemorySurface("a", "abc", 1).Caret())
	})

	t.Run("replace", func(t *testing.T) {
		s := NewMemorySurface("a", "fmt.Pri", 7)
		require.NoError(t, s.Replace(4, 7, "Println"))
		assert.Equal(t, "fmt.Println", s.Text())
		assert.Equal(t, 11, s.Caret())
		assert.Equal(t, 1, s.Version())

		assert.ErrorIs(t, s.Replace(5, 4, "x"), ErrPositionOutOfRange)
		assert.ErrorIs(t, s.Replace(0, 99, "x"), ErrPositionOutOfRange)
		assert.Equal(t, 1, s.Version())
	})

	t.Run("type and backspace", func(t *testing.T) {
		s := NewMemorySurface("a", "", 0)
		require.NoError(t, s.Type("hé"))
		assert.Equal(t, "hé", s.Text())
		require.NoError(t, s.Backspace())
		assert.Equal(t, "h", s.Text())
		assert.Equal(t, 1, s.Caret())
		require.NoError(t, s.Backspace())
		require.NoError(t, s.Backspace())
		assert.Empty(t, s.Text())
	})

	t.Run("on replace callback", func(t *testing.T) {
		s := NewMemorySurface("a", "ab", 2)
		var gotText string
		var gotCaret int
		s.OnReplace(func(text string, caret int) {
			gotText, gotCaret = text, caret
			// Runs outside the lock.
			_ = s.Text()
		})
		require.NoError(t, s.Type("c"))
		assert.Equal(t, "abc", gotText)
		assert.Equal(t, 3, gotCaret)
	})

	t.Run("read only", func(t *testing.T) {
		s := NewMemorySurface("a", "// header\ncode", 0)
		assert.False(t, s.ReadOnly(0))
		s.SetReadOnly(func(offset int) bool { return offset < 10 })
		assert.True(t, s.ReadOnly(3))
		assert.False(t, s.ReadOnly(12))
	})

	t.Run("invalidate", func(t *testing.T) {
		s := NewMemorySurface("a", "abc", 3)
		assert.True(t, s.Valid())
		s.Invalidate()
		assert.False(t, s.Valid())
		assert.ErrorIs(t, s.Type("d"), ErrSurfaceInvalid)
		assert.Equal(t, "abc", s.Text())
	})

	t.Run("commit", func(t *testing.T) {
		s := NewMemorySurface("a", "abc", 3)
		assert.True(t, s.Committed())
		s.SetPending(true)
		assert.False(t, s.Committed())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, s.Commit(ctx), context.Canceled)
		assert.False(t, s.Committed())

		require.NoError(t, s.Commit(context.Background()))
		assert.True(t, s.Committed())
	})

	t.Run("set text and caret", func(t *testing.T) {
		s := NewMemorySurface("a", "abc", 3)
		s.SetText("abcdef", 4)
		assert.Equal(t, "abcdef", s.Text())
		assert.Equal(t, 4, s.Caret())
		s.SetCaret(99)
		assert.Equal(t, 4, s.Caret())
		s.SetCaret(0)
		assert.Equal(t, 0, s.Caret())
		s.SetText("xy", -1)
		assert.Equal(t, 2, s.Caret())
	})
}

func TestChannelView(t *testing.T) {
	v := NewChannelView(2)
	list := RankedList{Items: candidates("g", "a"), Selected: 0}

	v.Show(list)
	v.Refresh(list, true)
	v.Hint("No suggestions")
	v.Hide(true)

	// The buffer holds two events; the oldest were dropped.
	require.Len(t, v.Events(), 2)
	first := <-v.Events()
	assert.Equal(t, ViewHint, first.Kind)
	assert.Equal(t, "No suggestions", first.Hint)
	second := <-v.Events()
	assert.Equal(t, ViewHide, second.Kind)
	assert.True(t, second.Restore)

	t.Run("default size", func(t *testing.T) {
		v := NewChannelView(0)
		assert.Equal(t, 16, cap(v.events))
	})

	var _ View = v
	var _ View = NopView{}
	var _ EditingSurface = (*MemorySurface)(nil)
}
