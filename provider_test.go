// lookahead/provider_test.go
package lookahead

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectSink records emissions. With stopAfter > 0 it reports cancellation
// once that many candidates arrived.
type collectSink struct {
	mu        sync.Mutex
	items     []*Candidate
	batches   int
	watches   int
	adverts   []string
	stopAfter int
}

func (s *collectSink) Emit(c *Candidate) bool { return s.EmitWithMatcher(c, nil) }

func (s *collectSink) EmitWithMatcher(c *Candidate, _ PrefixMatcher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopAfter > 0 && len(s.items) >= s.stopAfter {
		return false
	}
	s.items = append(s.items, c)
	return true
}

func (s *collectSink) Batch(fn func()) {
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()
	fn()
}

func (s *collectSink) Advertise(text string) {
	s.mu.Lock()
	s.adverts = append(s.adverts, text)
	s.mu.Unlock()
}

func (s *collectSink) RestartOnPrefix(func(string) bool) {
	s.mu.Lock()
	s.watches++
	s.mu.Unlock()
}

func (s *collectSink) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopAfter > 0 && len(s.items) >= s.stopAfter
}

func (s *collectSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.items))
	for i, c := range s.items {
		out[i] = c.Text
	}
	return out
}

func (s *collectSink) byText(text string) *Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.items {
		if c.Text == text {
			return c
		}
	}
	return nil
}

func TestKeywordProvider(t *testing.T) {
	t.Run("basic completion offers keywords and predeclared names", func(t *testing.T) {
		sink := &collectSink{}
		require.NoError(t, KeywordProvider{}.Produce(context.Background(), &Request{Kind: KindBasic}, sink))
		got := sink.texts()
		assert.Contains(t, got, "func")
		assert.Contains(t, got, "return")
		assert.Contains(t, got, "string")
		assert.Contains(t, got, "nil")
		assert.Contains(t, got, "append")
		assert.Equal(t, ItemKeyword, sink.byText("func").Kind)
		assert.Equal(t, ItemFunction, sink.byText("append").Kind)
		assert.Equal(t, 1, sink.batches)
	})

	t.Run("smart completion skips keywords", func(t *testing.T) {
		sink := &collectSink{}
		require.NoError(t, KeywordProvider{}.Produce(context.Background(), &Request{Kind: KindSmart}, sink))
		assert.NotContains(t, sink.texts(), "func")
		assert.Contains(t, sink.texts(), "len")
	})

	t.Run("stops once the sink is cancelled", func(t *testing.T) {
		sink := &collectSink{stopAfter: 3}
		err := KeywordProvider{}.Produce(context.Background(), &Request{}, sink)
		assert.ErrorIs(t, err, ErrSessionCancelled)
		assert.Len(t, sink.texts(), 3)
	})

	t.Run("honours context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := KeywordProvider{}.Produce(ctx, &Request{}, &collectSink{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWordProvider(t *testing.T) {
	text := "counter := 1\ncounter++\nconfig, cfgErr := load()\nco"
	req := &Request{SurfaceID: "a", Text: text, Offset: len(text), Prefix: "co", InvocationCount: 1}
	docs := func() map[string]string {
		return map[string]string{
			"a": text,
			"b": "contextual words live here",
		}
	}

	t.Run("first invocation scans the buffer only", func(t *testing.T) {
		sink := &collectSink{}
		require.NoError(t, WordProvider{Documents: docs}.Produce(context.Background(), req, sink))
		assert.Equal(t, []string{"counter", "config", "cfgErr", "load"}, sink.texts())
	})

	t.Run("repeated invocation adds other documents", func(t *testing.T) {
		again := *req
		again.InvocationCount = 2
		sink := &collectSink{}
		require.NoError(t, WordProvider{Documents: docs}.Produce(context.Background(), &again, sink))
		got := sink.texts()
		assert.Contains(t, got, "contextual")
		assert.Contains(t, got, "words")
		assert.Contains(t, got, "here")
		assert.NotContains(t, got, "co", "the word being typed is never offered")
		assert.Less(t, sink.byText("contextual").Priority, sink.byText("counter").Priority)
	})

	t.Run("skips the word under the caret", func(t *testing.T) {
		tests := []struct {
			name   string
			text   string
			offset int
			prefix string
			want   []string
		}{
			{"caret inside word", "alpha beta", 8, "be", []string{"alpha"}},
			{"caret ends word", "alpha beta", 10, "beta", []string{"alpha"}},
			{"word repeated elsewhere", "betamax beta bet", 16, "bet", []string{"betamax", "beta"}},
			{"prefix disagrees with text", "alpha beta", 9, "b", []string{"alpha"}},
			{"offset past the end", "alpha beta", 99, "", []string{"alpha"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				sink := &collectSink{}
				r := &Request{Text: tt.text, Offset: tt.offset, Prefix: tt.prefix, InvocationCount: 1}
				require.NoError(t, WordProvider{}.Produce(context.Background(), r, sink))
				assert.Equal(t, tt.want, sink.texts())
			})
		}
	})
}

func TestScanWords(t *testing.T) {
	var got []string
	for _, w := range scanWords("ab abc 9lives _tmp héllo x.yz12") {
		got = append(got, w.text)
	}
	assert.Equal(t, []string{"abc", "_tmp", "héllo", "yz12"}, got)
}

func TestScopeProvider(t *testing.T) {
	if testing.Short() {
		t.Skip("loads packages with the go command")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go command not available")
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/scopetest\n\ngo 1.21\n"), 0o644))
	src := `package main

import "fmt"

const greeting = "hi"

func helper(count int) string { return fmt.Sprint(count) }

func main() {
	local := helper(1)
	lo
	later := 2
	_ = later
}
`
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	offset := strings.Index(src, "lo\n") + len("lo")

	mc := NewMemoryCache(1<<20, testLogger(t))
	t.Cleanup(mc.Close)
	p := NewScopeProvider(mc, time.Minute, testLogger(t))
	req := &Request{SurfaceID: "file://" + filepath.ToSlash(path), Text: src, Offset: offset, Prefix: "lo"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	sink := &collectSink{}
	require.NoError(t, p.Produce(ctx, req, sink))

	got := sink.texts()
	for _, want := range []string{"local", "main", "helper", "greeting", "fmt"} {
		assert.Contains(t, got, want)
	}
	assert.NotContains(t, got, "later", "locals declared after the caret are not in scope")

	local, pkgLevel := sink.byText("local"), sink.byText("greeting")
	require.NotNil(t, local)
	require.NotNil(t, pkgLevel)
	assert.Equal(t, ItemVariable, local.Kind)
	assert.Equal(t, "string", local.Detail)
	assert.Equal(t, ItemConstant, pkgLevel.Kind)
	assert.Greater(t, local.Priority, pkgLevel.Priority)
	assert.Equal(t, ItemPackage, sink.byText("fmt").Kind)

	// Typing further inside the identifier reuses the analysis.
	again := *req
	again.Text = strings.Replace(src, "\tlo\n", "\tloc\n", 1)
	again.Offset = offset + 1
	again.Prefix = "loc"
	require.NoError(t, p.Produce(ctx, &again, &collectSink{}))
	assert.GreaterOrEqual(t, mc.Hits(), uint64(1))
}

func TestScopeProvider_IgnoresOtherFiles(t *testing.T) {
	p := NewScopeProvider(nil, time.Minute, testLogger(t))

	sink := &collectSink{}
	require.NoError(t, p.Produce(context.Background(), &Request{SurfaceID: "/tmp/notes.txt", Text: "hello"}, sink))
	assert.Empty(t, sink.texts())

	err := p.Produce(context.Background(), &Request{SurfaceID: "https://example.com/x.go"}, sink)
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestFanOutLimitsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	slow := func(id string) Provider {
		return ProviderFunc{ID: id, Fn: func(ctx context.Context, _ *Request, sink Sink) error {
			mu.Lock()
			inFlight++
			peak = max(peak, inFlight)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			sink.Emit(&Candidate{Text: id})
			return nil
		}}
	}
	sink := &collectSink{}
	producer := fanOut([]Provider{slow("a"), slow("b"), slow("c"), slow("d")}, &Request{}, 2, testLogger(t))
	require.NoError(t, producer(context.Background(), sink))
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, sink.texts())
	assert.LessOrEqual(t, peak, 2)
}
