// lookahead/dispatcher_test.go
package lookahead

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never finished")
	}
}

func dispatchers(t *testing.T) map[string]Dispatcher {
	return map[string]Dispatcher{
		DispatchSync:  NewSyncDispatcher(testLogger(t)),
		DispatchAsync: NewAsyncDispatcher(4, testLogger(t)),
	}
}

func TestDispatcher_DeliversAndFinishes(t *testing.T) {
	for mode, d := range dispatchers(t) {
		t.Run(mode, func(t *testing.T) {
			s := newTestSession(t, testConfig(t), nil, true)
			producer := fanOut([]Provider{
				StaticProvider{ID: "one", Items: []string{"alpha", "beta"}},
				StaticProvider{ID: "two", Items: []string{"gamma"}},
			}, s.request(), 2, testLogger(t))

			done, err := d.Dispatch(context.Background(), s, producer)
			require.NoError(t, err)
			waitDone(t, done)

			assert.False(t, s.IsRunning())
			assert.Equal(t, 3, s.Len())
			assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, s.Arrange(true).Texts())
			for _, c := range s.Arrange(true).Items {
				assert.NotEmpty(t, c.Source)
				assert.Equal(t, c.Source, c.Group, "group defaults to the provider name")
			}
		})
	}
}

func TestDispatcher_CancelledSession(t *testing.T) {
	for mode, d := range dispatchers(t) {
		t.Run(mode, func(t *testing.T) {
			s := newTestSession(t, testConfig(t), nil, true)
			s.Cancel()
			ran := false
			done, err := d.Dispatch(context.Background(), s, func(context.Context, Sink) error {
				ran = true
				return nil
			})
			assert.ErrorIs(t, err, ErrSessionCancelled)
			waitDone(t, done)
			assert.False(t, ran)
		})
	}
}

func TestDispatcher_PreconditionFailureCancelsSession(t *testing.T) {
	for mode, d := range dispatchers(t) {
		t.Run(mode, func(t *testing.T) {
			surface := NewMemorySurface("doc", "", 0)
			s := newTestSession(t, testConfig(t), surface, true)
			before := testutil.ToFloat64(preconditionFailures)

			done, err := d.Dispatch(context.Background(), s, func(ctx context.Context, sink Sink) error {
				surface.Invalidate()
				sink.Emit(&Candidate{Text: "first"})
				<-ctx.Done()
				return ctx.Err()
			})
			require.NoError(t, err)
			waitDone(t, done)

			assert.True(t, s.IsCancelled())
			assert.Zero(t, s.Len(), "no partial result after a failed precondition")
			assert.Equal(t, before+1, testutil.ToFloat64(preconditionFailures))
		})
	}
}

func TestDispatcher_ProviderFailuresAreIsolated(t *testing.T) {
	for mode, d := range dispatchers(t) {
		t.Run(mode, func(t *testing.T) {
			s := newTestSession(t, testConfig(t), nil, true)
			panics := testutil.ToFloat64(providerFailures.WithLabelValues("boom"))
			errs := testutil.ToFloat64(providerFailures.WithLabelValues("broken"))

			producer := fanOut([]Provider{
				ProviderFunc{ID: "boom", Fn: func(context.Context, *Request, Sink) error { panic("provider exploded") }},
				ProviderFunc{ID: "broken", Fn: func(context.Context, *Request, Sink) error { return errors.New("no index") }},
				StaticProvider{ID: "ok", Items: []string{"survivor"}},
			}, s.request(), 0, testLogger(t))

			done, err := d.Dispatch(context.Background(), s, producer)
			require.NoError(t, err)
			waitDone(t, done)

			assert.False(t, s.IsCancelled())
			assert.Equal(t, []string{"survivor"}, s.Arrange(true).Texts())
			assert.Equal(t, panics+1, testutil.ToFloat64(providerFailures.WithLabelValues("boom")))
			assert.Equal(t, errs+1, testutil.ToFloat64(providerFailures.WithLabelValues("broken")))
		})
	}
}

func TestDispatcher_CancellationIsNotAFailure(t *testing.T) {
	s := newTestSession(t, testConfig(t), nil, true)
	before := testutil.ToFloat64(providerFailures.WithLabelValues("quitter"))
	producer := fanOut([]Provider{
		ProviderFunc{ID: "quitter", Fn: func(context.Context, *Request, Sink) error { return ErrSessionCancelled }},
	}, s.request(), 0, testLogger(t))

	done, err := NewSyncDispatcher(testLogger(t)).Dispatch(context.Background(), s, producer)
	require.NoError(t, err)
	waitDone(t, done)
	assert.Equal(t, before, testutil.ToFloat64(providerFailures.WithLabelValues("quitter")))
}

func TestDispatcher_BatchDeliversAtOnce(t *testing.T) {
	s := newTestSession(t, testConfig(t), nil, true)
	var during int
	done, err := NewSyncDispatcher(testLogger(t)).Dispatch(context.Background(), s, func(ctx context.Context, sink Sink) error {
		sink.Batch(func() {
			sink.Emit(&Candidate{Text: "one", Group: "g"})
			sink.Emit(&Candidate{Text: "two", Group: "g"})
			during = s.Len()
		})
		return nil
	})
	require.NoError(t, err)
	waitDone(t, done)
	assert.Zero(t, during)
	assert.Equal(t, 2, s.Len())
}

func TestDispatcher_SinkExtras(t *testing.T) {
	surface := NewMemorySurface("doc", "zz", 2)
	s := newTestSession(t, testConfig(t), surface, true)
	done, err := NewSyncDispatcher(testLogger(t)).Dispatch(context.Background(), s, func(ctx context.Context, sink Sink) error {
		sink.Advertise("press again for more")
		sink.RestartOnPrefix(func(p string) bool { return len(p) > 3 })
		sink.Emit(&Candidate{Text: "filtered", Group: "g"})
		sink.EmitWithMatcher(&Candidate{Text: "anything", Group: "g"}, acceptAllMatcher{})
		assert.False(t, sink.Cancelled())
		return nil
	})
	require.NoError(t, err)
	waitDone(t, done)

	assert.Equal(t, []string{"press again for more"}, s.Advertisements())
	assert.Equal(t, 1, s.Watcher().Len())
	assert.Equal(t, []string{"anything"}, s.Arrange(true).Texts())
}

func TestDispatcher_ContextCancelledBeforeStart(t *testing.T) {
	s := newTestSession(t, testConfig(t), nil, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	release := make(chan struct{})
	defer close(release)
	done, err := NewAsyncDispatcher(1, testLogger(t)).Dispatch(ctx, s, func(ctx context.Context, sink Sink) error {
		<-release
		return nil
	})
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, s.IsCancelled())
	}
	assert.NotNil(t, done)
}

func TestNewDispatcher(t *testing.T) {
	assert.IsType(t, &SyncDispatcher{}, NewDispatcher(DispatchSync, 0, nil))
	assert.IsType(t, &AsyncDispatcher{}, NewDispatcher(DispatchAsync, 0, nil))
	assert.IsType(t, &AsyncDispatcher{}, NewDispatcher("", 0, nil))
}

// acceptAllMatcher matches every candidate, e.g. for providers that filter themselves.
type acceptAllMatcher struct{}

func (acceptAllMatcher) Prefix() string                         { return "" }
func (acceptAllMatcher) Matches(*Candidate) bool                { return true }
func (acceptAllMatcher) IsStartMatch(*Candidate) bool           { return true }
func (m acceptAllMatcher) CloneWithPrefix(string) PrefixMatcher { return m }
