// lookahead/provider.go
// Provider contract, the per-session request and the sink candidates are emitted into.
package lookahead

import (
	"context"
	"fmt"
	stdslog "log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// Request is the read-only position context handed to providers.
type Request struct {
	SessionID       string
	SurfaceID       string // Document identifier, e.g. an LSP URI.
	Text            string
	Offset          int // Caret byte offset into Text.
	Prefix          string
	Kind            CompletionKind
	InvocationCount int
	Version         int
}

// Sink receives candidates from a provider. It is only valid during Produce.
type Sink interface {
	// Emit forwards c with the session matcher. It returns false once the
	// session is cancelled; providers should stop producing then.
	Emit(c *Candidate) bool
	// EmitWithMatcher forwards c with a provider-specific matcher.
	EmitWithMatcher(c *Candidate, m PrefixMatcher) bool
	// Batch runs fn and delivers everything emitted inside it as one update.
	Batch(fn func())
	// Advertise queues hint text shown with the next refresh.
	Advertise(text string)
	// RestartOnPrefix restarts the session once the typed prefix satisfies restart.
	RestartOnPrefix(restart func(prefix string) bool)
	Cancelled() bool
}

// Provider produces candidates for a request. Implementations must check ctx
// (or Sink.Cancelled) between candidates and must not keep the sink after returning.
type Provider interface {
	Name() string
	Produce(ctx context.Context, req *Request, sink Sink) error
}

// Producer is the unit of work handed to a Dispatcher.
type Producer func(ctx context.Context, sink Sink) error

// fanOut returns a producer running every provider concurrently with at most
// limit in flight. Failures and panics are logged per provider and never abort siblings.
func fanOut(providers []Provider, req *Request, limit int, logger *stdslog.Logger) Producer {
	return func(ctx context.Context, sink Sink) error {
		var g errgroup.Group
		if limit > 0 {
			g.SetLimit(limit)
		}
		for _, p := range providers {
			sub := sink
			if f, ok := sink.(forkableSink); ok {
				sub = f.fork(p.Name())
			}
			g.Go(func() error {
				if err := runProvider(ctx, p, req, sub, logger); err != nil {
					logger.Warn("Provider failed", "provider", p.Name(), "error", err)
					metricProviderFailures(p.Name())
				}
				return nil
			})
		}
		return g.Wait()
	}
}

func runProvider(ctx context.Context, p Provider, req *Request, sink Sink, logger *stdslog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in provider", "provider", p.Name(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %s: panic: %v", ErrProviderFailed, p.Name(), r)
		}
	}()
	if ctx.Err() != nil {
		return nil
	}
	if perr := p.Produce(ctx, req, sink); perr != nil {
		if isCancellation(perr) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %s: %w", ErrProviderFailed, p.Name(), perr)
	}
	return nil
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc struct {
	ID string
	Fn func(ctx context.Context, req *Request, sink Sink) error
}

func (p ProviderFunc) Name() string { return p.ID }

func (p ProviderFunc) Produce(ctx context.Context, req *Request, sink Sink) error {
	return p.Fn(ctx, req, sink)
}

// StaticProvider emits a fixed list of lookup strings into one group.
type StaticProvider struct {
	ID    string
	Group string
	Items []string
}

func (p StaticProvider) Name() string { return p.ID }

func (p StaticProvider) Produce(ctx context.Context, _ *Request, sink Sink) error {
	group := p.Group
	if group == "" {
		group = p.ID
	}
	for _, text := range p.Items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sink.Emit(&Candidate{Text: text, Group: group, Source: p.ID}) {
			return ErrSessionCancelled
		}
	}
	return nil
}
