package timeout

import (
	"context"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
)

// Middleware wraps an LLM client with a per-request deadline. For streams the
// deadline covers the whole stream, and expiry is delivered as a final chunk.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		op := "llm " + next.GetModelName()
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				return Bound(ctx, op, duration, func(ctx context.Context) (llm.CompletionResponse, error) {
					return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
				})
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if duration <= 0 {
					return next.Stream(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				bounded, cancel := context.WithTimeout(ctx, duration)
				in, err := next.Stream(bounded, req)
				if err != nil {
					cancel()
					if expired(ctx, bounded) {
						return nil, &Error{Operation: op, Timeout: duration}
					}
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				out := make(chan llm.StreamChunk)
				go func() {
					defer close(out)
					defer cancel()
					forward(ctx, bounded, in, out,
						func() llm.StreamChunk { return llm.StreamChunk{Error: &Error{Operation: op, Timeout: duration}} },
						func(c llm.StreamChunk) bool { return c.Done || c.Error != nil })
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}

// UnitMiddleware bounds each invocation of a unit. Expiry is reported as
// *Error, which the unit's breaker and the strategy both see as a failure.
func UnitMiddleware(duration time.Duration) agent.Middleware {
	return func(next agent.Agent) agent.Agent {
		op := "unit " + next.Name()
		run := func(ctx context.Context, rc agent.Context) (agent.Result, error) {
			return Bound(ctx, op, duration, func(ctx context.Context) (agent.Result, error) {
				return next.Run(ctx, rc) //nolint:wrapcheck // Middleware should pass through errors unchanged
			})
		}

		nextStream := agent.StreamOf(next)
		if nextStream == nil {
			return agent.WrapAgent(next.Name(), run, nil)
		}
		stream := func(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error) {
			return BoundStream(ctx, op, duration, nextStream, rc)
		}
		return agent.WrapAgent(next.Name(), run, stream)
	}
}

// BoundStream starts a unit stream whose whole lifetime is bounded by d.
// Expiry is delivered as a final chunk carrying *Error. A non-positive d
// disables the bound.
func BoundStream(ctx context.Context, operation string, d time.Duration, start agent.StreamFunc, rc agent.Context) (<-chan agent.StreamChunk, error) {
	if d <= 0 {
		return start(ctx, rc)
	}
	bounded, cancel := context.WithTimeout(ctx, d)
	in, err := start(bounded, rc)
	if err != nil {
		cancel()
		if expired(ctx, bounded) {
			return nil, &Error{Operation: operation, Timeout: d}
		}
		return nil, err //nolint:wrapcheck // start errors pass through unchanged
	}
	out := make(chan agent.StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		forward(ctx, bounded, in, out,
			func() agent.StreamChunk { return agent.StreamChunk{Err: &Error{Operation: operation, Timeout: d}} },
			func(c agent.StreamChunk) bool { return c.Err != nil })
	}()
	return out, nil
}

// forward copies in to out until in closes, a terminal chunk is sent or the
// bounded context ends. On its own deadline it sends the chunk built by
// onExpiry. The remainder of in is drained so the producer can exit.
func forward[C any](parent, bounded context.Context, in <-chan C, out chan<- C, onExpiry func() C, terminal func(C) bool) {
	defer func() {
		go func() {
			for range in { //nolint:revive // drain
			}
		}()
	}()

	stop := func() {
		if expired(parent, bounded) {
			select {
			case out <- onExpiry():
			case <-parent.Done():
			}
		}
	}

	for {
		select {
		case c, ok := <-in:
			if !ok || bounded.Err() != nil {
				stop()
				return
			}
			select {
			case out <- c:
			case <-bounded.Done():
				stop()
				return
			}
			if terminal(c) {
				return
			}
		case <-bounded.Done():
			stop()
			return
		}
	}
}
