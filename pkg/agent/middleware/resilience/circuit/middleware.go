package circuit

import (
	"context"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
)

// Middleware wraps an LLM client with breaker. If the circuit is open, requests
// are rejected immediately without calling the underlying client. A stream
// counts as one call whose outcome is known when the stream ends.
func Middleware(breaker *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				return Execute(ctx, breaker, func(ctx context.Context) (llm.CompletionResponse, error) {
					return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
				})
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				ticket, err := breaker.Allow()
				if err != nil {
					return nil, err
				}
				ch, err := next.Stream(ctx, req)
				if err != nil {
					breaker.Record(ticket, err)
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				return observeLLMStream(ctx, ch, func(err error) { breaker.Record(ticket, err) }), nil
			},
			next.GetModelName,
		)
	}
}

// observeLLMStream forwards in and reports the first error once in is
// closed. Once ctx is done chunks are drained instead of forwarded.
func observeLLMStream(ctx context.Context, in <-chan llm.StreamChunk, done func(error)) <-chan llm.StreamChunk {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		var streamErr error
		for chunk := range in {
			if chunk.Error != nil && streamErr == nil {
				streamErr = chunk.Error
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
		if streamErr == nil && ctx.Err() != nil {
			streamErr = ctx.Err()
		}
		done(streamErr)
	}()
	return out
}

// UnitMiddleware wraps an execution unit with breaker. A result with Success
// false counts as a failure even when Run returned no error.
func UnitMiddleware(breaker *Breaker) agent.Middleware {
	return func(next agent.Agent) agent.Agent {
		run := func(ctx context.Context, rc agent.Context) (agent.Result, error) {
			ticket, err := breaker.Allow()
			if err != nil {
				return agent.Result{}, err
			}
			res, err := next.Run(ctx, rc)
			outcome := err
			if outcome == nil {
				outcome = res.AsError()
			}
			breaker.Record(ticket, outcome)
			return res, err //nolint:wrapcheck // Middleware should pass through errors unchanged
		}

		nextStream := agent.StreamOf(next)
		if nextStream == nil {
			return agent.WrapAgent(next.Name(), run, nil)
		}
		stream := func(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error) {
			ticket, err := breaker.Allow()
			if err != nil {
				return nil, err
			}
			ch, err := nextStream(ctx, rc)
			if err != nil {
				breaker.Record(ticket, err)
				return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			}
			out := make(chan agent.StreamChunk)
			go func() {
				defer close(out)
				var streamErr error
				for chunk := range ch {
					if chunk.Err != nil && streamErr == nil {
						streamErr = chunk.Err
					}
					select {
					case out <- chunk:
					case <-ctx.Done():
					}
				}
				if streamErr == nil && ctx.Err() != nil {
					streamErr = ctx.Err()
				}
				breaker.Record(ticket, streamErr)
			}()
			return out, nil
		}
		return agent.WrapAgent(next.Name(), run, stream)
	}
}
