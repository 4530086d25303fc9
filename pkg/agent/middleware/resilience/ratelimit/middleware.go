package ratelimit

import (
	"context"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/logx"
)

// Middleware returns a middleware that admits each provider call against l,
// keyed by model name. Rejected calls fail immediately with *Error.
func Middleware(l Limiter, recorder metrics.Recorder) llm.Middleware {
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		admit := func(ctx context.Context) error {
			model := next.GetModelName()
			if err := Admit(ctx, l, model); err != nil {
				recorder.IncThrottle(model, "rate_limit")
				logx.Infof("RATELIMIT: %s provider limit hit: %v", model, err)
				return err
			}
			return nil
		}

		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if err := admit(ctx); err != nil {
					return llm.CompletionResponse{}, err
				}
				return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if err := admit(ctx); err != nil {
					return nil, err
				}
				return next.Stream(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
