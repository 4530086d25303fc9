package retry

import (
	"context"

	"conductor/pkg/agent/llm"
)

// Middleware wraps an LLM client with retry logic. Streams are retried only
// while being established; once chunks flow, failures are the caller's to handle.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				return Do(ctx, policy, func(ctx context.Context) (llm.CompletionResponse, error) {
					return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
				})
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return Do(ctx, policy, func(ctx context.Context) (<-chan llm.StreamChunk, error) {
					return next.Stream(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
				})
			},
			next.GetModelName,
		)
	}
}
