package metrics

import (
	"context"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/middleware/resilience/circuit"
	"conductor/pkg/agent/resilience"
	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor is a function that extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor prefers provider-reported usage and falls back to
// TikToken counting.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return resp.Usage.InputTokens, resp.Usage.OutputTokens
	}

	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	return utils.CountTokensSimple(promptText), utils.CountTokensSimple(resp.Content)
}

// Middleware returns a middleware function that records metrics for LLM operations.
// It tracks request latency, token usage, success/failure rates, and error types.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				}

				recorder.ObserveRequest(model, promptTokens, completionTokens, err == nil, errorType(err), duration)

				if logger != nil {
					logger.Debug("LLM Request: model=%s tokens=%d+%d status=%s duration=%dms",
						model, promptTokens, completionTokens, status(err == nil), duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				model := next.GetModelName()

				ch, err := next.Stream(ctx, req)
				if err != nil {
					recorder.ObserveRequest(model, 0, 0, false, errorType(err), time.Since(start))
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}

				// Token counts are not tracked for streams.
				out := make(chan llm.StreamChunk)
				go func() {
					defer close(out)
					var streamErr error
					for chunk := range ch {
						if chunk.Error != nil {
							streamErr = chunk.Error
						}
						select {
						case out <- chunk:
						case <-ctx.Done():
							streamErr = ctx.Err()
							for range ch { //nolint:revive // drain
							}
							recorder.ObserveRequest(model, 0, 0, false, errorType(streamErr), time.Since(start))
							return
						}
					}
					recorder.ObserveRequest(model, 0, 0, streamErr == nil, errorType(streamErr), time.Since(start))
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}

// UnitMiddleware records one observation per unit invocation. A result with
// Success false counts as a failure.
func UnitMiddleware(recorder Recorder) agent.Middleware {
	if recorder == nil {
		recorder = Nop()
	}
	return func(next agent.Agent) agent.Agent {
		name := next.Name()

		run := func(ctx context.Context, rc agent.Context) (agent.Result, error) {
			start := time.Now()
			res, err := next.Run(ctx, rc)
			outcome := err
			if outcome == nil {
				outcome = res.AsError()
			}
			recorder.ObserveUnit(name, outcome == nil, errorType(outcome), time.Since(start))
			return res, err //nolint:wrapcheck // pass through
		}

		var stream agent.StreamFunc
		if inner := agent.StreamOf(next); inner != nil {
			stream = func(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error) {
				start := time.Now()
				ch, err := inner(ctx, rc)
				if err != nil {
					recorder.ObserveUnit(name, false, errorType(err), time.Since(start))
					return nil, err //nolint:wrapcheck // pass through
				}
				out := make(chan agent.StreamChunk)
				go func() {
					defer close(out)
					var streamErr error
					for chunk := range ch {
						if chunk.Err != nil {
							streamErr = chunk.Err
						}
						select {
						case out <- chunk:
						case <-ctx.Done():
							if streamErr == nil {
								streamErr = ctx.Err()
							}
							for range ch { //nolint:revive // drain
							}
							recorder.ObserveUnit(name, false, errorType(streamErr), time.Since(start))
							return
						}
					}
					recorder.ObserveUnit(name, streamErr == nil, errorType(streamErr), time.Since(start))
				}()
				return out, nil
			}
		}

		return agent.WrapAgent(name, run, stream)
	}
}

// BreakerListener reports breaker transitions to recorder and the log.
func BreakerListener(recorder Recorder, logger *logx.Logger) circuit.Listener {
	return func(tr circuit.Transition) {
		recorder.ObserveBreaker(tr.Name, tr.From.String(), tr.To.String())
		if logger != nil {
			logger.Warn("circuit breaker %s: %s -> %s (failures=%d)", tr.Name, tr.From, tr.To, tr.Failures)
		}
	}
}

// errorType classifies errors for metrics labeling.
func errorType(err error) string {
	if err == nil {
		return ""
	}
	return resilience.Classify(err).String()
}
