package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/resilience"
)

func TestUnitMiddlewareCountsFailedResults(t *testing.T) {
	b := New("unit", Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	calls := 0
	u := agent.WrapAgent("flaky", func(context.Context, agent.Context) (agent.Result, error) {
		calls++
		return agent.Failed("flaky", errors.New("upstream 500")), nil
	}, nil)

	wrapped := agent.Chain(u, UnitMiddleware(b))
	rc := agent.NewContext("q")

	for i := 0; i < 2; i++ {
		res, err := wrapped.Run(context.Background(), rc)
		if err != nil || res.Success {
			t.Fatalf("call %d: expected captured failure, got res=%+v err=%v", i, res, err)
		}
	}

	_, err := wrapped.Run(context.Background(), rc)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("third call err = %v, want ErrCircuitOpen", err)
	}
	if calls != 2 {
		t.Errorf("unit invoked %d times, want 2", calls)
	}
}

func TestUnitMiddlewareKeepsStreaming(t *testing.T) {
	b := New("unit", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	u := agent.WrapAgent("streamer",
		func(context.Context, agent.Context) (agent.Result, error) {
			return agent.Succeeded("streamer", "x"), nil
		},
		func(context.Context, agent.Context) (<-chan agent.StreamChunk, error) {
			ch := make(chan agent.StreamChunk, 2)
			ch <- agent.StreamChunk{Content: "partial"}
			ch <- agent.StreamChunk{Err: errors.New("cut off")}
			close(ch)
			return ch, nil
		})

	wrapped := agent.Chain(u, UnitMiddleware(b))
	s, ok := wrapped.(agent.Streamer)
	if !ok {
		t.Fatal("wrapped unit lost its Streamer capability")
	}

	ch, err := s.Stream(context.Background(), agent.NewContext("q"))
	if err != nil {
		t.Fatal(err)
	}
	for range ch { //nolint:revive // drain
	}

	if b.State() != Open {
		t.Errorf("stream error should count as failure, state = %s", b.State())
	}
}

func TestLLMMiddlewareRejectsWhenOpen(t *testing.T) {
	b := New("anthropic", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	calls := 0
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			return llm.CompletionResponse{}, errors.New("503")
		},
		func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			return nil, errors.New("unused")
		},
		func() string { return "model" },
	)

	client := llm.Chain(base, Middleware(b))
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")})

	_, _ = client.Complete(context.Background(), req)
	_, err := client.Complete(context.Background(), req)

	var cerr *Error
	if !errors.As(err, &cerr) || cerr.State != Open {
		t.Errorf("expected open circuit error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("client called %d times, want 1", calls)
	}
	if client.GetModelName() != "model" {
		t.Error("model name should pass through")
	}
}

func TestLLMMiddlewareStreamOutcome(t *testing.T) {
	b := New("openai", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, nil
		},
		func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk, 2)
			ch <- llm.StreamChunk{Content: "ok"}
			ch <- llm.StreamChunk{Done: true}
			close(ch)
			return ch, nil
		},
		func() string { return "model" },
	)

	ch, err := llm.Chain(base, Middleware(b)).Stream(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for range ch {
		n++
	}
	if n != 2 {
		t.Errorf("forwarded %d chunks, want 2", n)
	}
	if b.State() != Closed {
		t.Errorf("clean stream should keep breaker closed, state = %s", b.State())
	}
}
