package timeout

import (
	"context"
	"errors"
	"testing"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/resilience"
)

// TestBoundExpiresBeforeSlowOperation verifies an operation needing T+1 under
// a deadline of T yields a timeout and never its result.
func TestBoundExpiresBeforeSlowOperation(t *testing.T) {
	const d = 20 * time.Millisecond

	for i := 0; i < 20; i++ {
		v, err := Bound(context.Background(), "slow", d, func(ctx context.Context) (string, error) {
			select {
			case <-time.After(d + 10*time.Millisecond):
				return "partial", nil
			case <-ctx.Done():
				return "cancelled-but-returned", nil
			}
		})
		if v != "" {
			t.Fatalf("iteration %d: got value %q, want none", i, v)
		}
		var terr *Error
		if !errors.As(err, &terr) {
			t.Fatalf("iteration %d: err = %v, want *Error", i, err)
		}
		if !errors.Is(err, resilience.ErrTimeout) {
			t.Fatalf("iteration %d: err should match ErrTimeout", i)
		}
	}
}

// TestBoundDoesNotWaitForUnwind verifies Bound returns at the deadline even if
// the operation ignores cancellation.
func TestBoundDoesNotWaitForUnwind(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Bound(context.Background(), "stubborn", 10*time.Millisecond, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(err, resilience.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Bound waited %v for the operation", elapsed)
	}
}

func TestBoundPassesResultAndErrors(t *testing.T) {
	v, err := Bound(context.Background(), "fast", time.Second, func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Errorf("Bound = %d, %v", v, err)
	}

	boom := errors.New("boom")
	err = Run(context.Background(), "failing", time.Second, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}

	v, err = Bound(context.Background(), "unbounded", 0, func(context.Context) (int, error) { return 3, nil })
	if err != nil || v != 3 {
		t.Errorf("zero duration should call through, got %d, %v", v, err)
	}
}

func TestBoundParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Bound(ctx, "op", time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	var terr *Error
	if errors.As(err, &terr) {
		t.Error("parent cancellation should not be reported as our timeout")
	}
}

func TestUnitMiddlewareTimesOut(t *testing.T) {
	slow := agent.WrapAgent("slow", func(ctx context.Context, _ agent.Context) (agent.Result, error) {
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}, nil)

	_, err := agent.Chain(slow, UnitMiddleware(10*time.Millisecond)).Run(context.Background(), agent.NewContext("q"))

	var terr *Error
	if !errors.As(err, &terr) || terr.Operation != "unit slow" {
		t.Errorf("err = %v, want *Error for unit slow", err)
	}
}

func TestUnitMiddlewareStreamExpiry(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	s := agent.WrapAgent("talker",
		func(context.Context, agent.Context) (agent.Result, error) { return agent.Result{}, nil },
		func(ctx context.Context, _ agent.Context) (<-chan agent.StreamChunk, error) {
			ch := make(chan agent.StreamChunk)
			go func() {
				defer close(ch)
				select {
				case ch <- agent.StreamChunk{Content: "first"}:
				case <-ctx.Done():
					return
				}
				<-release
			}()
			return ch, nil
		})

	wrapped := agent.Chain(s, UnitMiddleware(20*time.Millisecond)).(agent.Streamer)
	ch, err := wrapped.Stream(context.Background(), agent.NewContext("q"))
	if err != nil {
		t.Fatal(err)
	}

	var chunks []agent.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want content then timeout", len(chunks))
	}
	if chunks[0].Content != "first" || !errors.Is(chunks[1].Err, resilience.ErrTimeout) {
		t.Errorf("unexpected chunks %+v", chunks)
	}
}

func TestLLMMiddlewareKeepsStreamAlive(t *testing.T) {
	base := llm.WrapClient(
		func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "done"}, nil
		},
		func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk)
			go func() {
				defer close(ch)
				for _, part := range []string{"a", "b"} {
					time.Sleep(5 * time.Millisecond)
					if ctx.Err() != nil {
						ch <- llm.StreamChunk{Error: ctx.Err()}
						return
					}
					ch <- llm.StreamChunk{Content: part}
				}
				ch <- llm.StreamChunk{Done: true}
			}()
			return ch, nil
		},
		func() string { return "m" },
	)

	ch, err := llm.Chain(base, Middleware(time.Second)).Stream(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	var got string
	for c := range ch {
		if c.Error != nil {
			t.Fatalf("stream context was cancelled early: %v", c.Error)
		}
		got += c.Content
	}
	if got != "ab" {
		t.Errorf("got %q, want ab", got)
	}
}
