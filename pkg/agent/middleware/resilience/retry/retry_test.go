package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/agent/resilience"
)

type sentinelErr struct{ target error }

func (e sentinelErr) Error() string { return "guard: " + e.target.Error() }
func (e sentinelErr) Is(target error) bool { return target == e.target }

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("op: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"circuit open", sentinelErr{resilience.ErrCircuitOpen}, false},
		{"admission", sentinelErr{resilience.ErrAdmissionRejected}, false},
		{"guard timeout", sentinelErr{resilience.ErrTimeout}, true},
		{"auth", llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key"), false},
		{"provider rate limit", llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down"), true},
		{"503 text", errors.New("upstream returned 503"), true},
		{"unknown", errors.New("weird"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}, nil)

	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := p.CalculateDelay(i + 1); got != w {
			t.Errorf("CalculateDelay(%d) = %v, want %v", i+1, got, w)
		}
	}

	p.Config.Jitter = true
	for i := 0; i < 50; i++ {
		d := p.CalculateDelay(2)
		if d < 90*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-10%%", d)
		}
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 1}, nil)
	attempts := 0

	v, err := Do(context.Background(), p, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Do = %q, %v", v, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: time.Millisecond, BackoffFactor: 1}, nil)
	attempts := 0
	auth := llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")

	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		attempts++
		return 0, auth
	})
	if !errors.Is(err, auth) || attempts != 1 {
		t.Errorf("err = %v after %d attempts, want auth error after 1", err, attempts)
	}
}

func TestDoExhaustionYieldsServiceUnavailable(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 1}, nil)

	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, errors.New("502 bad gateway")
	})
	if !llmerrors.IsServiceUnavailable(err) {
		t.Errorf("err = %v, want service unavailable", err)
	}
}

func TestDoHonoursCancellationDuringBackoff(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Hour, BackoffFactor: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	first := errors.New("timeout talking to provider")
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(context.Context) (int, error) { return 0, first })
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, first) {
			t.Errorf("err = %v, want last attempt error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestMiddleware(t *testing.T) {
	calls := 0
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			if calls == 1 {
				return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "overloaded")
			}
			return llm.CompletionResponse{Content: "fine"}, nil
		},
		func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) { return nil, nil },
		func() string { return "m" },
	)

	p := NewPolicy(Config{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 1}, nil)
	resp, err := llm.Chain(base, Middleware(p)).Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "fine" || calls != 2 {
		t.Errorf("resp=%q err=%v calls=%d", resp.Content, err, calls)
	}
}
