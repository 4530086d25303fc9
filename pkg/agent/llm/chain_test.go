package llm

import (
	"context"
	"errors"
	"testing"
)

// tagging returns a middleware that wraps Complete output as pre+content+post.
func tagging(pre, post string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err
				}
				resp.Content = pre + resp.Content + post
				return resp, nil
			},
			next.Stream,
			next.GetModelName,
		)
	}
}

// TestChainMultipleMiddlewares verifies that earlier middlewares are outermost.
func TestChainMultipleMiddlewares(t *testing.T) {
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			return CompletionResponse{Content: "base"}, nil
		},
	}

	client := Chain(base, tagging("mw1:", ""), tagging("", ":mw2"), tagging("[", "]"))
	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("test")}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// base -> [base] -> [base]:mw2 -> mw1:[base]:mw2
	if want := "mw1:[base]:mw2"; resp.Content != want {
		t.Errorf("expected %q, got %q", want, resp.Content)
	}
}

// TestChainShortCircuit verifies a middleware can stop the call before the base client.
func TestChainShortCircuit(t *testing.T) {
	baseCalled := false
	base := &mockLLMClient{
		completeFunc: func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			baseCalled = true
			return CompletionResponse{}, nil
		},
	}
	refuse := errors.New("refused")
	blocker := func(next LLMClient) LLMClient {
		return WrapClient(
			func(context.Context, CompletionRequest) (CompletionResponse, error) {
				return CompletionResponse{}, refuse
			},
			next.Stream,
			next.GetModelName,
		)
	}

	_, err := Chain(base, blocker).Complete(context.Background(), CompletionRequest{})
	if !errors.Is(err, refuse) {
		t.Errorf("expected refusal, got %v", err)
	}
	if baseCalled {
		t.Error("base client should not be called")
	}
}

func TestChainNoMiddlewares(t *testing.T) {
	base := &mockLLMClient{getModelNameFunc: func() string { return "m" }}
	if Chain(base) != LLMClient(base) {
		t.Error("Chain without middlewares should return the base client")
	}
	if Chain(base, tagging("", "")).GetModelName() != "m" {
		t.Error("model name should propagate through middleware")
	}
}
