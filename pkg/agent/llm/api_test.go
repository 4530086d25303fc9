package llm

import (
	"context"
	"errors"
	"io"
	"testing"
)

type mockLLMClient struct {
	completeFunc     func(context.Context, CompletionRequest) (CompletionResponse, error)
	streamFunc       func(context.Context, CompletionRequest) (<-chan StreamChunk, error)
	getModelNameFunc func() string
}

func (m *mockLLMClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	return CompletionResponse{}, nil
}

func (m *mockLLMClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func (m *mockLLMClient) GetModelName() string {
	if m.getModelNameFunc != nil {
		return m.getModelNameFunc()
	}
	return "mock"
}

// TestNewCompletionRequest tests completion request creation with defaults.
func TestNewCompletionRequest(t *testing.T) {
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})

	if len(req.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(req.Messages))
	}
	if req.MaxTokens != DefaultMaxTokens {
		t.Errorf("expected MaxTokens=%d, got %d", DefaultMaxTokens, req.MaxTokens)
	}
	if req.Temperature != TemperatureDefault {
		t.Errorf("expected Temperature=%v, got %v", TemperatureDefault, req.Temperature)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CompletionRequest
		wantErr bool
	}{
		{"valid", NewCompletionRequest([]CompletionMessage{NewUserMessage("x")}), false},
		{"no messages", CompletionRequest{}, true},
		{"negative tokens", CompletionRequest{Messages: []CompletionMessage{NewUserMessage("x")}, MaxTokens: -1}, true},
		{"hot", CompletionRequest{Messages: []CompletionMessage{NewUserMessage("x")}, Temperature: 2.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]CompletionMessage{
		NewSystemMessage("be brief"),
		NewUserMessage("hi"),
		NewSystemMessage("cite sources"),
		NewAssistantMessage("hello"),
	})

	if system != "be brief\n\ncite sources" {
		t.Errorf("unexpected system text %q", system)
	}
	if len(rest) != 2 || rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Errorf("unexpected conversation %+v", rest)
	}
}

func TestSingleChunkStream(t *testing.T) {
	ch := SingleChunkStream(context.Background(), func(context.Context) (CompletionResponse, error) {
		return CompletionResponse{Content: "whole"}, nil
	})
	content, err := io.ReadAll(StreamToReader(ch))
	if err != nil || string(content) != "whole" {
		t.Errorf("got %q, %v", content, err)
	}

	boom := errors.New("boom")
	ch = SingleChunkStream(context.Background(), func(context.Context) (CompletionResponse, error) {
		return CompletionResponse{}, boom
	})
	first := <-ch
	if !errors.Is(first.Error, boom) {
		t.Errorf("expected error chunk, got %+v", first)
	}
	if _, open := <-ch; open {
		t.Error("stream should be closed after the error chunk")
	}
}

func TestStreamToReader(t *testing.T) {
	tests := []struct {
		name     string
		chunks   []StreamChunk
		expected string
		hasError bool
	}{
		{
			name:     "successful stream",
			chunks:   []StreamChunk{{Content: "Hello"}, {Content: " "}, {Content: "World", Done: true}},
			expected: "Hello World",
		},
		{
			name:     "stream with error",
			chunks:   []StreamChunk{{Content: "Hello"}, {Error: io.ErrUnexpectedEOF}},
			expected: "Hello",
			hasError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := make(chan StreamChunk, len(tt.chunks))
			for _, chunk := range tt.chunks {
				stream <- chunk
			}
			close(stream)

			content, err := io.ReadAll(StreamToReader(stream))
			if tt.hasError != (err != nil) {
				t.Errorf("error = %v, hasError %v", err, tt.hasError)
			}
			if string(content) != tt.expected {
				t.Errorf("expected content %q, got %q", tt.expected, string(content))
			}
		})
	}
}
