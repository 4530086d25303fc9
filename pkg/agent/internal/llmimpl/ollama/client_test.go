package ollama

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
)

func TestNewOllamaClientWithModel(t *testing.T) {
	tests := []struct {
		name    string
		hostURL string
		model   string
	}{
		{name: "valid host and model", hostURL: "http://localhost:11434", model: "phi4:latest"},
		{name: "custom host", hostURL: "http://192.168.1.100:11434", model: "llama3.1:8b"},
		{name: "invalid URL falls back to default", hostURL: "not-a-valid-url", model: "mistral:7b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewOllamaClientWithModel(tt.hostURL, tt.model)
			require.NotNil(t, client)
			assert.Equal(t, tt.model, client.GetModelName())
		})
	}

	c, ok := NewOllamaClientWithModel("not-a-valid-url", "m").(*Client)
	require.True(t, ok)
	assert.Equal(t, DefaultHost, c.hostURL)
}

func TestConvertMessagesToOllama(t *testing.T) {
	_, err := convertMessagesToOllama(nil)
	require.Error(t, err)

	msgs, err := convertMessagesToOllama([]llm.CompletionMessage{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("hi"),
		llm.NewAssistantMessage("hello"),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "hello", msgs[2].Content)

	_, err = convertMessagesToOllama([]llm.CompletionMessage{{Role: "tool", Content: "x"}})
	require.Error(t, err)
}

func TestGetStopReason(t *testing.T) {
	tests := []struct {
		resp api.ChatResponse
		want string
	}{
		{api.ChatResponse{Done: false}, "incomplete"},
		{api.ChatResponse{Done: true}, "end_turn"},
		{api.ChatResponse{Done: true, DoneReason: "stop"}, "end_turn"},
		{api.ChatResponse{Done: true, DoneReason: "length"}, "max_tokens"},
		{api.ChatResponse{Done: true, DoneReason: "load"}, "load"},
	}
	for _, tt := range tests {
		resp := tt.resp
		assert.Equal(t, tt.want, getStopReason(&resp))
	}
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, classifyError(nil))
	assert.True(t, errors.Is(classifyError(context.Canceled), context.Canceled))

	err := classifyError(errors.New("dial tcp 127.0.0.1:11434: connection refused"))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))

	err = classifyError(api.StatusError{StatusCode: http.StatusNotFound, ErrorMessage: "model \"x\" not found"})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))
}

func TestStreamAndComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/x-ndjson")
		if strings.Contains(string(body), `"stream":true`) {
			_, _ = io.WriteString(w, `{"model":"m","message":{"role":"assistant","content":"Hel"},"done":false}`+"\n")
			_, _ = io.WriteString(w, `{"model":"m","message":{"role":"assistant","content":"lo"},"done":false}`+"\n")
			_, _ = io.WriteString(w, `{"model":"m","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`+"\n")
			return
		}
		_, _ = io.WriteString(w, `{"model":"m","message":{"role":"assistant","content":"Hello"},"done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":2}`+"\n")
	}))
	defer srv.Close()

	client := NewOllamaClientWithModel(srv.URL, "m")
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")})

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 4, resp.Usage.InputTokens)

	ch, err := client.Stream(context.Background(), req)
	require.NoError(t, err)
	var text strings.Builder
	var done bool
	for chunk := range ch {
		require.NoError(t, chunk.Error)
		text.WriteString(chunk.Content)
		done = done || chunk.Done
	}
	assert.Equal(t, "Hello", text.String())
	assert.True(t, done)
}
