package google

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
)

func TestNewGeminiClientWithModel(t *testing.T) {
	client := NewGeminiClientWithModel("test-key", "gemini-2.5-flash")
	if client == nil {
		t.Fatal("expected client, got nil")
	}
	if got := client.GetModelName(); got != "gemini-2.5-flash" {
		t.Errorf("GetModelName() = %q, want %q", got, "gemini-2.5-flash")
	}
}

func TestConvertMessagesToGemini(t *testing.T) {
	tests := []struct {
		name        string
		messages    []llm.CompletionMessage
		wantLen     int
		wantSystem  string
		wantErr     bool
		wantRoleIdx map[int]string
	}{
		{name: "empty", wantErr: true},
		{
			name: "system extracted and roles mapped",
			messages: []llm.CompletionMessage{
				llm.NewSystemMessage("be brief"),
				llm.NewUserMessage("hi"),
				llm.NewAssistantMessage("hello"),
				llm.NewUserMessage("bye"),
			},
			wantLen:     3,
			wantSystem:  "be brief",
			wantRoleIdx: map[int]string{0: "user", 1: "model", 2: "user"},
		},
		{
			name:     "unsupported role",
			messages: []llm.CompletionMessage{{Role: "tool", Content: "x"}},
			wantErr:  true,
		},
		{
			name:     "only system",
			messages: []llm.CompletionMessage{llm.NewSystemMessage("rules")},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contents, system, err := convertMessagesToGemini(tt.messages)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(contents) != tt.wantLen {
				t.Errorf("len(contents) = %d, want %d", len(contents), tt.wantLen)
			}
			if system != tt.wantSystem {
				t.Errorf("system = %q, want %q", system, tt.wantSystem)
			}
			for idx, role := range tt.wantRoleIdx {
				if contents[idx].Role != role {
					t.Errorf("contents[%d].Role = %q, want %q", idx, contents[idx].Role, role)
				}
			}
		})
	}
}

func TestGetStopReason(t *testing.T) {
	tests := []struct {
		name   string
		result *genai.GenerateContentResponse
		want   string
	}{
		{"nil", nil, "unknown"},
		{"stop", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonStop}}}, "end_turn"},
		{"max tokens", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}}}, "max_tokens"},
		{"safety", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}, "SAFETY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getStopReason(tt.result); got != tt.want {
				t.Errorf("getStopReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	if got := classifyError(context.DeadlineExceeded); !errors.Is(got, context.DeadlineExceeded) {
		t.Errorf("deadline should pass through, got %v", got)
	}
	err := classifyError(errors.New("Error 429, Message: Resource has been exhausted, Status: RESOURCE_EXHAUSTED"))
	if !llmerrors.Is(err, llmerrors.ErrorTypeRateLimit) {
		t.Errorf("err = %v, want rate limit", err)
	}
}

func TestBadPromptBeforeClientCreation(t *testing.T) {
	client := NewGeminiClientWithModel("", "gemini")
	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if !llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt) {
		t.Errorf("err = %v, want bad prompt", err)
	}
}
