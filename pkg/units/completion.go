// Package units provides the reference execution units: an LLM completion
// unit with streaming, an LLM classifier for routing and an echo unit.
package units

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

// Usage keys reported in Result.Usage.
const (
	UsageInputTokens  = "input_tokens"
	UsageOutputTokens = "output_tokens"
)

// SourcesPlaceholder in a system prompt is replaced by the formatted sources.
const SourcesPlaceholder = "{sources}"

const maxSourceChars = 2000

// Completion answers the request input with one LLM call. Sources found in
// the context metadata are formatted into the system prompt and passed
// through as artifacts.
type Completion struct {
	name        string
	client      llm.LLMClient
	system      string
	maxTokens   int
	temperature float32
	finalPrefix string
	counter     *utils.TokenCounter
	logger      *logx.Logger
}

// CompletionOption configures a Completion.
type CompletionOption func(*Completion)

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) CompletionOption {
	return func(c *Completion) { c.system = prompt }
}

// WithMaxTokens bounds the response length.
func WithMaxTokens(n int) CompletionOption {
	return func(c *Completion) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) CompletionOption {
	return func(c *Completion) { c.temperature = float32(t) }
}

// WithFinalPrefix marks a response starting with prefix as final: the prefix
// is stripped and a pipeline stops after this unit.
func WithFinalPrefix(prefix string) CompletionOption {
	return func(c *Completion) { c.finalPrefix = prefix }
}

// NewCompletion creates a completion unit.
func NewCompletion(name string, client llm.LLMClient, opts ...CompletionOption) *Completion {
	// A nil counter falls back to a length estimate.
	counter, _ := utils.NewTokenCounter(client.GetModelName())
	c := &Completion{
		name:        name,
		client:      client,
		maxTokens:   llm.DefaultMaxTokens,
		temperature: llm.TemperatureDefault,
		counter:     counter,
		logger:      logx.NewLogger("unit:" + name),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Completion) Name() string { return c.name }

// Run performs one completion. Provider failures are captured in the result.
func (c *Completion) Run(ctx context.Context, rc agent.Context) (agent.Result, error) {
	req, sources := c.request(rc)

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		c.logger.Warn("completion failed: %s", utils.RedactError(err))
		return agent.Failed(c.name, err), nil
	}

	output := resp.Content
	final := false
	if c.finalPrefix != "" && strings.HasPrefix(strings.TrimSpace(output), c.finalPrefix) {
		output = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(output), c.finalPrefix))
		final = true
	}

	res := agent.Succeeded(c.name, output)
	res.Final = final
	res.Artifacts = agent.MergeArtifacts(nil, sources)
	res.Usage = c.usage(req, resp)
	res.Metadata = map[string]any{"model": c.client.GetModelName(), "stop_reason": resp.StopReason}
	return res, nil
}

// Stream emits the sources as artifacts, then the response text as it arrives.
func (c *Completion) Stream(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error) {
	req, sources := c.request(rc)

	in, err := c.client.Stream(ctx, req)
	if err != nil {
		return nil, err //nolint:wrapcheck // taxonomy is carried by the client error
	}

	out := make(chan agent.StreamChunk)
	go func() {
		defer close(out)
		send := func(chunk agent.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		drain := func() {
			for range in { //nolint:revive // drain so the provider goroutine can exit
			}
		}

		for i := range sources {
			if !send(agent.StreamChunk{Artifact: &sources[i]}) {
				drain()
				return
			}
		}
		for chunk := range in {
			switch {
			case chunk.Error != nil:
				send(agent.StreamChunk{Err: chunk.Error})
				drain()
				return
			case chunk.Content != "":
				if !send(agent.StreamChunk{Content: chunk.Content}) {
					drain()
					return
				}
			}
			if chunk.Done {
				drain()
				return
			}
		}
	}()
	return out, nil
}

func (c *Completion) request(rc agent.Context) (llm.CompletionRequest, []agent.Artifact) {
	sources := SourcesFrom(rc)

	system := c.system
	if len(sources) > 0 || strings.Contains(system, SourcesPlaceholder) {
		formatted := FormatSources(sources)
		if strings.Contains(system, SourcesPlaceholder) {
			system = strings.ReplaceAll(system, SourcesPlaceholder, formatted)
		} else {
			system = strings.TrimSpace(system + "\n\nAVAILABLE SOURCES:\n" + formatted)
		}
	}

	history := rc.History()
	messages := make([]llm.CompletionMessage, 0, len(history)+2)
	if system != "" {
		messages = append(messages, llm.NewSystemMessage(system))
	}
	for _, m := range history {
		switch m.Role {
		case agent.RoleAssistant:
			messages = append(messages, llm.NewAssistantMessage(m.Content))
		case agent.RoleSystem:
			messages = append(messages, llm.NewSystemMessage(m.Content))
		default:
			messages = append(messages, llm.NewUserMessage(m.Content))
		}
	}
	messages = append(messages, llm.NewUserMessage(rc.Input()))

	req := llm.NewCompletionRequest(messages)
	req.MaxTokens = c.maxTokens
	req.Temperature = c.temperature
	return req, sources
}

func (c *Completion) usage(req llm.CompletionRequest, resp llm.CompletionResponse) map[string]int {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return map[string]int{
			UsageInputTokens:  resp.Usage.InputTokens,
			UsageOutputTokens: resp.Usage.OutputTokens,
		}
	}
	var prompt strings.Builder
	for _, m := range req.Messages {
		prompt.WriteString(m.Content)
		prompt.WriteByte('\n')
	}
	return map[string]int{
		UsageInputTokens:  c.counter.CountTokens(prompt.String()),
		UsageOutputTokens: c.counter.CountTokens(resp.Content),
	}
}

// SourcesFrom reads the artifacts stored under agent.MetaSources.
func SourcesFrom(rc agent.Context) []agent.Artifact {
	v, ok := rc.Value(agent.MetaSources)
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []agent.Artifact:
		return agent.MergeArtifacts(nil, s)
	case []map[string]any:
		out := make([]agent.Artifact, 0, len(s))
		for _, m := range s {
			out = append(out, agent.Artifact{
				URL:     utils.GetMapFieldOr(m, "url", ""),
				Title:   utils.GetMapFieldOr(m, "title", ""),
				Snippet: utils.GetMapFieldOr(m, "snippet", ""),
				Content: utils.GetMapFieldOr(m, "content", ""),
			})
		}
		return agent.MergeArtifacts(nil, out)
	default:
		return nil
	}
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// FormatSources renders numbered sources for a prompt.
func FormatSources(sources []agent.Artifact) string {
	if len(sources) == 0 {
		return "No sources available."
	}
	parts := make([]string, 0, len(sources))
	for i, s := range sources {
		idx := s.Index
		if idx == 0 {
			idx = i + 1
		}
		body := s.Content
		if body == "" {
			body = s.Snippet
		}
		body = truncateRunes(body, maxSourceChars)
		parts = append(parts, fmt.Sprintf("[%d] %s\nURL: %s\nContent: %s\n", idx, s.Title, s.URL, body))
	}
	return strings.Join(parts, "\n")
}
