package units

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

// DefaultClassifierPrompt asks for a JSON label.
const DefaultClassifierPrompt = `You are a query analyzer. Classify the user's message and return JSON.

Return ONLY valid JSON in this exact format:
{"query_type": "<label>"}`

const classifierMaxTokens = 256

// Classifier labels the request input with one LLM call. The label is
// reported as the result output and under agent.MetaLabel. Responses may be
// JSON ({"query_type": ...} or {"label": ...}) or a bare word.
type Classifier struct {
	name     string
	client   llm.LLMClient
	system   string
	labels   []string
	fallback string
	logger   *logx.Logger
}

// NewClassifier creates a classifier. When labels is non-empty the prompt
// lists them and any other answer becomes fallback.
func NewClassifier(name string, client llm.LLMClient, system string, labels []string, fallback string) *Classifier {
	if system == "" {
		system = DefaultClassifierPrompt
	}
	normalized := make([]string, 0, len(labels))
	for _, l := range labels {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(l)))
	}
	if len(normalized) > 0 {
		system += "\n\nAllowed labels: " + strings.Join(normalized, ", ")
	}
	return &Classifier{
		name:     name,
		client:   client,
		system:   system,
		labels:   normalized,
		fallback: fallback,
		logger:   logx.NewLogger("unit:" + name),
	}
}

func (c *Classifier) Name() string { return c.name }

func (c *Classifier) Run(ctx context.Context, rc agent.Context) (agent.Result, error) {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(c.system),
		llm.NewUserMessage(rc.Input()),
	})
	req.MaxTokens = classifierMaxTokens
	req.Temperature = llm.TemperatureDeterministic

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		c.logger.Warn("classification failed: %s", utils.RedactError(err))
		return agent.Failed(c.name, err), nil
	}

	label := ParseLabel(resp.Content)
	if len(c.labels) > 0 && !slices.Contains(c.labels, label) {
		logx.Debug(ctx, "router", "label %q not allowed, using %q", label, c.fallback)
		label = c.fallback
	}

	res := agent.Succeeded(c.name, label)
	res.Metadata = map[string]any{
		agent.MetaLabel:     label,
		agent.MetaQueryType: label,
	}
	res.Usage = map[string]int{
		UsageInputTokens:  resp.Usage.InputTokens,
		UsageOutputTokens: resp.Usage.OutputTokens,
	}
	return res, nil
}

// ParseLabel extracts a lower-cased label from a classifier response.
func ParseLabel(content string) string {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		for _, key := range []string{agent.MetaQueryType, agent.MetaLabel} {
			if v := utils.GetMapFieldOr(parsed, key, ""); v != "" {
				return strings.ToLower(strings.TrimSpace(v))
			}
		}
		return ""
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(fields[0], `."'!,:;`))
}
