package units

import (
	"fmt"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/config"
)

// ClientSource hands out the LLM client serving a unit.
type ClientSource interface {
	ClientFor(u config.UnitConfig) (llm.LLMClient, error)
}

// FromConfig builds the unit declared by u. Classifier answers outside
// u.Labels fall back to fallbackLabel.
func FromConfig(u config.UnitConfig, clients ClientSource, fallbackLabel string) (agent.Agent, error) {
	switch u.Kind {
	case config.UnitEcho:
		return NewEcho(u.Name), nil

	case config.UnitCompletion:
		client, err := clients.ClientFor(u)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", u.Name, err)
		}
		opts := []CompletionOption{WithMaxTokens(u.MaxTokens), WithFinalPrefix(u.FinalPrefix)}
		if u.SystemPrompt != "" {
			opts = append(opts, WithSystemPrompt(u.SystemPrompt))
		}
		if u.Temperature > 0 {
			opts = append(opts, WithTemperature(u.Temperature))
		}
		return NewCompletion(u.Name, client, opts...), nil

	case config.UnitClassifier:
		client, err := clients.ClientFor(u)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", u.Name, err)
		}
		return NewClassifier(u.Name, client, u.SystemPrompt, u.Labels, fallbackLabel), nil

	default:
		return nil, fmt.Errorf("unit %s: unknown kind %q", u.Name, u.Kind)
	}
}
