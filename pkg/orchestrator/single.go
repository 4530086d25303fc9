package orchestrator

import (
	"context"

	"conductor/pkg/agent"
)

// Single invokes one unit: the one called Unit, or the first unit when Unit
// is empty.
type Single struct {
	Unit string
}

func (Single) Name() string { return "single" }

func (s Single) pick(units []agent.Agent) (agent.Agent, error) {
	if len(units) == 0 {
		return nil, ErrNoUnits
	}
	if s.Unit == "" {
		return units[0], nil
	}
	return find(units, s.Unit)
}

func (s Single) Execute(ctx context.Context, units []agent.Agent, rc agent.Context) (agent.Result, error) {
	u, err := s.pick(units)
	if err != nil {
		return agent.Result{}, err
	}
	return invoke(ctx, u, rc)
}

func (s Single) ExecuteStream(ctx context.Context, units []agent.Agent, rc agent.Context) (<-chan agent.StreamChunk, error) {
	u, err := s.pick(units)
	if err != nil {
		return nil, err
	}
	return streamUnit(ctx, u, rc)
}
