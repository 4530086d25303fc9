package orchestrator

import (
	"fmt"

	"conductor/pkg/config"
)

// NewStrategy builds the strategy selected by the orchestrator settings.
func NewStrategy(oc config.OrchestratorConfig) (Strategy, error) {
	switch oc.Strategy {
	case config.StrategySingle, "":
		return Single{}, nil
	case config.StrategyRouter:
		return NewRouter(oc.Classifier, oc.Routes, oc.DefaultUnit), nil
	case config.StrategyPipeline:
		return Pipeline{PropagateMetadata: oc.PropagateMetadata}, nil
	case config.StrategyParallel:
		return Parallel{FailFast: oc.Parallel.FailFast}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", oc.Strategy)
	}
}
