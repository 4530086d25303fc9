// Package orchestrator composes execution units into one request.
//
// A Strategy decides how the units are invoked (one unit, a classifier route,
// a sequential pipeline or a parallel fan-out). The Orchestrator holds the
// active strategy, bounds each run with the request timeout and reports the
// terminal outcome of every request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/agent/resilience"
)

var (
	// ErrNoUnits is returned when a strategy is executed without units.
	ErrNoUnits = errors.New("no execution units configured")

	// ErrUnknownUnit is returned when a strategy names a unit that is not present.
	ErrUnknownUnit = errors.New("unknown execution unit")
)

// Strategy is a composition algorithm. Implementations must not retain units
// or rc beyond the call.
type Strategy interface {
	Execute(ctx context.Context, units []agent.Agent, rc agent.Context) (agent.Result, error)
}

// StreamingStrategy is implemented by strategies that can forward incremental
// output. The channel is closed when the strategy is done; a failure is the
// last chunk and carries Err.
type StreamingStrategy interface {
	Strategy
	ExecuteStream(ctx context.Context, units []agent.Agent, rc agent.Context) (<-chan agent.StreamChunk, error)
}

// Named is implemented by strategies that report a name for logs and metrics.
type Named interface {
	Name() string
}

// StrategyName returns the reported name of s.
func StrategyName(s Strategy) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// find returns the unit called name.
func find(units []agent.Agent, name string) (agent.Agent, error) {
	for _, u := range units {
		if u.Name() == name {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, name)
}

// invoke runs one unit and folds its two failure channels into one error.
// A returned error is raised by the unit (timeout, open breaker, cancellation);
// a result with Success false is a captured failure. Both come back as an
// error that keeps the underlying taxonomy.
func invoke(ctx context.Context, u agent.Agent, rc agent.Context) (agent.Result, error) {
	start := time.Now()
	res, err := u.Run(ctx, rc)
	if err != nil {
		res = agent.Failed(u.Name(), err)
		res.Duration = time.Since(start)
		return res, resilience.NewUnitError(u.Name(), err)
	}
	if res.Agent == "" {
		res.Agent = u.Name()
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, res.AsError()
}

// sumUsage adds the usage counters of results. It returns nil when there is
// nothing to report.
func sumUsage(results ...agent.Result) map[string]int {
	var total map[string]int
	for _, r := range results {
		for k, v := range r.Usage {
			if total == nil {
				total = make(map[string]int, len(r.Usage))
			}
			total[k] += v
		}
	}
	return total
}

// withMeta returns a copy of m with key set.
func withMeta(m map[string]any, key string, value any) map[string]any {
	out := maps.Clone(m)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out[key] = value
	return out
}
