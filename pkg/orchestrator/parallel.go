package orchestrator

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"conductor/pkg/agent"
	"conductor/pkg/agent/resilience"
	"conductor/pkg/logx"
)

// MergeSeparator separates unit outputs in DefaultMerge.
const MergeSeparator = "\n\n---\n\n"

// MergeFunc combines the successful results of a parallel run. Results are
// given in unit declaration order.
type MergeFunc func(results []agent.Result) agent.Result

// Parallel runs every unit concurrently against the same context and merges
// the results in declaration order, whatever order they complete in.
//
// With FailFast the first failure cancels the other branches and is returned.
// Otherwise failed branches are dropped and the request fails only when every
// branch failed.
type Parallel struct {
	FailFast bool
	Merge    MergeFunc
}

func (Parallel) Name() string { return "parallel" }

func (p Parallel) Execute(ctx context.Context, units []agent.Agent, rc agent.Context) (agent.Result, error) {
	if len(units) == 0 {
		return agent.Result{}, ErrNoUnits
	}

	results := make([]agent.Result, len(units))
	errs := make([]error, len(units))

	g, gctx := &errgroup.Group{}, ctx
	if p.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	}
	for i, u := range units {
		g.Go(func() error {
			res, err := invoke(gctx, u, rc)
			results[i], errs[i] = res, err
			if p.FailFast {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return agent.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return agent.Result{}, err //nolint:wrapcheck // cancellation passes through
	}

	var (
		ok     []agent.Result
		failed []string
	)
	for i, res := range results {
		if errs[i] != nil {
			failed = append(failed, units[i].Name())
			continue
		}
		ok = append(ok, res)
	}
	if len(ok) == 0 {
		return agent.Result{}, resilience.NewUnitError(p.Name(), errors.Join(errs...))
	}
	if len(failed) > 0 {
		logx.Debug(ctx, "parallel", "continuing without failed units %s", strings.Join(failed, ", "))
	}

	merge := p.Merge
	if merge == nil {
		merge = DefaultMerge
	}
	merged := merge(ok)
	if len(failed) > 0 {
		merged.Metadata = withMeta(merged.Metadata, "failed_units", failed)
	}
	return merged, nil
}

// ExecuteStream runs Execute and emits its merged result.
func (p Parallel) ExecuteStream(ctx context.Context, units []agent.Agent, rc agent.Context) (<-chan agent.StreamChunk, error) {
	if len(units) == 0 {
		return nil, ErrNoUnits
	}
	return streamRun(ctx, func(ctx context.Context) (agent.Result, error) {
		return p.Execute(ctx, units, rc)
	}), nil
}

// DefaultMerge joins non-empty outputs with MergeSeparator, unions artifacts
// by key in first-seen order, sums usage and lists the contributing units
// under agent.MetaUnits.
func DefaultMerge(results []agent.Result) agent.Result {
	out := agent.Succeeded("parallel", "")
	outputs := make([]string, 0, len(results))
	names := make([]string, 0, len(results))
	var artifacts []agent.Artifact
	for _, r := range results {
		if s := strings.TrimSpace(r.Output); s != "" {
			outputs = append(outputs, r.Output)
		}
		names = append(names, r.Agent)
		artifacts = agent.MergeArtifacts(artifacts, r.Artifacts)
	}
	out.Output = strings.Join(outputs, MergeSeparator)
	out.Artifacts = artifacts
	out.Usage = sumUsage(results...)
	out.Metadata = map[string]any{agent.MetaUnits: names}
	return out
}
