package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"conductor/pkg/agent"
)

// Pipeline runs units in order, feeding each unit's output to the next as
// input. A result marked Final ends the pipeline early. Any failing stage
// fails the whole request, since later stages depend on its output.
type Pipeline struct {
	// PropagateMetadata also passes each stage's metadata and the artifacts
	// gathered so far (under agent.MetaSources) to the next stage.
	PropagateMetadata bool
}

func (Pipeline) Name() string { return "pipeline" }

// fold tracks the state carried between stages.
type fold struct {
	rc        agent.Context
	artifacts []agent.Artifact
	results   []agent.Result
}

// absorb records res and returns the artifacts it added.
func (f *fold) absorb(res agent.Result) []agent.Artifact {
	before := len(f.artifacts)
	f.artifacts = agent.MergeArtifacts(f.artifacts, res.Artifacts)
	f.results = append(f.results, res)
	return f.artifacts[before:]
}

func (f *fold) advance(res agent.Result, propagate bool) {
	next := f.rc.WithInput(res.Output)
	if propagate {
		next = next.WithMergedMetadata(res.Metadata).WithMetadata(agent.MetaSources, slices.Clone(f.artifacts))
	}
	f.rc = next
}

// final is the last stage's result carrying every artifact seen and the
// summed usage. With propagate the metadata accumulated along the pipeline
// sits under the last stage's own keys.
func (f *fold) final(propagate bool) agent.Result {
	out := f.results[len(f.results)-1].Clone()
	if propagate {
		merged := f.rc.Metadata()
		delete(merged, agent.MetaSources)
		maps.Copy(merged, out.Metadata)
		if len(merged) > 0 {
			out.Metadata = merged
		}
	}
	if len(f.artifacts) > 0 {
		out.Artifacts = agent.MergeArtifacts(nil, f.artifacts)
	}
	if len(f.results) > 1 {
		out.Usage = sumUsage(f.results...)
	}
	return out
}

func (p Pipeline) Execute(ctx context.Context, units []agent.Agent, rc agent.Context) (agent.Result, error) {
	if len(units) == 0 {
		return agent.Result{}, ErrNoUnits
	}
	f := &fold{rc: rc}
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			return agent.Result{}, err //nolint:wrapcheck // cancellation passes through
		}
		res, err := invoke(ctx, u, f.rc)
		if err != nil {
			return res, fmt.Errorf("pipeline stage %d: %w", i+1, err)
		}
		f.absorb(res)
		if res.Final || i == len(units)-1 {
			break
		}
		f.advance(res, p.PropagateMetadata)
	}
	return f.final(p.PropagateMetadata), nil
}

// ExecuteStream runs all stages but the last as Execute does, reporting each
// as a status and its artifacts as they appear, then streams the last stage.
func (p Pipeline) ExecuteStream(ctx context.Context, units []agent.Agent, rc agent.Context) (<-chan agent.StreamChunk, error) {
	if len(units) == 0 {
		return nil, ErrNoUnits
	}
	out := make(chan agent.StreamChunk)
	go func() {
		defer close(out)
		e := emitter{ctx: ctx, out: out}
		f := &fold{rc: rc}
		for i, u := range units {
			if !e.status(fmt.Sprintf("Running %s...", u.Name())) {
				return
			}
			if i == len(units)-1 {
				if stream := agent.StreamOf(u); stream != nil {
					in, err := stream(ctx, f.rc)
					if err != nil {
						e.fail(fmt.Errorf("pipeline stage %d: %w", i+1, err))
						return
					}
					e.pipe(in)
					return
				}
			}
			res, err := invoke(ctx, u, f.rc)
			if err != nil {
				e.fail(fmt.Errorf("pipeline stage %d: %w", i+1, err))
				return
			}
			if !e.artifacts(f.absorb(res)) {
				return
			}
			if res.Final || i == len(units)-1 {
				if res.Output != "" {
					e.send(agent.StreamChunk{Content: res.Output})
				}
				return
			}
			f.advance(res, p.PropagateMetadata)
		}
	}()
	return out, nil
}
