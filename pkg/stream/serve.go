package stream

import (
	"context"

	"conductor/pkg/agent"
)

// Runner starts a streamed request. *orchestrator.Orchestrator implements it.
type Runner interface {
	RunStream(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error)
}

// Serve runs rc through r and writes the resulting events to sink. The
// sequence always ends with one terminal event unless the sink fails, in
// which case the sink's error is returned.
func Serve(ctx context.Context, r Runner, rc agent.Context, sink Sink) error {
	a := NewAdapter(sink)

	ch, err := r.RunStream(ctx, rc)
	if err != nil {
		return a.Fail(err)
	}

	for c := range ch {
		var serr error
		switch {
		case c.Err != nil:
			serr = a.Fail(c.Err)
		case c.Status != "":
			serr = a.Status(c.Status)
		case c.Artifact != nil:
			serr = a.Source(*c.Artifact)
		default:
			serr = a.Chunk(c.Content)
		}
		if serr != nil {
			go func() {
				for range ch { //nolint:revive // drain so the producer can exit
				}
			}()
			return serr
		}
	}

	if err := ctx.Err(); err != nil {
		return a.Fail(err)
	}
	return a.Done(agent.Result{})
}
