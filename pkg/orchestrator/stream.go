package orchestrator

import (
	"context"

	"conductor/pkg/agent"
)

// emitter writes chunks to a stream until its context ends.
type emitter struct {
	ctx context.Context //nolint:containedctx // scoped to one stream goroutine
	out chan<- agent.StreamChunk
}

func (e emitter) send(c agent.StreamChunk) bool {
	select {
	case e.out <- c:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e emitter) status(msg string) bool {
	return e.send(agent.StreamChunk{Status: msg})
}

func (e emitter) artifacts(list []agent.Artifact) bool {
	for i := range list {
		if !e.send(agent.StreamChunk{Artifact: &list[i]}) {
			return false
		}
	}
	return true
}

// result emits the artifacts of res, then its whole output as one chunk.
func (e emitter) result(res agent.Result) bool {
	if !e.artifacts(res.Artifacts) {
		return false
	}
	if res.Output == "" {
		return true
	}
	return e.send(agent.StreamChunk{Content: res.Output})
}

func (e emitter) fail(err error) {
	e.send(agent.StreamChunk{Err: err})
}

// pipe forwards in until it closes. It returns false when the context ended
// or an error chunk was forwarded; the rest of in is then drained.
func (e emitter) pipe(in <-chan agent.StreamChunk) bool {
	for {
		select {
		case c, ok := <-in:
			if !ok {
				return true
			}
			if !e.send(c) || c.Err != nil {
				go drain(in)
				return false
			}
		case <-e.ctx.Done():
			go drain(in)
			return false
		}
	}
}

func drain(in <-chan agent.StreamChunk) {
	for range in { //nolint:revive // drain so the producer can exit
	}
}

// streamUnit streams u when it supports streaming, and otherwise runs it and
// emits the result as a stream.
func streamUnit(ctx context.Context, u agent.Agent, rc agent.Context) (<-chan agent.StreamChunk, error) {
	if stream := agent.StreamOf(u); stream != nil {
		return stream(ctx, rc)
	}
	return streamRun(ctx, func(ctx context.Context) (agent.Result, error) {
		return invoke(ctx, u, rc)
	}), nil
}

// streamRun adapts a blocking execution into a stream: artifacts first, then
// one chunk with the whole output, or a single error chunk.
func streamRun(ctx context.Context, run func(context.Context) (agent.Result, error)) <-chan agent.StreamChunk {
	out := make(chan agent.StreamChunk)
	go func() {
		defer close(out)
		e := emitter{ctx: ctx, out: out}
		res, err := run(ctx)
		if err != nil {
			e.fail(err)
			return
		}
		e.result(res)
	}()
	return out
}
