package agent

import "context"

// Agent is an execution unit. Run returns either a Result (possibly with
// Success false) or an error; callers treat both as the unit's outcome.
type Agent interface {
	Name() string
	Run(ctx context.Context, rc Context) (Result, error)
}

// Streamer is implemented by units that can produce incremental output.
// The returned channel is closed when the unit is done; an error mid-stream
// is delivered as a chunk with Err set and is the last chunk sent.
type Streamer interface {
	Agent
	Stream(ctx context.Context, rc Context) (<-chan StreamChunk, error)
}

// StreamChunk is one incremental signal from a streaming unit. Exactly one of
// the fields is normally set.
type StreamChunk struct {
	Content  string
	Status   string
	Artifact *Artifact
	Err      error
}

// RunFunc is the signature of Agent.Run.
type RunFunc func(ctx context.Context, rc Context) (Result, error)

// StreamFunc is the signature of Streamer.Stream.
type StreamFunc func(ctx context.Context, rc Context) (<-chan StreamChunk, error)

type agentFunc struct {
	name string
	run  RunFunc
}

func (a agentFunc) Name() string { return a.name }

func (a agentFunc) Run(ctx context.Context, rc Context) (Result, error) {
	return a.run(ctx, rc)
}

type streamerFunc struct {
	agentFunc
	stream StreamFunc
}

func (s streamerFunc) Stream(ctx context.Context, rc Context) (<-chan StreamChunk, error) {
	return s.stream(ctx, rc)
}

// WrapAgent builds an Agent from plain functions. When stream is non-nil the
// returned value also implements Streamer.
func WrapAgent(name string, run RunFunc, stream StreamFunc) Agent {
	base := agentFunc{name: name, run: run}
	if stream == nil {
		return base
	}
	return streamerFunc{agentFunc: base, stream: stream}
}

// Middleware decorates a unit with additional behavior.
type Middleware func(next Agent) Agent

// Chain composes middlewares around a unit. Earlier middlewares are outermost:
//
//	Chain(a, mw1, mw2) // mw1 -> mw2 -> a
func Chain(base Agent, middlewares ...Middleware) Agent {
	a := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		a = middlewares[i](a)
	}
	return a
}

// StreamOf returns the Stream method of a when it is a Streamer, else nil.
// Middlewares use it to keep streaming capability when wrapping.
func StreamOf(a Agent) StreamFunc {
	if s, ok := a.(Streamer); ok {
		return s.Stream
	}
	return nil
}

// Collect drains a stream into a Result for unit name.
func Collect(name string, ch <-chan StreamChunk) (Result, error) {
	var (
		out       []byte
		artifacts []Artifact
	)
	for chunk := range ch {
		if chunk.Err != nil {
			for range ch { //nolint:revive // drain so the producer can exit
			}
			return Result{}, chunk.Err
		}
		if chunk.Artifact != nil {
			artifacts = append(artifacts, *chunk.Artifact)
		}
		out = append(out, chunk.Content...)
	}
	res := Succeeded(name, string(out))
	res.Artifacts = MergeArtifacts(nil, artifacts)
	return res, nil
}
