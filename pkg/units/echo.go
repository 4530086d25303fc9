package units

import (
	"context"
	"strings"
	"time"

	"conductor/pkg/agent"
)

// Echo returns its input. It is the example unit and a test double for
// strategies: it can add artifacts, delay, fail or mark its result final.
type Echo struct {
	name      string
	prefix    string
	delay     time.Duration
	artifacts []agent.Artifact
	final     bool
	fail      error
}

// EchoOption configures an Echo.
type EchoOption func(*Echo)

// WithPrefix prepends prefix to the output.
func WithPrefix(prefix string) EchoOption {
	return func(e *Echo) { e.prefix = prefix }
}

// WithDelay waits d before answering, honoring cancellation.
func WithDelay(d time.Duration) EchoOption {
	return func(e *Echo) { e.delay = d }
}

// WithArtifacts attaches artifacts to every result.
func WithArtifacts(a ...agent.Artifact) EchoOption {
	return func(e *Echo) { e.artifacts = a }
}

// WithFinal marks every result final.
func WithFinal() EchoOption {
	return func(e *Echo) { e.final = true }
}

// WithFailure makes every run fail with err.
func WithFailure(err error) EchoOption {
	return func(e *Echo) { e.fail = err }
}

// NewEcho creates an echo unit.
func NewEcho(name string, opts ...EchoOption) *Echo {
	e := &Echo{name: name}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Echo) Name() string { return e.name }

func (e *Echo) Run(ctx context.Context, rc agent.Context) (agent.Result, error) {
	if err := e.wait(ctx); err != nil {
		return agent.Result{}, err
	}
	if e.fail != nil {
		return agent.Failed(e.name, e.fail), nil
	}
	res := agent.Succeeded(e.name, e.prefix+rc.Input())
	res.Artifacts = agent.MergeArtifacts(nil, e.artifacts)
	res.Final = e.final
	return res, nil
}

// Stream emits the artifacts, then the output word by word.
func (e *Echo) Stream(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error) {
	out := make(chan agent.StreamChunk)
	go func() {
		defer close(out)
		send := func(c agent.StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := e.wait(ctx); err != nil {
			send(agent.StreamChunk{Err: err})
			return
		}
		if e.fail != nil {
			send(agent.StreamChunk{Err: e.fail})
			return
		}
		for i := range e.artifacts {
			if !send(agent.StreamChunk{Artifact: &e.artifacts[i]}) {
				return
			}
		}
		words := strings.SplitAfter(e.prefix+rc.Input(), " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			if !send(agent.StreamChunk{Content: w}) {
				return
			}
		}
	}()
	return out, nil
}

func (e *Echo) wait(ctx context.Context) error {
	if e.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
