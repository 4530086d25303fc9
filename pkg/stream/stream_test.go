package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/agent/middleware/resilience/circuit"
	"conductor/pkg/agent/middleware/resilience/timeout"
	"conductor/pkg/orchestrator"
	"conductor/pkg/units"
)

type recorder struct {
	events []Event
	failAt int // 1-based event number whose Send fails; 0 never
}

func (r *recorder) Send(ev Event) error {
	if r.failAt > 0 && len(r.events)+1 == r.failAt {
		return errors.New("client went away")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []EventType {
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() Event { return r.events[len(r.events)-1] }

func assertWellFormed(t *testing.T, events []Event) {
	t.Helper()
	require.NotEmpty(t, events, "callers must never receive zero events")
	assert.Equal(t, EventStatus, events[0].Type, "sequence opens with a status")
	terminals := 0
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
		if ev.Type.Terminal() {
			terminals++
			assert.Equal(t, len(events)-1, i, "nothing follows the terminal event")
		}
	}
	assert.Equal(t, 1, terminals)
}

var (
	srcA = agent.Artifact{URL: "https://a.example", Title: "A"}
	srcB = agent.Artifact{URL: "https://b.example", Title: "B"}
)

func TestAdapterSynthesisesOpeningStatus(t *testing.T) {
	r := &recorder{}
	a := NewAdapter(r)
	require.NoError(t, a.Chunk("hi"))
	require.NoError(t, a.Done(agent.Result{}))

	assert.Equal(t, []EventType{EventStatus, EventChunk, EventDone}, r.types())
	assert.Equal(t, StatusPayload{Message: DefaultStatus}, r.events[0].Data)
	assert.Equal(t, "hi", r.last().Data.(DonePayload).Response)
	assertWellFormed(t, r.events)
}

func TestAdapterKeepsCallerStatus(t *testing.T) {
	r := &recorder{}
	a := NewAdapter(r)
	require.NoError(t, a.Status("Searching..."))
	require.NoError(t, a.Source(srcA))
	require.NoError(t, a.Status("Synthesizing..."))
	require.NoError(t, a.Chunk("answer"))
	require.NoError(t, a.Done(agent.Result{}))

	assert.Equal(t, []EventType{EventStatus, EventSource, EventStatus, EventChunk, EventDone}, r.types())
	assert.Equal(t, StatusPayload{Message: "Searching..."}, r.events[0].Data)
	assertWellFormed(t, r.events)
}

func TestAdapterLateSignals(t *testing.T) {
	r := &recorder{}
	a := NewAdapter(r)
	require.NoError(t, a.Source(srcA))
	require.NoError(t, a.Chunk("x"))
	require.NoError(t, a.Status("too late"))
	require.NoError(t, a.Source(srcB))
	require.NoError(t, a.Done(agent.Result{}))

	assert.Equal(t, []EventType{EventStatus, EventSource, EventChunk, EventDone}, r.types())
	assert.Equal(t, []agent.Artifact{srcA, srcB}, r.last().Data.(DonePayload).Sources,
		"late sources only appear in done")
}

func TestAdapterDeduplicatesSources(t *testing.T) {
	r := &recorder{}
	a := NewAdapter(r)
	dup := srcA
	dup.URL += "/"
	require.NoError(t, a.Source(srcA))
	require.NoError(t, a.Source(dup))
	require.NoError(t, a.Source(agent.Artifact{}))
	require.NoError(t, a.Done(agent.Result{Output: "out", Artifacts: []agent.Artifact{srcA, srcB}}))

	assert.Equal(t, []EventType{EventStatus, EventSource, EventDone}, r.types())
	done := r.last().Data.(DonePayload)
	assert.Equal(t, "out", done.Response, "result output is used when nothing was streamed")
	assert.Equal(t, []agent.Artifact{srcA, srcB}, done.Sources)
}

func TestAdapterIgnoresEverythingAfterTerminal(t *testing.T) {
	r := &recorder{}
	a := NewAdapter(r)
	require.NoError(t, a.Chunk("a"))
	require.NoError(t, a.Done(agent.Result{}))
	n := len(r.events)

	require.NoError(t, a.Chunk("b"))
	require.NoError(t, a.Status("s"))
	require.NoError(t, a.Source(srcB))
	require.NoError(t, a.Fail(errors.New("late")))
	require.NoError(t, a.Done(agent.Result{}))

	assert.Len(t, r.events, n)
	assert.Equal(t, 5, a.Ignored())
	assert.Equal(t, StateTerminated, a.State())
	assert.Equal(t, EventDone, a.Terminal())
}

func TestAdapterImmediateFailure(t *testing.T) {
	r := &recorder{}
	a := NewAdapter(r)
	require.NoError(t, a.Fail(errors.New("provider rejected sk-abcdefgh12345678")))

	assert.Equal(t, []EventType{EventStatus, EventError}, r.types())
	payload := r.last().Data.(ErrorPayload)
	assert.NotContains(t, payload.Message, "sk-abcdefgh")
	assert.Equal(t, "internal", payload.Kind)
}

func TestAdapterTimeoutKind(t *testing.T) {
	r := &recorder{}
	a := NewAdapter(r)
	require.NoError(t, a.Fail(&timeout.Error{Operation: "request", Timeout: time.Second}))
	assert.Equal(t, "timeout", r.last().Data.(ErrorPayload).Kind)
}

func TestAdapterSinkFailureTerminates(t *testing.T) {
	r := &recorder{failAt: 2}
	a := NewAdapter(r)
	require.NoError(t, a.Status("working"))
	assert.Error(t, a.Chunk("x"))

	require.NoError(t, a.Done(agent.Result{}))
	assert.Equal(t, StateTerminated, a.State())
	assert.Empty(t, a.Terminal(), "no terminal event reached the sink")
	assert.Len(t, r.events, 1)
}

type chunkRunner struct {
	chunks []agent.StreamChunk
	err    error
}

func (c chunkRunner) RunStream(context.Context, agent.Context) (<-chan agent.StreamChunk, error) {
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan agent.StreamChunk, len(c.chunks))
	for _, chunk := range c.chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func TestServeSequences(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		runner   chunkRunner
		terminal EventType
	}{
		{"empty", chunkRunner{}, EventDone},
		{"start error", chunkRunner{err: &circuit.Error{Name: "search", State: circuit.Open}}, EventError},
		{"chunks", chunkRunner{chunks: []agent.StreamChunk{{Content: "a"}, {Content: "b"}}}, EventDone},
		{"error mid stream", chunkRunner{chunks: []agent.StreamChunk{
			{Status: "go"}, {Content: "a"}, {Err: boom}, {Content: "after"}, {Err: boom},
		}}, EventError},
		{"sources only", chunkRunner{chunks: []agent.StreamChunk{{Artifact: &srcA}, {Artifact: &srcA}}}, EventDone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			require.NoError(t, Serve(context.Background(), tt.runner, agent.NewContext("q"), r))
			assertWellFormed(t, r.events)
			assert.Equal(t, tt.terminal, r.last().Type)
		})
	}
}

func TestServeCircuitOpenMessage(t *testing.T) {
	r := &recorder{}
	runner := chunkRunner{err: &circuit.Error{Name: "search", State: circuit.Open}}
	require.NoError(t, Serve(context.Background(), runner, agent.NewContext("q"), r))

	payload := r.last().Data.(ErrorPayload)
	assert.Equal(t, "circuit_open", payload.Kind)
	assert.NotContains(t, payload.Message, "search")
}

func TestServeReturnsSinkError(t *testing.T) {
	r := &recorder{failAt: 1}
	runner := chunkRunner{chunks: []agent.StreamChunk{{Content: "a"}}}
	err := Serve(context.Background(), runner, agent.NewContext("q"), r)
	assert.ErrorContains(t, err, "client went away")
}

func TestServeWithOrchestrator(t *testing.T) {
	echo := units.NewEcho("echo", units.WithArtifacts(srcA, srcB))
	o := orchestrator.New(orchestrator.Single{}, []agent.Agent{echo})

	r := &recorder{}
	require.NoError(t, Serve(context.Background(), o, agent.NewContext("hello stream"), r))
	assertWellFormed(t, r.events)
	assert.Equal(t, []EventType{EventStatus, EventSource, EventSource, EventChunk, EventChunk, EventDone}, r.types())

	done := r.last().Data.(DonePayload)
	assert.Equal(t, "hello stream", done.Response)
	assert.Equal(t, []agent.Artifact{srcA, srcB}, done.Sources)
}

func TestServeWithOrchestratorTimeout(t *testing.T) {
	slow := units.NewEcho("slow", units.WithDelay(time.Hour))
	o := orchestrator.New(orchestrator.Single{}, []agent.Agent{slow}, orchestrator.WithRequestTimeout(20*time.Millisecond))

	r := &recorder{}
	require.NoError(t, Serve(context.Background(), o, agent.NewContext("q"), r))
	assertWellFormed(t, r.events)
	assert.Equal(t, "timeout", r.last().Data.(ErrorPayload).Kind)
}
