package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"conductor/pkg/agent"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/agent/middleware/resilience/timeout"
	"conductor/pkg/agent/resilience"
	"conductor/pkg/units"
)

type strategyFunc func(ctx context.Context, units []agent.Agent, rc agent.Context) (agent.Result, error)

func (f strategyFunc) Execute(ctx context.Context, units []agent.Agent, rc agent.Context) (agent.Result, error) {
	return f(ctx, units, rc)
}

type memorySink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (m *memorySink) RecordOutcome(_ context.Context, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}

func (m *memorySink) all() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outcome(nil), m.outcomes...)
}

func TestRunTimesOutWithoutWaitingForUnwind(t *testing.T) {
	slow := units.NewEcho("slow", units.WithDelay(300*time.Millisecond))
	o := New(Single{}, []agent.Agent{slow}, WithRequestTimeout(50*time.Millisecond))

	start := time.Now()
	res, err := o.Run(context.Background(), agent.NewContext("q"))

	var te *timeout.Error
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, resilience.ErrTimeout)
	assert.Empty(t, res.Output, "no partial success on timeout")
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestRunReportsFailedResult(t *testing.T) {
	bad := units.NewEcho("bad", units.WithFailure(errors.New("nope")))
	o := New(Single{}, []agent.Agent{bad})

	res, err := o.Run(context.Background(), agent.NewContext("q"))
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, err, resilience.ErrUnitFailure)
}

func TestSetStrategyKeepsInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	old := strategyFunc(func(context.Context, []agent.Agent, agent.Context) (agent.Result, error) {
		close(started)
		<-release
		return agent.Succeeded("old", "old"), nil
	})
	o := New(old, nil)

	done := make(chan agent.Result, 1)
	go func() {
		res, _ := o.Run(context.Background(), agent.NewContext("q"))
		done <- res
	}()
	<-started

	o.SetStrategy(Single{})
	close(release)
	assert.Equal(t, "old", (<-done).Output)

	_, err := o.Run(context.Background(), agent.NewContext("q"))
	assert.ErrorIs(t, err, ErrNoUnits, "new requests use the swapped strategy")
}

func TestRunRecordsOutcome(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	rec := metrics.NewInternalRecorder()
	sink := &memorySink{}
	echo := units.NewEcho("echo", units.WithArtifacts(s1, s2))
	o := New(Single{}, []agent.Agent{echo},
		WithTracer(tp.Tracer("test")), WithRecorder(rec), WithLedger(sink))

	rc := agent.NewContext("hello")
	_, err := o.Run(context.Background(), rc)
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "orchestrator.run", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "single", attrs["strategy"])
	assert.Equal(t, OutcomeSuccess, attrs["outcome"])

	assert.Equal(t, int64(1), rec.Snapshot().Outcomes[OutcomeSuccess])

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, rc.RequestID(), got[0].RequestID)
	assert.Equal(t, "echo", got[0].Agent)
	assert.Equal(t, 2, got[0].Artifacts)
	assert.False(t, got[0].Streamed)
}

func TestRunRecordsTimeoutOutcome(t *testing.T) {
	rec := metrics.NewInternalRecorder()
	slow := units.NewEcho("slow", units.WithDelay(time.Second))
	o := New(Single{}, []agent.Agent{slow}, WithRequestTimeout(10*time.Millisecond), WithRecorder(rec))

	_, err := o.Run(context.Background(), agent.NewContext("q"))
	require.Error(t, err)
	assert.Equal(t, int64(1), rec.Snapshot().Outcomes["timeout"])
}

func collect(t *testing.T, ch <-chan agent.StreamChunk) ([]agent.StreamChunk, error) {
	t.Helper()
	var (
		chunks []agent.StreamChunk
		err    error
	)
	for c := range ch {
		chunks = append(chunks, c)
		if c.Err != nil {
			err = c.Err
		}
	}
	return chunks, err
}

func TestRunStreamSingle(t *testing.T) {
	sink := &memorySink{}
	echo := units.NewEcho("echo", units.WithArtifacts(s1))
	o := New(Single{}, []agent.Agent{echo}, WithLedger(sink))

	ch, err := o.RunStream(context.Background(), agent.NewContext("streamed answer here"))
	require.NoError(t, err)
	res, err := agent.Collect("echo", ch)
	require.NoError(t, err)
	assert.Equal(t, "streamed answer here", res.Output)
	assert.Equal(t, []agent.Artifact{s1}, res.Artifacts)

	got := sink.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].Streamed)
	assert.Equal(t, OutcomeSuccess, got[0].Kind)
	assert.Equal(t, 1, got[0].Artifacts)
}

func TestRunStreamFallsBackForPlainStrategies(t *testing.T) {
	plain := strategyFunc(func(context.Context, []agent.Agent, agent.Context) (agent.Result, error) {
		res := agent.Succeeded("plain", "whole answer")
		res.Artifacts = []agent.Artifact{s2}
		return res, nil
	})
	o := New(plain, nil)

	ch, err := o.RunStream(context.Background(), agent.NewContext("q"))
	require.NoError(t, err)
	chunks, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, s2, *chunks[0].Artifact)
	assert.Equal(t, "whole answer", chunks[1].Content)
}

func TestRunStreamTimeout(t *testing.T) {
	slow := units.NewEcho("slow", units.WithDelay(time.Hour))
	o := New(Single{}, []agent.Agent{slow}, WithRequestTimeout(20*time.Millisecond))

	ch, err := o.RunStream(context.Background(), agent.NewContext("q"))
	require.NoError(t, err)
	_, err = collect(t, ch)
	assert.ErrorIs(t, err, resilience.ErrTimeout)
}

func TestPipelineStreamReportsStages(t *testing.T) {
	a := units.NewEcho("a", units.WithPrefix("a:"), units.WithArtifacts(s1))
	b := units.NewEcho("b", units.WithPrefix("b:"))
	o := New(Pipeline{}, []agent.Agent{a, b})

	ch, err := o.RunStream(context.Background(), agent.NewContext("q"))
	require.NoError(t, err)
	chunks, err := collect(t, ch)
	require.NoError(t, err)

	var (
		statuses []string
		text     string
	)
	for _, c := range chunks {
		if c.Status != "" {
			statuses = append(statuses, c.Status)
		}
		text += c.Content
	}
	assert.Equal(t, []string{"Running a...", "Running b..."}, statuses)
	assert.Equal(t, "b:a:q", text)
	assert.Equal(t, s1, *chunks[1].Artifact)
}

func TestPipelineStreamStopsOnFinal(t *testing.T) {
	a := units.NewEcho("a", units.WithFinal())
	b, bCalls := counting("b")

	ch, err := Pipeline{}.ExecuteStream(context.Background(), []agent.Agent{a, b}, agent.NewContext("direct"))
	require.NoError(t, err)
	res, err := agent.Collect("pipeline", ch)
	require.NoError(t, err)
	assert.Equal(t, "direct", res.Output)
	assert.Zero(t, bCalls.Load())
}

func TestParallelStream(t *testing.T) {
	x := units.NewEcho("X", units.WithArtifacts(s1, s2))
	y := units.NewEcho("Y", units.WithArtifacts(s2, s3))

	ch, err := Parallel{}.ExecuteStream(context.Background(), []agent.Agent{x, y}, agent.NewContext("q"))
	require.NoError(t, err)
	res, err := agent.Collect("parallel", ch)
	require.NoError(t, err)
	assert.Equal(t, []agent.Artifact{s1, s2, s3}, res.Artifacts)
}
