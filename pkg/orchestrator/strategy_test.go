package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/agent/middleware/resilience/timeout"
	"conductor/pkg/agent/resilience"
	"conductor/pkg/units"
)

var (
	s1 = agent.Artifact{URL: "https://one.example", Title: "one"}
	s2 = agent.Artifact{URL: "https://two.example", Title: "two"}
	s3 = agent.Artifact{URL: "https://three.example", Title: "three"}
)

// counting returns a unit that records how often it ran.
func counting(name string) (agent.Agent, *atomic.Int32) {
	var calls atomic.Int32
	return agent.WrapAgent(name, func(_ context.Context, rc agent.Context) (agent.Result, error) {
		calls.Add(1)
		return agent.Succeeded(name, name+":"+rc.Input()), nil
	}, nil), &calls
}

func TestSingle(t *testing.T) {
	ctx := context.Background()
	first := units.NewEcho("first", units.WithPrefix("1:"))
	second := units.NewEcho("second", units.WithPrefix("2:"))
	list := []agent.Agent{first, second}

	res, err := Single{}.Execute(ctx, list, agent.NewContext("q"))
	require.NoError(t, err)
	assert.Equal(t, "1:q", res.Output)

	res, err = Single{Unit: "second"}.Execute(ctx, list, agent.NewContext("q"))
	require.NoError(t, err)
	assert.Equal(t, "2:q", res.Output)

	_, err = Single{}.Execute(ctx, nil, agent.NewContext("q"))
	assert.ErrorIs(t, err, ErrNoUnits)

	_, err = Single{Unit: "third"}.Execute(ctx, list, agent.NewContext("q"))
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestSingleReportsCapturedFailure(t *testing.T) {
	bad := units.NewEcho("bad", units.WithFailure(errors.New("search backend down")))
	res, err := Single{}.Execute(context.Background(), []agent.Agent{bad}, agent.NewContext("q"))
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, resilience.KindUnitFailure, resilience.Classify(err))
}

func TestPipelineEarlyTermination(t *testing.T) {
	ctx := context.Background()
	a := units.NewEcho("A", units.WithArtifacts(s1), units.WithFinal())
	b, bCalls := counting("B")
	c, cCalls := counting("C")
	rc := agent.NewContext("2+2")

	want, err := a.Run(ctx, rc)
	require.NoError(t, err)

	got, err := Pipeline{}.Execute(ctx, []agent.Agent{a, b, c}, rc)
	require.NoError(t, err)
	assert.Zero(t, bCalls.Load())
	assert.Zero(t, cCalls.Load())
	assert.Equal(t, want.Agent, got.Agent)
	assert.Equal(t, want.Output, got.Output)
	assert.Equal(t, want.Artifacts, got.Artifacts)
	assert.True(t, got.Final)
}

func TestPipelineFoldsOutputAndMetadata(t *testing.T) {
	a := agent.WrapAgent("a", func(_ context.Context, rc agent.Context) (agent.Result, error) {
		res := agent.Succeeded("a", "a:"+rc.Input())
		res.Artifacts = []agent.Artifact{s1}
		res.Metadata = map[string]any{agent.MetaQueryType: "search"}
		return res, nil
	}, nil)

	var seen any
	b := agent.WrapAgent("b", func(_ context.Context, rc agent.Context) (agent.Result, error) {
		seen, _ = rc.Value(agent.MetaSources)
		if arts, ok := seen.([]agent.Artifact); ok && len(arts) > 0 {
			arts[0] = s3
		}
		res := agent.Succeeded("b", "b:"+rc.Input())
		res.Artifacts = []agent.Artifact{s2}
		res.Metadata = map[string]any{"stage": "b"}
		return res, nil
	}, nil)

	rc := agent.NewContext("q", agent.WithMetadataOption(map[string]any{"session_id": "s"}))
	res, err := Pipeline{PropagateMetadata: true}.Execute(context.Background(), []agent.Agent{a, b}, rc)
	require.NoError(t, err)
	assert.Equal(t, "b:a:q", res.Output)
	assert.Equal(t, []agent.Artifact{s1, s2}, res.Artifacts, "stages cannot write through to gathered artifacts")
	assert.Len(t, seen, 1)
	assert.Equal(t, "search", res.MetaString(agent.MetaQueryType))
	assert.Equal(t, "s", res.MetaString("session_id"))
	assert.Equal(t, "b", res.MetaString("stage"))
	assert.NotContains(t, res.Metadata, agent.MetaSources)
}

func TestPipelineWithoutPropagationKeepsMetadataOut(t *testing.T) {
	a := units.NewEcho("a", units.WithArtifacts(s1))
	var found bool
	b := agent.WrapAgent("b", func(_ context.Context, rc agent.Context) (agent.Result, error) {
		_, found = rc.Value(agent.MetaSources)
		return agent.Succeeded("b", rc.Input()), nil
	}, nil)

	_, err := Pipeline{}.Execute(context.Background(), []agent.Agent{a, b}, agent.NewContext("q"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPipelineStageFailureFailsRequest(t *testing.T) {
	a, _ := counting("a")
	b := agent.WrapAgent("b", func(context.Context, agent.Context) (agent.Result, error) {
		return agent.Result{}, &timeout.Error{Operation: "unit b", Timeout: time.Second}
	}, nil)
	c, cCalls := counting("c")

	_, err := Pipeline{}.Execute(context.Background(), []agent.Agent{a, b, c}, agent.NewContext("q"))
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrTimeout)
	assert.Equal(t, resilience.KindTimeout, resilience.Classify(err))
	assert.Zero(t, cCalls.Load())
}

func TestParallelMergesInDeclarationOrder(t *testing.T) {
	// X finishes last but is declared first.
	x := units.NewEcho("X", units.WithPrefix("x:"), units.WithDelay(30*time.Millisecond), units.WithArtifacts(s1, s2))
	s2Slash := s2
	s2Slash.URL += "/"
	y := units.NewEcho("Y", units.WithPrefix("y:"), units.WithArtifacts(s2Slash, s3))

	res, err := Parallel{}.Execute(context.Background(), []agent.Agent{x, y}, agent.NewContext("q"))
	require.NoError(t, err)
	assert.Equal(t, []agent.Artifact{s1, s2, s3}, res.Artifacts)
	assert.Equal(t, "x:q"+MergeSeparator+"y:q", res.Output)
	assert.Equal(t, []string{"X", "Y"}, res.Metadata[agent.MetaUnits])
}

func TestParallelContinuesPastFailure(t *testing.T) {
	x := units.NewEcho("X", units.WithFailure(errors.New("boom")))
	y := units.NewEcho("Y", units.WithPrefix("y:"), units.WithArtifacts(s3))

	res, err := Parallel{}.Execute(context.Background(), []agent.Agent{x, y}, agent.NewContext("q"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "y:q", res.Output)
	assert.Equal(t, []string{"X"}, res.Metadata["failed_units"])
}

func TestParallelAllBranchesFail(t *testing.T) {
	x := units.NewEcho("X", units.WithFailure(errors.New("boom")))
	y := agent.WrapAgent("Y", func(context.Context, agent.Context) (agent.Result, error) {
		return agent.Result{}, errors.New("kaput")
	}, nil)

	_, err := Parallel{}.Execute(context.Background(), []agent.Agent{x, y}, agent.NewContext("q"))
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrUnitFailure)
	assert.ErrorContains(t, err, "boom")
	assert.ErrorContains(t, err, "kaput")
}

func TestParallelFailFastCancelsSiblings(t *testing.T) {
	x := agent.WrapAgent("X", func(context.Context, agent.Context) (agent.Result, error) {
		return agent.Result{}, errors.New("boom")
	}, nil)
	slow := units.NewEcho("slow", units.WithDelay(time.Hour))

	start := time.Now()
	_, err := Parallel{FailFast: true}.Execute(context.Background(), []agent.Agent{x, slow}, agent.NewContext("q"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "boom")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestParallelCustomMerge(t *testing.T) {
	a, _ := counting("a")
	b, _ := counting("b")
	last := func(results []agent.Result) agent.Result { return results[len(results)-1] }

	res, err := Parallel{Merge: last}.Execute(context.Background(), []agent.Agent{a, b}, agent.NewContext("q"))
	require.NoError(t, err)
	assert.Equal(t, "b:q", res.Output)
}

func TestDefaultMergeSumsUsage(t *testing.T) {
	r1 := agent.Succeeded("a", "one")
	r1.Usage = map[string]int{"input_tokens": 3}
	r2 := agent.Succeeded("b", " ")
	r2.Usage = map[string]int{"input_tokens": 4, "output_tokens": 1}

	merged := DefaultMerge([]agent.Result{r1, r2})
	assert.Equal(t, "one", merged.Output, "blank outputs are skipped")
	assert.Equal(t, map[string]int{"input_tokens": 7, "output_tokens": 1}, merged.Usage)
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	classifier := units.NewEcho("classify")
	weather := units.NewEcho("weather-unit", units.WithPrefix("w:"))
	news := units.NewEcho("news-unit", units.WithPrefix("n:"))
	list := []agent.Agent{classifier, weather, news}

	r := NewRouter("classify", map[string]string{"Weather": "weather-unit", "news": "news-unit"}, "news-unit")

	res, err := r.Execute(ctx, list, agent.NewContext(" Weather "))
	require.NoError(t, err)
	assert.Equal(t, "w: Weather ", res.Output)
	assert.Equal(t, "weather", res.MetaString(agent.MetaLabel))

	res, err = r.Execute(ctx, list, agent.NewContext("sports"))
	require.NoError(t, err)
	assert.Equal(t, "n:sports", res.Output, "unknown labels go to the default")
}

func TestRouterPrefersLabelMetadata(t *testing.T) {
	classifier := agent.WrapAgent("classify", func(context.Context, agent.Context) (agent.Result, error) {
		res := agent.Succeeded("classify", "free text that is not a label")
		res.Metadata = map[string]any{agent.MetaLabel: "direct"}
		return res, nil
	}, nil)
	direct := units.NewEcho("direct")
	search := units.NewEcho("search", units.WithPrefix("s:"))

	r := NewRouter("classify", map[string]string{"direct": "direct", "search": "search"}, "search")
	res, err := r.Execute(context.Background(), []agent.Agent{classifier, direct, search}, agent.NewContext("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output)
}

func TestRouterClassifierFailureUsesDefault(t *testing.T) {
	classifier := units.NewEcho("classify", units.WithFailure(errors.New("provider down")))
	fallback := units.NewEcho("fallback", units.WithPrefix("f:"))

	r := NewRouter("classify", map[string]string{"x": "missing"}, "fallback")
	res, err := r.Execute(context.Background(), []agent.Agent{classifier, fallback}, agent.NewContext("q"))
	require.NoError(t, err)
	assert.Equal(t, "f:q", res.Output)
}

func TestRouterUnknownTargetUsesDefault(t *testing.T) {
	classifier := units.NewEcho("classify")
	fallback := units.NewEcho("fallback", units.WithPrefix("f:"))

	r := NewRouter("classify", map[string]string{"x": "missing"}, "fallback")
	res, err := r.Execute(context.Background(), []agent.Agent{classifier, fallback}, agent.NewContext("x"))
	require.NoError(t, err)
	assert.Equal(t, "f:x", res.Output)
}

func TestRouterFunc(t *testing.T) {
	a, aCalls := counting("a")
	b, _ := counting("b")
	r := NewRouterFunc(func(rc agent.Context) string {
		if rc.Input() == "pick-a" {
			return "a"
		}
		return ""
	}, "b")

	res, err := r.Execute(context.Background(), []agent.Agent{a, b}, agent.NewContext("pick-a"))
	require.NoError(t, err)
	assert.Equal(t, "a:pick-a", res.Output)
	assert.Equal(t, int32(1), aCalls.Load())

	res, err = r.Execute(context.Background(), []agent.Agent{a, b}, agent.NewContext("other"))
	require.NoError(t, err)
	assert.Equal(t, "b:other", res.Output)
}
