package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"conductor/pkg/agent"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/agent/middleware/resilience/timeout"
	"conductor/pkg/agent/resilience"
	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

// OutcomeSuccess is the outcome kind of a successful request.
const OutcomeSuccess = "success"

// Outcome describes how one request ended. It carries no request content.
type Outcome struct {
	RequestID string
	Strategy  string
	Kind      string
	Agent     string
	Artifacts int
	Error     string
	Streamed  bool
	Duration  time.Duration
	At        time.Time
}

// OutcomeSink receives every terminal outcome.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, o Outcome) error
}

type strategyRef struct {
	s Strategy
}

// Orchestrator is the single entry point for running requests.
type Orchestrator struct {
	strategy       atomic.Pointer[strategyRef]
	units          []agent.Agent
	requestTimeout time.Duration
	logger         *logx.Logger
	tracer         trace.Tracer
	recorder       metrics.Recorder
	sink           OutcomeSink
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRequestTimeout bounds every run. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.requestTimeout = d }
}

func WithLogger(l *logx.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLedger reports each terminal outcome to sink.
func WithLedger(sink OutcomeSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// New creates an orchestrator running strategy over units. The unit list is
// fixed for the orchestrator's lifetime.
func New(strategy Strategy, units []agent.Agent, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		units:    append([]agent.Agent(nil), units...),
		logger:   logx.NewLogger("orchestrator"),
		tracer:   otel.Tracer("conductor/orchestrator"),
		recorder: metrics.Nop(),
	}
	o.strategy.Store(&strategyRef{s: strategy})
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Strategy returns the active strategy.
func (o *Orchestrator) Strategy() Strategy {
	return o.strategy.Load().s
}

// SetStrategy swaps the active strategy. Runs already in flight keep the
// strategy they started with.
func (o *Orchestrator) SetStrategy(s Strategy) {
	prev := o.strategy.Swap(&strategyRef{s: s})
	o.logger.Info("strategy changed from %s to %s", StrategyName(prev.s), StrategyName(s))
}

// Units returns the names of the units the orchestrator composes.
func (o *Orchestrator) Units() []string {
	names := make([]string, len(o.units))
	for i, u := range o.units {
		names[i] = u.Name()
	}
	return names
}

// Run executes rc with the active strategy under the request timeout. On
// expiry it returns *timeout.Error at once; in-flight units see their context
// cancelled. Run never retries.
func (o *Orchestrator) Run(ctx context.Context, rc agent.Context) (agent.Result, error) {
	strategy := o.Strategy()
	name := StrategyName(strategy)
	start := time.Now()

	ctx = logx.WithRequestID(ctx, rc.RequestID())
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("strategy", name),
		attribute.String("request_id", rc.RequestID()),
	))
	defer span.End()

	res, err := timeout.Bound(ctx, "request", o.requestTimeout, func(ctx context.Context) (agent.Result, error) {
		return strategy.Execute(ctx, o.units, rc)
	})
	if err == nil && !res.Success {
		err = res.AsError()
	}

	o.finish(ctx, span, Outcome{
		RequestID: rc.RequestID(),
		Strategy:  name,
		Agent:     res.Agent,
		Artifacts: len(res.Artifacts),
		Duration:  time.Since(start),
	}, err)
	return res, err
}

// RunStream executes rc and returns its incremental output. Strategies that
// cannot stream are run to completion and emitted as one chunk. The request
// timeout covers the whole stream; expiry arrives as a final error chunk.
func (o *Orchestrator) RunStream(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error) {
	strategy := o.Strategy()
	name := StrategyName(strategy)
	start := time.Now()

	ctx = logx.WithRequestID(ctx, rc.RequestID())
	ctx, span := o.tracer.Start(ctx, "orchestrator.stream", trace.WithAttributes(
		attribute.String("strategy", name),
		attribute.String("request_id", rc.RequestID()),
	))

	var begin agent.StreamFunc
	if ss, ok := strategy.(StreamingStrategy); ok {
		begin = func(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error) {
			return ss.ExecuteStream(ctx, o.units, rc)
		}
	} else {
		begin = func(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error) {
			return streamRun(ctx, func(ctx context.Context) (agent.Result, error) {
				return strategy.Execute(ctx, o.units, rc)
			}), nil
		}
	}

	outcome := Outcome{RequestID: rc.RequestID(), Strategy: name, Streamed: true}
	in, err := timeout.BoundStream(ctx, "request", o.requestTimeout, begin, rc)
	if err != nil {
		outcome.Duration = time.Since(start)
		o.finish(ctx, span, outcome, err)
		span.End()
		return nil, err //nolint:wrapcheck // taxonomy errors pass through
	}

	out := make(chan agent.StreamChunk)
	go func() {
		defer close(out)
		defer span.End()
		var streamErr error
		e := emitter{ctx: ctx, out: out}
		for c := range in {
			if c.Artifact != nil {
				outcome.Artifacts++
			}
			if c.Err != nil {
				streamErr = c.Err
			}
			if !e.send(c) {
				go drain(in)
				if streamErr == nil {
					streamErr = ctx.Err()
				}
				break
			}
		}
		outcome.Duration = time.Since(start)
		o.finish(ctx, span, outcome, streamErr)
	}()
	return out, nil
}

// finish reports the terminal outcome to the span, the recorder, the log
// and the ledger.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, outcome Outcome, err error) {
	outcome.At = time.Now()
	outcome.Kind = OutcomeSuccess
	if err != nil {
		outcome.Kind = resilience.Classify(err).String()
		outcome.Error = utils.RedactString(err.Error())
	}

	span.SetAttributes(attribute.String("outcome", outcome.Kind))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome.Kind)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	o.recorder.ObserveOutcome(outcome.Strategy, outcome.Kind, outcome.Duration)

	if err != nil {
		o.logger.Warn("request %s failed via %s after %v (%s): %s",
			outcome.RequestID, outcome.Strategy, outcome.Duration.Round(time.Millisecond), outcome.Kind, outcome.Error)
	} else {
		logx.Debug(ctx, "orchestrator", "request %s completed via %s in %v",
			outcome.RequestID, outcome.Strategy, outcome.Duration.Round(time.Millisecond))
	}

	if o.sink != nil {
		if serr := o.sink.RecordOutcome(context.WithoutCancel(ctx), outcome); serr != nil {
			o.logger.Warn("failed to record outcome for %s: %v", outcome.RequestID, serr)
		}
	}
}
