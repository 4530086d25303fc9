// Package metrics reads conductor aggregates back from a Prometheus server.
package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	unitmetrics "conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/logx"
)

// DefaultWindow is the range used when a query is given none.
const DefaultWindow = 15 * time.Minute

// OutcomeSummary is the request outcome picture over a window.
type OutcomeSummary struct {
	Window     string             `json:"window"`
	ByOutcome  map[string]float64 `json:"by_outcome"`
	ByStrategy map[string]float64 `json:"by_strategy"`
	P95Seconds float64            `json:"p95_seconds"`
}

// UnitHealth summarizes one execution unit over a window.
type UnitHealth struct {
	Unit      string  `json:"unit"`
	Calls     float64 `json:"calls"`
	Errors    float64 `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

// QueryService queries the Prometheus HTTP API.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
	logger   *logx.Logger
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
		logger:   logx.NewLogger("metrics-query"),
	}, nil
}

// Outcomes returns outcome counts and the p95 request latency over window.
func (q *QueryService) Outcomes(ctx context.Context, window time.Duration) (*OutcomeSummary, error) {
	rng := promRange(window)
	summary := &OutcomeSummary{Window: rng}

	var err error
	summary.ByOutcome, err = q.vectorBy(ctx, "outcome",
		fmt.Sprintf(`sum by (outcome) (increase(%s[%s]))`, unitmetrics.MetricOutcomes, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}

	summary.ByStrategy, err = q.vectorBy(ctx, "strategy",
		fmt.Sprintf(`sum by (strategy) (increase(%s[%s]))`, unitmetrics.MetricOutcomes, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes by strategy: %w", err)
	}

	summary.P95Seconds, err = q.scalar(ctx,
		fmt.Sprintf(`histogram_quantile(0.95, sum by (le) (rate(%s_bucket[%s])))`, unitmetrics.MetricOutcomeDurations, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query request latency: %w", err)
	}
	return summary, nil
}

// BreakerStates returns the last reported state value per breaker
// (0 closed, 1 open, 2 half-open).
func (q *QueryService) BreakerStates(ctx context.Context) (map[string]float64, error) {
	states, err := q.vectorBy(ctx, "breaker", fmt.Sprintf(`max by (breaker) (%s)`, unitmetrics.MetricBreakerState))
	if err != nil {
		return nil, fmt.Errorf("failed to query breaker states: %w", err)
	}
	return states, nil
}

// UnitHealth returns call and error counts per unit over window.
func (q *QueryService) UnitHealth(ctx context.Context, window time.Duration) (map[string]*UnitHealth, error) {
	rng := promRange(window)

	calls, err := q.vectorBy(ctx, "unit",
		fmt.Sprintf(`sum by (unit) (increase(%s[%s]))`, unitmetrics.MetricUnitCalls, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query unit calls: %w", err)
	}
	errs, err := q.vectorBy(ctx, "unit",
		fmt.Sprintf(`sum by (unit) (increase(%s{status="error"}[%s]))`, unitmetrics.MetricUnitCalls, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query unit errors: %w", err)
	}

	result := make(map[string]*UnitHealth, len(calls))
	for unit, n := range calls {
		h := &UnitHealth{Unit: unit, Calls: n, Errors: errs[unit]}
		if n > 0 {
			h.ErrorRate = h.Errors / n
		}
		result[unit] = h
	}
	return result, nil
}

// vectorBy runs an instant query and keys each sample by label.
func (q *QueryService) vectorBy(ctx context.Context, label, query string) (map[string]float64, error) {
	val, warnings, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err //nolint:wrapcheck // callers add context
	}
	for _, w := range warnings {
		q.logger.Warn("prometheus warning for %q: %s", query, w)
	}

	out := make(map[string]float64)
	vector, ok := val.(model.Vector)
	if !ok {
		return out, nil
	}
	for _, sample := range vector {
		out[string(sample.Metric[model.LabelName(label)])] = float64(sample.Value)
	}
	return out, nil
}

// scalar runs an instant query expected to yield one number. Empty results
// and NaN (no samples in range) read as 0.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	val, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err //nolint:wrapcheck // callers add context
	}
	var f float64
	switch v := val.(type) {
	case model.Vector:
		if len(v) > 0 {
			f = float64(v[0].Value)
		}
	case *model.Scalar:
		f = float64(v.Value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, nil
	}
	return f, nil
}

func promRange(window time.Duration) string {
	if window <= 0 {
		window = DefaultWindow
	}
	return model.Duration(window).String()
}
