package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names, shared with the query service.
const (
	MetricUnitCalls        = "conductor_unit_calls_total"
	MetricUnitDuration     = "conductor_unit_duration_seconds"
	MetricLLMRequests      = "conductor_llm_requests_total"
	MetricLLMTokens        = "conductor_llm_tokens_total"
	MetricThrottles        = "conductor_throttle_total"
	MetricAdmissions       = "conductor_admissions_total"
	MetricBreakerState     = "conductor_breaker_state"
	MetricBreakerTransits  = "conductor_breaker_transitions_total"
	MetricOutcomes         = "conductor_outcomes_total"
	MetricOutcomeDurations = "conductor_request_duration_seconds"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	unitCalls       *prometheus.CounterVec
	unitDuration    *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	throttleTotal   *prometheus.CounterVec
	admissionsTotal *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	breakerTransits *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder registered on reg, or on the
// default registerer when reg is nil.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		unitCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUnitCalls,
				Help: "Total number of execution unit invocations by unit, status and error type",
			},
			[]string{"unit", "status", "error_type"},
		),
		unitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricUnitDuration,
				Help:    "Duration of execution unit invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"unit"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLLMRequests,
				Help: "Total number of LLM requests by model and status",
			},
			[]string{"model", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLLMTokens,
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "type"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricThrottles,
				Help: "Total number of throttling events",
			},
			[]string{"scope", "reason"},
		),
		admissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAdmissions,
				Help: "Admission decisions at public entry points",
			},
			[]string{"scope", "decision"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricBreakerState,
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),
		breakerTransits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBreakerTransits,
				Help: "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOutcomes,
				Help: "Terminal outcomes of orchestrated requests",
			},
			[]string{"strategy", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricOutcomeDurations,
				Help:    "Duration of orchestrated requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
	}
}

// ObserveUnit records one completed unit invocation.
func (p *PrometheusRecorder) ObserveUnit(unit string, success bool, errorType string, duration time.Duration) {
	p.unitCalls.WithLabelValues(unit, status(success), errorType).Inc()
	p.unitDuration.WithLabelValues(unit).Observe(duration.Seconds())
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(model string, promptTokens, completionTokens int, success bool, errorType string, _ time.Duration) {
	p.requestsTotal.WithLabelValues(model, status(success), errorType).Inc()

	// Tokens only on success
	if success {
		p.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// IncThrottle increments the throttle counter for rate limiting events.
func (p *PrometheusRecorder) IncThrottle(scope, reason string) {
	p.throttleTotal.WithLabelValues(scope, reason).Inc()
}

// ObserveAdmission records an admission decision.
func (p *PrometheusRecorder) ObserveAdmission(scope string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	p.admissionsTotal.WithLabelValues(scope, decision).Inc()
}

// ObserveBreaker records a transition and the breaker's new state.
func (p *PrometheusRecorder) ObserveBreaker(name, from, to string) {
	p.breakerTransits.WithLabelValues(name, from, to).Inc()
	p.breakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

// ObserveOutcome records the terminal outcome of a request.
func (p *PrometheusRecorder) ObserveOutcome(strategy, outcome string, duration time.Duration) {
	p.outcomesTotal.WithLabelValues(strategy, outcome).Inc()
	p.requestDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func status(success bool) string {
	if success {
		return statusSuccess
	}
	return statusError
}

func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}
