// Package metrics records unit calls, provider requests, breaker transitions,
// admissions and request outcomes.
package metrics

import (
	"time"
)

// Recorder defines the interface for recording orchestration metrics.
type Recorder interface {
	// ObserveUnit records one completed execution unit invocation.
	ObserveUnit(unit string, success bool, errorType string, duration time.Duration)

	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(model string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration)

	// IncThrottle increments the throttle counter for rate limiting events.
	IncThrottle(scope, reason string)

	// ObserveAdmission records one admission decision at a public entry point.
	ObserveAdmission(scope string, allowed bool)

	// ObserveBreaker records a circuit breaker state change.
	ObserveBreaker(name, from, to string)

	// ObserveOutcome records the terminal outcome of an orchestrated request.
	ObserveOutcome(strategy, outcome string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveUnit does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveUnit(_ string, _ bool, _ string, _ time.Duration) {}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(_ string, _, _ int, _ bool, _ string, _ time.Duration) {}

// IncThrottle does nothing in the no-op recorder.
func (n *NoopRecorder) IncThrottle(_, _ string) {}

// ObserveAdmission does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveAdmission(_ string, _ bool) {}

// ObserveBreaker does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveBreaker(_, _, _ string) {}

// ObserveOutcome does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveOutcome(_, _ string, _ time.Duration) {}

type multi []Recorder

// Multi fans every observation out to all recorders. Nil entries are skipped.
func Multi(recorders ...Recorder) Recorder {
	out := make(multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return Nop()
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multi) ObserveUnit(unit string, success bool, errorType string, d time.Duration) {
	for _, r := range m {
		r.ObserveUnit(unit, success, errorType, d)
	}
}

func (m multi) ObserveRequest(model string, p, c int, success bool, errorType string, d time.Duration) {
	for _, r := range m {
		r.ObserveRequest(model, p, c, success, errorType, d)
	}
}

func (m multi) IncThrottle(scope, reason string) {
	for _, r := range m {
		r.IncThrottle(scope, reason)
	}
}

func (m multi) ObserveAdmission(scope string, allowed bool) {
	for _, r := range m {
		r.ObserveAdmission(scope, allowed)
	}
}

func (m multi) ObserveBreaker(name, from, to string) {
	for _, r := range m {
		r.ObserveBreaker(name, from, to)
	}
}

func (m multi) ObserveOutcome(strategy, outcome string, d time.Duration) {
	for _, r := range m {
		r.ObserveOutcome(strategy, outcome, d)
	}
}
