package metrics

import (
	"sort"
	"sync"
	"time"
)

// InternalRecorder implements Recorder with in-memory aggregation, for
// deployments without a Prometheus server and for the stats endpoint.
type InternalRecorder struct {
	units    map[string]*UnitStats
	outcomes map[string]int64
	breakers map[string]string
	mu       sync.RWMutex
}

// UnitStats represents aggregated metrics for one execution unit.
//
//nolint:govet
type UnitStats struct {
	Unit          string        `json:"unit"`
	Calls         int64         `json:"calls"`
	Failures      int64         `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastErrorType string        `json:"last_error_type,omitempty"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// Stats is a point-in-time copy of everything the recorder aggregated.
type Stats struct {
	Units    []UnitStats       `json:"units"`
	Outcomes map[string]int64  `json:"outcomes"`
	Breakers map[string]string `json:"breakers"`
}

// NewInternalRecorder returns an empty in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{
		units:    make(map[string]*UnitStats),
		outcomes: make(map[string]int64),
		breakers: make(map[string]string),
	}
}

// ObserveUnit aggregates one unit invocation.
func (r *InternalRecorder) ObserveUnit(unit string, success bool, errorType string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.units[unit]
	if !exists {
		s = &UnitStats{Unit: unit}
		r.units[unit] = s
	}
	s.Calls++
	s.TotalDuration += duration
	if !success {
		s.Failures++
		s.LastErrorType = errorType
	}
	s.LastUpdated = time.Now()
}

// ObserveRequest is not aggregated in memory.
func (r *InternalRecorder) ObserveRequest(_ string, _, _ int, _ bool, _ string, _ time.Duration) {}

// IncThrottle counts throttles as "throttled" outcomes.
func (r *InternalRecorder) IncThrottle(_, _ string) {
	r.mu.Lock()
	r.outcomes["throttled"]++
	r.mu.Unlock()
}

// ObserveAdmission is not aggregated in memory.
func (r *InternalRecorder) ObserveAdmission(_ string, _ bool) {}

// ObserveBreaker remembers the latest state per breaker.
func (r *InternalRecorder) ObserveBreaker(name, _, to string) {
	r.mu.Lock()
	r.breakers[name] = to
	r.mu.Unlock()
}

// ObserveOutcome counts outcomes by kind.
func (r *InternalRecorder) ObserveOutcome(_, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes[outcome]++
	r.mu.Unlock()
}

// GetUnitStats returns a copy of the stats for one unit, or nil.
func (r *InternalRecorder) GetUnitStats(unit string) *UnitStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, exists := r.units[unit]; exists {
		c := *s
		return &c
	}
	return nil
}

// Snapshot returns copies of all aggregates, units sorted by name.
func (r *InternalRecorder) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Stats{
		Units:    make([]UnitStats, 0, len(r.units)),
		Outcomes: make(map[string]int64, len(r.outcomes)),
		Breakers: make(map[string]string, len(r.breakers)),
	}
	for _, s := range r.units {
		out.Units = append(out.Units, *s)
	}
	sort.Slice(out.Units, func(i, j int) bool { return out.Units[i].Unit < out.Units[j].Unit })
	for k, v := range r.outcomes {
		out.Outcomes[k] = v
	}
	for k, v := range r.breakers {
		out.Breakers[k] = v
	}
	return out
}

// Reset clears all metrics (useful for testing).
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = make(map[string]*UnitStats)
	r.outcomes = make(map[string]int64)
	r.breakers = make(map[string]string)
}
