// Package circuit provides per-dependency circuit breakers.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/agent/resilience"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // One trial call in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // Consecutive failures before opening
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`   // Time in Open before a trial is allowed
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
}

// Error is returned when a call is rejected without invoking the operation.
type Error struct {
	Name  string
	State State
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("circuit breaker is %s", e.State)
	}
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// Is reports Error as resilience.ErrCircuitOpen.
func (e *Error) Is(target error) bool { return target == resilience.ErrCircuitOpen }

// Transition describes one state change.
type Transition struct {
	Name     string
	From     State
	To       State
	Failures int
	At       time.Time
}

// Listener observes transitions. It is called after the breaker lock is
// released; listeners of one breaker never run concurrently.
type Listener func(Transition)

// Clock returns the current time.
type Clock func() time.Time

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(clock Clock) Option {
	return func(b *Breaker) { b.now = clock }
}

// WithListener registers a transition observer.
func WithListener(l Listener) Option {
	return func(b *Breaker) { b.listeners = append(b.listeners, l) }
}

// Breaker guards calls to one dependency.
//
// Closed lets every call through and counts consecutive failures. Reaching the
// threshold opens the breaker. Open rejects calls until RecoveryTimeout has
// elapsed, checked lazily on the next call, which then becomes the single
// HalfOpen trial. Other callers are rejected while the trial runs. The trial's
// outcome closes or reopens the breaker.
//
// Every transition starts a new generation. Results from calls admitted in an
// earlier generation are discarded, so a slow call admitted while Closed
// cannot decide the HalfOpen outcome.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	name      string
	config    Config
	now       Clock
	listeners []Listener

	mu            sync.Mutex
	state         State
	failureCount  int
	openedAt      time.Time
	trialInFlight bool
	generation    uint64

	notifyMu sync.Mutex
}

// New creates a circuit breaker named after the dependency it protects.
func New(name string, config Config, opts ...Option) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string { return b.name }

// Ticket is the permission to make one call. It must be passed to Record.
type Ticket struct {
	generation uint64
	trial      bool
}

// Allow decides whether a call may proceed. When it returns an error the
// operation must not be invoked.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	var tr *Transition

	switch b.state {
	case Closed:
		gen := b.generation
		b.mu.Unlock()
		return Ticket{generation: gen}, nil

	case Open:
		if b.now().Sub(b.openedAt) < b.config.RecoveryTimeout {
			b.mu.Unlock()
			return Ticket{}, &Error{Name: b.name, State: Open}
		}
		tr = b.setState(HalfOpen)
		b.trialInFlight = true
		gen := b.generation
		b.mu.Unlock()
		b.notify(tr)
		return Ticket{generation: gen, trial: true}, nil

	default: // HalfOpen
		if b.trialInFlight {
			b.mu.Unlock()
			return Ticket{}, &Error{Name: b.name, State: HalfOpen}
		}
		b.trialInFlight = true
		gen := b.generation
		b.mu.Unlock()
		return Ticket{generation: gen, trial: true}, nil
	}
}

// Record reports the outcome of a call admitted by Allow. Outcomes from a
// generation that has since ended are ignored.
func (b *Breaker) Record(t Ticket, err error) {
	b.mu.Lock()
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}
	var tr *Transition

	switch {
	case t.trial:
		b.trialInFlight = false
		if err == nil {
			tr = b.setState(Closed)
		} else {
			b.failureCount++
			tr = b.setState(Open)
		}
	case err == nil:
		b.failureCount = 0
	default:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			tr = b.setState(Open)
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

// Call runs op if the breaker allows it and records the outcome. Every
// non-nil error from op counts as a failure.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	ticket, err := b.Allow()
	if err != nil {
		return err
	}
	err = op(ctx)
	b.Record(ticket, err)
	return err
}

// Execute is Call for operations that produce a value.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	ticket, err := b.Allow()
	if err != nil {
		return zero, err
	}
	v, err := op(ctx)
	b.Record(ticket, err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// State returns the current state without triggering the lazy Open to
// HalfOpen transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Snapshot returns the current state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: b.state.String(), Failures: b.failureCount}
	if b.state != Closed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// Reset manually returns the breaker to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failureCount = 0
	b.trialInFlight = false
	var tr *Transition
	if b.state != Closed {
		tr = b.setState(Closed)
	}
	b.mu.Unlock()
	b.notify(tr)
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) *Transition {
	from := b.state
	b.state = to
	b.generation++
	now := b.now()
	if to == Open {
		b.openedAt = now
	}
	if to == Closed {
		b.failureCount = 0
	}
	return &Transition{Name: b.name, From: from, To: to, Failures: b.failureCount, At: now}
}

func (b *Breaker) notify(tr *Transition) {
	if tr == nil || len(b.listeners) == 0 {
		return
	}
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	for _, l := range b.listeners {
		l(*tr)
	}
}
