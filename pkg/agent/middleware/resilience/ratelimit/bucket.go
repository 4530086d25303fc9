// Package ratelimit provides token-bucket admission control.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"conductor/pkg/agent/resilience"
)

// Config defines a bucket: Capacity tokens refilled evenly over Window.
type Config struct {
	Capacity int           `json:"capacity" yaml:"capacity"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// DefaultConfig admits 100 requests per minute.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	Capacity: 100,
	Window:   time.Minute,
}

// Validate reports a non-positive capacity or window.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("rate limit capacity must be positive, got %d", c.Capacity)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %v", c.Window)
	}
	return nil
}

// Clock returns the current time.
type Clock func() time.Time

// Error is returned when admission is refused.
type Error struct {
	Key        string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %v", e.Key, e.RetryAfter.Round(time.Millisecond))
}

// Is reports Error as resilience.ErrAdmissionRejected.
func (e *Error) Is(target error) bool { return target == resilience.ErrAdmissionRejected }

// Bucket is a token bucket. It starts full and refills continuously at
// Capacity/Window tokens per second, never beyond Capacity.
//
//nolint:govet // fieldalignment: Struct layout optimized for readability over memory
type Bucket struct {
	mu sync.Mutex

	capacity float64
	window   float64 // seconds
	tokens   float64
	last     time.Time
	now      Clock

	admitted int64
	rejected int64
}

// BucketStats is a point-in-time view of a bucket.
type BucketStats struct {
	Capacity int     `json:"capacity"`
	Tokens   float64 `json:"tokens"`
	Admitted int64   `json:"admitted"`
	Rejected int64   `json:"rejected"`
}

// NewBucket creates a full bucket. A nil clock means time.Now.
func NewBucket(cfg Config, clock Clock) *Bucket {
	if cfg.Validate() != nil {
		cfg = DefaultConfig
	}
	if clock == nil {
		clock = time.Now
	}
	capacity := float64(cfg.Capacity)
	return &Bucket{
		capacity: capacity,
		window:   cfg.Window.Seconds(),
		tokens:   capacity,
		last:     clock(),
		now:      clock,
	}
}

// TryAcquire takes one token if available. It never waits.
func (b *Bucket) TryAcquire() bool {
	ok, _ := b.Take()
	return ok
}

// Take is TryAcquire that also reports how long until a token will be
// available when it fails.
func (b *Bucket) Take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		b.admitted++
		return true, 0
	}
	b.rejected++
	return false, b.retryAfter()
}

// refill must be called with mu held.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	// Multiply before dividing so whole fractions of the window refill exactly.
	b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.capacity/b.window)
	b.last = now
}

func (b *Bucket) retryAfter() time.Duration {
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * b.window / b.capacity * float64(time.Second))
}

// Tokens returns the current token count after refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// lastUsed returns the time of the last refill, which every Take performs.
func (b *Bucket) lastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Stats returns current bucket statistics.
func (b *Bucket) Stats() BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return BucketStats{
		Capacity: int(b.capacity),
		Tokens:   b.tokens,
		Admitted: b.admitted,
		Rejected: b.rejected,
	}
}

// RetryAfterSeconds renders d the way Retry-After headers carry it: whole
// seconds plus one so that clients never retry too early.
func RetryAfterSeconds(d time.Duration) int {
	return int(d.Seconds()) + 1
}
