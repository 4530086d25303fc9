package ratelimit

import (
	"context"
	"sync"
	"time"

	"conductor/pkg/logx"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for a caller key. Implementations
// never queue: a rejection is immediate.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Admit runs l and converts a rejection into *Error.
func Admit(ctx context.Context, l Limiter, key string) error {
	d, err := l.Allow(ctx, key)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &Error{Key: key, RetryAfter: d.RetryAfter}
	}
	return nil
}

// DefaultIdleTTL is how long an unused per-key bucket is kept.
const DefaultIdleTTL = 10 * time.Minute

// Keyed keeps one in-memory bucket per caller key. Buckets idle for longer
// than the idle TTL are evicted. The TTL is never shorter than the window, so
// an evicted bucket would have been full again anyway.
type Keyed struct {
	cfg     Config
	now     Clock
	idleTTL time.Duration
	logger  *logx.Logger

	mu        sync.Mutex
	buckets   map[string]*Bucket
	lastSweep time.Time
}

// KeyedOption configures a Keyed limiter.
type KeyedOption func(*Keyed)

// WithClock replaces time.Now.
func WithClock(clock Clock) KeyedOption {
	return func(k *Keyed) { k.now = clock }
}

// WithIdleTTL sets the eviction age. It is raised to the window if smaller.
func WithIdleTTL(ttl time.Duration) KeyedOption {
	return func(k *Keyed) { k.idleTTL = ttl }
}

// NewKeyed creates a per-key limiter.
func NewKeyed(cfg Config, opts ...KeyedOption) *Keyed {
	if cfg.Validate() != nil {
		cfg = DefaultConfig
	}
	k := &Keyed{
		cfg:     cfg,
		now:     time.Now,
		idleTTL: DefaultIdleTTL,
		logger:  logx.NewLogger("ratelimit"),
		buckets: make(map[string]*Bucket),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.idleTTL < cfg.Window {
		k.idleTTL = cfg.Window
	}
	k.lastSweep = k.now()
	return k
}

// Allow takes one token from key's bucket.
func (k *Keyed) Allow(ctx context.Context, key string) (Decision, error) {
	ok, retry := k.bucket(key).Take()
	if !ok {
		logx.Debug(ctx, "admit", "rejected %s, retry after %v", key, retry)
	}
	return Decision{Allowed: ok, RetryAfter: retry}, nil
}

// TryAcquire is Allow without the decision details.
func (k *Keyed) TryAcquire(key string) bool {
	ok, _ := k.bucket(key).Take()
	return ok
}

func (k *Keyed) bucket(key string) *Bucket {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.lastSweep) >= k.idleTTL {
		k.sweep(now)
	}
	b, ok := k.buckets[key]
	if !ok {
		b = NewBucket(k.cfg, k.now)
		k.buckets[key] = b
	}
	return b
}

// sweep must be called with mu held.
func (k *Keyed) sweep(now time.Time) {
	evicted := 0
	for key, b := range k.buckets {
		if now.Sub(b.lastUsed()) >= k.idleTTL {
			delete(k.buckets, key)
			evicted++
		}
	}
	k.lastSweep = now
	if evicted > 0 {
		k.logger.Debug("evicted %d idle buckets, %d remain", evicted, len(k.buckets))
	}
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// Stats returns statistics for every tracked key.
func (k *Keyed) Stats() map[string]BucketStats {
	k.mu.Lock()
	snapshot := make(map[string]*Bucket, len(k.buckets))
	for key, b := range k.buckets {
		snapshot[key] = b
	}
	k.mu.Unlock()

	out := make(map[string]BucketStats, len(snapshot))
	for key, b := range snapshot {
		out[key] = b.Stats()
	}
	return out
}

// Global admits every caller against one shared bucket.
type Global struct {
	bucket *Bucket
}

// NewGlobal creates a limiter with a single bucket.
func NewGlobal(cfg Config, clock Clock) *Global {
	return &Global{bucket: NewBucket(cfg, clock)}
}

// Allow ignores key.
func (g *Global) Allow(_ context.Context, _ string) (Decision, error) {
	ok, retry := g.bucket.Take()
	return Decision{Allowed: ok, RetryAfter: retry}, nil
}

// TryAcquire takes one token from the shared bucket.
func (g *Global) TryAcquire() bool {
	return g.bucket.TryAcquire()
}
