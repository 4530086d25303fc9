package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/orchestrator"
)

// DefaultQueueSize is the write buffer of a Ledger.
const DefaultQueueSize = 100

var (
	// ErrClosed is returned once the ledger has been drained.
	ErrClosed = errors.New("outcome ledger closed")
	// ErrQueueFull is returned when an outcome could not be queued without blocking.
	ErrQueueFull = errors.New("outcome ledger queue full")
)

// Ledger is the orchestrator.OutcomeSink backed by SQLite. Writes are queued
// and applied by a single worker goroutine so request paths never wait on
// disk; queries go through the same worker.
type Ledger struct {
	db       *sql.DB
	ops      *DatabaseOperations
	logger   *logx.Logger
	requests chan *Request
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	dropped  atomic.Int64
}

var _ orchestrator.OutcomeSink = (*Ledger)(nil)

type queryResult struct {
	value interface{}
	err   error
}

// Open initializes the database at path and starts a ledger over it.
func Open(path string) (*Ledger, error) {
	db, err := InitializeDatabase(path)
	if err != nil {
		return nil, err
	}
	l := NewLedger(db, DefaultQueueSize)
	l.logger.Info("outcome ledger at %s (schema v%d)", path, CurrentSchemaVersion)
	return l, nil
}

// NewLedger starts the worker for an initialized database.
func NewLedger(db *sql.DB, queueSize int) *Ledger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	l := &Ledger{
		db:       db,
		ops:      NewDatabaseOperations(db),
		logger:   logx.NewLogger("ledger"),
		requests: make(chan *Request, queueSize),
		done:     make(chan struct{}),
	}
	go l.worker()
	return l
}

// RecordOutcome queues o for storage. It never blocks.
func (l *Ledger) RecordOutcome(_ context.Context, o orchestrator.Outcome) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	req := &Request{Operation: OpRecordOutcome, Data: NewOutcomeRecord(o)}
	select {
	case l.requests <- req:
		return nil
	default:
		n := l.dropped.Add(1)
		return fmt.Errorf("%w (%d dropped)", ErrQueueFull, n)
	}
}

// Dropped counts outcomes rejected because the queue was full.
func (l *Ledger) Dropped() int64 {
	return l.dropped.Load()
}

// Recent returns the newest outcomes first. Queued writes submitted before
// the call are visible.
func (l *Ledger) Recent(ctx context.Context, q OutcomeQuery) ([]*OutcomeRecord, error) {
	v, err := l.query(ctx, OpRecentOutcomes, q)
	if err != nil {
		return nil, err
	}
	recs, _ := v.([]*OutcomeRecord)
	return recs, nil
}

// Stats aggregates outcomes created at or after since.
func (l *Ledger) Stats(ctx context.Context, since time.Time) (*OutcomeStats, error) {
	v, err := l.query(ctx, OpOutcomeStats, since)
	if err != nil {
		return nil, err
	}
	stats, _ := v.(*OutcomeStats)
	return stats, nil
}

func (l *Ledger) query(ctx context.Context, op string, data interface{}) (interface{}, error) {
	resp := make(chan interface{}, 1)
	req := &Request{Operation: op, Data: data, Response: resp}

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	select {
	case l.requests <- req:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return nil, fmt.Errorf("ledger %s: %w", op, ctx.Err())
	}

	select {
	case v := <-resp:
		r, _ := v.(queryResult)
		return r.value, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("ledger %s: %w", op, ctx.Err())
	}
}

func (l *Ledger) worker() {
	defer close(l.done)
	for req := range l.requests {
		l.process(req)
	}
}

func (l *Ledger) process(req *Request) {
	var result queryResult
	switch req.Operation {
	case OpRecordOutcome:
		rec, ok := req.Data.(*OutcomeRecord)
		if !ok {
			l.logger.Error("invalid data type for %s: %T", req.Operation, req.Data)
			return
		}
		if err := l.ops.InsertOutcome(rec); err != nil {
			l.logger.Error("failed to record outcome: %v", err)
		}
		return

	case OpRecentOutcomes:
		q, _ := req.Data.(OutcomeQuery)
		result.value, result.err = l.ops.RecentOutcomes(q)

	case OpOutcomeStats:
		since, _ := req.Data.(time.Time)
		result.value, result.err = l.ops.Stats(since)

	default:
		result.err = fmt.Errorf("unknown ledger operation %q", req.Operation)
		l.logger.Warn("%v", result.err)
	}

	if req.Response != nil {
		req.Response <- result
	}
}

// Drain stops accepting requests and waits until every queued one has been
// applied or ctx ends.
func (l *Ledger) Drain(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.requests)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ledger drain: %w", ctx.Err())
	}
}

// Close drains the queue and closes the database.
func (l *Ledger) Close(ctx context.Context) error {
	drainErr := l.Drain(ctx)
	if drainErr != nil {
		l.logger.Warn("closing ledger with writes pending: %v", drainErr)
	}
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close ledger database: %w", err)
	}
	return drainErr
}
