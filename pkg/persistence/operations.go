package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

// timeLayout keeps created_at fixed-width so text comparison orders by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Operation names understood by the ledger worker.
const (
	OpRecordOutcome  = "record_outcome"
	OpRecentOutcomes = "recent_outcomes"
	OpOutcomeStats   = "outcome_stats"
)

// Request is a unit of work for the ledger worker. Queries reply on Response;
// writes leave it nil.
type Request struct {
	Data      interface{}
	Response  chan<- interface{}
	Operation string
}

// DatabaseOperations runs ledger statements. Only the ledger worker calls it.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// InsertOutcome stores rec and sets its ID.
func (ops *DatabaseOperations) InsertOutcome(rec *OutcomeRecord) error {
	res, err := ops.db.Exec(`
		INSERT INTO outcomes (
			request_id, strategy, kind, agent, artifacts, error, streamed, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Strategy, rec.Kind, rec.Agent, rec.Artifacts,
		rec.Error, rec.Streamed, rec.DurationMS, rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outcome for request %s: %w", rec.RequestID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read outcome id: %w", err)
	}
	rec.ID = id
	return nil
}

// RecentOutcomes returns the newest outcomes first.
func (ops *DatabaseOperations) RecentOutcomes(q OutcomeQuery) ([]*OutcomeRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultOutcomeLimit
	}

	query := `
		SELECT id, request_id, strategy, kind, COALESCE(agent, ''), artifacts,
			COALESCE(error, ''), streamed, duration_ms, created_at
		FROM outcomes`
	args := []interface{}{}
	if q.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, q.Kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OutcomeRecord
	for rows.Next() {
		var (
			rec     OutcomeRecord
			created string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Strategy, &rec.Kind, &rec.Agent,
			&rec.Artifacts, &rec.Error, &rec.Streamed, &rec.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		rec.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("outcome %d has malformed created_at %q: %w", rec.ID, created, err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outcome rows error: %w", err)
	}
	return out, nil
}

// Stats aggregates outcomes created at or after since. A zero since covers
// the whole ledger.
func (ops *DatabaseOperations) Stats(since time.Time) (*OutcomeStats, error) {
	stats := &OutcomeStats{
		Since:      since,
		ByKind:     make(map[string]int64),
		ByStrategy: make(map[string]int64),
	}
	from := since.UTC().Format(timeLayout)

	var avg sql.NullFloat64
	err := ops.db.QueryRow(
		`SELECT COUNT(*), AVG(duration_ms) FROM outcomes WHERE created_at >= ?`, from,
	).Scan(&stats.Total, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := ops.groupCount("kind", from, stats.ByKind); err != nil {
		return nil, err
	}
	if err := ops.groupCount("strategy", from, stats.ByStrategy); err != nil {
		return nil, err
	}
	return stats, nil
}

func (ops *DatabaseOperations) groupCount(column, from string, into map[string]int64) error {
	//nolint:gosec // column is one of two constants
	rows, err := ops.db.Query(
		`SELECT `+column+`, COUNT(*) FROM outcomes WHERE created_at >= ? GROUP BY `+column, from,
	)
	if err != nil {
		return fmt.Errorf("failed to group outcomes by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%s count rows error: %w", column, err)
	}
	return nil
}
