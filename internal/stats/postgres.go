package stats

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/heatlink-project/heatlink/pkg/types"
)

// PostgresSink persists statistics in three tables: an append-only
// outcome log and two upserted snapshot tables.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens the database and ensures the schema exists.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &PostgresSink{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fetch_outcomes (
			id            BIGSERIAL PRIMARY KEY,
			source_id     TEXT        NOT NULL,
			started_at    TIMESTAMPTZ NOT NULL,
			duration_ms   BIGINT      NOT NULL,
			success       BOOLEAN     NOT NULL,
			item_count    INTEGER     NOT NULL,
			cache_used    BOOLEAN     NOT NULL,
			error_kind    TEXT,
			error_message TEXT,
			call_type     TEXT        NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS fetch_outcomes_source_started
			ON fetch_outcomes (source_id, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS fetch_aggregates (
			source_id       TEXT             NOT NULL,
			call_type       TEXT             NOT NULL,
			total_requests  INTEGER          NOT NULL,
			success_count   INTEGER          NOT NULL,
			error_count     INTEGER          NOT NULL,
			window_size     INTEGER          NOT NULL,
			success_rate    DOUBLE PRECISION NOT NULL,
			avg_duration_ms BIGINT           NOT NULL,
			last_outcome_at TIMESTAMPTZ,
			last_error      TEXT,
			updated_at      TIMESTAMPTZ      NOT NULL DEFAULT now(),
			PRIMARY KEY (source_id, call_type)
		)`,
		`CREATE TABLE IF NOT EXISTS source_status (
			source_id   TEXT        PRIMARY KEY,
			status      TEXT        NOT NULL,
			last_error  TEXT,
			last_update TIMESTAMPTZ,
			item_count  INTEGER     NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure stats schema: %w", err)
		}
	}
	return nil
}

// AppendOutcome inserts one fetch outcome row.
func (s *PostgresSink) AppendOutcome(ctx context.Context, o types.StatsOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_outcomes
			(source_id, started_at, duration_ms, success, item_count, cache_used, error_kind, error_message, call_type)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)`,
		o.SourceID, o.StartedAt, o.Duration.Milliseconds(), o.Success, o.ItemCount,
		o.CacheUsed, o.ErrorKind, o.ErrorMessage, string(o.CallType))
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// UpsertAggregate replaces the aggregate row for (source, call_type).
func (s *PostgresSink) UpsertAggregate(ctx context.Context, a Aggregate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_aggregates
			(source_id, call_type, total_requests, success_count, error_count,
			 window_size, success_rate, avg_duration_ms, last_outcome_at, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), now())
		 ON CONFLICT (source_id, call_type) DO UPDATE SET
			total_requests  = EXCLUDED.total_requests,
			success_count   = EXCLUDED.success_count,
			error_count     = EXCLUDED.error_count,
			window_size     = EXCLUDED.window_size,
			success_rate    = EXCLUDED.success_rate,
			avg_duration_ms = EXCLUDED.avg_duration_ms,
			last_outcome_at = EXCLUDED.last_outcome_at,
			last_error      = EXCLUDED.last_error,
			updated_at      = now()`,
		a.SourceID, string(a.CallType), a.TotalRequests, a.SuccessCount, a.ErrorCount,
		a.WindowSize, a.SuccessRate, a.AvgDuration.Milliseconds(), a.LastOutcomeAt, a.LastError)
	if err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return nil
}

// UpsertSourceStatus replaces the status row for a source.
func (s *PostgresSink) UpsertSourceStatus(ctx context.Context, st SourceStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_status (source_id, status, last_error, last_update, item_count, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, now())
		 ON CONFLICT (source_id) DO UPDATE SET
			status      = EXCLUDED.status,
			last_error  = EXCLUDED.last_error,
			last_update = EXCLUDED.last_update,
			item_count  = EXCLUDED.item_count,
			updated_at  = now()`,
		st.SourceID, st.Status, st.LastError, st.LastUpdate, st.ItemCount)
	if err != nil {
		return fmt.Errorf("upsert source status: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error { return s.db.Close() }
