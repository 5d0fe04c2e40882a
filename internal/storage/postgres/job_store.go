// Package postgres persists queue records in Postgres so pending crawl jobs
// survive restarts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
)

// DefaultSchema isolates the queue tables from the downstream index.
const DefaultSchema = "crawler_jobs"

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobStoreConfig controls the Postgres connection pool used for queue rows.
type JobStoreConfig struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore implements crawler.JobStore on a single jobs table. The full
// record is kept as JSONB; state and seq are lifted into columns for listing.
type JobStore struct {
	pool   pool
	schema string
}

// NewJobStore connects to Postgres using cfg.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	schema, err := schemaName(cfg.Schema)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: p, schema: schema}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, schema string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := schemaName(schema)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: p, schema: name}, nil
}

func schemaName(schema string) (string, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	if !validIdentifier.MatchString(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	return schema, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the schema and jobs table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.schema),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.jobs (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	record     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS jobs_state_idx ON %s.jobs (state)`, s.schema),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema %s: %w", s.schema, err)
		}
	}
	return nil
}

// SaveJob upserts rec.
func (s *JobStore) SaveJob(ctx context.Context, rec crawler.JobRecord) error {
	if rec.ID == "" {
		return &crawler.ValidationError{Field: "id", Reason: "required"}
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", rec.ID, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s.jobs (id, state, seq, record, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE
SET state = EXCLUDED.state, seq = EXCLUDED.seq, record = EXCLUDED.record, updated_at = now()`, s.schema)
	if _, err := s.pool.Exec(ctx, query, rec.ID, string(rec.State), int64(rec.Seq), body); err != nil {
		return fmt.Errorf("upsert job %s: %w", rec.ID, err)
	}
	return nil
}

// GetJob loads one record.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.JobRecord, error) {
	query := fmt.Sprintf(`SELECT record FROM %s.jobs WHERE id = $1`, s.schema)
	var body []byte
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.JobRecord{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
		}
		return crawler.JobRecord{}, fmt.Errorf("select job %s: %w", jobID, err)
	}
	return decodeRecord(body)
}

// ListJobs returns every record in submission order.
func (s *JobStore) ListJobs(ctx context.Context) ([]crawler.JobRecord, error) {
	query := fmt.Sprintf(`SELECT record FROM %s.jobs ORDER BY seq`, s.schema)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []crawler.JobRecord
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeleteJobs removes the given IDs.
func (s *JobStore) DeleteJobs(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s.jobs WHERE id = ANY($1)`, s.schema)
	if _, err := s.pool.Exec(ctx, query, jobIDs); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

func decodeRecord(body []byte) (crawler.JobRecord, error) {
	var rec crawler.JobRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return crawler.JobRecord{}, fmt.Errorf("decode job record: %w", err)
	}
	return rec, nil
}
