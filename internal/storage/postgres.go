package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"experiment-deployer/internal/config"
	"experiment-deployer/internal/deploy"
)

const schema = `
CREATE TABLE IF NOT EXISTS deployments (
	id             BIGSERIAL PRIMARY KEY,
	run_id         UUID        NOT NULL,
	site_code      TEXT        NOT NULL,
	kind           TEXT        NOT NULL,
	unit           TEXT        NOT NULL,
	state          TEXT        NOT NULL,
	method         TEXT        NOT NULL DEFAULT '',
	skipped        BOOLEAN     NOT NULL DEFAULT FALSE,
	error_kind     TEXT        NOT NULL DEFAULT '',
	error          TEXT        NOT NULL DEFAULT '',
	divergent_path TEXT        NOT NULL DEFAULT '',
	duration_ms    BIGINT      NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertResult = `
INSERT INTO deployments
	(run_id, site_code, kind, unit, state, method, skipped, error_kind, error, divergent_path, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// Store is the postgres deployment journal. It implements deploy.Recorder.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the deployments table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create deployments table: %w", err)
	}
	return nil
}

// Record appends one unit result to the journal.
func (s *Store) Record(ctx context.Context, runID string, res deploy.UnitResult) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(ctx, insertResult, journalRow(runID, res)...); err != nil {
		return fmt.Errorf("insert deployment %s: %w", runID, err)
	}
	return nil
}

func journalRow(runID string, res deploy.UnitResult) []any {
	var msg string
	if res.Err != nil {
		msg = res.Err.Error()
	}
	return []any{
		runID,
		res.Identity.SiteCode(),
		res.Identity.Kind().String(),
		res.Identity.String(),
		res.State.String(),
		res.Method,
		res.Skipped,
		string(res.ErrorKind()),
		msg,
		res.DivergentPath,
		res.Duration.Milliseconds(),
	}
}

func (s *Store) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}
