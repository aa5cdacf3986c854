package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	sct "github.com/bvarner/pi-short-circuit"
	"github.com/bvarner/pi-short-circuit/internal/config"
)

// Execer is the subset of pgxpool.Pool the archive needs.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const schema = `CREATE TABLE IF NOT EXISTS short_circuit_runs (
	id              BIGSERIAL PRIMARY KEY,
	run_name        TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	sample_rate     DOUBLE PRECISION NOT NULL,
	onset_offset    DOUBLE PRECISION NOT NULL,
	samples         INTEGER NOT NULL,
	max_current     DOUBLE PRECISION,
	average_current DOUBLE PRECISION,
	threshold       DOUBLE PRECISION NOT NULL,
	pyro_fired      BOOLEAN NOT NULL,
	csv_path        TEXT,
	error           TEXT
)`

const insertRun = `INSERT INTO short_circuit_runs
	(run_name, started_at, sample_rate, onset_offset, samples, max_current, average_current, threshold, pyro_fired, csv_path, error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.ArchiveConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse archive dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return pool, nil
}

// Store records one summary row per run.
type Store struct {
	db     Execer
	logger zerolog.Logger
}

func NewStore(db Execer, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "archive").Logger()}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveRun stores the summary of a run. runErr is the failure, if the run failed.
func (s *Store) SaveRun(ctx context.Context, ds sct.Dataset, csvPath string, runErr error) error {
	var maxCurrent, avgCurrent *float64
	if len(ds.Samples) > 0 {
		maxCurrent = &ds.MaxCurrent
	}
	if ds.Decision.Window > 0 {
		avg := ds.Decision.AverageCurrent
		avgCurrent = &avg
	}
	var path, failure *string
	if csvPath != "" {
		path = &csvPath
	}
	if runErr != nil {
		msg := runErr.Error()
		failure = &msg
	}

	_, err := s.db.Exec(ctx, insertRun,
		ds.Run,
		ds.Started,
		ds.Rate,
		ds.Onset,
		len(ds.Samples),
		maxCurrent,
		avgCurrent,
		ds.Decision.Threshold,
		ds.Decision.Fired,
		path,
		failure,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	s.logger.Info().Str("run", ds.Run).Msg("run archived")
	return nil
}
