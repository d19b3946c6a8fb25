// Package db persists research run checkpoints.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/deepresearch/internal/metrics"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is the latest persisted state of one run.
type Checkpoint struct {
	RunID          string    `db:"run_id" json:"run_id"`
	Stage          string    `db:"stage" json:"stage"`
	Status         string    `db:"status" json:"status"`
	PlanIterations int       `db:"plan_iterations" json:"plan_iterations"`
	StateJSON      string    `db:"state_json" json:"state"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Config holds database configuration
type Config struct {
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// CheckpointStore writes one row per run, replaced on every transition.
type CheckpointStore struct {
	db      *sqlx.DB
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// Open connects using cfg. Driver is "sqlite3" or "postgres".
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*CheckpointStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 2
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewCheckpointStore(db, logger)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Checkpoint store initialized", zap.String("driver", cfg.Driver))
	return store, nil
}

func NewCheckpointStore(db *sqlx.DB, logger *zap.Logger) *CheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointStore{db: db, logger: logger}
}

// DB exposes the connection pool for health checks.
func (s *CheckpointStore) DB() *sqlx.DB { return s.db }

// WithBreaker guards writes with cb.
func (s *CheckpointStore) WithBreaker(cb *circuitbreaker.CircuitBreaker) *CheckpointStore {
	s.breaker = cb
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS research_checkpoints (
	run_id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	plan_iterations INTEGER NOT NULL DEFAULT 0,
	state_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

func (s *CheckpointStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create research_checkpoints: %w", err)
	}
	return nil
}

const upsertCheckpoint = `
INSERT INTO research_checkpoints (run_id, stage, status, plan_iterations, state_json, updated_at)
VALUES (:run_id, :stage, :status, :plan_iterations, :state_json, :updated_at)
ON CONFLICT (run_id) DO UPDATE SET
	stage = excluded.stage,
	status = excluded.status,
	plan_iterations = excluded.plan_iterations,
	state_json = excluded.state_json,
	updated_at = excluded.updated_at`

// Save upserts cp.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	write := func(ctx context.Context) error {
		_, err := s.db.NamedExecContext(ctx, upsertCheckpoint, cp)
		return err
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	metrics.CheckpointWrites.WithLabelValues("ok").Inc()
	return nil
}

// Load returns the checkpoint for runID or ErrCheckpointNotFound.
func (s *CheckpointStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	var cp Checkpoint
	q := s.db.Rebind(`SELECT run_id, stage, status, plan_iterations, state_json, updated_at
		FROM research_checkpoints WHERE run_id = ?`)
	if err := s.db.GetContext(ctx, &cp, q, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

// Recent lists the most recently updated runs.
func (s *CheckpointStore) Recent(ctx context.Context, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Checkpoint
	q := s.db.Rebind(`SELECT run_id, stage, status, plan_iterations, state_json, updated_at
		FROM research_checkpoints ORDER BY updated_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

func (s *CheckpointStore) Delete(ctx context.Context, runID string) error {
	q := s.db.Rebind(`DELETE FROM research_checkpoints WHERE run_id = ?`)
	_, err := s.db.ExecContext(ctx, q, runID)
	return err
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
