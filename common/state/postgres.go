package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dipeo/dipeo/common/config"
	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/models"
)

const executionsSchema = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id TEXT PRIMARY KEY,
	diagram_id   TEXT NOT NULL,
	status       TEXT NOT NULL,
	state        JSONB NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS executions_diagram_idx ON executions (diagram_id, started_at DESC);
CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status, started_at DESC);
`

// PostgresRepository persists executions as a JSONB document with
// queryable columns for listing.
type PostgresRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresRepository connects, pings, and ensures the schema.
func NewPostgresRepository(ctx context.Context, cfg *config.Config, log *logger.Logger) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, executionsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	log.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.Database)
	return &PostgresRepository{pool: pool, log: log}, nil
}

func (r *PostgresRepository) Get(ctx context.Context, executionID string) (*models.ExecutionState, error) {
	query := `SELECT state FROM executions WHERE execution_id = $1`

	var data []byte
	err := r.pool.QueryRow(ctx, query, executionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", executionID, err)
	}

	var state models.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", executionID, err)
	}
	return &state, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, state *models.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode execution %s: %w", state.ID, err)
	}

	query := `
		INSERT INTO executions (execution_id, diagram_id, status, state, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id) DO UPDATE
		SET diagram_id = EXCLUDED.diagram_id,
		    status     = EXCLUDED.status,
		    state      = EXCLUDED.state,
		    ended_at   = EXCLUDED.ended_at
	`
	_, err = r.pool.Exec(ctx, query, state.ID, state.DiagramID, state.Status, data, state.StartedAt, state.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert execution %s: %w", state.ID, err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, diagramID string, status models.ExecutionStatus, limit, offset int) ([]*models.ExecutionState, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT state FROM executions
		WHERE ($1 = '' OR diagram_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query, diagramID, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.ExecutionState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		var state models.ExecutionState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to decode execution: %w", err)
		}
		out = append(out, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Close() error {
	r.log.Info("closing database connection pool")
	r.pool.Close()
	return nil
}
