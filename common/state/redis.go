package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dipeo/dipeo/common/config"
	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/models"
)

const (
	execKeyPrefix = "dipeo:exec:"
	execIndexKey  = "dipeo:executions" // sorted set scored by started_at
)

// RedisRepository persists executions as JSON values with a sorted-set
// index for listing, newest first.
type RedisRepository struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisRepository connects and pings.
func NewRedisRepository(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis connected", "addr", cfg.Addr)
	return &RedisRepository{client: client, log: log}, nil
}

func (r *RedisRepository) Get(ctx context.Context, executionID string) (*models.ExecutionState, error) {
	data, err := r.client.Get(ctx, execKeyPrefix+executionID).Bytes()
	if err == redis.Nil {
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

func (r *RedisRepository) Upsert(ctx context.Context, state *models.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode execution %s: %w", state.ID, err)
	}

	// One round trip for value plus index.
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, execKeyPrefix+state.ID, data, 0)
	pipe.ZAdd(ctx, execIndexKey, redis.Z{
		Score:  float64(state.StartedAt.UnixMilli()),
		Member: state.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert execution %s: %w", state.ID, err)
	}
	r.log.Debug("execution persisted", "execution_id", state.ID, "status", state.Status)
	return nil
}

func (r *RedisRepository) List(ctx context.Context, diagramID string, status models.ExecutionStatus, limit, offset int) ([]*models.ExecutionState, error) {
	ids, err := r.client.ZRevRange(ctx, execIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, execKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to fetch executions: %w", err)
	}

	var filtered []*models.ExecutionState
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			r.log.Warn("execution fetch failed in pipeline", "execution_id", ids[i], "error", err)
			continue
		}
		var state models.ExecutionState
		if err := json.Unmarshal(data, &state); err != nil {
			r.log.Warn("execution decode failed", "execution_id", ids[i], "error", err)
			continue
		}
		if diagramID != "" && state.DiagramID != diagramID {
			continue
		}
		if status != "" && state.Status != status {
			continue
		}
		filtered = append(filtered, &state)
	}
	return paginate(filtered, limit, offset), nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}
