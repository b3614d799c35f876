package state

import (
	"context"

	"github.com/dipeo/dipeo/common/models"
)

// Repository is the durable backing behind the store's cache. Get
// returns (nil, nil) when the execution is unknown; Upsert must be
// atomic per execution id.
type Repository interface {
	Get(ctx context.Context, executionID string) (*models.ExecutionState, error)
	Upsert(ctx context.Context, state *models.ExecutionState) error
	List(ctx context.Context, diagramID string, status models.ExecutionStatus, limit, offset int) ([]*models.ExecutionState, error)
	Close() error
}
