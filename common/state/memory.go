package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dipeo/dipeo/common/models"
)

// MemoryRepository keeps executions in process memory. Records are
// stored serialized so callers never share pointers with the
// repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string][]byte)}
}

func (r *MemoryRepository) Get(_ context.Context, executionID string) (*models.ExecutionState, error) {
	r.mu.RLock()
	data, ok := r.records[executionID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var state models.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *MemoryRepository) Upsert(_ context.Context, state *models.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.records[state.ID] = data
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) List(_ context.Context, diagramID string, status models.ExecutionStatus, limit, offset int) ([]*models.ExecutionState, error) {
	r.mu.RLock()
	all := make([]*models.ExecutionState, 0, len(r.records))
	for _, data := range r.records {
		var state models.ExecutionState
		if err := json.Unmarshal(data, &state); err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		all = append(all, &state)
	}
	r.mu.RUnlock()

	var filtered []*models.ExecutionState
	for _, s := range all {
		if diagramID != "" && s.DiagramID != diagramID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		filtered = append(filtered, s)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].StartedAt.After(filtered[j].StartedAt)
	})

	return paginate(filtered, limit, offset), nil
}

func (r *MemoryRepository) Close() error { return nil }

func paginate(states []*models.ExecutionState, limit, offset int) []*models.ExecutionState {
	if offset >= len(states) {
		return nil
	}
	states = states[offset:]
	if limit > 0 && limit < len(states) {
		states = states[:limit]
	}
	return states
}
