package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dipeo/dipeo/common/dipeoerr"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/models"
)

// storeEventTypes are the state-mutating events the store subscribes to,
// at HIGH priority so state is persisted before NORMAL observers see the
// same event.
var storeEventTypes = []events.EventType{
	events.ExecutionStarted,
	events.NodeStarted,
	events.NodeCompleted,
	events.NodeError,
	events.ExecutionCompleted,
	events.ExecutionError,
}

// Opts configures a store.
type Opts struct {
	Repo          Repository
	Bus           *events.Bus
	Logger        *logger.Logger
	FlushInterval time.Duration // write-behind coalescing interval (default 1s)
}

// Store is a write-behind cache over a repository. Every state-mutating
// event updates the cache immediately; a periodic flusher persists dirty
// entries. Terminal events flush immediately.
type Store struct {
	repo Repository
	bus  *events.Bus
	log  *logger.Logger

	mu    sync.RWMutex
	cache map[string]*models.ExecutionState
	dirty map[string]bool

	flushInterval time.Duration
	handle        events.SubscriptionHandle
	stop          chan struct{}
	stopped       sync.WaitGroup
}

// NewStore creates a store; call Start to subscribe and begin flushing.
func NewStore(opts Opts) *Store {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Store{
		repo:          opts.Repo,
		bus:           opts.Bus,
		log:           opts.Logger,
		cache:         make(map[string]*models.ExecutionState),
		dirty:         make(map[string]bool),
		flushInterval: opts.FlushInterval,
		stop:          make(chan struct{}),
	}
}

// Start subscribes to the bus at HIGH priority and starts the flusher.
func (s *Store) Start() {
	s.handle = s.bus.Subscribe(storeEventTypes, s, events.PriorityHigh, nil)
	s.stopped.Add(1)
	go s.flushLoop()
}

// Close unsubscribes, stops the flusher, and flushes remaining dirty
// entries.
func (s *Store) Close(ctx context.Context) error {
	s.bus.Unsubscribe(s.handle)
	close(s.stop)
	s.stopped.Wait()
	return s.flush(ctx)
}

// InitializeState inserts a pending record; the first execution_started
// event transitions it to running.
func (s *Store) InitializeState(ctx context.Context, executionID, diagramID string, variables, metadata map[string]any) error {
	s.mu.Lock()
	if _, exists := s.cache[executionID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("execution %s already initialized", executionID)
	}
	s.cache[executionID] = models.NewExecutionState(executionID, diagramID, variables, metadata)
	s.dirty[executionID] = true
	s.mu.Unlock()
	return nil
}

// GetState returns cache first, then the repository; nil when absent.
func (s *Store) GetState(ctx context.Context, executionID string) (*models.ExecutionState, error) {
	if st, ok := s.GetStateFromCache(executionID); ok {
		return st, nil
	}
	return s.repo.Get(ctx, executionID)
}

// GetStateFromCache returns a copy of the in-flight state, cache only.
func (s *Store) GetStateFromCache(executionID string) (*models.ExecutionState, bool) {
	s.mu.RLock()
	st, ok := s.cache[executionID]
	if !ok {
		s.mu.RUnlock()
		return nil, false
	}
	copied, err := copyState(st)
	s.mu.RUnlock()
	if err != nil {
		s.log.Error("state copy failed", "execution_id", executionID, "error", err)
		return nil, false
	}
	return copied, true
}

// ListExecutions flushes dirty entries then lists from the repository,
// so in-flight runs are visible.
func (s *Store) ListExecutions(ctx context.Context, diagramID string, status models.ExecutionStatus, limit, offset int) ([]*models.ExecutionState, error) {
	if err := s.flush(ctx); err != nil {
		s.log.Warn("pre-list flush failed", "error", err)
	}
	return s.repo.List(ctx, diagramID, status, limit, offset)
}

// OnEvent applies one state-mutating event to the cache. Terminal events
// trigger an immediate flush of that execution.
func (s *Store) OnEvent(ctx context.Context, ev events.Event) error {
	execID := ev.Scope.ExecutionID

	s.mu.Lock()
	st, ok := s.cache[execID]
	if !ok {
		st = models.NewExecutionState(execID, "", nil, nil)
		s.cache[execID] = st
	}

	switch ev.Type {
	case events.ExecutionStarted:
		if p, ok := ev.Payload.(events.ExecutionStartedPayload); ok {
			if st.DiagramID == "" {
				st.DiagramID = p.DiagramID
			}
			if st.Variables == nil {
				st.Variables = p.Variables
			}
		}
		st.Status = models.ExecutionRunning
	case events.NodeStarted:
		if p, ok := ev.Payload.(events.NodeStartedPayload); ok {
			st.RecordNodeStarted(p.NodeID, ev.Timestamp)
		}
	case events.NodeCompleted:
		if p, ok := ev.Payload.(events.NodeCompletedPayload); ok {
			st.RecordNodeCompleted(p.NodeID, p.Output, ev.Timestamp, p.LLMUsage)
		}
	case events.NodeError:
		if p, ok := ev.Payload.(events.NodeErrorPayload); ok {
			st.RecordNodeFailed(p.NodeID, p.Error, ev.Timestamp)
		}
	case events.ExecutionCompleted:
		status := models.ExecutionCompleted
		if p, ok := ev.Payload.(events.ExecutionCompletedPayload); ok && p.Status != "" {
			status = p.Status
		}
		st.Finish(status, "", ev.Timestamp)
	case events.ExecutionError:
		status := models.ExecutionFailed
		errMsg := ""
		if p, ok := ev.Payload.(events.ExecutionErrorPayload); ok {
			status = statusForKind(p.Kind)
			errMsg = p.Error
		}
		st.Finish(status, errMsg, ev.Timestamp)
	}
	s.dirty[execID] = true
	terminal := st.Status.Terminal()
	s.mu.Unlock()

	if terminal {
		if err := s.flushOne(ctx, execID); err != nil {
			s.log.Error("terminal flush failed", "execution_id", execID, "error", err)
		}
	}
	return nil
}

func (s *Store) flushLoop() {
	defer s.stopped.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.flush(context.Background()); err != nil {
				s.log.Error("flush failed", "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

// flush persists every dirty entry.
func (s *Store) flush(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.flushOne(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) flushOne(ctx context.Context, executionID string) error {
	s.mu.Lock()
	st, ok := s.cache[executionID]
	if !ok {
		delete(s.dirty, executionID)
		s.mu.Unlock()
		return nil
	}
	copied, err := copyState(st)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.dirty, executionID)
	s.mu.Unlock()

	if err := s.repo.Upsert(ctx, copied); err != nil {
		s.mu.Lock()
		s.dirty[executionID] = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// copyState deep-copies through serialization; cache entries are mutated
// by the event worker while readers and the flusher hold copies.
func copyState(st *models.ExecutionState) (*models.ExecutionState, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var out models.ExecutionState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func statusForKind(kind string) models.ExecutionStatus {
	switch dipeoerr.Kind(kind) {
	case dipeoerr.KindAborted:
		return models.ExecutionAborted
	case dipeoerr.KindMaxIterations:
		return models.ExecutionMaxIter
	default:
		return models.ExecutionFailed
	}
}
