package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/models"
)

// Tracker is the engine-local view of one run's node states. The engine
// loop is the single writer; handlers and observers read through the
// store, not through this.
type Tracker struct {
	mu      sync.RWMutex
	diagram *compiler.ExecutableDiagram
	state   *models.ExecutionState

	// guards at-most-once dispatch per (node, exec_count)
	dispatched map[string]bool
}

// NewTracker wraps a fresh execution state for the given compiled
// diagram.
func NewTracker(d *compiler.ExecutableDiagram, state *models.ExecutionState) *Tracker {
	return &Tracker{
		diagram:    d,
		state:      state,
		dispatched: make(map[string]bool),
	}
}

// InitializeNodes seeds every node to pending.
func (t *Tracker) InitializeNodes() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.diagram.Nodes {
		if _, ok := t.state.NodeStates[n.ID]; !ok {
			t.state.NodeStates[n.ID] = &models.NodeState{Status: models.NodePending}
		}
	}
}

// MarkStarted transitions a node to running and bumps its execution
// count. A second start for the same (node, count) is refused.
func (t *Tracker) MarkStarted(nodeID string) (time.Time, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state.NodeStates[nodeID]
	if st != nil && st.Status == models.NodeRunning {
		return time.Time{}, 0, fmt.Errorf("node %s is already running", nodeID)
	}

	next := t.state.ExecCounts[nodeID] + 1
	key := fmt.Sprintf("%s@%d", nodeID, next)
	if t.dispatched[key] {
		return time.Time{}, 0, fmt.Errorf("node %s already dispatched at count %d", nodeID, next)
	}
	t.dispatched[key] = true

	now := time.Now().UTC()
	t.state.RecordNodeStarted(nodeID, now)
	return now, next, nil
}

// MarkCompleted stores the node's output envelope and usage.
func (t *Tracker) MarkCompleted(nodeID string, out envelope.Envelope, usage *models.LLMUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.RecordNodeCompleted(nodeID, out, time.Now().UTC(), usage)
}

// MarkFailed records a node failure.
func (t *Tracker) MarkFailed(nodeID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.RecordNodeFailed(nodeID, err.Error(), time.Now().UTC())
}

// MarkSkipped records that a node will never run this execution, for
// example the untaken branch of a condition.
func (t *Tracker) MarkSkipped(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state.NodeStates[nodeID]
	if st == nil {
		st = &models.NodeState{}
		t.state.NodeStates[nodeID] = st
	}
	st.Status = models.NodeSkipped
}

// MarkMaxIterReached records budget exhaustion for a node that should
// have re-fired.
func (t *Tracker) MarkMaxIterReached(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state.NodeStates[nodeID]
	if st == nil {
		st = &models.NodeState{}
		t.state.NodeStates[nodeID] = st
	}
	st.Status = models.NodeMaxIterReached
}

// ResetForIteration re-enables a completed loop node for another round.
// The execution count is preserved; only the status rewinds.
func (t *Tracker) ResetForIteration(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state.NodeStates[nodeID]
	if st == nil || st.Status != models.NodeCompleted {
		return
	}
	st.Status = models.NodePending
}

// NodeStatus returns the node's current status; pending when unknown.
func (t *Tracker) NodeStatus(nodeID string) models.NodeStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st := t.state.NodeStates[nodeID]; st != nil {
		return st.Status
	}
	return models.NodePending
}

// ExecutionCount returns how many times a node has started.
func (t *Tracker) ExecutionCount(nodeID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.ExecCounts[nodeID]
}

// Output returns the node's last output envelope, if any.
func (t *Tracker) Output(nodeID string) (envelope.Envelope, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	env, ok := t.state.NodeOutputs[nodeID]
	return env, ok
}

// HasOutput reports whether a node has produced at least one output this
// or a prior iteration.
func (t *Tracker) HasOutput(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.state.NodeOutputs[nodeID]
	return ok
}

// CompletedNodes returns the set of currently completed node ids.
func (t *Tracker) CompletedNodes() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]struct{})
	for id, st := range t.state.NodeStates {
		if st.Status == models.NodeCompleted {
			out[id] = struct{}{}
		}
	}
	return out
}

// AnyRunning reports whether any node is currently running.
func (t *Tracker) AnyRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, st := range t.state.NodeStates {
		if st.Status == models.NodeRunning {
			return true
		}
	}
	return false
}

// AnyFailed returns the first failed node id and its error, in diagram
// order.
func (t *Tracker) AnyFailed() (string, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.diagram.Nodes {
		if st := t.state.NodeStates[n.ID]; st != nil && st.Status == models.NodeFailed {
			return n.ID, st.Error, true
		}
	}
	return "", "", false
}

// AnyMaxIterReached returns the first budget-exhausted node id.
func (t *Tracker) AnyMaxIterReached() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.diagram.Nodes {
		if st := t.state.NodeStates[n.ID]; st != nil && st.Status == models.NodeMaxIterReached {
			return n.ID, true
		}
	}
	return "", false
}

// IsExecutionComplete is true when no node is running and either a
// terminal node has completed or every terminal node has reached a final
// state.
func (t *Tracker) IsExecutionComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, st := range t.state.NodeStates {
		if st.Status == models.NodeRunning {
			return false
		}
	}

	terminals := t.diagram.TerminalNodes()
	if len(terminals) == 0 {
		return false
	}
	allFinal := true
	for _, n := range terminals {
		st := t.state.NodeStates[n.ID]
		if st != nil && st.Status == models.NodeCompleted {
			return true
		}
		if st == nil || !st.Status.Terminal() {
			allFinal = false
		}
	}
	return allFinal
}

// Progress counts completed nodes against the diagram total.
func (t *Tracker) Progress() (completed, total int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, st := range t.state.NodeStates {
		if st.Status.Terminal() {
			completed++
		}
	}
	return completed, len(t.diagram.Nodes)
}

// State returns the underlying execution state. Callers must treat it as
// read-only once the engine has finished.
func (t *Tracker) State() *models.ExecutionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Snapshot returns a shallow copy safe for observers while the run is in
// flight.
func (t *Tracker) Snapshot() models.ExecutionState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := *t.state
	snap.ExecCounts = make(map[string]int, len(t.state.ExecCounts))
	for k, v := range t.state.ExecCounts {
		snap.ExecCounts[k] = v
	}
	snap.ExecutedNodes = append([]string(nil), t.state.ExecutedNodes...)
	snap.NodeStates = make(map[string]*models.NodeState, len(t.state.NodeStates))
	for k, v := range t.state.NodeStates {
		st := *v
		snap.NodeStates[k] = &st
	}
	snap.NodeOutputs = make(map[string]envelope.Envelope, len(t.state.NodeOutputs))
	for k, v := range t.state.NodeOutputs {
		snap.NodeOutputs[k] = v
	}
	return snap
}
