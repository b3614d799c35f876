// Package observers holds the pure event-bus subscribers: metrics,
// streaming monitor, and log forwarding. None of them hold engine
// references; everything they know arrives as events.
package observers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/models"
)

// NodeMetrics aggregates one node's executions within a run.
type NodeMetrics struct {
	NodeID     string           `json:"node_id"`
	NodeType   string           `json:"node_type"`
	Executions int              `json:"executions"`
	DurationMS int64            `json:"duration_ms"`
	TokenUsage *models.LLMUsage `json:"token_usage,omitempty"`
	Error      string           `json:"error,omitempty"`

	startedAt time.Time
	endedAt   time.Time
}

// ExecutionMetrics is the per-run aggregate.
type ExecutionMetrics struct {
	ExecutionID     string                  `json:"execution_id"`
	DiagramID       string                  `json:"diagram_id"`
	Status          models.ExecutionStatus  `json:"status"`
	StartedAt       time.Time               `json:"started_at"`
	EndedAt         *time.Time              `json:"ended_at,omitempty"`
	TotalDurationMS int64                   `json:"total_duration_ms"`
	Nodes           map[string]*NodeMetrics `json:"nodes"`
	CriticalPath    []string                `json:"critical_path,omitempty"`
	LLMUsage        models.LLMUsage         `json:"llm_usage"`
}

// MetricsSummary is the compact shape returned to CLIs and APIs.
type MetricsSummary struct {
	ExecutionID     string                 `json:"execution_id"`
	Status          models.ExecutionStatus `json:"status"`
	TotalDurationMS int64                  `json:"total_duration_ms"`
	NodeCount       int                    `json:"node_count"`
	ErrorCount      int                    `json:"error_count"`
	TotalTokens     int                    `json:"total_tokens"`
	CriticalPath    []string               `json:"critical_path,omitempty"`
}

// Metrics derives per-execution metrics from the event stream. When a
// bus is provided, a metrics_collected event is published on each
// terminal status.
type Metrics struct {
	mu   sync.RWMutex
	runs map[string]*ExecutionMetrics
	bus  *events.Bus
}

// NewMetrics creates the observer; bus may be nil.
func NewMetrics(bus *events.Bus) *Metrics {
	return &Metrics{runs: make(map[string]*ExecutionMetrics), bus: bus}
}

var _ events.Handler = (*Metrics)(nil)

func (m *Metrics) OnEvent(ctx context.Context, ev events.Event) error {
	m.mu.Lock()

	execID := ev.Scope.ExecutionID
	run := m.runs[execID]
	if run == nil {
		run = &ExecutionMetrics{
			ExecutionID: execID,
			StartedAt:   ev.Timestamp,
			Status:      models.ExecutionRunning,
			Nodes:       make(map[string]*NodeMetrics),
		}
		m.runs[execID] = run
	}

	var terminal bool
	switch p := ev.Payload.(type) {
	case events.ExecutionStartedPayload:
		run.DiagramID = p.DiagramID
		run.StartedAt = ev.Timestamp

	case events.NodeStartedPayload:
		nm := run.node(p.NodeID, p.NodeType)
		nm.Executions = p.ExecCount
		nm.startedAt = ev.Timestamp

	case events.NodeCompletedPayload:
		nm := run.node(p.NodeID, p.NodeType)
		nm.DurationMS += p.Duration.Milliseconds()
		nm.endedAt = ev.Timestamp
		if p.LLMUsage != nil {
			if nm.TokenUsage == nil {
				nm.TokenUsage = &models.LLMUsage{}
			}
			nm.TokenUsage.Add(*p.LLMUsage)
			run.LLMUsage.Add(*p.LLMUsage)
		}

	case events.NodeErrorPayload:
		nm := run.node(p.NodeID, p.NodeType)
		nm.Error = p.Error
		nm.endedAt = ev.Timestamp

	case events.ExecutionCompletedPayload:
		run.finish(p.Status, ev.Timestamp)
		terminal = true

	case events.ExecutionErrorPayload:
		status := models.ExecutionFailed
		switch p.Kind {
		case "aborted":
			status = models.ExecutionAborted
		case "timeout":
			status = models.ExecutionFailed
		case "max_iterations_reached":
			status = models.ExecutionMaxIter
		}
		run.finish(status, ev.Timestamp)
		terminal = true
	}

	var summary MetricsSummary
	if terminal {
		summary = run.summary()
	}
	m.mu.Unlock()

	if terminal && m.bus != nil {
		return m.bus.Publish(ctx, events.Event{
			Type:    events.MetricsCollected,
			Scope:   events.Scope{ExecutionID: execID},
			Payload: summary,
		})
	}
	return nil
}

// GetExecutionMetrics returns the full metrics record for a run.
func (m *Metrics) GetExecutionMetrics(executionID string) (*ExecutionMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[executionID]
	return run, ok
}

// GetMetricsSummary returns the compact aggregate for a run.
func (m *Metrics) GetMetricsSummary(executionID string) (MetricsSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[executionID]
	if !ok {
		return MetricsSummary{}, false
	}
	return run.summary(), true
}

// ExecutionIDs returns the tracked runs, newest start first.
func (m *Metrics) ExecutionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.runs[ids[i]].StartedAt.After(m.runs[ids[j]].StartedAt)
	})
	return ids
}

func (r *ExecutionMetrics) node(id, nodeType string) *NodeMetrics {
	nm := r.Nodes[id]
	if nm == nil {
		nm = &NodeMetrics{NodeID: id, NodeType: nodeType}
		r.Nodes[id] = nm
	}
	if nm.NodeType == "" {
		nm.NodeType = nodeType
	}
	return nm
}

func (r *ExecutionMetrics) finish(status models.ExecutionStatus, at time.Time) {
	r.Status = status
	r.EndedAt = &at
	r.TotalDurationMS = at.Sub(r.StartedAt).Milliseconds()
	r.CriticalPath = r.criticalPath()
}

// criticalPath finds the completed-node chain with the largest summed
// duration. A chain requires each node to start no earlier than its
// predecessor finished, which is how dependency order manifests in the
// event timeline.
func (r *ExecutionMetrics) criticalPath() []string {
	var nodes []*NodeMetrics
	for _, nm := range r.Nodes {
		if nm.Error == "" && !nm.endedAt.IsZero() {
			nodes = append(nodes, nm)
		}
	}
	if len(nodes) == 0 {
		return nil
	}
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].startedAt.Equal(nodes[j].startedAt) {
			return nodes[i].startedAt.Before(nodes[j].startedAt)
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})

	best := make([]int64, len(nodes))
	prev := make([]int, len(nodes))
	for i := range nodes {
		best[i] = nodes[i].DurationMS
		prev[i] = -1
		for j := 0; j < i; j++ {
			if !nodes[j].endedAt.After(nodes[i].startedAt) && best[j]+nodes[i].DurationMS > best[i] {
				best[i] = best[j] + nodes[i].DurationMS
				prev[i] = j
			}
		}
	}

	end := 0
	for i := range best {
		if best[i] > best[end] {
			end = i
		}
	}
	var path []string
	for i := end; i >= 0; i = prev[i] {
		path = append(path, nodes[i].NodeID)
		if prev[i] < 0 {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func (r *ExecutionMetrics) summary() MetricsSummary {
	errors := 0
	for _, nm := range r.Nodes {
		if nm.Error != "" {
			errors++
		}
	}
	return MetricsSummary{
		ExecutionID:     r.ExecutionID,
		Status:          r.Status,
		TotalDurationMS: r.TotalDurationMS,
		NodeCount:       len(r.Nodes),
		ErrorCount:      errors,
		TotalTokens:     r.LLMUsage.TotalTokens,
		CriticalPath:    r.CriticalPath,
	}
}
