package models

import (
	"time"

	"github.com/dipeo/dipeo/common/envelope"
)

// ExecutionStatus is the lifecycle status of one diagram run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionAborted   ExecutionStatus = "aborted"
	ExecutionMaxIter   ExecutionStatus = "maxiter_reached"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionAborted, ExecutionMaxIter:
		return true
	}
	return false
}

// NodeStatus is the lifecycle status of one node within a run.
type NodeStatus string

const (
	NodePending        NodeStatus = "pending"
	NodeRunning        NodeStatus = "running"
	NodeCompleted      NodeStatus = "completed"
	NodeFailed         NodeStatus = "failed"
	NodeSkipped        NodeStatus = "skipped"
	NodeMaxIterReached NodeStatus = "maxiter_reached"
)

// Terminal reports whether the node status is final for the current
// iteration. The scheduler may reset completed back to pending when it
// re-enables a loop node; the execution count is preserved separately.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeMaxIterReached:
		return true
	}
	return false
}

// LLMUsage accumulates token accounting across LLM calls.
type LLMUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add merges another usage record into this one.
func (u *LLMUsage) Add(other LLMUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// NodeState records the current status of one node in a run.
type NodeState struct {
	Status    NodeStatus         `json:"status"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Error     string             `json:"error,omitempty"`
	LLMUsage  *LLMUsage          `json:"llm_usage,omitempty"`
	Output    *envelope.Envelope `json:"output_envelope,omitempty"`
}

// ExecutionState is the root record for one run. It is created by the
// execute-diagram use case and mutated only by bus subscribers.
type ExecutionState struct {
	ID            string                       `json:"id"`
	DiagramID     string                       `json:"diagram_id"`
	Status        ExecutionStatus              `json:"status"`
	StartedAt     time.Time                    `json:"started_at"`
	EndedAt       *time.Time                   `json:"ended_at,omitempty"`
	Variables     map[string]any               `json:"variables,omitempty"`
	Metadata      map[string]any               `json:"metadata,omitempty"`
	ExecCounts    map[string]int               `json:"exec_counts"`
	ExecutedNodes []string                     `json:"executed_nodes"`
	NodeStates    map[string]*NodeState        `json:"node_states"`
	NodeOutputs   map[string]envelope.Envelope `json:"node_outputs"`
	Error         string                       `json:"error,omitempty"`
	LLMUsage      LLMUsage                     `json:"llm_usage"`
}

// NewExecutionState creates a pending state record.
func NewExecutionState(id, diagramID string, variables, metadata map[string]any) *ExecutionState {
	return &ExecutionState{
		ID:            id,
		DiagramID:     diagramID,
		Status:        ExecutionPending,
		StartedAt:     time.Now().UTC(),
		Variables:     variables,
		Metadata:      metadata,
		ExecCounts:    make(map[string]int),
		ExecutedNodes: []string{},
		NodeStates:    make(map[string]*NodeState),
		NodeOutputs:   make(map[string]envelope.Envelope),
	}
}

// RecordNodeStarted appends to executed_nodes (insertion order preserved)
// and bumps the execution count.
func (s *ExecutionState) RecordNodeStarted(nodeID string, at time.Time) {
	s.ExecCounts[nodeID]++
	s.ExecutedNodes = append(s.ExecutedNodes, nodeID)
	s.NodeStates[nodeID] = &NodeState{Status: NodeRunning, StartedAt: &at}
}

// RecordNodeCompleted stores the output and marks the node completed.
func (s *ExecutionState) RecordNodeCompleted(nodeID string, out envelope.Envelope, at time.Time, usage *LLMUsage) {
	st := s.NodeStates[nodeID]
	if st == nil {
		st = &NodeState{}
		s.NodeStates[nodeID] = st
	}
	st.Status = NodeCompleted
	st.EndedAt = &at
	st.Output = &out
	st.LLMUsage = usage
	s.NodeOutputs[nodeID] = out
	if usage != nil {
		s.LLMUsage.Add(*usage)
	}
}

// RecordNodeFailed marks the node failed with the given error text.
func (s *ExecutionState) RecordNodeFailed(nodeID, errMsg string, at time.Time) {
	st := s.NodeStates[nodeID]
	if st == nil {
		st = &NodeState{}
		s.NodeStates[nodeID] = st
	}
	st.Status = NodeFailed
	st.EndedAt = &at
	st.Error = errMsg
}

// Finish marks the run terminal.
func (s *ExecutionState) Finish(status ExecutionStatus, errMsg string, at time.Time) {
	s.Status = status
	s.EndedAt = &at
	s.Error = errMsg
}
