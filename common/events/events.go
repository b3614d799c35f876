package events

import (
	"time"

	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/models"
)

// EventType identifies a domain event. The set is closed.
type EventType string

const (
	ExecutionStarted   EventType = "execution_started"
	ExecutionCompleted EventType = "execution_completed"
	ExecutionError     EventType = "execution_error"
	NodeStarted        EventType = "node_started"
	NodeCompleted      EventType = "node_completed"
	NodeError          EventType = "node_error"
	ExecutionLog       EventType = "execution_log"
	MetricsCollected   EventType = "metrics_collected"
	WebhookReceived    EventType = "webhook_received"
	InteractivePrompt  EventType = "interactive_prompt"
	Keepalive          EventType = "keepalive"
)

// AllTypes lists every event type; used by subscribers that want the
// whole stream.
func AllTypes() []EventType {
	return []EventType{
		ExecutionStarted, ExecutionCompleted, ExecutionError,
		NodeStarted, NodeCompleted, NodeError,
		ExecutionLog, MetricsCollected, WebhookReceived,
		InteractivePrompt, Keepalive,
	}
}

// Scope locates an event within an execution and, optionally, a node.
type Scope struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id,omitempty"`
}

// Event is the unit carried by the bus. Seq is monotonic and gap-free per
// execution; it is assigned by Publish.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Scope     Scope          `json:"scope"`
	Payload   any            `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Payload variants. One struct per event type that carries data.

type ExecutionStartedPayload struct {
	DiagramID string         `json:"diagram_id"`
	Variables map[string]any `json:"variables,omitempty"`
}

type ExecutionCompletedPayload struct {
	Status   models.ExecutionStatus `json:"status"`
	LLMUsage models.LLMUsage        `json:"llm_usage"`
}

type ExecutionErrorPayload struct {
	Kind   string `json:"kind"`
	Error  string `json:"error"`
	NodeID string `json:"node_id,omitempty"`
}

type NodeStartedPayload struct {
	NodeID    string `json:"node_id"`
	NodeType  string `json:"node_type"`
	ExecCount int    `json:"exec_count"`
}

type NodeCompletedPayload struct {
	NodeID    string            `json:"node_id"`
	NodeType  string            `json:"node_type"`
	ExecCount int               `json:"exec_count"`
	Output    envelope.Envelope `json:"output"`
	Duration  time.Duration     `json:"duration_ms"`
	LLMUsage  *models.LLMUsage  `json:"llm_usage,omitempty"`
}

type NodeErrorPayload struct {
	NodeID    string `json:"node_id"`
	NodeType  string `json:"node_type"`
	ExecCount int    `json:"exec_count"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type InteractivePromptPayload struct {
	NodeID  string `json:"node_id"`
	Prompt  string `json:"prompt"`
	Default string `json:"default,omitempty"`
}

type WebhookPayload struct {
	Provider string         `json:"provider"`
	Data     map[string]any `json:"data,omitempty"`
}

// UpdateFrame is the wire shape consumed by transports (SSE, GraphQL
// subscriptions). Type is lowercase snake_case.
type UpdateFrame struct {
	ExecutionID string    `json:"execution_id"`
	Type        string    `json:"type"`
	Seq         int64     `json:"seq"`
	Data        any       `json:"data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Frame converts an event into the transport shape.
func Frame(ev Event) UpdateFrame {
	return UpdateFrame{
		ExecutionID: ev.Scope.ExecutionID,
		Type:        string(ev.Type),
		Seq:         ev.Seq,
		Data:        ev.Payload,
		Timestamp:   ev.Timestamp,
	}
}
