package compiler

import (
	"encoding/json"

	"github.com/dipeo/dipeo/common/diagram"
)

// ExecutableNode is a compiled node: canonical type, resolved config, and
// scheduling attributes.
type ExecutableNode struct {
	ID            string            `json:"id"`
	Type          diagram.NodeType  `json:"type"`
	Label         string            `json:"label,omitempty"`
	Config        map[string]any    `json:"config,omitempty"`
	MaxIterations int               `json:"max_iterations"`
	IsTerminal    bool              `json:"is_terminal"`
	Person        *diagram.Person   `json:"person,omitempty"`
	APIKey        diagram.APIKeyRef `json:"api_key,omitempty"`
}

// ExecutableEdge is a compiled edge with resolved handles. Feedback marks
// loop-back edges detected during validation; their join semantics differ
// (satisfied by output presence rather than per-iteration completion).
type ExecutableEdge struct {
	Source            string          `json:"source"`
	SourceHandle      string          `json:"source_handle"`
	Target            string          `json:"target"`
	TargetHandle      string          `json:"target_handle"`
	ContentType       string          `json:"content_type,omitempty"`
	Label             string          `json:"label,omitempty"`
	ExecutionPriority int             `json:"execution_priority"`
	Packing           diagram.Packing `json:"packing"`
	Feedback          bool            `json:"feedback,omitempty"`
	// insertion index, tiebreaker for ordering
	Index int `json:"index"`
}

// ExecutableDiagram is the compiler output the engine runs. The same
// domain diagram always compiles to a byte-identical executable.
type ExecutableDiagram struct {
	ID            string                       `json:"id"`
	Nodes         []*ExecutableNode            `json:"nodes"` // sorted by id
	EdgesByTarget map[string][]*ExecutableEdge `json:"edges_by_target"`
	EdgesBySource map[string][]*ExecutableEdge `json:"edges_by_source"`
	Variables     map[string]any               `json:"variables,omitempty"`
	Metadata      map[string]any               `json:"metadata,omitempty"`
	Diagnostics   Diagnostics                  `json:"diagnostics,omitempty"`

	nodeByID map[string]*ExecutableNode
}

// Node returns a compiled node by id.
func (d *ExecutableDiagram) Node(id string) (*ExecutableNode, bool) {
	n, ok := d.nodeByID[id]
	return n, ok
}

// Incoming returns the edges into a node, priority-ordered.
func (d *ExecutableDiagram) Incoming(nodeID string) []*ExecutableEdge {
	return d.EdgesByTarget[nodeID]
}

// Outgoing returns the edges out of a node in insertion order.
func (d *ExecutableDiagram) Outgoing(nodeID string) []*ExecutableEdge {
	return d.EdgesBySource[nodeID]
}

// TerminalNodes returns nodes flagged terminal by the compiler.
func (d *ExecutableDiagram) TerminalNodes() []*ExecutableNode {
	var out []*ExecutableNode
	for _, n := range d.Nodes {
		if n.IsTerminal {
			out = append(out, n)
		}
	}
	return out
}

// StartNodes returns nodes with no incoming edges.
func (d *ExecutableDiagram) StartNodes() []*ExecutableNode {
	var out []*ExecutableNode
	for _, n := range d.Nodes {
		if len(d.EdgesByTarget[n.ID]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Bytes returns the canonical serialized form. Compilation determinism is
// defined as byte equality of this encoding.
func (d *ExecutableDiagram) Bytes() ([]byte, error) {
	return json.Marshal(d)
}

// FromBytes restores a diagram serialized with Bytes.
func FromBytes(data []byte) (*ExecutableDiagram, error) {
	var d ExecutableDiagram
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	d.reindex()
	return &d, nil
}

func (d *ExecutableDiagram) reindex() {
	d.nodeByID = make(map[string]*ExecutableNode, len(d.Nodes))
	for _, n := range d.Nodes {
		d.nodeByID[n.ID] = n
	}
}
