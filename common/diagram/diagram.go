package diagram

import "fmt"

// NodeType is the closed set of node kinds a diagram may contain.
type NodeType string

const (
	NodeStart               NodeType = "start"
	NodePersonJob           NodeType = "person_job"
	NodeCodeJob             NodeType = "code_job"
	NodeAPIJob              NodeType = "api_job"
	NodeDB                  NodeType = "db"
	NodeCondition           NodeType = "condition"
	NodeEndpoint            NodeType = "endpoint"
	NodeHook                NodeType = "hook"
	NodeSubDiagram          NodeType = "sub_diagram"
	NodeTemplateJob         NodeType = "template_job"
	NodeDiffPatch           NodeType = "diff_patch"
	NodeUserResponse        NodeType = "user_response"
	NodeJSONSchemaValidator NodeType = "json_schema_validator"
)

// KnownNodeTypes is the canonical set accepted by the compiler.
var KnownNodeTypes = map[NodeType]bool{
	NodeStart:               true,
	NodePersonJob:           true,
	NodeCodeJob:             true,
	NodeAPIJob:              true,
	NodeDB:                  true,
	NodeCondition:           true,
	NodeEndpoint:            true,
	NodeHook:                true,
	NodeSubDiagram:          true,
	NodeTemplateJob:         true,
	NodeDiffPatch:           true,
	NodeUserResponse:        true,
	NodeJSONSchemaValidator: true,
}

// Handle names. Every node owns a default output handle; condition nodes
// own the two branch handles instead.
const (
	HandleDefault   = "default"
	HandleCondTrue  = "condtrue"
	HandleCondFalse = "condfalse"
)

// Packing controls how arrays delivered to a batch-aware input are
// materialized.
type Packing string

const (
	PackingPack   Packing = "pack"
	PackingSpread Packing = "spread"
)

// Node is one typed operation in a diagram.
type Node struct {
	ID           string         `json:"id" yaml:"id"`
	Type         NodeType       `json:"type" yaml:"type"`
	Label        string         `json:"label,omitempty" yaml:"label,omitempty"`
	Position     Position       `json:"position,omitempty" yaml:"position,omitempty"`
	Config       map[string]any `json:"config,omitempty" yaml:"props,omitempty"`
	MaxIteration int            `json:"max_iteration,omitempty" yaml:"max_iteration,omitempty"`
}

// Position is UI placement metadata; the engine ignores it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Edge binds a source output handle to a target input handle.
type Edge struct {
	Source            string  `json:"source" yaml:"source"`
	SourceHandle      string  `json:"source_handle,omitempty" yaml:"source_handle,omitempty"`
	Target            string  `json:"target" yaml:"target"`
	TargetHandle      string  `json:"target_handle,omitempty" yaml:"target_handle,omitempty"`
	ContentType       string  `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Label             string  `json:"label,omitempty" yaml:"label,omitempty"`
	ExecutionPriority int     `json:"execution_priority,omitempty" yaml:"execution_priority,omitempty"`
	Packing           Packing `json:"packing,omitempty" yaml:"packing,omitempty"`
}

// Person is an LLM persona referenced by person_job nodes.
type Person struct {
	ID           string `json:"id" yaml:"id"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	APIKeyID     string `json:"api_key_id,omitempty" yaml:"api_key_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// APIKeyRef names an API key available to persons; the secret itself is
// resolved from the environment at bind time.
type APIKeyRef struct {
	ID      string `json:"id" yaml:"id"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	EnvKey  string `json:"env_key,omitempty" yaml:"env_key,omitempty"`
}

// DomainDiagram is the declarative graph authored by users.
type DomainDiagram struct {
	ID        string         `json:"id,omitempty" yaml:"id,omitempty"`
	Nodes     []Node         `json:"nodes" yaml:"nodes"`
	Edges     []Edge         `json:"edges" yaml:"edges"`
	Persons   []Person       `json:"persons,omitempty" yaml:"persons,omitempty"`
	APIKeys   []APIKeyRef    `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeByID returns the node with the given id.
func (d *DomainDiagram) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// NodeByLabel returns the node with the given label. Labels are the
// join key of the light format.
func (d *DomainDiagram) NodeByLabel(label string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Label == label {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// PersonByID returns a person definition.
func (d *DomainDiagram) PersonByID(id string) (*Person, bool) {
	for i := range d.Persons {
		if d.Persons[i].ID == id {
			return &d.Persons[i], true
		}
	}
	return nil, false
}

// Validate performs shallow structural checks shared by all formats.
// Deeper checks (handles, cycles) belong to the compiler.
func (d *DomainDiagram) Validate() error {
	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range d.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("edge references unknown source node: %s", e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("edge references unknown target node: %s", e.Target)
		}
	}
	return nil
}
