package compiler

import (
	"fmt"
	"sort"

	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/dipeoerr"
)

// Option adjusts compilation defaults.
type Option func(*compileOptions)

type compileOptions struct {
	personJobMaxIter int
}

// WithPersonJobMaxIter sets the iteration budget applied to person_job
// nodes that declare none. Other node types keep the default of one.
func WithPersonJobMaxIter(n int) Option {
	return func(o *compileOptions) {
		o.personJobMaxIter = n
	}
}

// Compile turns a domain diagram into its executable form, failing on any
// error-severity diagnostic.
func Compile(d *diagram.DomainDiagram, opts ...Option) (*ExecutableDiagram, error) {
	exec, diags := CompileWithDiagnostics(d, opts...)
	if diags.HasErrors() {
		return nil, dipeoerr.Compilation(summarize(diags), nil)
	}
	return exec, nil
}

// CompileWithDiagnostics compiles and returns the full diagnostics list
// for tooling, even when errors are present. The executable is nil only
// when the input is structurally unusable.
func CompileWithDiagnostics(d *diagram.DomainDiagram, opts ...Option) (*ExecutableDiagram, Diagnostics) {
	c := &compilation{src: d}
	for _, opt := range opts {
		opt(&c.opts)
	}

	c.resolve()
	c.bind()
	c.validate()
	c.index()

	return c.out, c.diags
}

func summarize(diags Diagnostics) string {
	errs := diags.Errors()
	if len(errs) == 0 {
		return "no errors"
	}
	msg := errs[0].String()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	return msg
}

type compilation struct {
	src   *diagram.DomainDiagram
	out   *ExecutableDiagram
	opts  compileOptions
	diags Diagnostics

	edges []*ExecutableEdge
}

// resolve canonicalizes node types and default handle names. Unknown
// types are rejected.
func (c *compilation) resolve() {
	c.out = &ExecutableDiagram{
		ID:            c.src.ID,
		Variables:     c.src.Variables,
		Metadata:      c.src.Metadata,
		EdgesByTarget: make(map[string][]*ExecutableEdge),
		EdgesBySource: make(map[string][]*ExecutableEdge),
	}

	for i := range c.src.Nodes {
		n := &c.src.Nodes[i]
		if !diagram.KnownNodeTypes[n.Type] {
			c.diags.errorf(PhaseResolve, n.ID, "unknown node type: %s", n.Type)
			continue
		}
		en := &ExecutableNode{
			ID:            n.ID,
			Type:          n.Type,
			Label:         n.Label,
			Config:        n.Config,
			MaxIterations: c.maxIterations(n),
		}
		en.IsTerminal = n.Type == diagram.NodeEndpoint
		c.out.Nodes = append(c.out.Nodes, en)
	}
	sort.Slice(c.out.Nodes, func(i, j int) bool { return c.out.Nodes[i].ID < c.out.Nodes[j].ID })
	c.out.reindex()

	for i := range c.src.Edges {
		e := &c.src.Edges[i]
		ee := &ExecutableEdge{
			Source:            e.Source,
			SourceHandle:      defaultHandle(e.SourceHandle),
			Target:            e.Target,
			TargetHandle:      defaultHandle(e.TargetHandle),
			ContentType:       e.ContentType,
			Label:             e.Label,
			ExecutionPriority: e.ExecutionPriority,
			Packing:           defaultPacking(e.Packing),
			Index:             i,
		}
		c.edges = append(c.edges, ee)
	}
}

func (c *compilation) maxIterations(n *diagram.Node) int {
	if n.MaxIteration > 0 {
		return n.MaxIteration
	}
	// person_job carries its budget in config for format compatibility
	if v, ok := n.Config["max_iteration"]; ok {
		switch t := v.(type) {
		case int:
			if t > 0 {
				return t
			}
		case float64:
			if t > 0 {
				return int(t)
			}
		}
	}
	if n.Type == diagram.NodePersonJob && c.opts.personJobMaxIter > 0 {
		return c.opts.personJobMaxIter
	}
	return 1
}

func defaultHandle(h string) string {
	if h == "" {
		return diagram.HandleDefault
	}
	return h
}

func defaultPacking(p diagram.Packing) diagram.Packing {
	if p == "" {
		return diagram.PackingPack
	}
	return p
}

// bind resolves person references on person_job nodes against diagram
// metadata and attaches the resolved configs.
func (c *compilation) bind() {
	for _, n := range c.out.Nodes {
		if n.Type != diagram.NodePersonJob {
			continue
		}
		personID, _ := n.Config["person"].(string)
		if personID == "" {
			c.diags.errorf(PhaseBind, n.ID, "person_job has no person reference")
			continue
		}
		person, ok := c.src.PersonByID(personID)
		if !ok {
			c.diags.errorf(PhaseBind, n.ID, "unknown person: %s", personID)
			continue
		}
		n.Person = person
		if person.APIKeyID != "" {
			found := false
			for _, ref := range c.src.APIKeys {
				if ref.ID == person.APIKeyID {
					n.APIKey = ref
					found = true
					break
				}
			}
			if !found {
				c.diags.errorf(PhaseBind, n.ID, "person %s references unknown api key: %s", personID, person.APIKeyID)
			}
		}
	}
}

// validate performs topological sanity checks: at least one source node,
// no unknown handle references, condition nodes expose both branches, and
// every cycle passes through a node with an iteration budget.
func (c *compilation) validate() {
	if len(c.out.Nodes) == 0 {
		c.diags.errorf(PhaseValidate, "", "diagram has no nodes")
		return
	}

	hasIncoming := make(map[string]bool)
	for _, e := range c.edges {
		src, ok := c.out.Node(e.Source)
		if !ok {
			c.diags.errorf(PhaseValidate, e.Source, "edge references unknown source node")
			continue
		}
		if _, ok := c.out.Node(e.Target); !ok {
			c.diags.errorf(PhaseValidate, e.Target, "edge references unknown target node")
			continue
		}
		hasIncoming[e.Target] = true

		if src.Type == diagram.NodeCondition {
			if e.SourceHandle != diagram.HandleCondTrue && e.SourceHandle != diagram.HandleCondFalse {
				c.diags.errorf(PhaseValidate, src.ID,
					"condition output handle must be %s or %s, got %s",
					diagram.HandleCondTrue, diagram.HandleCondFalse, e.SourceHandle)
			}
		} else if e.SourceHandle == diagram.HandleCondTrue || e.SourceHandle == diagram.HandleCondFalse {
			c.diags.errorf(PhaseValidate, src.ID,
				"branch handle %s on non-condition node", e.SourceHandle)
		}
	}

	sourceCount := 0
	for _, n := range c.out.Nodes {
		if !hasIncoming[n.ID] {
			sourceCount++
		}
	}
	if sourceCount == 0 {
		c.diags.errorf(PhaseValidate, "", "diagram has no source nodes (no place to start)")
	}

	// Condition nodes must expose both branches.
	for _, n := range c.out.Nodes {
		if n.Type != diagram.NodeCondition {
			continue
		}
		branches := map[string]bool{}
		for _, e := range c.edges {
			if e.Source == n.ID {
				branches[e.SourceHandle] = true
			}
		}
		if !branches[diagram.HandleCondTrue] || !branches[diagram.HandleCondFalse] {
			c.diags.errorf(PhaseValidate, n.ID, "condition must have both %s and %s outputs",
				diagram.HandleCondTrue, diagram.HandleCondFalse)
		}
	}

	c.checkCycles()

	// Nodes with no outgoing edges are terminal even without the endpoint
	// type; endpoint nodes are terminal regardless.
	outgoing := make(map[string]int)
	for _, e := range c.edges {
		outgoing[e.Source]++
	}
	for _, n := range c.out.Nodes {
		if outgoing[n.ID] == 0 {
			n.IsTerminal = true
		}
	}
}

// checkCycles rejects cycles that pass through no node with an iteration
// budget, and marks the closing edges of legal cycles as feedback edges.
func (c *compilation) checkCycles() {
	adjacency := make(map[string][]*ExecutableEdge)
	for _, e := range c.edges {
		adjacency[e.Source] = append(adjacency[e.Source], e)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		for _, e := range adjacency[id] {
			switch color[e.Target] {
			case white:
				visit(e.Target)
			case gray:
				// Back edge: the cycle is stack[idx..] + this edge.
				e.Feedback = true
				if !cycleHasBudget(c.out, stack, e.Target) {
					c.diags.errorf(PhaseValidate, e.Target,
						"cycle through %s has no node with an iteration budget", e.Target)
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	// Deterministic traversal: nodes sorted by id (already sorted).
	for _, n := range c.out.Nodes {
		if color[n.ID] == white {
			visit(n.ID)
		}
	}
}

func cycleHasBudget(d *ExecutableDiagram, stack []string, entry string) bool {
	inCycle := false
	for _, id := range stack {
		if id == entry {
			inCycle = true
		}
		if !inCycle {
			continue
		}
		if n, ok := d.Node(id); ok && n.MaxIterations > 1 {
			return true
		}
	}
	return false
}

// index builds the adjacency maps. Each target's incoming edges sort by
// execution_priority descending, then insertion order.
func (c *compilation) index() {
	for _, e := range c.edges {
		if _, ok := c.out.Node(e.Source); !ok {
			continue
		}
		if _, ok := c.out.Node(e.Target); !ok {
			continue
		}
		c.out.EdgesByTarget[e.Target] = append(c.out.EdgesByTarget[e.Target], e)
		c.out.EdgesBySource[e.Source] = append(c.out.EdgesBySource[e.Source], e)
	}

	for target := range c.out.EdgesByTarget {
		edges := c.out.EdgesByTarget[target]
		sort.SliceStable(edges, func(i, j int) bool {
			if edges[i].ExecutionPriority != edges[j].ExecutionPriority {
				return edges[i].ExecutionPriority > edges[j].ExecutionPriority
			}
			return edges[i].Index < edges[j].Index
		})
	}
	for source := range c.out.EdgesBySource {
		edges := c.out.EdgesBySource[source]
		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].Index < edges[j].Index
		})
	}

	c.out.Diagnostics = c.diags
}
