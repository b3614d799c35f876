package compiler

import (
	"testing"

	"github.com/dipeo/dipeo/common/diagram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearDiagram() *diagram.DomainDiagram {
	return &diagram.DomainDiagram{
		ID: "linear",
		Nodes: []diagram.Node{
			{ID: "start", Type: diagram.NodeStart},
			{ID: "work", Type: diagram.NodeCodeJob, Config: map[string]any{"code": "x + 1"}},
			{ID: "end", Type: diagram.NodeEndpoint},
		},
		Edges: []diagram.Edge{
			{Source: "start", Target: "work"},
			{Source: "work", Target: "end"},
		},
	}
}

func TestCompile_Linear(t *testing.T) {
	exec, err := Compile(linearDiagram())
	require.NoError(t, err)

	require.Len(t, exec.Nodes, 3)

	// Handles defaulted
	in := exec.Incoming("work")
	require.Len(t, in, 1)
	assert.Equal(t, diagram.HandleDefault, in[0].SourceHandle)
	assert.Equal(t, diagram.HandleDefault, in[0].TargetHandle)

	// Endpoint flagged terminal
	end, ok := exec.Node("end")
	require.True(t, ok)
	assert.True(t, end.IsTerminal)

	starts := exec.StartNodes()
	require.Len(t, starts, 1)
	assert.Equal(t, "start", starts[0].ID)
}

func TestCompile_UnknownNodeType(t *testing.T) {
	d := linearDiagram()
	d.Nodes[1].Type = "quantum_job"

	_, diags := CompileWithDiagnostics(d)
	require.True(t, diags.HasErrors())
	assert.Equal(t, PhaseResolve, diags.Errors()[0].Phase)
}

func TestCompile_ConditionNeedsBothBranches(t *testing.T) {
	d := &diagram.DomainDiagram{
		Nodes: []diagram.Node{
			{ID: "start", Type: diagram.NodeStart},
			{ID: "check", Type: diagram.NodeCondition, Config: map[string]any{"expression": "x > 0"}},
			{ID: "a", Type: diagram.NodeEndpoint},
		},
		Edges: []diagram.Edge{
			{Source: "start", Target: "check"},
			{Source: "check", SourceHandle: diagram.HandleCondTrue, Target: "a"},
		},
	}

	_, diags := CompileWithDiagnostics(d)
	require.True(t, diags.HasErrors())
}

func TestCompile_BranchHandleOnNonCondition(t *testing.T) {
	d := linearDiagram()
	d.Edges[0].SourceHandle = diagram.HandleCondTrue

	_, diags := CompileWithDiagnostics(d)
	require.True(t, diags.HasErrors())
}

func TestCompile_CycleWithoutBudgetRejected(t *testing.T) {
	d := &diagram.DomainDiagram{
		Nodes: []diagram.Node{
			{ID: "start", Type: diagram.NodeStart},
			{ID: "a", Type: diagram.NodeCodeJob},
			{ID: "b", Type: diagram.NodeCodeJob},
			{ID: "end", Type: diagram.NodeEndpoint},
		},
		Edges: []diagram.Edge{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"}, // cycle, no budget anywhere
			{Source: "b", Target: "end"},
		},
	}

	_, err := Compile(d)
	require.Error(t, err)
}

func TestCompile_CycleWithBudgetMarksFeedback(t *testing.T) {
	d := &diagram.DomainDiagram{
		Nodes: []diagram.Node{
			{ID: "start", Type: diagram.NodeStart},
			{ID: "loop", Type: diagram.NodeCodeJob, MaxIteration: 3},
			{ID: "end", Type: diagram.NodeEndpoint},
		},
		Edges: []diagram.Edge{
			{Source: "start", Target: "loop"},
			{Source: "loop", Target: "loop"}, // self feedback
			{Source: "loop", Target: "end"},
		},
	}

	exec, err := Compile(d)
	require.NoError(t, err)

	var feedback int
	for _, e := range exec.Incoming("loop") {
		if e.Feedback {
			feedback++
		}
	}
	assert.Equal(t, 1, feedback)
}

func TestCompile_EdgePriorityOrdering(t *testing.T) {
	d := &diagram.DomainDiagram{
		Nodes: []diagram.Node{
			{ID: "a", Type: diagram.NodeStart},
			{ID: "b", Type: diagram.NodeStart},
			{ID: "c", Type: diagram.NodeStart},
			{ID: "join", Type: diagram.NodeEndpoint},
		},
		Edges: []diagram.Edge{
			{Source: "a", Target: "join", ExecutionPriority: 0},
			{Source: "b", Target: "join", ExecutionPriority: 5},
			{Source: "c", Target: "join", ExecutionPriority: 5},
		},
	}

	exec, err := Compile(d)
	require.NoError(t, err)

	in := exec.Incoming("join")
	require.Len(t, in, 3)
	// priority desc, then insertion order for ties
	assert.Equal(t, "b", in[0].Source)
	assert.Equal(t, "c", in[1].Source)
	assert.Equal(t, "a", in[2].Source)
}

func TestCompile_BindPerson(t *testing.T) {
	d := &diagram.DomainDiagram{
		Nodes: []diagram.Node{
			{ID: "start", Type: diagram.NodeStart},
			{ID: "ask", Type: diagram.NodePersonJob, Config: map[string]any{
				"person": "writer", "prompt": "hello", "max_iteration": float64(2),
			}},
			{ID: "end", Type: diagram.NodeEndpoint},
		},
		Edges: []diagram.Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "end"},
		},
		Persons: []diagram.Person{
			{ID: "writer", Model: "gpt-4o-mini", APIKeyID: "key1"},
		},
		APIKeys: []diagram.APIKeyRef{
			{ID: "key1", Service: "openai", EnvKey: "OPENAI_API_KEY"},
		},
	}

	exec, err := Compile(d)
	require.NoError(t, err)

	ask, _ := exec.Node("ask")
	require.NotNil(t, ask.Person)
	assert.Equal(t, "gpt-4o-mini", ask.Person.Model)
	assert.Equal(t, "OPENAI_API_KEY", ask.APIKey.EnvKey)
	assert.Equal(t, 2, ask.MaxIterations)
}

func TestCompile_PersonJobMaxIterOption(t *testing.T) {
	build := func() *diagram.DomainDiagram {
		return &diagram.DomainDiagram{
			Nodes: []diagram.Node{
				{ID: "start", Type: diagram.NodeStart},
				{ID: "ask", Type: diagram.NodePersonJob, Config: map[string]any{
					"person": "writer", "prompt": "hello",
				}},
				{ID: "work", Type: diagram.NodeCodeJob},
				{ID: "end", Type: diagram.NodeEndpoint},
			},
			Edges: []diagram.Edge{
				{Source: "start", Target: "ask"},
				{Source: "ask", Target: "work"},
				{Source: "work", Target: "end"},
			},
			Persons: []diagram.Person{{ID: "writer", Model: "gpt-4o-mini"}},
		}
	}

	// Without the option, a person_job with no declared budget gets one
	// iteration like every other node.
	exec, err := Compile(build())
	require.NoError(t, err)
	ask, _ := exec.Node("ask")
	assert.Equal(t, 1, ask.MaxIterations)

	// The option supplies the default, and only for person_job nodes.
	exec, err = Compile(build(), WithPersonJobMaxIter(5))
	require.NoError(t, err)
	ask, _ = exec.Node("ask")
	assert.Equal(t, 5, ask.MaxIterations)
	work, _ := exec.Node("work")
	assert.Equal(t, 1, work.MaxIterations)

	// An explicit budget in node config still wins.
	d := build()
	d.Nodes[1].Config["max_iteration"] = float64(2)
	exec, err = Compile(d, WithPersonJobMaxIter(5))
	require.NoError(t, err)
	ask, _ = exec.Node("ask")
	assert.Equal(t, 2, ask.MaxIterations)
}

func TestCompile_MissingPersonFailsBind(t *testing.T) {
	d := &diagram.DomainDiagram{
		Nodes: []diagram.Node{
			{ID: "start", Type: diagram.NodeStart},
			{ID: "ask", Type: diagram.NodePersonJob, Config: map[string]any{"person": "ghost"}},
		},
		Edges: []diagram.Edge{{Source: "start", Target: "ask"}},
	}

	_, diags := CompileWithDiagnostics(d)
	require.True(t, diags.HasErrors())
	assert.Equal(t, PhaseBind, diags.Errors()[0].Phase)
}

func TestCompile_Deterministic(t *testing.T) {
	a, err := Compile(linearDiagram())
	require.NoError(t, err)
	b, err := Compile(linearDiagram())
	require.NoError(t, err)

	aBytes, err := a.Bytes()
	require.NoError(t, err)
	bBytes, err := b.Bytes()
	require.NoError(t, err)
	assert.Equal(t, aBytes, bBytes)
}
