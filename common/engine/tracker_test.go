package engine

import (
	"testing"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileTestDiagram(t *testing.T) *compiler.ExecutableDiagram {
	t.Helper()
	d := &diagram.DomainDiagram{
		ID: "t",
		Nodes: []diagram.Node{
			{ID: "start", Type: diagram.NodeStart},
			{ID: "end", Type: diagram.NodeEndpoint},
		},
		Edges: []diagram.Edge{{Source: "start", Target: "end"}},
	}
	exec, err := compiler.Compile(d)
	require.NoError(t, err)
	return exec
}

func TestTracker_AtMostOnceDispatch(t *testing.T) {
	exec := compileTestDiagram(t)
	tr := NewTracker(exec, models.NewExecutionState("exec_x", "t", nil, nil))
	tr.InitializeNodes()

	_, count, err := tr.MarkStarted("start")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// still running: second start refused
	_, _, err = tr.MarkStarted("start")
	require.Error(t, err)

	tr.MarkCompleted("start", envelope.New("start", "ok"), nil)
	tr.ResetForIteration("start")

	// next iteration gets a fresh count
	_, count, err = tr.MarkStarted("start")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTracker_IsExecutionComplete(t *testing.T) {
	exec := compileTestDiagram(t)
	tr := NewTracker(exec, models.NewExecutionState("exec_y", "t", nil, nil))
	tr.InitializeNodes()

	assert.False(t, tr.IsExecutionComplete())

	_, _, err := tr.MarkStarted("start")
	require.NoError(t, err)
	assert.False(t, tr.IsExecutionComplete(), "running node blocks completion")

	tr.MarkCompleted("start", envelope.New("start", "ok"), nil)
	assert.False(t, tr.IsExecutionComplete(), "terminal node still pending")

	_, _, err = tr.MarkStarted("end")
	require.NoError(t, err)
	tr.MarkCompleted("end", envelope.New("end", "ok"), nil)
	assert.True(t, tr.IsExecutionComplete())
}

func TestTracker_SnapshotIsolatedFromLiveState(t *testing.T) {
	exec := compileTestDiagram(t)
	tr := NewTracker(exec, models.NewExecutionState("exec_s", "t", nil, nil))
	tr.InitializeNodes()

	_, _, err := tr.MarkStarted("start")
	require.NoError(t, err)
	tr.MarkCompleted("start", envelope.New("start", "ok"),
		&models.LLMUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})

	snap := tr.Snapshot()
	assert.Equal(t, 15, snap.LLMUsage.TotalTokens)
	assert.Equal(t, []string{"start"}, snap.ExecutedNodes)

	// Mutating the snapshot must not reach the tracker's state.
	snap.ExecCounts["start"] = 99
	snap.ExecutedNodes[0] = "tampered"
	snap.NodeStates["start"].Status = models.NodeFailed
	delete(snap.NodeOutputs, "start")

	live := tr.State()
	assert.Equal(t, 1, live.ExecCounts["start"])
	assert.Equal(t, []string{"start"}, live.ExecutedNodes)
	assert.Equal(t, models.NodeCompleted, live.NodeStates["start"].Status)
	assert.Contains(t, live.NodeOutputs, "start")
}

func TestTracker_UsageAggregation(t *testing.T) {
	exec := compileTestDiagram(t)
	tr := NewTracker(exec, models.NewExecutionState("exec_z", "t", nil, nil))
	tr.InitializeNodes()

	_, _, err := tr.MarkStarted("start")
	require.NoError(t, err)
	tr.MarkCompleted("start", envelope.New("start", "ok"),
		&models.LLMUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})

	_, _, err = tr.MarkStarted("end")
	require.NoError(t, err)
	tr.MarkCompleted("end", envelope.New("end", "ok"),
		&models.LLMUsage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3})

	state := tr.State()
	assert.Equal(t, 18, state.LLMUsage.TotalTokens)
	assert.Equal(t, 12, state.LLMUsage.PromptTokens)
}
