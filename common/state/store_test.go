package state

import (
	"context"
	"testing"
	"time"

	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreRig(t *testing.T) (*Store, *MemoryRepository, *events.Bus) {
	t.Helper()
	repo := NewMemoryRepository()
	bus := events.NewBus(events.Options{})
	t.Cleanup(bus.Close)

	store := NewStore(Opts{Repo: repo, Bus: bus, FlushInterval: time.Hour})
	store.Start()
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store, repo, bus
}

func publishAndDrain(t *testing.T, bus *events.Bus, ev events.Event) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.NoError(t, bus.AwaitPending(context.Background(), ev.Scope.ExecutionID))
}

func TestStore_InitializeThenRunning(t *testing.T) {
	store, _, bus := newStoreRig(t)
	ctx := context.Background()

	require.NoError(t, store.InitializeState(ctx, "exec_a", "diag", map[string]any{"x": 1}, nil))

	st, ok := store.GetStateFromCache("exec_a")
	require.True(t, ok)
	assert.Equal(t, models.ExecutionPending, st.Status)

	publishAndDrain(t, bus, events.Event{
		Type:    events.ExecutionStarted,
		Scope:   events.Scope{ExecutionID: "exec_a"},
		Payload: events.ExecutionStartedPayload{DiagramID: "diag"},
	})

	st, ok = store.GetStateFromCache("exec_a")
	require.True(t, ok)
	assert.Equal(t, models.ExecutionRunning, st.Status)
	assert.Equal(t, "diag", st.DiagramID)
}

func TestStore_NodeLifecycle(t *testing.T) {
	store, _, bus := newStoreRig(t)
	ctx := context.Background()
	require.NoError(t, store.InitializeState(ctx, "exec_b", "diag", nil, nil))

	publishAndDrain(t, bus, events.Event{
		Type:    events.NodeStarted,
		Scope:   events.Scope{ExecutionID: "exec_b", NodeID: "n1"},
		Payload: events.NodeStartedPayload{NodeID: "n1", NodeType: "code_job", ExecCount: 1},
	})
	publishAndDrain(t, bus, events.Event{
		Type:  events.NodeCompleted,
		Scope: events.Scope{ExecutionID: "exec_b", NodeID: "n1"},
		Payload: events.NodeCompletedPayload{
			NodeID: "n1", NodeType: "code_job", ExecCount: 1,
			Output:   envelope.New("n1", "done"),
			LLMUsage: &models.LLMUsage{TotalTokens: 5},
		},
	})

	st, ok := store.GetStateFromCache("exec_b")
	require.True(t, ok)
	assert.Equal(t, 1, st.ExecCounts["n1"])
	assert.Equal(t, []string{"n1"}, st.ExecutedNodes)
	assert.Equal(t, models.NodeCompleted, st.NodeStates["n1"].Status)
	assert.Equal(t, "done", st.NodeOutputs["n1"].Body)
	assert.Equal(t, 5, st.LLMUsage.TotalTokens)
}

func TestStore_TerminalEventFlushesImmediately(t *testing.T) {
	store, repo, bus := newStoreRig(t)
	ctx := context.Background()
	require.NoError(t, store.InitializeState(ctx, "exec_c", "diag", nil, nil))

	// flush interval is an hour; only the terminal event can persist this
	publishAndDrain(t, bus, events.Event{
		Type:    events.ExecutionCompleted,
		Scope:   events.Scope{ExecutionID: "exec_c"},
		Payload: events.ExecutionCompletedPayload{Status: models.ExecutionCompleted},
	})

	persisted, err := repo.Get(ctx, "exec_c")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, models.ExecutionCompleted, persisted.Status)
}

func TestStore_ErrorKindMapsToStatus(t *testing.T) {
	tests := []struct {
		kind string
		want models.ExecutionStatus
	}{
		{"aborted", models.ExecutionAborted},
		{"timeout", models.ExecutionFailed},
		{"max_iterations_reached", models.ExecutionMaxIter},
		{"node_execution", models.ExecutionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			store, _, bus := newStoreRig(t)
			execID := "exec_" + tt.kind

			publishAndDrain(t, bus, events.Event{
				Type:    events.ExecutionError,
				Scope:   events.Scope{ExecutionID: execID},
				Payload: events.ExecutionErrorPayload{Kind: tt.kind, Error: "boom"},
			})

			st, ok := store.GetStateFromCache(execID)
			require.True(t, ok)
			assert.Equal(t, tt.want, st.Status)
			assert.Equal(t, "boom", st.Error)
		})
	}
}

func TestStore_GetStateFallsBackToRepository(t *testing.T) {
	store, repo, _ := newStoreRig(t)
	ctx := context.Background()

	cold := models.NewExecutionState("exec_cold", "diag", nil, nil)
	cold.Finish(models.ExecutionCompleted, "", time.Now().UTC())
	require.NoError(t, repo.Upsert(ctx, cold))

	st, err := store.GetState(ctx, "exec_cold")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, models.ExecutionCompleted, st.Status)

	_, inCache := store.GetStateFromCache("exec_cold")
	assert.False(t, inCache)
}

func TestStore_ListIncludesInFlight(t *testing.T) {
	store, _, _ := newStoreRig(t)
	ctx := context.Background()

	require.NoError(t, store.InitializeState(ctx, "exec_l1", "diag_a", nil, nil))
	require.NoError(t, store.InitializeState(ctx, "exec_l2", "diag_b", nil, nil))

	all, err := store.ListExecutions(ctx, "", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := store.ListExecutions(ctx, "diag_a", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "exec_l1", only[0].ID)
}

func TestMemoryRepository_Pagination(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"exec_1", "exec_2", "exec_3"} {
		st := models.NewExecutionState(id, "diag", nil, nil)
		st.StartedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Upsert(ctx, st))
	}

	page, err := repo.List(ctx, "", "", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "exec_3", page[0].ID) // newest first

	page, err = repo.List(ctx, "", "", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "exec_1", page[0].ID)
}
