package observers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/models"
)

func at(base time.Time, offsetMS int) time.Time {
	return base.Add(time.Duration(offsetMS) * time.Millisecond)
}

func feed(t *testing.T, m *Metrics, evs []events.Event) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, m.OnEvent(context.Background(), ev))
	}
}

func nodeLifecycle(execID, nodeID string, base time.Time, startMS, durMS int, usage *models.LLMUsage) []events.Event {
	return []events.Event{
		{
			Type:      events.NodeStarted,
			Scope:     events.Scope{ExecutionID: execID, NodeID: nodeID},
			Timestamp: at(base, startMS),
			Payload:   events.NodeStartedPayload{NodeID: nodeID, NodeType: "code_job", ExecCount: 1},
		},
		{
			Type:      events.NodeCompleted,
			Scope:     events.Scope{ExecutionID: execID, NodeID: nodeID},
			Timestamp: at(base, startMS+durMS),
			Payload: events.NodeCompletedPayload{
				NodeID:   nodeID,
				NodeType: "code_job",
				Duration: time.Duration(durMS) * time.Millisecond,
				LLMUsage: usage,
			},
		},
	}
}

func TestMetrics_AggregatesRun(t *testing.T) {
	m := NewMetrics(nil)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	execID := "exec_metrics"

	evs := []events.Event{{
		Type:      events.ExecutionStarted,
		Scope:     events.Scope{ExecutionID: execID},
		Timestamp: base,
		Payload:   events.ExecutionStartedPayload{DiagramID: "d1"},
	}}
	evs = append(evs, nodeLifecycle(execID, "a", base, 0, 100, &models.LLMUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})...)
	evs = append(evs, nodeLifecycle(execID, "b", base, 100, 50, nil)...)
	evs = append(evs, events.Event{
		Type:      events.ExecutionCompleted,
		Scope:     events.Scope{ExecutionID: execID},
		Timestamp: at(base, 150),
		Payload:   events.ExecutionCompletedPayload{Status: models.ExecutionCompleted},
	})
	feed(t, m, evs)

	run, ok := m.GetExecutionMetrics(execID)
	require.True(t, ok)
	assert.Equal(t, "d1", run.DiagramID)
	assert.Equal(t, models.ExecutionCompleted, run.Status)
	assert.Equal(t, int64(150), run.TotalDurationMS)
	assert.Equal(t, int64(100), run.Nodes["a"].DurationMS)
	assert.Equal(t, 15, run.LLMUsage.TotalTokens)

	summary, ok := m.GetMetricsSummary(execID)
	require.True(t, ok)
	assert.Equal(t, 2, summary.NodeCount)
	assert.Equal(t, 0, summary.ErrorCount)
	assert.Equal(t, 15, summary.TotalTokens)
}

func TestMetrics_CriticalPathPicksLongestChain(t *testing.T) {
	m := NewMetrics(nil)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	execID := "exec_path"

	// Two parallel branches after "a": a->slow (200ms) and a->fast (10ms),
	// both joining into "end".
	var evs []events.Event
	evs = append(evs, nodeLifecycle(execID, "a", base, 0, 50, nil)...)
	evs = append(evs, nodeLifecycle(execID, "slow", base, 50, 200, nil)...)
	evs = append(evs, nodeLifecycle(execID, "fast", base, 50, 10, nil)...)
	evs = append(evs, nodeLifecycle(execID, "end", base, 250, 5, nil)...)
	evs = append(evs, events.Event{
		Type:      events.ExecutionCompleted,
		Scope:     events.Scope{ExecutionID: execID},
		Timestamp: at(base, 255),
		Payload:   events.ExecutionCompletedPayload{Status: models.ExecutionCompleted},
	})
	feed(t, m, evs)

	run, ok := m.GetExecutionMetrics(execID)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "slow", "end"}, run.CriticalPath)
}

func TestMetrics_ErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind string
		want models.ExecutionStatus
	}{
		{"aborted", models.ExecutionAborted},
		{"max_iterations_reached", models.ExecutionMaxIter},
		{"timeout", models.ExecutionFailed},
		{"node_execution", models.ExecutionFailed},
	}
	for _, tc := range cases {
		m := NewMetrics(nil)
		execID := "exec_" + tc.kind
		feed(t, m, []events.Event{{
			Type:      events.ExecutionError,
			Scope:     events.Scope{ExecutionID: execID},
			Timestamp: time.Now().UTC(),
			Payload:   events.ExecutionErrorPayload{Kind: tc.kind, Error: "boom"},
		}})
		run, ok := m.GetExecutionMetrics(execID)
		require.True(t, ok)
		assert.Equal(t, tc.want, run.Status, tc.kind)
	}
}

func TestMetrics_PublishesCollectedEvent(t *testing.T) {
	bus := events.NewBus(events.Options{})
	defer bus.Close()

	collected := make(chan events.Event, 1)
	bus.Subscribe([]events.EventType{events.MetricsCollected}, events.HandlerFunc(func(_ context.Context, ev events.Event) error {
		collected <- ev
		return nil
	}), events.PriorityNormal, nil)

	m := NewMetrics(bus)
	feed(t, m, []events.Event{{
		Type:      events.ExecutionCompleted,
		Scope:     events.Scope{ExecutionID: "exec_pub"},
		Timestamp: time.Now().UTC(),
		Payload:   events.ExecutionCompletedPayload{Status: models.ExecutionCompleted},
	}})

	select {
	case ev := <-collected:
		summary, ok := ev.Payload.(MetricsSummary)
		require.True(t, ok)
		assert.Equal(t, "exec_pub", summary.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics_collected event not delivered")
	}
}

func TestMonitor_ForwardsFrames(t *testing.T) {
	router := NewChannelRouter(8)
	mon := NewMonitor(router, nil)

	ev := events.Event{
		Seq:       7,
		Type:      events.NodeCompleted,
		Scope:     events.Scope{ExecutionID: "exec_mon", NodeID: "n1"},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, mon.OnEvent(context.Background(), ev))

	select {
	case frame := <-router.Frames():
		assert.Equal(t, "exec_mon", frame.ExecutionID)
		assert.Equal(t, "node_completed", frame.Type)
		assert.Equal(t, int64(7), frame.Seq)
	default:
		t.Fatal("no frame forwarded")
	}
}

func TestChannelRouter_DropsOldestWhenFull(t *testing.T) {
	router := NewChannelRouter(2)
	for i := 0; i < 5; i++ {
		router.Push(events.UpdateFrame{Seq: int64(i)})
	}
	first := <-router.Frames()
	assert.Equal(t, int64(3), first.Seq)
}
