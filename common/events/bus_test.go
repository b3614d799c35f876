package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	delay  time.Duration
	fail   error
}

func (h *recordingHandler) OnEvent(ctx context.Context, ev Event) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	return h.fail
}

func (h *recordingHandler) snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(Options{QueueSize: 1024, PublishWait: time.Second})
	t.Cleanup(bus.Close)
	return bus
}

func publishN(t *testing.T, bus *Bus, execID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{
			Type:  ExecutionLog,
			Scope: Scope{ExecutionID: execID},
			Payload: LogPayload{
				Level:   "INFO",
				Message: "step",
			},
		}))
	}
}

func TestPublish_SeqMonotonicGapFree(t *testing.T) {
	bus := newTestBus(t)
	h := &recordingHandler{}
	bus.Subscribe([]EventType{ExecutionLog}, h, PriorityNormal, nil)

	publishN(t, bus, "exec_a", 50)
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_a"))

	got := h.snapshot()
	require.Len(t, got, 50)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestPublish_SeqIndependentPerExecution(t *testing.T) {
	bus := newTestBus(t)
	publishN(t, bus, "exec_a", 3)
	publishN(t, bus, "exec_b", 2)

	assert.Equal(t, int64(3), bus.LastSeq("exec_a"))
	assert.Equal(t, int64(2), bus.LastSeq("exec_b"))
}

func TestPriorityBarrier_HighCompletesBeforeNormal(t *testing.T) {
	bus := newTestBus(t)

	var highDone atomic.Int64
	var violations atomic.Int64

	high := HandlerFunc(func(ctx context.Context, ev Event) error {
		time.Sleep(2 * time.Millisecond) // make the race observable
		highDone.Add(1)
		return nil
	})
	normal := HandlerFunc(func(ctx context.Context, ev Event) error {
		// By the time NORMAL sees event N, HIGH must have finished N events.
		if highDone.Load() < ev.Seq {
			violations.Add(1)
		}
		return nil
	})

	bus.Subscribe([]EventType{NodeCompleted}, high, PriorityHigh, nil)
	bus.Subscribe([]EventType{NodeCompleted}, normal, PriorityNormal, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{
			Type:  NodeCompleted,
			Scope: Scope{ExecutionID: "exec_p"},
		}))
	}
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_p"))

	assert.Zero(t, violations.Load(), "NORMAL observed an event before HIGH finished it")
	assert.Equal(t, int64(20), highDone.Load())
}

func TestReplay_StrictlyGreaterThanFromSeq(t *testing.T) {
	bus := newTestBus(t)
	publishN(t, bus, "exec_r", 12)
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_r"))

	replayed := bus.Replay("exec_r", 5)
	require.Len(t, replayed, 7)
	for i, ev := range replayed {
		assert.Equal(t, int64(6+i), ev.Seq)
	}

	assert.Empty(t, bus.Replay("exec_r", 12))
}

func TestPublish_ConcurrentPublishersObservedInSeqOrder(t *testing.T) {
	bus := NewBus(Options{QueueSize: 4096, PublishWait: 5 * time.Second})
	t.Cleanup(bus.Close)

	h := &recordingHandler{}
	bus.Subscribe([]EventType{ExecutionLog}, h, PriorityNormal, nil)

	const publishers = 8
	const perPublisher = 2000

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_ = bus.Publish(context.Background(), Event{
					Type:    ExecutionLog,
					Scope:   Scope{ExecutionID: "exec_burst"},
					Payload: LogPayload{Level: "INFO", Message: "burst"},
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_burst"))

	got := h.snapshot()
	require.Len(t, got, publishers*perPublisher)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1].Seq, got[i].Seq, "seq inversion at index %d", i)
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	bus := newTestBus(t)
	h := &recordingHandler{}

	h1 := bus.Subscribe([]EventType{ExecutionLog}, h, PriorityNormal, nil)
	h2 := bus.Subscribe([]EventType{ExecutionLog}, h, PriorityNormal, nil)
	assert.Equal(t, h1, h2)

	publishN(t, bus, "exec_i", 4)
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_i"))
	assert.Len(t, h.snapshot(), 4)
}

func TestSubscribe_SameHandlerUpdatesArguments(t *testing.T) {
	bus := newTestBus(t)
	h := &recordingHandler{}

	first := bus.Subscribe([]EventType{ExecutionLog}, h, PriorityNormal, ScopeToExecution("exec_old"))
	second := bus.Subscribe([]EventType{ExecutionLog}, h, PriorityNormal, ScopeToExecution("exec_new"))
	assert.Equal(t, first, second)

	publishN(t, bus, "exec_old", 2)
	publishN(t, bus, "exec_new", 3)
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_old"))
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_new"))

	got := h.snapshot()
	require.Len(t, got, 3)
	for _, ev := range got {
		assert.Equal(t, "exec_new", ev.Scope.ExecutionID)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := newTestBus(t)
	h := &recordingHandler{}

	handle := bus.Subscribe([]EventType{ExecutionLog}, h, PriorityNormal, nil)
	publishN(t, bus, "exec_u", 2)
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_u"))

	bus.Unsubscribe(handle)
	publishN(t, bus, "exec_u", 3)
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_u"))

	assert.Len(t, h.snapshot(), 2)
}

func TestFilter_ScopesDelivery(t *testing.T) {
	bus := newTestBus(t)
	h := &recordingHandler{}
	bus.Subscribe([]EventType{ExecutionLog}, h, PriorityNormal, ScopeToExecution("exec_want"))

	publishN(t, bus, "exec_want", 2)
	publishN(t, bus, "exec_other", 5)
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_want"))
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_other"))

	for _, ev := range h.snapshot() {
		assert.Equal(t, "exec_want", ev.Scope.ExecutionID)
	}
	assert.Len(t, h.snapshot(), 2)
}

func TestHandlerError_DoesNotAffectOthers(t *testing.T) {
	bus := newTestBus(t)
	failing := &recordingHandler{fail: errors.New("boom")}
	healthy := &recordingHandler{}

	bus.Subscribe([]EventType{NodeStarted}, failing, PriorityNormal, nil)
	bus.Subscribe([]EventType{NodeStarted}, healthy, PriorityNormal, nil)

	require.NoError(t, bus.Publish(context.Background(), Event{
		Type:  NodeStarted,
		Scope: Scope{ExecutionID: "exec_e"},
	}))
	require.NoError(t, bus.AwaitPending(context.Background(), "exec_e"))

	assert.Len(t, healthy.snapshot(), 1)
}

func TestSubDiagramFilter(t *testing.T) {
	f := SubDiagramFilter("exec_parent", false, "exec_child")

	assert.True(t, f(Event{Type: NodeStarted, Scope: Scope{ExecutionID: "exec_parent"}}))
	assert.False(t, f(Event{Type: NodeStarted, Scope: Scope{ExecutionID: "exec_child"}}))
	assert.True(t, f(Event{Type: ExecutionCompleted, Scope: Scope{ExecutionID: "exec_child"}}))
	assert.True(t, f(Event{Type: ExecutionError, Scope: Scope{ExecutionID: "exec_child"}}))
	assert.False(t, f(Event{Type: NodeStarted, Scope: Scope{ExecutionID: "exec_stranger"}}))
}
