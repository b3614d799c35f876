package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/common/events"
)

func TestHub_BroadcastScopedToExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub()
	go h.run(ctx)

	a := h.subscribe("exec_a")
	b := h.subscribe("exec_b")
	defer func() {
		h.unregister <- a
		h.unregister <- b
	}()

	h.Push(events.UpdateFrame{ExecutionID: "exec_a", Type: "node_started", Seq: 1})

	select {
	case frame := <-a.send:
		assert.Equal(t, "node_started", frame.Type)
		assert.Equal(t, int64(1), frame.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber for exec_a received nothing")
	}

	select {
	case frame := <-b.send:
		t.Fatalf("subscriber for exec_b received stray frame: %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnregisterClosesSendChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub()
	go h.run(ctx)

	c := h.subscribe("exec_a")
	require.Equal(t, 1, h.connectionCount())

	h.unregister <- c

	select {
	case _, ok := <-c.send:
		assert.False(t, ok, "send channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("send channel not closed after unregister")
	}
	assert.Equal(t, 0, h.connectionCount())
}
