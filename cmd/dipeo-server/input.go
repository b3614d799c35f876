package main

import (
	"context"
	"sync"
)

// inputCollector routes answers posted over HTTP to user_response nodes
// waiting inside running executions.
type inputCollector struct {
	mutex   sync.Mutex
	waiters map[string]chan string
}

func newInputCollector() *inputCollector {
	return &inputCollector{waiters: make(map[string]chan string)}
}

func promptKey(executionID, nodeID string) string {
	return executionID + "/" + nodeID
}

// Await blocks until an answer is delivered for the prompt or the
// context expires.
func (c *inputCollector) Await(ctx context.Context, executionID, nodeID string) (string, error) {
	key := promptKey(executionID, nodeID)

	c.mutex.Lock()
	ch, ok := c.waiters[key]
	if !ok {
		ch = make(chan string, 1)
		c.waiters[key] = ch
	}
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		delete(c.waiters, key)
		c.mutex.Unlock()
	}()

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Deliver hands an answer to the waiting node. It reports false when no
// node is waiting for that prompt.
func (c *inputCollector) Deliver(executionID, nodeID, answer string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ch, ok := c.waiters[promptKey(executionID, nodeID)]
	if !ok {
		return false
	}
	select {
	case ch <- answer:
		return true
	default:
		return false
	}
}
