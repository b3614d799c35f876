package engine

import (
	"context"
	"sync"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/registry"
)

// Inputs maps target handle names to the envelopes gathered from
// satisfied incoming edges.
type Inputs map[string]envelope.Envelope

// Default returns the envelope on the default handle.
func (in Inputs) Default() (envelope.Envelope, bool) {
	env, ok := in[diagram.HandleDefault]
	return env, ok
}

// First returns any input envelope; useful for single-input nodes.
func (in Inputs) First() (envelope.Envelope, bool) {
	if env, ok := in.Default(); ok {
		return env, true
	}
	for _, env := range in {
		return env, true
	}
	return envelope.Envelope{}, false
}

// Values flattens the inputs into a plain map for templating and code
// evaluation, keyed by handle name.
func (in Inputs) Values() map[string]any {
	out := make(map[string]any, len(in))
	for handle, env := range in {
		out[handle] = env.Body
	}
	return out
}

// Handler implements one node type. It must be pure with respect to its
// arguments and side-effectful only through services resolved from the
// registry.
type Handler interface {
	NodeType() diagram.NodeType
	Execute(ctx context.Context, node *compiler.ExecutableNode, inputs Inputs, reg *registry.Registry, ec *Context) (envelope.Envelope, error)
}

// HandlerRegistry maps node types to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[diagram.NodeType]Handler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[diagram.NodeType]Handler)}
}

// Register binds a handler to its node type, replacing any previous
// binding.
func (hr *HandlerRegistry) Register(h Handler) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.handlers[h.NodeType()] = h
}

// Lookup returns the handler for a node type.
func (hr *HandlerRegistry) Lookup(t diagram.NodeType) (Handler, bool) {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	h, ok := hr.handlers[t]
	return h, ok
}

// Types returns the registered node types.
func (hr *HandlerRegistry) Types() []diagram.NodeType {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	out := make([]diagram.NodeType, 0, len(hr.handlers))
	for t := range hr.handlers {
		out = append(out, t)
	}
	return out
}

// Context is the per-execution context handed to handlers and the
// scheduler. It is created by the engine and read-only afterwards.
type Context struct {
	ExecutionID       string
	Diagram           *compiler.ExecutableDiagram
	Variables         map[string]any
	Metadata          map[string]any
	Registry          *registry.Registry
	Tracker           *Tracker
	IsSubDiagram      bool
	ParentExecutionID string
}

// ContextKey locates the current execution context in the engine's child
// registry scope.
var ContextKey = registry.NewKey[*Context]("execution_context")
