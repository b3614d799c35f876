package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/dipeoerr"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/models"
)

// UsageMetaKey is the envelope meta key a handler sets to report LLM
// token usage for the node that produced it.
const UsageMetaKey = "llm_usage"

// DispatcherOpts configures a dispatcher.
type DispatcherOpts struct {
	Handlers      *HandlerRegistry
	Bus           *events.Bus
	Tracker       *Tracker
	Logger        *logger.Logger
	MaxConcurrent int // global handler parallelism bound (default 20)
}

// Dispatcher executes single nodes: gather inputs, emit node_started,
// invoke the handler, emit node_completed or node_error. A global
// semaphore bounds dispatched-but-not-completed handlers.
type Dispatcher struct {
	handlers *HandlerRegistry
	bus      *events.Bus
	tracker  *Tracker
	log      *logger.Logger
	sem      chan struct{}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts DispatcherOpts) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 20
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Dispatcher{
		handlers: opts.Handlers,
		bus:      opts.Bus,
		tracker:  opts.Tracker,
		log:      opts.Logger,
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// Dispatch runs one node to completion. The returned error carries the
// taxonomy kind; node failures are already recorded in the tracker and
// published before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, node *compiler.ExecutableNode, ec *Context) (envelope.Envelope, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return envelope.Envelope{}, dipeoerr.FromContextErr(ctx.Err())
	}
	defer func() { <-d.sem }()

	inputs := d.gatherInputs(node)

	startedAt, execCount, err := d.tracker.MarkStarted(node.ID)
	if err != nil {
		return envelope.Envelope{}, dipeoerr.NodeExecution(node.ID, "dispatch refused", err)
	}

	d.publish(ctx, events.Event{
		Type:  events.NodeStarted,
		Scope: events.Scope{ExecutionID: ec.ExecutionID, NodeID: node.ID},
		Payload: events.NodeStartedPayload{
			NodeID:    node.ID,
			NodeType:  string(node.Type),
			ExecCount: execCount,
		},
	})

	out, err := d.invoke(ctx, node, inputs, ec)
	if err != nil {
		nerr := classify(node.ID, err)
		d.tracker.MarkFailed(node.ID, nerr)
		d.publish(ctx, events.Event{
			Type:  events.NodeError,
			Scope: events.Scope{ExecutionID: ec.ExecutionID, NodeID: node.ID},
			Payload: events.NodeErrorPayload{
				NodeID:    node.ID,
				NodeType:  string(node.Type),
				ExecCount: execCount,
				Kind:      string(dipeoerr.KindOf(nerr)),
				Error:     nerr.Error(),
			},
		})
		return envelope.Envelope{}, nerr
	}

	usage := usageFromMeta(out)
	d.tracker.MarkCompleted(node.ID, out, usage)
	d.publish(ctx, events.Event{
		Type:  events.NodeCompleted,
		Scope: events.Scope{ExecutionID: ec.ExecutionID, NodeID: node.ID},
		Payload: events.NodeCompletedPayload{
			NodeID:    node.ID,
			NodeType:  string(node.Type),
			ExecCount: execCount,
			Output:    out,
			Duration:  time.Since(startedAt),
			LLMUsage:  usage,
		},
	})
	return out, nil
}

// invoke resolves the handler and runs it with panic recovery.
func (d *Dispatcher) invoke(ctx context.Context, node *compiler.ExecutableNode, inputs Inputs, ec *Context) (out envelope.Envelope, err error) {
	h, ok := d.handlers.Lookup(node.Type)
	if !ok {
		return envelope.Envelope{}, dipeoerr.NodeExecution(node.ID,
			fmt.Sprintf("no handler registered for node type %s", node.Type), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			err = dipeoerr.NodeExecution(node.ID, fmt.Sprintf("handler panicked: %v", r), nil)
		}
	}()
	return h.Execute(ctx, node, inputs, ec.Registry, ec)
}

// gatherInputs reads node_outputs for every satisfied incoming edge and
// maps them to target handles. Multiple envelopes landing on one handle
// are combined per the edge packing: pack merges bodies into a list,
// spread keeps the last envelope.
func (d *Dispatcher) gatherInputs(node *compiler.ExecutableNode) Inputs {
	byHandle := make(map[string][]envelope.Envelope)
	packing := make(map[string]diagram.Packing)

	for _, e := range d.tracker.diagram.Incoming(node.ID) {
		out, ok := d.tracker.Output(e.Source)
		if !ok {
			continue
		}
		if src, ok := d.tracker.diagram.Node(e.Source); ok && src.Type == diagram.NodeCondition {
			branch, _ := out.Meta[BranchMetaKey].(string)
			if branch != e.SourceHandle {
				continue
			}
			// Condition nodes forward their input value, not the branch
			// verdict.
			if fwd, ok := out.Meta["value"]; ok {
				out = envelope.New(e.Source, fwd)
			}
		}
		byHandle[e.TargetHandle] = append(byHandle[e.TargetHandle], out)
		packing[e.TargetHandle] = e.Packing
	}

	inputs := make(Inputs, len(byHandle))
	for handle, envs := range byHandle {
		if len(envs) == 1 {
			inputs[handle] = envs[0]
			continue
		}
		if packing[handle] == diagram.PackingSpread {
			inputs[handle] = envs[len(envs)-1]
			continue
		}
		bodies := make([]any, len(envs))
		for i, env := range envs {
			bodies[i] = env.Body
		}
		inputs[handle] = envelope.New(node.ID, bodies)
	}
	return inputs
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	if err := d.bus.Publish(ctx, ev); err != nil {
		d.log.Error("event publish failed", "type", ev.Type, "error", err)
	}
}

func classify(nodeID string, err error) error {
	var de *dipeoerr.Error
	if errors.As(err, &de) {
		if de.NodeID == "" {
			de.NodeID = nodeID
		}
		return de
	}
	switch dipeoerr.KindOf(err) {
	case dipeoerr.KindTimeout:
		return &dipeoerr.Error{Kind: dipeoerr.KindTimeout, NodeID: nodeID, Msg: "node deadline exceeded", Err: err}
	case dipeoerr.KindAborted:
		return &dipeoerr.Error{Kind: dipeoerr.KindAborted, NodeID: nodeID, Msg: "node canceled", Err: err}
	default:
		return dipeoerr.NodeExecution(nodeID, "handler failed", err)
	}
}

func usageFromMeta(env envelope.Envelope) *models.LLMUsage {
	v, ok := env.Meta[UsageMetaKey]
	if !ok {
		return nil
	}
	switch u := v.(type) {
	case models.LLMUsage:
		return &u
	case *models.LLMUsage:
		return u
	}
	return nil
}
