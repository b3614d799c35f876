package engine

import (
	"context"
	"sync"
	"time"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/dipeoerr"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/models"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
)

// Opts configures one engine run.
type Opts struct {
	Diagram           *compiler.ExecutableDiagram
	Bus               *events.Bus
	Registry          *registry.Registry
	Handlers          *HandlerRegistry
	ExecutionID       string
	Variables         map[string]any
	Metadata          map[string]any
	Logger            *logger.Logger
	MaxConcurrent     int
	PollInterval      time.Duration // sleep when no node is ready (default 10ms)
	DrainTimeout      time.Duration // bound on the final bus drain (default 10s)
	IsSubDiagram      bool
	ParentExecutionID string
}

func (o *Opts) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
}

// Progress is a completion snapshot for streaming consumers.
type Progress struct {
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// StepComplete is yielded after each parallel dispatch round.
type StepComplete struct {
	Step          int      `json:"step"`
	ExecutedNodes []string `json:"executed_nodes"`
	Progress      Progress `json:"progress"`
	Stats         Stats    `json:"scheduler_stats"`
}

// StepFunc observes step completion. It runs on the engine goroutine;
// keep it cheap.
type StepFunc func(StepComplete)

// Engine owns one run: it drives the scheduler, fans ready nodes out
// through the dispatcher, and publishes the terminal event. The engine
// loop is the single writer over the tracker.
type Engine struct {
	opts       Opts
	tracker    *Tracker
	scheduler  *Scheduler
	dispatcher *Dispatcher
	ec         *Context
	log        *logger.Logger
}

// New prepares an engine. The run's execution state is created here; the
// registry gets a child scope carrying the compiled diagram and the
// execution context.
func New(opts Opts) *Engine {
	opts.withDefaults()

	state := models.NewExecutionState(opts.ExecutionID, opts.Diagram.ID, opts.Variables, opts.Metadata)
	tracker := NewTracker(opts.Diagram, state)

	scope := opts.Registry.CreateChild()
	registry.Register(scope, services.CompiledDiagram, opts.Diagram)

	ec := &Context{
		ExecutionID:       opts.ExecutionID,
		Diagram:           opts.Diagram,
		Variables:         opts.Variables,
		Metadata:          opts.Metadata,
		Registry:          scope,
		Tracker:           tracker,
		IsSubDiagram:      opts.IsSubDiagram,
		ParentExecutionID: opts.ParentExecutionID,
	}
	registry.Register(scope, ContextKey, ec)

	return &Engine{
		opts:    opts,
		tracker: tracker,
		ec:      ec,
		log:     opts.Logger.WithExecutionID(opts.ExecutionID),
		dispatcher: NewDispatcher(DispatcherOpts{
			Handlers:      opts.Handlers,
			Bus:           opts.Bus,
			Tracker:       tracker,
			Logger:        opts.Logger,
			MaxConcurrent: opts.MaxConcurrent,
		}),
		scheduler: NewScheduler(opts.Diagram, tracker),
	}
}

// Context returns the run's execution context.
func (e *Engine) Context() *Context { return e.ec }

// Run executes the diagram to a terminal status. The returned state is
// final; the error is nil only when the run completed. The bus is
// drained for this execution before Run returns, so observers have seen
// the terminal event.
func (e *Engine) Run(ctx context.Context, onStep StepFunc) (*models.ExecutionState, error) {
	e.tracker.InitializeNodes()

	e.publish(ctx, events.Event{
		Type:  events.ExecutionStarted,
		Scope: events.Scope{ExecutionID: e.opts.ExecutionID},
		Payload: events.ExecutionStartedPayload{
			DiagramID: e.opts.Diagram.ID,
			Variables: e.opts.Variables,
		},
	})

	runErr := e.loop(ctx, onStep)
	e.finish(runErr)
	e.drain()

	if runErr != nil {
		return e.tracker.State(), runErr
	}
	return e.tracker.State(), nil
}

func (e *Engine) loop(ctx context.Context, onStep StepFunc) error {
	step := 0
	for {
		if err := ctx.Err(); err != nil {
			return dipeoerr.FromContextErr(err)
		}

		ready := e.scheduler.ReadyNodes()
		if len(ready) == 0 {
			if e.tracker.IsExecutionComplete() {
				return nil
			}
			if !e.tracker.AnyRunning() {
				if err := e.diagnoseStall(); err != nil {
					return err
				}
			}
			select {
			case <-time.After(e.opts.PollInterval):
			case <-ctx.Done():
				return dipeoerr.FromContextErr(ctx.Err())
			}
			continue
		}

		step++
		executed := e.dispatchRound(ctx, ready)

		if err := ctx.Err(); err != nil {
			return dipeoerr.FromContextErr(err)
		}

		if onStep != nil {
			completed, total := e.tracker.Progress()
			pct := 0.0
			if total > 0 {
				pct = float64(completed) / float64(total) * 100
			}
			onStep(StepComplete{
				Step:          step,
				ExecutedNodes: executed,
				Progress:      Progress{Completed: completed, Total: total, Percent: pct},
				Stats:         e.scheduler.Stats(),
			})
		}
	}
}

// dispatchRound runs the ready set in parallel and returns the ids that
// were dispatched. Node failures are recorded in the tracker by the
// dispatcher; the loop decides later whether they are fatal.
func (e *Engine) dispatchRound(ctx context.Context, ready []*compiler.ExecutableNode) []string {
	var wg sync.WaitGroup
	executed := make([]string, len(ready))

	for i, node := range ready {
		executed[i] = node.ID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.dispatcher.Dispatch(ctx, node, e.ec); err != nil {
				e.log.Error("node failed", "node_id", node.ID, "error", err)
				return
			}
			e.scheduler.MarkNodeCompleted(node)
		}()
	}
	wg.Wait()
	return executed
}

// diagnoseStall maps a no-ready, none-running, not-complete state to a
// terminal error: a failed node, an exhausted iteration budget, or a
// wiring problem.
func (e *Engine) diagnoseStall() error {
	if nodeID, msg, ok := e.tracker.AnyFailed(); ok {
		return dipeoerr.NodeExecution(nodeID, msg, nil)
	}
	if nodeID, ok := e.tracker.AnyMaxIterReached(); ok {
		n, _ := e.opts.Diagram.Node(nodeID)
		budget := 0
		if n != nil {
			budget = n.MaxIterations
		}
		return dipeoerr.MaxIterations(nodeID, budget)
	}
	return dipeoerr.NodeExecution("", "execution stalled: no ready nodes and none running", nil)
}

// finish marks the state terminal and publishes the terminal event.
func (e *Engine) finish(runErr error) {
	now := time.Now().UTC()
	state := e.tracker.State()

	ctx := context.Background()
	if runErr == nil {
		state.Finish(models.ExecutionCompleted, "", now)
		e.publish(ctx, events.Event{
			Type:  events.ExecutionCompleted,
			Scope: events.Scope{ExecutionID: e.opts.ExecutionID},
			Payload: events.ExecutionCompletedPayload{
				Status:   models.ExecutionCompleted,
				LLMUsage: state.LLMUsage,
			},
		})
		e.log.Info("execution completed", "nodes", len(state.ExecutedNodes))
		return
	}

	status := statusForError(runErr)
	state.Finish(status, runErr.Error(), now)
	e.publish(ctx, events.Event{
		Type:  events.ExecutionError,
		Scope: events.Scope{ExecutionID: e.opts.ExecutionID},
		Payload: events.ExecutionErrorPayload{
			Kind:   string(dipeoerr.KindOf(runErr)),
			Error:  runErr.Error(),
			NodeID: dipeoerr.NodeOf(runErr),
		},
	})
	e.log.Error("execution failed", "status", status, "error", runErr)
}

// drain waits for every pending delivery of this execution's events so
// observers have seen the terminal event before Run returns.
func (e *Engine) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.DrainTimeout)
	defer cancel()
	if err := e.opts.Bus.AwaitPending(ctx, e.opts.ExecutionID); err != nil {
		e.log.Error("event drain timed out", "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.opts.Bus.Publish(ctx, ev); err != nil {
		e.log.Error("event publish failed", "type", ev.Type, "error", err)
	}
}

// statusForError maps the taxonomy to a terminal execution status.
func statusForError(err error) models.ExecutionStatus {
	switch dipeoerr.KindOf(err) {
	case dipeoerr.KindAborted:
		return models.ExecutionAborted
	case dipeoerr.KindMaxIterations:
		return models.ExecutionMaxIter
	default:
		return models.ExecutionFailed
	}
}
