package execution

import (
	"context"
	"time"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/dipeoerr"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/models"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
)

// UseCaseOpts wires the execute-diagram use case.
type UseCaseOpts struct {
	Bus      *events.Bus
	Registry *registry.Registry
	Handlers *engine.HandlerRegistry
	Logger   *logger.Logger

	// Metrics is subscribed once, at construction, when set.
	Metrics events.Handler

	// Engine tuning, threaded from EngineConfig. Zero values fall back to
	// the engine and compiler defaults.
	PollInterval       time.Duration
	PersonJobMaxIter   int
	BatchMaxConcurrent int
}

func (o *UseCaseOpts) withDefaults() {
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
}

// UseCase is the top-level orchestration: compile, initialize state, run
// the engine, collect the terminal status. Sub-diagrams reuse the same
// use case with IsSubDiagram set, which short-circuits terminal
// collection.
type UseCase struct {
	opts UseCaseOpts
	log  *logger.Logger
}

// NewUseCase creates the use case. The metrics observer, when provided,
// is subscribed here exactly once; runs never re-subscribe it.
func NewUseCase(opts UseCaseOpts) *UseCase {
	opts.withDefaults()
	if opts.Metrics != nil {
		opts.Bus.Subscribe(events.AllTypes(), opts.Metrics, events.PriorityNormal, nil)
	}
	return &UseCase{opts: opts, log: opts.Logger}
}

// Execute compiles the domain diagram and runs it to a terminal status.
func (uc *UseCase) Execute(ctx context.Context, d *diagram.DomainDiagram, opts Options) (*models.ExecutionState, error) {
	exec, err := compiler.Compile(d, uc.compileOptions()...)
	if err != nil {
		return nil, err
	}
	return uc.ExecuteCompiled(ctx, exec, opts)
}

func (uc *UseCase) compileOptions() []compiler.Option {
	if uc.opts.PersonJobMaxIter > 0 {
		return []compiler.Option{compiler.WithPersonJobMaxIter(uc.opts.PersonJobMaxIter)}
	}
	return nil
}

// ExecuteCompiled runs an already compiled diagram. The sub_diagram
// handler uses this to avoid recompiling per batch item.
func (uc *UseCase) ExecuteCompiled(ctx context.Context, exec *compiler.ExecutableDiagram, opts Options) (*models.ExecutionState, error) {
	opts.withDefaults()
	log := uc.log.WithExecutionID(opts.ExecutionID)

	if opts.MaxIterationsOverride > 0 {
		exec = capIterations(exec, opts.MaxIterationsOverride)
	}

	reg := opts.Registry
	if reg == nil {
		reg = uc.opts.Registry
	}

	if store, err := registry.Resolve(reg, services.Store); err == nil {
		if err := store.InitializeState(ctx, opts.ExecutionID, exec.ID, opts.Variables, opts.Metadata); err != nil {
			return nil, dipeoerr.NodeExecution("", "initialize execution state", err)
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	eng := engine.New(engine.Opts{
		Diagram:           exec,
		Bus:               uc.opts.Bus,
		Registry:          reg,
		Handlers:          uc.opts.Handlers,
		ExecutionID:       opts.ExecutionID,
		Variables:         opts.Variables,
		Metadata:          opts.Metadata,
		Logger:            uc.opts.Logger,
		MaxConcurrent:     opts.MaxConcurrent,
		PollInterval:      uc.opts.PollInterval,
		IsSubDiagram:      opts.IsSubDiagram,
		ParentExecutionID: opts.ParentExecutionID,
	})

	var onStep engine.StepFunc
	if opts.Debug {
		tracker := eng.Context().Tracker
		onStep = func(sc engine.StepComplete) {
			// Snapshot gives a race-free copy while handlers may still run.
			snap := tracker.Snapshot()
			log.Debug("step complete",
				"step", sc.Step,
				"nodes", sc.ExecutedNodes,
				"percent", sc.Progress.Percent,
				"llm_tokens", snap.LLMUsage.TotalTokens)
		}
	}

	state, runErr := eng.Run(ctx, onStep)

	if opts.Debug {
		if unused := reg.ReportUnused(); len(unused) > 0 {
			log.Debug("registered services never resolved", "services", unused)
		}
	}

	// The engine drained the bus, so the store's HIGH subscriber has seen
	// the terminal event. Prefer the persisted record when available;
	// sub-diagram runs skip the round-trip.
	if !opts.IsSubDiagram {
		if persisted := uc.collectTerminal(ctx, reg, opts.ExecutionID); persisted != nil {
			state = persisted
		}
	}
	return state, runErr
}

// collectTerminal polls the store briefly for the terminal record. The
// bus drain makes a single read almost always sufficient.
func (uc *UseCase) collectTerminal(ctx context.Context, reg *registry.Registry, executionID string) *models.ExecutionState {
	store, err := registry.Resolve(reg, services.Store)
	if err != nil {
		return nil
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, err := store.GetState(ctx, executionID); err == nil && st != nil && st.Status.Terminal() {
			return st
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// capIterations returns a shallow copy of the diagram with every node's
// iteration budget bounded by max. The shared input is never mutated.
func capIterations(exec *compiler.ExecutableDiagram, max int) *compiler.ExecutableDiagram {
	data, err := exec.Bytes()
	if err != nil {
		return exec
	}
	capped, err := compiler.FromBytes(data)
	if err != nil {
		return exec
	}
	for _, n := range capped.Nodes {
		if n.MaxIterations > max {
			n.MaxIterations = max
		}
	}
	return capped
}
