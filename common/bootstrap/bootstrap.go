// Package bootstrap assembles a fully wired runtime: configuration,
// logger, event bus, state store, service registry, handlers, observers,
// and the execute-diagram use case. Both binaries start here.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/dipeo/dipeo/common/apiinvoker"
	"github.com/dipeo/dipeo/common/apikeys"
	"github.com/dipeo/dipeo/common/coderunner"
	"github.com/dipeo/dipeo/common/condition"
	"github.com/dipeo/dipeo/common/config"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/execution"
	"github.com/dipeo/dipeo/common/fsys"
	"github.com/dipeo/dipeo/common/handlers"
	"github.com/dipeo/dipeo/common/integrations"
	"github.com/dipeo/dipeo/common/llm"
	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/observers"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
	"github.com/dipeo/dipeo/common/state"
	"github.com/dipeo/dipeo/common/template"
)

// Setup initializes all service components. This is the entry point for
// every binary.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Components{}

	var err error
	if options.customConfig != nil {
		c.Config = options.customConfig
	} else {
		c.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if options.customLogger != nil {
		c.Logger = options.customLogger
	} else {
		c.Logger = logger.New(c.Config.Service.LogLevel, c.Config.Service.LogFormat)
	}

	c.Logger.Info("initializing service",
		"service", serviceName,
		"environment", c.Config.Service.Environment,
		"state_backend", c.Config.State.Backend,
		"minimal_wiring", c.Config.Features.MinimalWiring,
	)

	c.Bus = events.NewBus(events.Options{
		QueueSize:   c.Config.Events.QueueSize,
		PublishWait: c.Config.Events.PublishWait,
		ReplayCap:   c.Config.Events.ReplayCap,
		ReplayGrace: c.Config.Events.ReplayGrace,
		Logger:      c.Logger,
	})
	c.addCleanup(func() error {
		c.Bus.Close()
		return nil
	})

	if err := c.setupState(ctx); err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	c.setupRegistry()
	c.setupHandlers()
	c.setupObservers(options)

	c.UseCase = execution.NewUseCase(execution.UseCaseOpts{
		Bus:                c.Bus,
		Registry:           c.Registry,
		Handlers:           c.Handlers,
		Logger:             c.Logger,
		Metrics:            metricsHandler(c.Metrics),
		PollInterval:       c.Config.Engine.NodeReadyPoll,
		PersonJobMaxIter:   c.Config.Engine.PersonJobMaxIter,
		BatchMaxConcurrent: c.Config.Engine.BatchMaxConcurrent,
	})
	c.Handlers.Register(execution.NewSubDiagram(c.UseCase))

	c.Logger.Info("service initialization complete",
		"service", serviceName,
		"handlers", len(c.Handlers.Types()),
	)
	return c, nil
}

// MustSetup is like Setup but panics on error.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	c, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return c
}

func (c *Components) setupState(ctx context.Context) error {
	var err error
	switch c.Config.State.Backend {
	case config.StateBackendMemory:
		c.Repo = state.NewMemoryRepository()
	case config.StateBackendRedis:
		c.Repo, err = state.NewRedisRepository(ctx, c.Config.Redis, c.Logger)
	case config.StateBackendPostgres:
		c.Repo, err = state.NewPostgresRepository(ctx, c.Config, c.Logger)
	default:
		err = fmt.Errorf("unknown state backend: %s", c.Config.State.Backend)
	}
	if err != nil {
		return fmt.Errorf("initialize state backend: %w", err)
	}
	c.addCleanup(c.Repo.Close)

	c.Store = state.NewStore(state.Opts{
		Repo:          c.Repo,
		Bus:           c.Bus,
		Logger:        c.Logger,
		FlushInterval: c.Config.State.FlushInterval,
	})
	c.Store.Start()
	c.addCleanup(func() error {
		return c.Store.Close(context.Background())
	})
	return nil
}

// setupRegistry registers the service surface handlers resolve at
// runtime. Minimal wiring keeps only what the core node types need.
func (c *Components) setupRegistry() {
	reg := registry.New()
	c.Registry = reg

	templates := template.NewProcessor()
	registry.Register(reg, services.Bus, c.Bus)
	registry.Register(reg, services.Store, services.StateStore(c.Store))
	registry.Register(reg, services.Templates, templates)
	registry.Register(reg, services.Runner, services.CodeRunner(coderunner.New()))
	registry.Register(reg, services.FS, services.FileSystem(fsys.New(c.Config.State.BaseDir)))
	registry.Register(reg, services.Diagrams, services.DiagramPort(diagram.NewFilePort(c.Config.State.BaseDir)))

	if c.Config.Features.MinimalWiring {
		return
	}

	registry.Register(reg, services.APIKeys, services.APIKeyService(apikeys.New()))
	registry.Register(reg, services.Prompts, services.PromptBuilder(llm.NewPromptBuilder(templates)))

	invoker := apiinvoker.New(apiinvoker.Opts{
		Logger:       c.Logger,
		AllowPrivate: c.Config.Service.Environment == "development",
	})
	registry.Register(reg, services.Invoker, services.APIInvoker(invoker))
	registry.Register(reg, services.IntegratedAPI, services.IntegratedAPIService(integrations.New(invoker, c.Logger)))

	providers := llm.NewProviders(nil)
	registry.Register(reg, services.Providers, services.ProviderRegistry(providers))
	if c.Config.LLM.APIKey != "" {
		openAI := llm.NewOpenAI(llm.OpenAIOpts{
			APIKey:       c.Config.LLM.APIKey,
			BaseURL:      c.Config.LLM.BaseURL,
			DefaultModel: c.Config.LLM.DefaultModel,
			Logger:       c.Logger,
		})
		registry.Register(reg, services.LLM, services.LLMService(openAI))
		providers.RegisterProvider("openai", openAI)
	}
}

func (c *Components) setupHandlers() {
	c.Handlers = engine.NewHandlerRegistry()
	handlers.RegisterAll(c.Handlers, condition.NewEvaluator())
}

func (c *Components) setupObservers(options *options) {
	if options.skipObservers {
		return
	}
	c.Metrics = observers.NewMetrics(c.Bus)
	c.Bus.Subscribe(events.AllTypes(), c.Metrics, events.PriorityNormal, nil)

	forwarder := observers.NewLogForwarder(c.Logger)
	c.Bus.Subscribe(forwarder.Types(), forwarder, events.PriorityNormal, nil)

	if options.router != nil {
		c.Monitor = observers.NewMonitor(options.router, c.Logger)
		c.Bus.Subscribe(events.AllTypes(), c.Monitor, events.PriorityNormal, nil)
	}
}

// metricsHandler avoids handing the use case a typed nil.
func metricsHandler(m *observers.Metrics) events.Handler {
	if m == nil {
		return nil
	}
	return m
}
