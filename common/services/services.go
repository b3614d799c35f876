// Package services declares the typed service keys handlers resolve at
// invocation, together with the narrow interfaces behind them. Concrete
// implementations live in their own packages; handlers only see these
// contracts.
package services

import (
	"context"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/models"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/template"
)

// CompletionRequest is one LLM call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float32
}

// CompletionResult carries the model's reply and token accounting.
type CompletionResult struct {
	Text  string
	Usage models.LLMUsage
}

// LLMService performs completions for person_job nodes.
type LLMService interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// FileSystem backs db nodes and diagram loading.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Glob(pattern string) ([]string, error)
}

// APIKeyService resolves key references from diagram metadata to secrets.
type APIKeyService interface {
	Resolve(ref diagram.APIKeyRef) (string, error)
}

// StateStore is the read surface handlers and transports need. The full
// store also subscribes to the bus; that side is not part of this
// contract.
type StateStore interface {
	GetState(ctx context.Context, executionID string) (*models.ExecutionState, error)
	GetStateFromCache(executionID string) (*models.ExecutionState, bool)
	ListExecutions(ctx context.Context, diagramID string, status models.ExecutionStatus, limit, offset int) ([]*models.ExecutionState, error)
	InitializeState(ctx context.Context, executionID, diagramID string, variables, metadata map[string]any) error
}

// DiagramPort loads nested diagrams for sub_diagram nodes by reference.
type DiagramPort interface {
	Load(ctx context.Context, ref string) (*diagram.DomainDiagram, error)
}

// HTTPRequest is one outbound call made by an api_job node.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	Timeout int // seconds; 0 means the invoker default
}

// HTTPResponse is the invoker's result.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// APIInvoker performs HTTP calls with URL validation and retries.
type APIInvoker interface {
	Invoke(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
}

// CodeRunner evaluates code_job programs against an environment of
// inputs and variables.
type CodeRunner interface {
	Run(ctx context.Context, code string, env map[string]any) (any, error)
}

// PromptBuilder renders person_job prompts from templates and inputs.
type PromptBuilder interface {
	Build(promptTemplate string, values map[string]any) (string, error)
}

// ProviderRegistry maps provider names to LLM services.
type ProviderRegistry interface {
	Provider(name string) (LLMService, bool)
	RegisterProvider(name string, svc LLMService)
}

// IntegratedAPIService executes named provider operations for hook
// nodes.
type IntegratedAPIService interface {
	Execute(ctx context.Context, provider, operation string, config map[string]any) (any, error)
}

// UserInputCollector blocks until a live answer arrives for the given
// prompt. Transports register one to route replies back to user_response
// nodes; without a collector the node resolves with its default.
type UserInputCollector interface {
	Await(ctx context.Context, executionID, nodeID string) (string, error)
}

// Service keys. Keys are compared by name; resolving a key that was
// registered under a different concrete type fails loudly.
var (
	LLM           = registry.NewKey[LLMService]("llm_service")
	FS            = registry.NewKey[FileSystem]("file_system")
	APIKeys       = registry.NewKey[APIKeyService]("api_key_service")
	Store         = registry.NewKey[StateStore]("state_store")
	Bus           = registry.NewKey[*events.Bus]("event_bus")
	Diagrams      = registry.NewKey[DiagramPort]("diagram_port")
	Invoker       = registry.NewKey[APIInvoker]("api_invoker")
	Runner        = registry.NewKey[CodeRunner]("code_runner")
	Templates     = registry.NewKey[*template.Processor]("template_processor")
	Prompts       = registry.NewKey[PromptBuilder]("prompt_builder")
	Providers     = registry.NewKey[ProviderRegistry]("provider_registry")
	IntegratedAPI = registry.NewKey[IntegratedAPIService]("integrated_api_service")
	UserInput     = registry.NewKey[UserInputCollector]("user_input")

	// The compiled diagram for the current run, registered by the engine
	// on its child scope.
	CompiledDiagram = registry.NewKey[*compiler.ExecutableDiagram]("diagram")
)
