package llm

import (
	"sync"

	"github.com/dipeo/dipeo/common/services"
	"github.com/dipeo/dipeo/common/template"
)

// Providers maps provider names (as referenced by diagram api_keys) to
// completion services.
type Providers struct {
	mu       sync.RWMutex
	services map[string]services.LLMService
	fallback services.LLMService
}

// NewProviders creates a provider registry; fallback serves unknown
// names and may be nil.
func NewProviders(fallback services.LLMService) *Providers {
	return &Providers{
		services: make(map[string]services.LLMService),
		fallback: fallback,
	}
}

var _ services.ProviderRegistry = (*Providers)(nil)

func (p *Providers) RegisterProvider(name string, svc services.LLMService) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services[name] = svc
}

func (p *Providers) Provider(name string) (services.LLMService, bool) {
	p.mu.RLock()
	svc, ok := p.services[name]
	p.mu.RUnlock()
	if ok {
		return svc, true
	}
	if p.fallback != nil {
		return p.fallback, true
	}
	return nil, false
}

// PromptBuilder renders person_job prompt templates against the node's
// inputs and execution variables.
type PromptBuilder struct {
	templates *template.Processor
}

// NewPromptBuilder creates a builder over the shared template processor.
func NewPromptBuilder(templates *template.Processor) *PromptBuilder {
	return &PromptBuilder{templates: templates}
}

var _ services.PromptBuilder = (*PromptBuilder)(nil)

func (b *PromptBuilder) Build(promptTemplate string, values map[string]any) (string, error) {
	return b.templates.Render(promptTemplate, values)
}
