package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
)

// PersonJob runs one completion against the node's bound persona. Token
// usage travels on the output envelope for the tracker to aggregate.
type PersonJob struct{}

func (PersonJob) NodeType() diagram.NodeType { return diagram.NodePersonJob }

func (PersonJob) Execute(ctx context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, ec *engine.Context) (envelope.Envelope, error) {
	if node.Person == nil {
		return envelope.Envelope{}, fmt.Errorf("person_job %s has no person bound", node.ID)
	}

	prompts, err := registry.Resolve(reg, services.Prompts)
	if err != nil {
		return envelope.Envelope{}, err
	}

	promptTmpl, _ := node.Config["prompt"].(string)
	if first, _ := node.Config["first_only_prompt"].(string); first != "" {
		if ec.Tracker.ExecutionCount(node.ID) == 1 {
			promptTmpl = first
		}
	}
	if promptTmpl == "" {
		return envelope.Envelope{}, fmt.Errorf("person_job %s has no prompt", node.ID)
	}

	prompt, err := prompts.Build(promptTmpl, valueBag(inputs, ec))
	if err != nil {
		return envelope.Envelope{}, err
	}

	svc, err := completionService(reg, node.APIKey.Service)
	if err != nil {
		return envelope.Envelope{}, err
	}

	req := services.CompletionRequest{
		Model:        node.Person.Model,
		SystemPrompt: node.Person.SystemPrompt,
		Prompt:       prompt,
	}
	if maxTokens, ok := node.Config["max_tokens"].(float64); ok {
		req.MaxTokens = int(maxTokens)
	}
	if temp, ok := node.Config["temperature"].(float64); ok {
		req.Temperature = float32(temp)
	}

	result, err := svc.Complete(ctx, req)
	if err != nil {
		return envelope.Envelope{}, err
	}

	return envelope.New(node.ID, result.Text).
		WithMeta(engine.UsageMetaKey, result.Usage), nil
}

// completionService picks the provider registered for the key's service
// name, falling back to the default LLM service.
func completionService(reg *registry.Registry, service string) (services.LLMService, error) {
	if service != "" {
		if providers, err := registry.Resolve(reg, services.Providers); err == nil {
			if svc, ok := providers.Provider(service); ok {
				return svc, nil
			}
		}
	}
	return registry.Resolve(reg, services.LLM)
}

// userResponseTimeout bounds the wait for a live answer.
const userResponseTimeout = 60 * time.Second

// UserResponse publishes an interactive prompt event and waits for a
// registered input collector to deliver the answer. Without a collector,
// or when the wait times out, the node resolves with its default.
type UserResponse struct{}

func (UserResponse) NodeType() diagram.NodeType { return diagram.NodeUserResponse }

func (UserResponse) Execute(ctx context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, ec *engine.Context) (envelope.Envelope, error) {
	prompt, _ := node.Config["prompt"].(string)
	defaultAnswer, _ := node.Config["default"].(string)

	if bus, err := registry.Resolve(reg, services.Bus); err == nil {
		_ = bus.Publish(ctx, events.Event{
			Type:  events.InteractivePrompt,
			Scope: events.Scope{ExecutionID: ec.ExecutionID, NodeID: node.ID},
			Payload: events.InteractivePromptPayload{
				NodeID:  node.ID,
				Prompt:  prompt,
				Default: defaultAnswer,
			},
		})
	}

	if collector, err := registry.Resolve(reg, services.UserInput); err == nil {
		timeout := userResponseTimeout
		if secs, ok := node.Config["timeout"].(float64); ok && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		answer, err := collector.Await(waitCtx, ec.ExecutionID, node.ID)
		cancel()
		if err == nil {
			return envelope.New(node.ID, answer), nil
		}
		if ctx.Err() != nil {
			return envelope.Envelope{}, ctx.Err()
		}
	}

	if defaultAnswer != "" {
		return envelope.New(node.ID, defaultAnswer), nil
	}
	if in, ok := inputs.First(); ok {
		return in, nil
	}
	return envelope.New(node.ID, ""), nil
}
