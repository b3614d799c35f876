package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
)

// APIJob performs one HTTP call. URL, headers, and body support
// {{path}} placeholders resolved against inputs and variables.
type APIJob struct{}

func (APIJob) NodeType() diagram.NodeType { return diagram.NodeAPIJob }

func (APIJob) Execute(ctx context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, ec *engine.Context) (envelope.Envelope, error) {
	invoker, err := registry.Resolve(reg, services.Invoker)
	if err != nil {
		return envelope.Envelope{}, err
	}
	templates, err := registry.Resolve(reg, services.Templates)
	if err != nil {
		return envelope.Envelope{}, err
	}

	resolved, err := templates.ResolveConfig(node.Config, valueBag(inputs, ec))
	if err != nil {
		return envelope.Envelope{}, err
	}

	url, _ := resolved["url"].(string)
	if url == "" {
		return envelope.Envelope{}, fmt.Errorf("api_job has no url")
	}
	method, _ := resolved["method"].(string)

	req := services.HTTPRequest{
		Method: method,
		URL:    url,
		Body:   resolved["body"],
	}
	if headers, ok := resolved["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			req.Headers[k] = fmt.Sprint(v)
		}
	}
	if timeout, ok := resolved["timeout"].(float64); ok {
		req.Timeout = int(timeout)
	}

	resp, err := invoker.Invoke(ctx, req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if resp.StatusCode >= 400 {
		return envelope.Envelope{}, fmt.Errorf("api_job %s %s returned %d", method, url, resp.StatusCode)
	}

	var decoded any
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return envelope.New(node.ID, string(resp.Body)), nil
	}
	return envelope.New(node.ID, decoded), nil
}

// Hook executes a named provider operation through the integrated API
// service.
type Hook struct{}

func (Hook) NodeType() diagram.NodeType { return diagram.NodeHook }

func (Hook) Execute(ctx context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, ec *engine.Context) (envelope.Envelope, error) {
	integ, err := registry.Resolve(reg, services.IntegratedAPI)
	if err != nil {
		return envelope.Envelope{}, err
	}
	templates, err := registry.Resolve(reg, services.Templates)
	if err != nil {
		return envelope.Envelope{}, err
	}

	provider, _ := node.Config["provider"].(string)
	operation, _ := node.Config["operation"].(string)
	if provider == "" || operation == "" {
		return envelope.Envelope{}, fmt.Errorf("hook needs provider and operation")
	}

	opConfig := map[string]any{}
	if raw, ok := node.Config["config"].(map[string]any); ok {
		opConfig, err = templates.ResolveConfig(raw, valueBag(inputs, ec))
		if err != nil {
			return envelope.Envelope{}, err
		}
	}

	out, err := integ.Execute(ctx, provider, operation, opConfig)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.New(node.ID, out), nil
}
