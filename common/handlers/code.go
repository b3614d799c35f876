package handlers

import (
	"context"
	"fmt"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
)

// CodeJob evaluates an expression over the node's inputs and the
// execution variables.
type CodeJob struct{}

func (CodeJob) NodeType() diagram.NodeType { return diagram.NodeCodeJob }

func (CodeJob) Execute(ctx context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, ec *engine.Context) (envelope.Envelope, error) {
	code, _ := node.Config["code"].(string)
	if code == "" {
		return envelope.Envelope{}, fmt.Errorf("code_job has no code")
	}

	runner, err := registry.Resolve(reg, services.Runner)
	if err != nil {
		return envelope.Envelope{}, err
	}

	env := inputs.Values()
	env["variables"] = ec.Variables

	out, err := runner.Run(ctx, code, env)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.New(node.ID, out), nil
}

// valueBag merges execution variables (lowest precedence) with input
// bodies by handle name. The default handle's fields are flattened when
// the body is an object, so upstream outputs address naturally in
// templates.
func valueBag(inputs engine.Inputs, ec *engine.Context) map[string]any {
	values := make(map[string]any, len(ec.Variables)+len(inputs)+1)
	for k, v := range ec.Variables {
		values[k] = v
	}
	if env, ok := inputs.Default(); ok {
		if m, ok := env.Body.(map[string]any); ok {
			for k, v := range m {
				values[k] = v
			}
		}
	}
	for handle, env := range inputs {
		values[handle] = env.Body
	}
	return values
}
