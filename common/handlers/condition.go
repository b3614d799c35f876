package handlers

import (
	"context"
	"fmt"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/condition"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/registry"
)

// Condition evaluates its expression and routes downstream via the
// branch meta key. The input value is forwarded to the taken branch.
type Condition struct {
	eval *condition.Evaluator
}

// NewCondition creates the handler with a shared expression cache.
func NewCondition(eval *condition.Evaluator) *Condition {
	if eval == nil {
		eval = condition.NewEvaluator()
	}
	return &Condition{eval: eval}
}

func (*Condition) NodeType() diagram.NodeType { return diagram.NodeCondition }

func (c *Condition) Execute(_ context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, _ *registry.Registry, ec *engine.Context) (envelope.Envelope, error) {
	expression, _ := node.Config["expression"].(string)
	if expression == "" {
		return envelope.Envelope{}, fmt.Errorf("condition has no expression")
	}

	var inputBody any
	if env, ok := inputs.First(); ok {
		inputBody = env.Body
	}

	result, err := c.eval.Evaluate(expression, inputBody, valueBag(inputs, ec))
	if err != nil {
		return envelope.Envelope{}, err
	}

	branch := diagram.HandleCondFalse
	if result {
		branch = diagram.HandleCondTrue
	}
	return envelope.New(node.ID, result).
		WithMeta(engine.BranchMetaKey, branch).
		WithMeta("value", inputBody), nil
}
