package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/dipeoerr"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/ids"
	"github.com/dipeo/dipeo/common/models"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
)

const defaultBatchConcurrency = 10

// batchConcurrency resolves the per-batch parallelism bound: node config
// wins, then the configured engine default, then the package fallback.
func batchConcurrency(config map[string]any, configured int) int {
	if v, ok := config["max_concurrent"].(float64); ok && v > 0 {
		return int(v)
	}
	if configured > 0 {
		return configured
	}
	return defaultBatchConcurrency
}

// SubDiagram runs a nested diagram, either once or as a batch over an
// input array. Each batch item gets an isolated child registry scope and
// a unique execution id; item failures never abort siblings.
type SubDiagram struct {
	uc *UseCase
}

// NewSubDiagram creates the handler over the shared use case.
func NewSubDiagram(uc *UseCase) *SubDiagram {
	return &SubDiagram{uc: uc}
}

func (*SubDiagram) NodeType() diagram.NodeType { return diagram.NodeSubDiagram }

func (s *SubDiagram) Execute(ctx context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, ec *engine.Context) (envelope.Envelope, error) {
	child, err := s.loadDiagram(ctx, node, reg)
	if err != nil {
		return envelope.Envelope{}, err
	}
	exec, err := compiler.Compile(child, s.uc.compileOptions()...)
	if err != nil {
		return envelope.Envelope{}, err
	}

	if batch, _ := node.Config["batch"].(bool); batch {
		return s.runBatch(ctx, node, exec, inputs, ec)
	}
	return s.runSingle(ctx, node, exec, inputs, ec)
}

// loadDiagram accepts an inline diagram under config "diagram" or a
// reference under "diagram_name" resolved through the diagram port.
func (s *SubDiagram) loadDiagram(ctx context.Context, node *compiler.ExecutableNode, reg *registry.Registry) (*diagram.DomainDiagram, error) {
	if inline, ok := node.Config["diagram"]; ok {
		data, err := json.Marshal(inline)
		if err != nil {
			return nil, fmt.Errorf("encode inline diagram: %w", err)
		}
		var d diagram.DomainDiagram
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode inline diagram: %w", err)
		}
		return &d, nil
	}

	name, _ := node.Config["diagram_name"].(string)
	if name == "" {
		return nil, fmt.Errorf("sub_diagram %s has neither diagram nor diagram_name", node.ID)
	}
	port, err := registry.Resolve(reg, services.Diagrams)
	if err != nil {
		return nil, err
	}
	return port.Load(ctx, name)
}

func (s *SubDiagram) runSingle(ctx context.Context, node *compiler.ExecutableNode, exec *compiler.ExecutableDiagram, inputs engine.Inputs, ec *engine.Context) (envelope.Envelope, error) {
	childID := ids.NewExecutionID()

	state, err := s.uc.ExecuteCompiled(ctx, exec, Options{
		ExecutionID:       childID,
		Variables:         childVariables(inputs),
		IsSubDiagram:      true,
		ParentExecutionID: ec.ExecutionID,
		Registry:          ec.Registry.CreateChild(),
	})
	if err != nil {
		return envelope.Envelope{}, err
	}

	return envelope.New(node.ID, mapChildOutput(exec, state)), nil
}

func (s *SubDiagram) runBatch(ctx context.Context, node *compiler.ExecutableNode, exec *compiler.ExecutableDiagram, inputs engine.Inputs, ec *engine.Context) (envelope.Envelope, error) {
	key, _ := node.Config["batch_input_key"].(string)
	if key == "" {
		key = "items"
	}
	items, err := batchItems(inputs, key)
	if err != nil {
		return envelope.Envelope{}, err
	}

	outputMode, _ := node.Config["output_mode"].(string)
	parallel, _ := node.Config["batch_parallel"].(bool)
	concurrency := batchConcurrency(node.Config, s.uc.opts.BatchMaxConcurrent)
	if !parallel {
		concurrency = 1
	}

	type itemFailure struct {
		Index     int    `json:"index"`
		Error     string `json:"error"`
		ErrorType string `json:"error_type"`
		Item      any    `json:"item"`
	}

	results := make([]any, len(items))
	failures := make([]*itemFailure, len(items))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			childID := ids.NewExecutionID()
			state, err := s.uc.ExecuteCompiled(ctx, exec, Options{
				ExecutionID:       childID,
				Variables:         itemVariables(item),
				IsSubDiagram:      true,
				ParentExecutionID: ec.ExecutionID,
				Registry:          ec.Registry.CreateChild(),
			})
			if err != nil {
				failures[i] = &itemFailure{
					Index:     i,
					Error:     err.Error(),
					ErrorType: string(dipeoerr.KindOf(err)),
					Item:      item,
				}
				return
			}
			results[i] = mapChildOutput(exec, state)
		}()
	}
	wg.Wait()

	successful := 0
	var errs []any
	for i := range items {
		if failures[i] != nil {
			errs = append(errs, failures[i])
		} else {
			successful++
		}
	}
	failed := len(items) - successful

	if outputMode == "rich_object" {
		return envelope.New(node.ID, map[string]any{
			"total_items": len(items),
			"successful":  successful,
			"failed":      failed,
			"results":     results,
			"errors":      errs,
		}), nil
	}
	return envelope.New(node.ID, results).
		WithMeta("successful", successful).
		WithMeta("failed", failed), nil
}

// batchItems extracts the array to iterate. Lookup order: the key across
// input handles, then inside the default input's object body, then one
// level deeper under a nested "default" object.
func batchItems(inputs engine.Inputs, key string) ([]any, error) {
	if env, ok := inputs[key]; ok {
		if arr, ok := asArray(env.Body); ok {
			return arr, nil
		}
	}
	if env, ok := inputs.Default(); ok {
		if m, ok := env.Body.(map[string]any); ok {
			if arr, ok := asArray(m[key]); ok {
				return arr, nil
			}
			if nested, ok := m["default"].(map[string]any); ok {
				if arr, ok := asArray(nested[key]); ok {
					return arr, nil
				}
			}
		}
		if arr, ok := asArray(env.Body); ok {
			return arr, nil
		}
	}
	return nil, fmt.Errorf("batch input %q not found or not an array", key)
}

func asArray(v any) ([]any, bool) {
	arr, ok := v.([]any)
	return arr, ok
}

// childVariables builds the nested run's initial variables from the
// parent node's inputs. Object bodies on the default handle flatten;
// everything else keeps its handle name.
func childVariables(inputs engine.Inputs) map[string]any {
	vars := map[string]any{}
	for handle, env := range inputs {
		if handle == diagram.HandleDefault {
			if m, ok := env.Body.(map[string]any); ok {
				for k, v := range m {
					vars[k] = v
				}
				continue
			}
		}
		vars[handle] = env.Body
	}
	return vars
}

// itemVariables injects one batch item as a child's initial variables.
func itemVariables(item any) map[string]any {
	if m, ok := item.(map[string]any); ok {
		return m
	}
	return map[string]any{"default": item}
}

// mapChildOutput picks the value a sub_diagram node produces: an
// endpoint node's output when one completed, otherwise the output of the
// last executed node that produced one.
func mapChildOutput(exec *compiler.ExecutableDiagram, state *models.ExecutionState) any {
	for _, n := range exec.Nodes {
		if n.Type != diagram.NodeEndpoint {
			continue
		}
		if out, ok := state.NodeOutputs[n.ID]; ok {
			return out.Body
		}
	}
	for i := len(state.ExecutedNodes) - 1; i >= 0; i-- {
		if out, ok := state.NodeOutputs[state.ExecutedNodes[i]]; ok {
			return out.Body
		}
	}
	return nil
}
