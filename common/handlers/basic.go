// Package handlers implements the built-in node types. Each handler is
// pure with respect to its arguments; side effects go through services
// resolved from the registry.
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

// Start emits the execution variables as the diagram's entry output.
type Start struct{}

func (Start) NodeType() diagram.NodeType { return diagram.NodeStart }

func (Start) Execute(_ context.Context, node *compiler.ExecutableNode, _ engine.Inputs, _ *registry.Registry, ec *engine.Context) (envelope.Envelope, error) {
	vars := ec.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return envelope.New(node.ID, vars), nil
}

// Endpoint passes its input through and optionally persists it.
type Endpoint struct{}

func (Endpoint) NodeType() diagram.NodeType { return diagram.NodeEndpoint }

func (Endpoint) Execute(_ context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, _ *engine.Context) (envelope.Envelope, error) {
	out, ok := inputs.First()
	if !ok {
		out = envelope.New(node.ID, nil)
	}

	if save, _ := node.Config["save_to_file"].(bool); save {
		fileName, _ := node.Config["file_name"].(string)
		if fileName == "" {
			return envelope.Envelope{}, fmt.Errorf("save_to_file set but file_name is empty")
		}
		fs, err := registry.Resolve(reg, services.FS)
		if err != nil {
			return envelope.Envelope{}, err
		}
		data, err := bodyBytes(out)
		if err != nil {
			return envelope.Envelope{}, err
		}
		if err := fs.WriteFile(fileName, data); err != nil {
			return envelope.Envelope{}, err
		}
	}
	return out, nil
}

func bodyBytes(env envelope.Envelope) ([]byte, error) {
	switch env.ContentType {
	case envelope.RawText:
		s, err := env.AsText()
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	case envelope.Binary:
		if b, ok := env.Body.([]byte); ok {
			return b, nil
		}
	}
	return json.Marshal(env.Body)
}
