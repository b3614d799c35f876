package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
)

// DB reads and writes files through the file-system service. JSON and
// YAML files decode to objects on read; everything else is raw text.
type DB struct{}

func (DB) NodeType() diagram.NodeType { return diagram.NodeDB }

func (DB) Execute(_ context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, _ *engine.Context) (envelope.Envelope, error) {
	fs, err := registry.Resolve(reg, services.FS)
	if err != nil {
		return envelope.Envelope{}, err
	}

	operation, _ := node.Config["operation"].(string)
	file, _ := node.Config["file"].(string)
	if file == "" {
		return envelope.Envelope{}, fmt.Errorf("db node has no file")
	}

	switch operation {
	case "", "read":
		data, err := fs.ReadFile(file)
		if err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.New(node.ID, decodeByExtension(file, data)), nil

	case "write":
		in, ok := inputs.First()
		if !ok {
			return envelope.Envelope{}, fmt.Errorf("db write has no input")
		}
		data, err := bodyBytes(in)
		if err != nil {
			return envelope.Envelope{}, err
		}
		if err := fs.WriteFile(file, data); err != nil {
			return envelope.Envelope{}, err
		}
		return in, nil

	case "append":
		in, ok := inputs.First()
		if !ok {
			return envelope.Envelope{}, fmt.Errorf("db append has no input")
		}
		addition, err := bodyBytes(in)
		if err != nil {
			return envelope.Envelope{}, err
		}
		existing, err := fs.ReadFile(file)
		if err != nil {
			existing = nil // missing file starts empty
		}
		if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
			existing = append(existing, '\n')
		}
		if err := fs.WriteFile(file, append(existing, addition...)); err != nil {
			return envelope.Envelope{}, err
		}
		return in, nil

	default:
		return envelope.Envelope{}, fmt.Errorf("unknown db operation: %s", operation)
	}
}

func decodeByExtension(path string, data []byte) any {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

// TemplateJob renders a template against inputs and variables.
type TemplateJob struct{}

func (TemplateJob) NodeType() diagram.NodeType { return diagram.NodeTemplateJob }

func (TemplateJob) Execute(_ context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, ec *engine.Context) (envelope.Envelope, error) {
	templates, err := registry.Resolve(reg, services.Templates)
	if err != nil {
		return envelope.Envelope{}, err
	}

	tmpl, _ := node.Config["template"].(string)
	if tmpl == "" {
		if path, _ := node.Config["template_path"].(string); path != "" {
			fs, err := registry.Resolve(reg, services.FS)
			if err != nil {
				return envelope.Envelope{}, err
			}
			data, err := fs.ReadFile(path)
			if err != nil {
				return envelope.Envelope{}, err
			}
			tmpl = string(data)
		}
	}
	if tmpl == "" {
		return envelope.Envelope{}, fmt.Errorf("template_job has no template")
	}

	rendered, err := templates.Render(tmpl, valueBag(inputs, ec))
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.New(node.ID, rendered), nil
}

// DiffPatch applies an RFC 6902 patch to its input document. The patch
// comes from config or from the "patch" input handle.
type DiffPatch struct{}

func (DiffPatch) NodeType() diagram.NodeType { return diagram.NodeDiffPatch }

func (DiffPatch) Execute(_ context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, _ *registry.Registry, _ *engine.Context) (envelope.Envelope, error) {
	doc, ok := inputs.Default()
	if !ok {
		return envelope.Envelope{}, fmt.Errorf("diff_patch has no input document")
	}
	docBytes, err := json.Marshal(doc.Body)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("encode document: %w", err)
	}

	var patchSource any
	if p, ok := node.Config["patch"]; ok {
		patchSource = p
	} else if env, ok := inputs["patch"]; ok {
		patchSource = env.Body
	} else {
		return envelope.Envelope{}, fmt.Errorf("diff_patch has no patch")
	}
	patchBytes, err := json.Marshal(patchSource)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("encode patch: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("decode patch: %w", err)
	}
	modified, err := patch.Apply(docBytes)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("apply patch: %w", err)
	}

	var out any
	if err := json.Unmarshal(modified, &out); err != nil {
		return envelope.Envelope{}, fmt.Errorf("decode patched document: %w", err)
	}
	return envelope.New(node.ID, out), nil
}

// JSONSchemaValidator validates its input against a JSON schema and
// passes it through unchanged when valid.
type JSONSchemaValidator struct{}

func (JSONSchemaValidator) NodeType() diagram.NodeType { return diagram.NodeJSONSchemaValidator }

func (JSONSchemaValidator) Execute(_ context.Context, node *compiler.ExecutableNode, inputs engine.Inputs, reg *registry.Registry, _ *engine.Context) (envelope.Envelope, error) {
	in, ok := inputs.First()
	if !ok {
		return envelope.Envelope{}, fmt.Errorf("json_schema_validator has no input")
	}

	var schemaJSON []byte
	if inline, ok := node.Config["schema"]; ok {
		var err error
		schemaJSON, err = json.Marshal(inline)
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("encode schema: %w", err)
		}
	} else if path, _ := node.Config["schema_path"].(string); path != "" {
		fs, err := registry.Resolve(reg, services.FS)
		if err != nil {
			return envelope.Envelope{}, err
		}
		schemaJSON, err = fs.ReadFile(path)
		if err != nil {
			return envelope.Envelope{}, err
		}
	} else {
		return envelope.Envelope{}, fmt.Errorf("json_schema_validator has no schema")
	}

	schema, err := jsonschema.CompileString(node.ID+".schema.json", string(schemaJSON))
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("compile schema: %w", err)
	}

	// round-trip so the value matches the decoder's type mapping
	data, err := json.Marshal(in.Body)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("encode input: %w", err)
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return envelope.Envelope{}, fmt.Errorf("decode input: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return envelope.Envelope{}, fmt.Errorf("schema validation failed: %w", err)
	}
	return in, nil
}
