package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Processor substitutes {{path}} placeholders against a value bag built
// from execution variables and upstream node outputs. Paths use gjson
// syntax, so nested access ({{user.name}}) and array indexing
// ({{items.0}}) both work.
type Processor struct{}

// NewProcessor creates a template processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Render interpolates every placeholder in a template string. A template
// that is exactly one placeholder resolves to the referenced value's
// string form; mixed text stringifies each value in place. Unresolvable
// paths fail.
func (p *Processor) Render(tmpl string, values map[string]any) (string, error) {
	v, err := p.resolveString(tmpl, values)
	if err != nil {
		return "", err
	}
	return stringify(v)
}

// ResolveConfig resolves placeholders in every string of a config map,
// recursing into nested maps and arrays. A string that is exactly one
// placeholder resolves to the referenced value with its type intact.
func (p *Processor) ResolveConfig(config, values map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(config))
	for key, value := range config {
		rv, err := p.resolveValue(value, values)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config key %s: %w", key, err)
		}
		resolved[key] = rv
	}
	return resolved, nil
}

func (p *Processor) resolveValue(value any, values map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return p.resolveString(v, values)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, inner := range v {
			rv, err := p.resolveValue(inner, values)
			if err != nil {
				return nil, err
			}
			resolved[key] = rv
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(v))
		for i, inner := range v {
			rv, err := p.resolveValue(inner, values)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		// Primitives pass through.
		return value, nil
	}
}

func (p *Processor) resolveString(str string, values map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatch(str, -1)
	if len(matches) == 0 {
		return str, nil
	}

	// A bare placeholder keeps the value's type.
	if len(matches) == 1 && strings.TrimSpace(str) == matches[0][0] {
		return Lookup(matches[0][1], values)
	}

	result := str
	for _, match := range matches {
		value, err := Lookup(match[1], values)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", match[0], err)
		}
		s, err := stringify(value)
		if err != nil {
			return nil, err
		}
		result = strings.Replace(result, match[0], s, 1)
	}
	return result, nil
}

// Lookup resolves a gjson path against a value bag.
func Lookup(path string, values map[string]any) (any, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template values: %w", err)
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	return result.Value(), nil
}

func stringify(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("failed to marshal template value: %w", err)
		}
		return string(data), nil
	}
}
