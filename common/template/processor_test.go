package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	p := NewProcessor()
	values := map[string]any{
		"name": "ada",
		"user": map[string]any{"email": "ada@example.com"},
		"nums": []any{1.0, 2.0, 3.0},
	}

	tests := []struct {
		name    string
		tmpl    string
		want    string
		wantErr bool
	}{
		{name: "plain", tmpl: "no placeholders", want: "no placeholders"},
		{name: "simple", tmpl: "hello {{name}}", want: "hello ada"},
		{name: "nested path", tmpl: "mail: {{user.email}}", want: "mail: ada@example.com"},
		{name: "array index", tmpl: "second: {{nums.1}}", want: "second: 2"},
		{name: "spaced braces", tmpl: "hello {{ name }}", want: "hello ada"},
		{name: "object stringified", tmpl: "u={{user}}", want: `u={"email":"ada@example.com"}`},
		{name: "missing path", tmpl: "{{nope.deep}}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Render(tt.tmpl, values)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveConfig_KeepsTypes(t *testing.T) {
	p := NewProcessor()
	values := map[string]any{
		"count":  float64(3),
		"labels": []any{"a", "b"},
	}

	config := map[string]any{
		"limit":   "{{count}}",
		"text":    "count is {{count}}",
		"nested":  map[string]any{"tags": "{{labels}}"},
		"listed":  []any{"{{count}}", "static"},
		"untouch": 42,
	}

	resolved, err := p.ResolveConfig(config, values)
	require.NoError(t, err)

	// bare placeholder keeps the original type
	assert.Equal(t, float64(3), resolved["limit"])
	assert.Equal(t, "count is 3", resolved["text"])
	assert.Equal(t, []any{"a", "b"}, resolved["nested"].(map[string]any)["tags"])
	assert.Equal(t, []any{float64(3), "static"}, resolved["listed"])
	assert.Equal(t, 42, resolved["untouch"])
}

func TestResolveConfig_MissingPathFails(t *testing.T) {
	p := NewProcessor()

	_, err := p.ResolveConfig(map[string]any{"x": "{{ghost}}"}, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}
