package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Basic(t *testing.T) {
	e := NewEvaluator()

	tests := []struct {
		name      string
		expr      string
		inputs    any
		variables map[string]any
		want      bool
		wantErr   bool
	}{
		{
			name:   "inputs field",
			expr:   `inputs.score > 5`,
			inputs: map[string]any{"score": 7},
			want:   true,
		},
		{
			name:      "variables field",
			expr:      `variables.mode == "strict"`,
			variables: map[string]any{"mode": "strict"},
			want:      true,
		},
		{
			name:   "false branch",
			expr:   `inputs.done`,
			inputs: map[string]any{"done": false},
			want:   false,
		},
		{
			name:    "non-boolean result",
			expr:    `inputs.score + 1`,
			inputs:  map[string]any{"score": 1},
			wantErr: true,
		},
		{
			name:    "empty expression",
			expr:    "",
			wantErr: true,
		},
		{
			name:    "bad syntax",
			expr:    `inputs..`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, tt.inputs, tt.variables)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_CachesPrograms(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate(`inputs.x > 0`, map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	_, err = e.Evaluate(`inputs.x > 0`, map[string]any{"x": 2}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, e.CacheSize())

	e.ClearCache()
	assert.Equal(t, 0, e.CacheSize())
}
