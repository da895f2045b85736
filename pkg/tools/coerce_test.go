package tools

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coerceTestDef() *Definition {
	return &Definition{
		Name: "demo",
		Params: []Param{
			{Name: "path", Type: ParamTypeString, Required: true},
			{Name: "count", Type: ParamTypeInteger},
			{Name: "ratio", Type: ParamTypeNumber},
			{Name: "force", Type: ParamTypeBoolean},
			{Name: "opts", Type: ParamTypeObject},
			{Name: "tags", Type: ParamTypeArray},
		},
		Handler: echoHandler,
	}
}

func TestCoerceArguments(t *testing.T) {
	logger := slog.Default()

	tests := []struct {
		name    string
		raw     map[string]any
		want    map[string]any
		wantErr string
	}{
		{
			name: "already typed values pass through",
			raw: map[string]any{
				"path":  "a.txt",
				"count": float64(3), // JSON numbers arrive as float64
				"force": true,
			},
			want: map[string]any{"path": "a.txt", "count": int64(3), "force": true},
		},
		{
			name: "string to number and bool conversions are explicit",
			raw: map[string]any{
				"path":  "a.txt",
				"count": "42",
				"ratio": "0.5",
				"force": "TRUE",
			},
			want: map[string]any{"path": "a.txt", "count": int64(42), "ratio": 0.5, "force": true},
		},
		{
			name: "unknown arguments are dropped",
			raw:  map[string]any{"path": "a.txt", "mystery": "x"},
			want: map[string]any{"path": "a.txt"},
		},
		{
			name:    "missing required argument fails",
			raw:     map[string]any{"count": "1"},
			wantErr: `missing required argument "path"`,
		},
		{
			name:    "fractional value rejected for integer",
			raw:     map[string]any{"path": "a.txt", "count": 1.5},
			wantErr: "not an integer",
		},
		{
			name:    "garbage boolean rejected",
			raw:     map[string]any{"path": "a.txt", "force": "yep"},
			wantErr: "invalid boolean",
		},
		{
			name: "object and array pass through",
			raw: map[string]any{
				"path": "a.txt",
				"opts": map[string]any{"a": float64(1)},
				"tags": []any{"x", "y"},
			},
			want: map[string]any{
				"path": "a.txt",
				"opts": map[string]any{"a": float64(1)},
				"tags": []any{"x", "y"},
			},
		},
		{
			name:    "scalar rejected for object",
			raw:     map[string]any{"path": "a.txt", "opts": "nope"},
			wantErr: "cannot convert string to object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceArguments(coerceTestDef(), tt.raw, logger)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceArguments_NumberToString(t *testing.T) {
	def := &Definition{
		Name:    "demo",
		Params:  []Param{{Name: "id", Type: ParamTypeString, Required: true}},
		Handler: echoHandler,
	}

	got, err := CoerceArguments(def, map[string]any{"id": float64(7)}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "7"}, got)
}
