package schema

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/asyncop-go/interceptors"
)

func countSchema() *Schema {
	return &Schema{
		Name: "count",
		PropertyDef: PropertyDef{
			Type:     "object",
			Required: []string{"to"},
			Properties: map[string]*PropertyDef{
				"to":          {Type: "integer", Minimum: Float(0), Maximum: Float(1000)},
				"interval_ms": {Type: "integer", Minimum: Float(0)},
				"label":       {Type: "string", MinLength: Int(1), MaxLength: Int(8), Pattern: `^[a-z]+$`},
				"mode":        {Enum: []any{"fast", "slow", 3}},
				"id":          {Type: "string", Format: "uuid"},
				"tags":        {Type: "array", Items: &PropertyDef{Type: "string"}},
			},
		},
	}
}

func newValidator(t *testing.T) *ArgsValidator {
	t.Helper()
	v := NewArgsValidator()
	require.NoError(t, v.RegisterSchema("count", countSchema()))
	return v
}

func TestRegisterSchema(t *testing.T) {
	v := NewArgsValidator()
	assert.Error(t, v.RegisterSchema("", countSchema()))
	assert.Error(t, v.RegisterSchema("count", nil))

	bad := &Schema{PropertyDef: PropertyDef{Type: "string", Pattern: "("}}
	assert.Error(t, v.RegisterSchema("bad", bad))

	require.NoError(t, v.RegisterSchema("count", countSchema()))
	s, ok := v.Schema("count")
	assert.True(t, ok)
	assert.Equal(t, "count", s.Name)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	v := newValidator(t)

	tests := []struct {
		name  string
		args  string
		codes []string
	}{
		{"valid", `{"to": 5, "interval_ms": 10}`, nil},
		{"valid with optional fields", `{"to": 5, "label": "abc", "mode": 3, "id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "tags": ["a"]}`, nil},
		{"missing required", `{"interval_ms": 10}`, []string{"REQUIRED_FIELD_MISSING"}},
		{"null args", `null`, []string{"REQUIRED_FIELD_MISSING"}},
		{"wrong root type", `"five"`, []string{"TYPE_MISMATCH"}},
		{"not an integer", `{"to": 1.5}`, []string{"TYPE_MISMATCH"}},
		{"below minimum", `{"to": -1}`, []string{"MINIMUM_VIOLATION"}},
		{"above maximum", `{"to": 1001}`, []string{"MAXIMUM_VIOLATION"}},
		{"too long and pattern", `{"to": 1, "label": "ABCDEFGHIJ"}`, []string{"MAX_LENGTH_VIOLATION", "PATTERN_VIOLATION"}},
		{"enum", `{"to": 1, "mode": "medium"}`, []string{"ENUM_VIOLATION"}},
		{"format", `{"to": 1, "id": "nope"}`, []string{"FORMAT_VIOLATION"}},
		{"array items", `{"to": 1, "tags": ["a", 2]}`, []string{"TYPE_MISMATCH"}},
		{"invalid json", `{"to":`, []string{"INVALID_JSON"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(ctx, "count", json.RawMessage(tt.args))
			if len(tt.codes) == 0 {
				assert.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, ErrInvalidArgs)
			var invalid *InvalidArgsError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, "count", invalid.Command)

			var codes []string
			for _, ve := range invalid.Errors {
				codes = append(codes, ve.Code)
			}
			assert.ElementsMatch(t, tt.codes, codes)
		})
	}
}

func TestValidateWithoutSchema(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.Validate(context.Background(), "echo", json.RawMessage(`{"anything": true}`)))
}

func TestInterceptor(t *testing.T) {
	v := newValidator(t)
	chain := interceptors.NewChain(NewInterceptor(v))

	ran := false
	final := func(context.Context, interceptors.Invocation) (any, error) {
		ran = true
		return nil, nil
	}

	_, err := chain.Execute(context.Background(), interceptors.Invocation{Command: "count", Args: json.RawMessage(`{"to": -3}`)}, final)
	assert.ErrorIs(t, err, ErrInvalidArgs)
	assert.ErrorContains(t, err, "invalid arguments for count")
	assert.False(t, ran)

	_, err = chain.Execute(context.Background(), interceptors.Invocation{Command: "count", Args: json.RawMessage(`{"to": 3}`)}, final)
	require.NoError(t, err)
	assert.True(t, ran)
}
