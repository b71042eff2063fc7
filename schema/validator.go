package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidArgs is matched by every *InvalidArgsError
var ErrInvalidArgs = errors.New("schema: invalid arguments")

// ValidationResult represents the result of argument validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single violation
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Value   any    `json:"value,omitempty"`
}

// Error implements the error interface for ValidationError
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// InvalidArgsError lists every violation found in a command's arguments
type InvalidArgsError struct {
	Command string
	Errors  []ValidationError
}

func (e *InvalidArgsError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Command, strings.Join(msgs, "; "))
}

// Is lets errors.Is(err, ErrInvalidArgs) match
func (e *InvalidArgsError) Is(target error) bool {
	return target == ErrInvalidArgs
}

// Schema describes the arguments of one command
type Schema struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	PropertyDef
}

// PropertyDef defines validation rules for a value
type PropertyDef struct {
	Type        string                  `json:"type,omitempty"`
	Format      string                  `json:"format,omitempty"`
	Pattern     string                  `json:"pattern,omitempty"`
	MinLength   *int                    `json:"minLength,omitempty"`
	MaxLength   *int                    `json:"maxLength,omitempty"`
	Minimum     *float64                `json:"minimum,omitempty"`
	Maximum     *float64                `json:"maximum,omitempty"`
	Enum        []any                   `json:"enum,omitempty"`
	Description string                  `json:"description,omitempty"`
	Items       *PropertyDef            `json:"items,omitempty"`
	Properties  map[string]*PropertyDef `json:"properties,omitempty"`
	Required    []string                `json:"required,omitempty"`
}

// Float returns a pointer to f for Minimum and Maximum
func Float(f float64) *float64 { return &f }

// Int returns a pointer to n for MinLength and MaxLength
func Int(n int) *int { return &n }

// ArgsValidator holds the argument schemas of hosted commands
type ArgsValidator struct {
	schemas  map[string]*Schema
	patterns map[string]*regexp.Regexp
	mu       sync.RWMutex
}

// NewArgsValidator creates a validator without schemas
func NewArgsValidator() *ArgsValidator {
	return &ArgsValidator{
		schemas:  make(map[string]*Schema),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// RegisterSchema registers the schema for command. Patterns are compiled here
// so that a bad pattern fails registration rather than every invocation.
func (v *ArgsValidator) RegisterSchema(command string, schema *Schema) error {
	if command == "" {
		return errors.New("command cannot be empty")
	}
	if schema == nil {
		return errors.New("schema cannot be nil")
	}

	patterns := make(map[string]*regexp.Regexp)
	if err := collectPatterns(&schema.PropertyDef, patterns); err != nil {
		return fmt.Errorf("schema for %s: %w", command, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[command] = schema
	for p, re := range patterns {
		v.patterns[p] = re
	}
	return nil
}

// Schema returns the schema registered for command
func (v *ArgsValidator) Schema(command string) (*Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[command]
	return s, ok
}

// Validate checks args against the schema of command. Commands without a
// schema always pass.
func (v *ArgsValidator) Validate(_ context.Context, command string, args json.RawMessage) error {
	schema, ok := v.Schema(command)
	if !ok {
		return nil
	}

	result := v.ValidateWithSchema(args, schema)
	if !result.Valid {
		return &InvalidArgsError{Command: command, Errors: result.Errors}
	}
	return nil
}

// ValidateWithSchema validates args against schema
func (v *ArgsValidator) ValidateWithSchema(args json.RawMessage, schema *Schema) *ValidationResult {
	result := &ValidationResult{Valid: true}

	var value any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &value); err != nil {
			result.fail(ValidationError{
				Message: fmt.Sprintf("arguments are not valid JSON: %v", err),
				Code:    "INVALID_JSON",
			})
			return result
		}
	}

	if value == nil && schema.Type != "" {
		result.fail(ValidationError{
			Message: fmt.Sprintf("arguments are required (expected %s)", schema.Type),
			Code:    "REQUIRED_FIELD_MISSING",
		})
		return result
	}

	v.validateProperty("", value, &schema.PropertyDef, result)
	return result
}

func (r *ValidationResult) fail(ve ValidationError) {
	r.Valid = false
	r.Errors = append(r.Errors, ve)
}

func (v *ArgsValidator) validateProperty(fieldPath string, value any, def *PropertyDef, result *ValidationResult) {
	if value == nil {
		return
	}

	if def.Type != "" && !validateType(value, def.Type) {
		result.fail(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("expected type %s, got %s", def.Type, jsonType(value)),
			Code:    "TYPE_MISMATCH",
			Value:   value,
		})
		return
	}

	switch val := value.(type) {
	case string:
		validateString(fieldPath, val, def, result)
		v.validatePattern(fieldPath, val, def.Pattern, result)
		validateFormat(fieldPath, val, def.Format, result)
	case float64:
		validateNumber(fieldPath, val, def, result)
	case []any:
		if def.Items != nil {
			for i, item := range val {
				v.validateProperty(fmt.Sprintf("%s[%d]", fieldPath, i), item, def.Items, result)
			}
		}
	case map[string]any:
		v.validateObject(fieldPath, val, def, result)
	}

	if len(def.Enum) > 0 {
		validateEnum(fieldPath, value, def.Enum, result)
	}
}

func (v *ArgsValidator) validateObject(fieldPath string, data map[string]any, def *PropertyDef, result *ValidationResult) {
	for _, required := range def.Required {
		if _, exists := data[required]; !exists {
			result.fail(ValidationError{
				Field:   buildFieldPath(fieldPath, required),
				Message: "required field is missing",
				Code:    "REQUIRED_FIELD_MISSING",
			})
		}
	}

	for name, value := range data {
		if prop, exists := def.Properties[name]; exists {
			v.validateProperty(buildFieldPath(fieldPath, name), value, prop, result)
		}
	}
}

func validateType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func jsonType(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func validateString(fieldPath, value string, def *PropertyDef, result *ValidationResult) {
	if def.MinLength != nil && len(value) < *def.MinLength {
		result.fail(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length %d is less than minimum %d", len(value), *def.MinLength),
			Code:    "MIN_LENGTH_VIOLATION",
			Value:   value,
		})
	}
	if def.MaxLength != nil && len(value) > *def.MaxLength {
		result.fail(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length %d exceeds maximum %d", len(value), *def.MaxLength),
			Code:    "MAX_LENGTH_VIOLATION",
			Value:   value,
		})
	}
}

func validateNumber(fieldPath string, value float64, def *PropertyDef, result *ValidationResult) {
	if def.Minimum != nil && value < *def.Minimum {
		result.fail(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %v is less than minimum %v", value, *def.Minimum),
			Code:    "MINIMUM_VIOLATION",
			Value:   value,
		})
	}
	if def.Maximum != nil && value > *def.Maximum {
		result.fail(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %v exceeds maximum %v", value, *def.Maximum),
			Code:    "MAXIMUM_VIOLATION",
			Value:   value,
		})
	}
}

func validateEnum(fieldPath string, value any, enum []any, result *ValidationResult) {
	for _, allowed := range enum {
		if reflect.DeepEqual(value, normalize(allowed)) {
			return
		}
	}
	result.fail(ValidationError{
		Field:   fieldPath,
		Message: fmt.Sprintf("value is not in allowed enum values: %v", enum),
		Code:    "ENUM_VIOLATION",
		Value:   value,
	})
}

// normalize converts Go integers in enums to the float64 JSON decodes into
func normalize(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	}
	return v
}

func validateFormat(fieldPath, value, format string, result *ValidationResult) {
	var msg string
	switch format {
	case "uuid":
		if _, err := uuid.Parse(value); err != nil {
			msg = "invalid UUID format"
		}
	case "date":
		if _, err := time.Parse(time.DateOnly, value); err != nil {
			msg = "invalid date format (expected YYYY-MM-DD)"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			msg = "invalid date-time format (expected RFC 3339)"
		}
	case "duration":
		if _, err := time.ParseDuration(value); err != nil {
			msg = "invalid duration format"
		}
	default:
		return
	}

	if msg != "" {
		result.fail(ValidationError{
			Field:   fieldPath,
			Message: msg,
			Code:    "FORMAT_VIOLATION",
			Value:   value,
		})
	}
}

func (v *ArgsValidator) validatePattern(fieldPath, value, pattern string, result *ValidationResult) {
	if pattern == "" {
		return
	}

	v.mu.RLock()
	re := v.patterns[pattern]
	v.mu.RUnlock()
	if re == nil {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			result.fail(ValidationError{
				Field:   fieldPath,
				Message: fmt.Sprintf("invalid regex pattern: %s", pattern),
				Code:    "INVALID_PATTERN",
			})
			return
		}
	}

	if !re.MatchString(value) {
		result.fail(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value does not match pattern: %s", pattern),
			Code:    "PATTERN_VIOLATION",
			Value:   value,
		})
	}
}

func collectPatterns(def *PropertyDef, into map[string]*regexp.Regexp) error {
	if def == nil {
		return nil
	}
	if def.Pattern != "" {
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", def.Pattern, err)
		}
		into[def.Pattern] = re
	}
	if err := collectPatterns(def.Items, into); err != nil {
		return err
	}
	for _, prop := range def.Properties {
		if err := collectPatterns(prop, into); err != nil {
			return err
		}
	}
	return nil
}

func buildFieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}
