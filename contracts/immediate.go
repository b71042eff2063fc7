package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ImmediateType tags the shape returned by the initiating call of an operation
type ImmediateType string

const (
	// ImmediateResult means the operation completed within the initiating call
	ImmediateResult ImmediateType = "Result"
	// ImmediateStarted means the operation runs on and will publish a terminal event
	ImmediateStarted ImmediateType = "Started"
	// ImmediateUnusedProgress carries a progress value produced before the caller
	// could observe the progress topic; the operation still publishes a terminal event
	ImmediateUnusedProgress ImmediateType = "UnusedProgress"
)

// ErrUnknownImmediate is returned for an immediate shape with an unrecognised tag
var ErrUnknownImmediate = errors.New("contracts: unknown immediate type")

// Immediate is the typed return of an operation's initiating call
type Immediate[R, P any] struct {
	Type     ImmediateType
	Value    R
	Progress P
}

// ResultOf builds the fast-path shape carrying the final value
func ResultOf[R, P any](value R) Immediate[R, P] {
	return Immediate[R, P]{Type: ImmediateResult, Value: value}
}

// StartedImmediate builds the shape for an operation that finishes later
func StartedImmediate[R, P any]() Immediate[R, P] {
	return Immediate[R, P]{Type: ImmediateStarted}
}

// UnusedProgressOf builds the shape carrying an early progress value
func UnusedProgressOf[R, P any](progress P) Immediate[R, P] {
	return Immediate[R, P]{Type: ImmediateUnusedProgress, Progress: progress}
}

// RawImmediate is the transport form of Immediate
type RawImmediate struct {
	Type     ImmediateType   `json:"type"`
	Value    json.RawMessage `json:"value,omitempty"`
	Progress json.RawMessage `json:"progress,omitempty"`
}

// RawResult builds a RawImmediate of type Result from value
func RawResult(value any) (RawImmediate, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return RawImmediate{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return RawImmediate{Type: ImmediateResult, Value: body}, nil
}

// RawStarted builds a RawImmediate of type Started
func RawStarted() RawImmediate {
	return RawImmediate{Type: ImmediateStarted}
}

// DecodeImmediate converts a RawImmediate into its typed form
func DecodeImmediate[R, P any](raw RawImmediate) (Immediate[R, P], error) {
	imm := Immediate[R, P]{Type: raw.Type}

	switch raw.Type {
	case ImmediateResult:
		if err := DecodeValue(raw.Value, &imm.Value); err != nil {
			return imm, fmt.Errorf("failed to decode result value: %w", err)
		}
	case ImmediateStarted:
	case ImmediateUnusedProgress:
		if err := DecodeValue(raw.Progress, &imm.Progress); err != nil {
			return imm, fmt.Errorf("failed to decode early progress: %w", err)
		}
	default:
		return imm, fmt.Errorf("%w: %q", ErrUnknownImmediate, raw.Type)
	}

	return imm, nil
}

// DecodeValue unmarshals body into v, leaving v untouched for an absent or null body
func DecodeValue(body json.RawMessage, v any) error {
	if len(body) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return nil
	}
	return json.Unmarshal(body, v)
}
