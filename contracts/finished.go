package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FinishedType tags the terminal event of a channel
type FinishedType string

const (
	FinishedSuccess FinishedType = "Success"
	FinishedFailed  FinishedType = "Failed"
)

// CancelledValue is the success value reporting that the remote side honoured a
// cancellation request
const CancelledValue = "cancelled"

var cancelledJSON = []byte(`"` + CancelledValue + `"`)

// Finished is the payload published on a channel's finished topic
type Finished struct {
	Type  FinishedType    `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Succeeded builds a successful terminal event carrying value
func Succeeded(value any) (Finished, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return Finished{}, fmt.Errorf("failed to marshal success value: %w", err)
	}
	return Finished{Type: FinishedSuccess, Value: body}, nil
}

// FailedWith builds a failed terminal event carrying value
func FailedWith(value any) (Finished, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return Finished{}, fmt.Errorf("failed to marshal failure value: %w", err)
	}
	return Finished{Type: FinishedFailed, Value: body}, nil
}

// CancelledFinish builds the successful terminal event for an honoured cancellation
func CancelledFinish() Finished {
	return Finished{Type: FinishedSuccess, Value: json.RawMessage(cancelledJSON)}
}

// IsCancelled reports whether f is a success carrying the cancelled sentinel
func (f Finished) IsCancelled() bool {
	return f.Type == FinishedSuccess && IsCancelledValue(f.Value)
}

// IsCancelledValue reports whether raw is the JSON string "cancelled"
func IsCancelledValue(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), cancelledJSON)
}
