package bridge

import (
	"encoding/json"
	"errors"
)

// RemoteError carries the value of a Failed terminal event as sent by the
// remote side
type RemoteError struct {
	Value json.RawMessage
}

// Message returns the failure value as text. String values are unquoted; any
// other JSON is returned as is.
func (e *RemoteError) Message() string {
	var s string
	if err := json.Unmarshal(e.Value, &s); err == nil {
		return s
	}
	return string(e.Value)
}

func (e *RemoteError) Error() string {
	return e.Message()
}

// Decode unmarshals the failure value into v
func (e *RemoteError) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

// IsRemoteError reports whether err carries a remote failure
func IsRemoteError(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}
