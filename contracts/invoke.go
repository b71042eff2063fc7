package contracts

import "encoding/json"

// InvokeRequest asks a command host to run Command on Channel
type InvokeRequest struct {
	Command string          `json:"command"`
	Channel string          `json:"channel"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// InvokeReply answers an InvokeRequest on the channel's immediate topic.
// Exactly one of Immediate and Error is set.
type InvokeReply struct {
	Immediate *RawImmediate `json:"immediate,omitempty"`
	Error     string        `json:"error,omitempty"`
}
