package commands

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCommand is returned when no handler is registered under a name
	ErrUnknownCommand = errors.New("commands: unknown command")

	// ErrChannelInUse is returned when an asynchronous command is already running
	// on the requested channel
	ErrChannelInUse = errors.New("commands: channel already in use")

	// ErrServerClosed is returned once the server has been closed
	ErrServerClosed = errors.New("commands: server is closed")

	// ErrCommandFinished is returned by Progress after the command has returned
	ErrCommandFinished = errors.New("commands: command already finished")

	// ErrInvokeTimeout is returned when a remote server does not answer in time
	ErrInvokeTimeout = errors.New("commands: timed out waiting for immediate reply")
)

// InvokeError is a failure to start a command reported by a remote server
type InvokeError struct {
	Command string
	Message string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("command %s failed to start: %s", e.Command, e.Message)
}
