package commands

import (
	"context"
	"sync/atomic"

	"github.com/glimte/asyncop-go/contracts"
)

// Context is handed to an asynchronous command for the duration of its run
type Context struct {
	ctx     context.Context
	cancel  context.CancelFunc
	command string
	channel string
	server  *Server

	cancelRequested atomic.Bool
	finished        atomic.Bool
}

// Context is cancelled when a cancel request arrives for the channel or the
// server is closed
func (c *Context) Context() context.Context {
	return c.ctx
}

// Channel returns the channel the command reports on
func (c *Context) Channel() string {
	return c.channel
}

// Command returns the name the command was invoked under
func (c *Context) Command() string {
	return c.command
}

// CancelRequested reports whether the caller asked the command to stop
func (c *Context) CancelRequested() bool {
	return c.cancelRequested.Load()
}

// Progress publishes p on the channel's progress topic
func (c *Context) Progress(p any) error {
	if c.finished.Load() {
		return ErrCommandFinished
	}
	return c.server.emit(contracts.ProgressTopic(c.channel), p)
}

func (c *Context) requestCancel() {
	if c.cancelRequested.CompareAndSwap(false, true) {
		c.server.logger.Debug("cancel requested", "command", c.command, "channel", c.channel)
		c.cancel()
	}
}

func (c *Context) markFinished() {
	c.finished.Store(true)
}
