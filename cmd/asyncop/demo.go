package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/asyncop-go"
	"github.com/glimte/asyncop-go/commands"
	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/schema"
)

type countArgs struct {
	To         int `json:"to"`
	IntervalMs int `json:"interval_ms,omitempty"`
}

type failArgs struct {
	After   int    `json:"after"`
	Message string `json:"message,omitempty"`
}

// registerDemoCommands installs echo, count and fail on c
func registerDemoCommands(c *asyncop.Client) error {
	if err := c.HandleSync("echo", echoCommand); err != nil {
		return err
	}
	if err := c.Handle("count", countCommand); err != nil {
		return err
	}
	return c.Handle("fail", failCommand)
}

// demoValidator describes the arguments of count and fail
func demoValidator() *schema.ArgsValidator {
	v := schema.NewArgsValidator()
	_ = v.RegisterSchema("count", &schema.Schema{
		Name: "count",
		PropertyDef: schema.PropertyDef{
			Type:     "object",
			Required: []string{"to"},
			Properties: map[string]*schema.PropertyDef{
				"to":          {Type: "integer", Minimum: schema.Float(0)},
				"interval_ms": {Type: "integer", Minimum: schema.Float(0), Maximum: schema.Float(60000)},
			},
		},
	})
	_ = v.RegisterSchema("fail", &schema.Schema{
		Name: "fail",
		PropertyDef: schema.PropertyDef{
			Type: "object",
			Properties: map[string]*schema.PropertyDef{
				"after":   {Type: "integer", Minimum: schema.Float(0)},
				"message": {Type: "string", MaxLength: schema.Int(200)},
			},
		},
	})
	return v
}

func echoCommand(_ context.Context, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

// countCommand reports one progress event per step and returns the count
func countCommand(c *commands.Context, args json.RawMessage) (any, error) {
	var a countArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid count args: %w", err)
	}
	if a.To < 0 {
		return nil, errors.New("count: to must not be negative")
	}

	interval := time.Duration(a.IntervalMs) * time.Millisecond
	for i := 1; i <= a.To; i++ {
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-c.Context().Done():
				return nil, c.Context().Err()
			}
		} else if c.CancelRequested() {
			return nil, context.Canceled
		}

		p := contracts.Progress{Proceed: int64(i), Total: int64(a.To)}
		if err := c.Progress(p); err != nil {
			return nil, err
		}
	}
	return a.To, nil
}

// failCommand reports progress for a few steps and then fails
func failCommand(c *commands.Context, args json.RawMessage) (any, error) {
	var a failArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid fail args: %w", err)
	}
	if a.Message == "" {
		a.Message = "demo failure"
	}

	for i := 1; i <= a.After; i++ {
		if err := c.Progress(contracts.Progress{Proceed: int64(i), Message: "working"}); err != nil {
			return nil, err
		}
	}
	return nil, errors.New(a.Message)
}
