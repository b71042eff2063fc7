package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/glimte/asyncop-go"
	"github.com/glimte/asyncop-go/bridge"
	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/interceptors"
	"github.com/glimte/asyncop-go/internal/config"
	"github.com/glimte/asyncop-go/schema"
)

type callOptions struct {
	args  string
	plain bool
}

func newCallCmd(a *app) *cobra.Command {
	var opts callOptions

	cmd := &cobra.Command{
		Use:   "call <command>",
		Short: "Invoke a command and follow its progress",
		Long: `call invokes a command and renders its progress until it settles.
Ctrl-C asks the command to stop; a second Ctrl-C quits without waiting.

With the memory transport the demo commands run in this process. Otherwise
they must be hosted by "asyncop serve" on the same bus.`,
		Example: `  asyncop call count --args '{"to": 20, "interval_ms": 200}'
  asyncop call echo --args '"hello"' --transport redis`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.args, "args", "null", "command arguments as JSON")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "print progress lines instead of the progress bar")
	return cmd
}

func (a *app) call(ctx context.Context, name string, opts callOptions, out io.Writer) error {
	if !json.Valid([]byte(opts.args)) {
		return fmt.Errorf("--args is not valid JSON: %s", opts.args)
	}
	args := json.RawMessage(opts.args)

	client, err := asyncop.NewClientFromConfig(a.cfg,
		asyncop.WithLogger(a.logger),
		asyncop.WithInterceptors(interceptors.NewChain(schema.NewInterceptor(demoValidator()))),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	var op bridge.Operation[json.RawMessage, json.RawMessage, contracts.Progress]
	if a.cfg.Transport == config.TransportMemory {
		if err := registerDemoCommands(client); err != nil {
			return err
		}
		op = asyncop.Local[json.RawMessage, json.RawMessage, contracts.Progress](client, name)
	} else {
		op = asyncop.Remote[json.RawMessage, json.RawMessage, contracts.Progress](client, name)
	}

	if opts.plain {
		return callPlain(ctx, client, name, op, args, out)
	}
	return callInteractive(ctx, client, name, op, args, out)
}

func callPlain(ctx context.Context, client *asyncop.Client, name string, op bridge.Operation[json.RawMessage, json.RawMessage, contracts.Progress], args json.RawMessage, out io.Writer) error {
	furthest := bridge.NewMaxProgress(func(p contracts.Progress) int64 { return p.Proceed })

	call, err := asyncop.Invoke(ctx, client, op, args, func(p contracts.Progress) {
		if p, ok := furthest.Observe(p); ok {
			fmt.Fprintln(out, formatProgress(p))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to invoke %s: %w", name, err)
	}

	interrupt := make(chan os.Signal, 2)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	cancelling := false
	for {
		select {
		case <-call.Done():
			outcome, err := call.Wait(ctx)
			fmt.Fprintln(out, formatOutcome(outcome, err))
			return err
		case <-interrupt:
			if cancelling {
				return context.Canceled
			}
			cancelling = true
			fmt.Fprintln(out, "cancelling...")
			call.Cancel()
		case <-ctx.Done():
			call.Cancel()
			return ctx.Err()
		}
	}
}

func callInteractive(ctx context.Context, client *asyncop.Client, name string, op bridge.Operation[json.RawMessage, json.RawMessage, contracts.Progress], args json.RawMessage, out io.Writer) error {
	s := &session{}
	start := func() (*bridge.Call[json.RawMessage], error) {
		return asyncop.Invoke(ctx, client, op, args, s.progress)
	}

	m := newCallModel(name, start)
	p := tea.NewProgram(m, tea.WithOutput(out), tea.WithContext(ctx))
	s.program = p

	final, err := p.Run()
	if err != nil {
		return err
	}
	return final.(callModel).err
}

func formatProgress(p contracts.Progress) string {
	line := fmt.Sprintf("progress %d", p.Proceed)
	if p.Total > 0 {
		line = fmt.Sprintf("progress %d/%d (%.0f%%)", p.Proceed, p.Total, p.Fraction()*100)
	}
	if p.Message != "" {
		line += " " + p.Message
	}
	return line
}

func formatOutcome(outcome bridge.Outcome[json.RawMessage], err error) string {
	switch {
	case err != nil:
		return "failed: " + err.Error()
	case outcome.Cancelled:
		return "cancelled"
	case len(outcome.Value) == 0:
		return "finished"
	default:
		return "finished: " + string(outcome.Value)
	}
}
