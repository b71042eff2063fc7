package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/glimte/asyncop-go/bridge"
	"github.com/glimte/asyncop-go/contracts"
)

const (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

// session forwards progress from the bus into the running program
type session struct {
	program *tea.Program
}

func (s *session) progress(p contracts.Progress) {
	if s.program != nil {
		s.program.Send(progressMsg(p))
	}
}

type startedMsg struct {
	call *bridge.Call[json.RawMessage]
	err  error
}

type progressMsg contracts.Progress

type settledMsg struct {
	outcome bridge.Outcome[json.RawMessage]
	err     error
}

type callModel struct {
	name  string
	start func() (*bridge.Call[json.RawMessage], error)
	call  *bridge.Call[json.RawMessage]

	furthest *bridge.MaxProgress[contracts.Progress]
	current  contracts.Progress
	seen     bool

	bar     progress.Model
	spinner spinner.Model

	cancelling bool
	settled    bool
	outcome    bridge.Outcome[json.RawMessage]
	err        error
}

func newCallModel(name string, start func() (*bridge.Call[json.RawMessage], error)) callModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return callModel{
		name:     name,
		start:    start,
		furthest: bridge.NewMaxProgress(func(p contracts.Progress) int64 { return p.Proceed }),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:  sp,
	}
}

func (m callModel) Init() tea.Cmd {
	start := m.start
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		call, err := start()
		return startedMsg{call: call, err: err}
	})
}

func (m callModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-4, 60)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m.interrupt()
		}
		return m, nil

	case startedMsg:
		if msg.err != nil {
			m.settled = true
			m.err = fmt.Errorf("failed to invoke %s: %w", m.name, msg.err)
			return m, tea.Quit
		}
		m.call = msg.call
		return m, waitFor(msg.call)

	case progressMsg:
		p, ok := m.furthest.Observe(contracts.Progress(msg))
		if !ok {
			return m, nil
		}
		m.current = p
		m.seen = true
		if p.Total > 0 {
			return m, m.bar.SetPercent(p.Fraction())
		}
		return m, nil

	case settledMsg:
		m.settled = true
		m.outcome = msg.outcome
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		pm, cmd := m.bar.Update(msg)
		m.bar = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

// interrupt asks the command to stop on the first key press and quits on the
// second
func (m callModel) interrupt() (tea.Model, tea.Cmd) {
	if m.settled {
		return m, tea.Quit
	}
	if m.call == nil || m.cancelling {
		m.err = context.Canceled
		return m, tea.Quit
	}

	m.cancelling = true
	call := m.call
	return m, func() tea.Msg {
		call.Cancel()
		return nil
	}
}

func waitFor(call *bridge.Call[json.RawMessage]) tea.Cmd {
	return func() tea.Msg {
		outcome, err := call.Wait(context.Background())
		return settledMsg{outcome: outcome, err: err}
	}
}

func (m callModel) View() string {
	var b strings.Builder

	if m.settled {
		b.WriteString(titleStyle.Render(m.name) + " ")
		switch {
		case m.err != nil:
			b.WriteString(errorStyle.Render(formatOutcome(m.outcome, m.err)))
		case m.outcome.Cancelled:
			b.WriteString(warningStyle.Render(formatOutcome(m.outcome, nil)))
		default:
			b.WriteString(successStyle.Render(formatOutcome(m.outcome, nil)))
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.spinner.View() + " " + titleStyle.Render(m.name))
	if m.cancelling {
		b.WriteString(" " + warningStyle.Render("cancelling"))
	}
	b.WriteString("\n\n")

	switch {
	case m.seen && m.current.Total > 0:
		b.WriteString(m.bar.View() + "\n")
		b.WriteString(helpStyle.Render(formatProgress(m.current)) + "\n")
	case m.seen:
		b.WriteString(helpStyle.Render(formatProgress(m.current)) + "\n")
	default:
		b.WriteString(helpStyle.Render("waiting for progress...") + "\n")
	}

	b.WriteString("\n" + helpStyle.Render("ctrl+c: cancel • ctrl+c twice: quit") + "\n")
	return b.String()
}
