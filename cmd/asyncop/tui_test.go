package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/asyncop-go/bridge"
	"github.com/glimte/asyncop-go/contracts"
)

func update(t *testing.T, m callModel, msg tea.Msg) (callModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(callModel)
	require.True(t, ok)
	return model, cmd
}

func TestCallModelProgressNeverMovesBack(t *testing.T) {
	m := newCallModel("count", nil)
	assert.Contains(t, m.View(), "waiting for progress")

	m, _ = update(t, m, progressMsg(contracts.Progress{Proceed: 3, Total: 10}))
	m, _ = update(t, m, progressMsg(contracts.Progress{Proceed: 2, Total: 10}))

	assert.Equal(t, int64(3), m.current.Proceed)
	assert.Contains(t, m.View(), "progress 3/10 (30%)")
}

func TestCallModelSettles(t *testing.T) {
	m := newCallModel("count", nil)

	m, cmd := update(t, m, settledMsg{outcome: bridge.Outcome[json.RawMessage]{Value: json.RawMessage("10")}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.settled)
	assert.Contains(t, m.View(), "finished: 10")
}

func TestCallModelInvokeFailure(t *testing.T) {
	m := newCallModel("missing", nil)

	m, cmd := update(t, m, startedMsg{err: errors.New("unknown command")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.ErrorContains(t, m.err, "failed to invoke missing")
}

func TestCallModelInterruptBeforeStart(t *testing.T) {
	m := newCallModel("count", nil)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.ErrorIs(t, m.err, context.Canceled)
}
