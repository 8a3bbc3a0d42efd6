package session

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/spatial.session/internal/spatial/errs"
)

func TestNext_Table(t *testing.T) {
	t.Parallel()

	type want struct {
		to  State
		err error
	}
	table := map[State]map[Command]want{
		StateIdle: {
			CmdStart:     {StateRunning, nil},
			CmdPause:     {StateIdle, errs.ErrInvalidTransition},
			CmdStop:      {StateIdle, nil},
			CmdReset:     {StateIdle, nil},
			CmdInterrupt: {StateIdle, errs.ErrInvalidTransition},
		},
		StateRunning: {
			CmdStart:     {StateRunning, nil},
			CmdPause:     {StatePaused, nil},
			CmdStop:      {StateIdle, nil},
			CmdReset:     {StateRunning, nil},
			CmdInterrupt: {StateInterrupted, nil},
		},
		StatePaused: {
			CmdStart:     {StateRunning, nil},
			CmdPause:     {StatePaused, errs.ErrInvalidTransition},
			CmdStop:      {StateIdle, nil},
			CmdReset:     {StatePaused, nil},
			CmdInterrupt: {StatePaused, errs.ErrInvalidTransition},
		},
		StateInterrupted: {
			CmdStart:     {StateRunning, nil},
			CmdPause:     {StateInterrupted, errs.ErrInvalidTransition},
			CmdStop:      {StateIdle, nil},
			CmdReset:     {StateIdle, nil},
			CmdInterrupt: {StateInterrupted, nil},
		},
		StateFailed: {
			CmdStart:     {StateFailed, errs.ErrSessionFailed},
			CmdPause:     {StateFailed, errs.ErrInvalidTransition},
			CmdStop:      {StateFailed, errs.ErrInvalidTransition},
			CmdReset:     {StateIdle, nil},
			CmdInterrupt: {StateFailed, errs.ErrInvalidTransition},
		},
	}
	for from, row := range table {
		for cmd, w := range row {
			got, err := Next(from, cmd)
			assert.Equal(t, w.to, got, "%s from %s", cmd, from)
			if w.err == nil {
				assert.NoError(t, err, "%s from %s", cmd, from)
			} else {
				assert.ErrorIs(t, err, w.err, "%s from %s", cmd, from)
			}
		}
	}
}

func TestController_CommandSequencesFollowTable(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	cmds := []Command{CmdStart, CmdPause, CmdStop, CmdReset, CmdInterrupt}
	for run := 0; run < 20; run++ {
		c := newController(t, Options{})
		model := StateIdle
		for step := 0; step < 40; step++ {
			cmd := cmds[rng.Intn(len(cmds))]
			want, wantErr := Next(model, cmd)
			err := apply(c, cmd)
			if wantErr != nil {
				require.Error(t, err, "run %d step %d: %s from %s", run, step, cmd, model)
				require.True(t, errors.Is(err, errs.ErrInvalidTransition) || errors.Is(err, errs.ErrSessionFailed))
			} else {
				require.NoError(t, err, "run %d step %d: %s from %s", run, step, cmd, model)
			}
			model = want
			require.Equal(t, model, c.State(), "run %d step %d after %s", run, step, cmd)
		}
	}
}

func apply(c *Controller, cmd Command) error {
	switch cmd {
	case CmdStart:
		return c.Start()
	case CmdPause:
		return c.Pause()
	case CmdStop:
		return c.Stop()
	case CmdReset:
		return c.Reset()
	default:
		return c.Interrupt()
	}
}

func TestStateStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "interrupted", StateInterrupted.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.Equal(t, "reset", CmdReset.String())
	assert.Equal(t, "configured", EventConfigured.String())
}
