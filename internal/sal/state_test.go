package sal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "STANDBY", StateStandby.String())
	assert.Equal(t, "DISABLED", StateDisabled.String())
	assert.Equal(t, "ENABLED", StateEnabled.String())
	assert.Equal(t, "FAULT", StateFault.String())
	assert.Equal(t, "OFFLINE", StateOffline.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestParseStateRoundTrip(t *testing.T) {
	for _, s := range []State{StateDisabled, StateEnabled, StateFault, StateOffline, StateStandby} {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseState("RUNNING")
	assert.Error(t, err)
}

func TestNextStateAllowed(t *testing.T) {
	tests := []struct {
		cmd  Command
		from State
		to   State
	}{
		{CommandStart, StateStandby, StateDisabled},
		{CommandEnable, StateDisabled, StateEnabled},
		{CommandDisable, StateEnabled, StateDisabled},
		{CommandStandby, StateDisabled, StateStandby},
		{CommandStandby, StateFault, StateStandby},
		{CommandExitControl, StateStandby, StateOffline},
	}

	for _, tt := range tests {
		next, err := NextState(tt.cmd, tt.from)
		require.NoError(t, err, "%s from %s", tt.cmd, tt.from)
		assert.Equal(t, tt.to, next)
	}
}

func TestNextStateRejected(t *testing.T) {
	tests := []struct {
		cmd  Command
		from State
	}{
		{CommandStart, StateEnabled},
		{CommandStart, StateDisabled},
		{CommandEnable, StateStandby},
		{CommandEnable, StateEnabled},
		{CommandDisable, StateDisabled},
		{CommandStandby, StateEnabled},
		{CommandStandby, StateStandby},
		{CommandExitControl, StateEnabled},
		{CommandExitControl, StateFault},
	}

	for _, tt := range tests {
		_, err := NextState(tt.cmd, tt.from)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s from %s should be rejected", tt.cmd, tt.from)
	}
}

func TestNextStateNonLifecycle(t *testing.T) {
	_, err := NextState(CommandOpen, StateEnabled)
	assert.Error(t, err)

	assert.False(t, IsLifecycleCommand(CommandOpen))
	assert.False(t, IsLifecycleCommand(CommandSetLogLevel))
	assert.True(t, IsLifecycleCommand(CommandStart))
	assert.True(t, IsLifecycleCommand(CommandExitControl))
}

func TestDisabledOrEnabled(t *testing.T) {
	assert.True(t, StateDisabled.DisabledOrEnabled())
	assert.True(t, StateEnabled.DisabledOrEnabled())
	assert.False(t, StateStandby.DisabledOrEnabled())
	assert.False(t, StateFault.DisabledOrEnabled())
	assert.False(t, StateOffline.DisabledOrEnabled())
}
