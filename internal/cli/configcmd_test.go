package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCheck_YAML(t *testing.T) {
	ws := newWorkspace(t, "redis:\n  password: hunter2\n")

	out, err := ws.run(t, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "payout_threshold: 2")
	assert.Contains(t, out, "type: file")
	assert.Contains(t, out, `password: '********'`)
	assert.NotContains(t, out, "hunter2")
}

func TestConfigCheck_TOML(t *testing.T) {
	ws := newWorkspace(t, "")

	out, err := ws.run(t, "config", "check", "--as", "toml")
	require.NoError(t, err)
	assert.Contains(t, out, "[referral]")
	assert.Contains(t, out, "payout_threshold = 2")
}

func TestConfigCheck_EnvOverride(t *testing.T) {
	ws := newWorkspace(t, "")
	t.Setenv("REFERRA_REFERRAL_PAYOUT_THRESHOLD", "7")

	out, err := ws.run(t, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "payout_threshold: 7")
}

func TestConfigCheck_Invalid(t *testing.T) {
	ws := newWorkspace(t, "")
	t.Setenv("REFERRA_REFERRAL_PAYOUT_THRESHOLD", "0")

	out, err := ws.run(t, "config", "check")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E001]: invalid configuration")
}
