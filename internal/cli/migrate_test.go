package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store/bolt"
	"github.com/roach88/referra/internal/testutil"
)

func TestMigrate_FileToBolt(t *testing.T) {
	ws := newWorkspace(t, "")
	ws.seed(t, leaderboard(), map[referral.UserID]string{"a1": "10.0.0.1", "b1": "10.0.0.2"})

	out, err := ws.run(t, "migrate", "--to", "bolt")
	require.NoError(t, err)
	assert.Equal(t, "Migrated file -> bolt: 5 records, 1 first engagements, 2 addresses.\n", out)

	ctx := context.Background()
	b := bolt.New(filepath.Join(ws.dir, "referrals.bolt"), nil)
	require.NoError(t, b.Initialize(ctx))
	defer b.Close()
	snap, err := b.LoadAll(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Records, 5)
	assert.Equal(t, referral.UserID("alice"), snap.Records[0].ID)
	assert.Equal(t, []referral.UserID{"a1", "a2", "a3"}, snap.Records[0].Referred())
	assert.Equal(t, referral.UserID("alice"), snap.ReferredBy["a2"])
	assert.Equal(t, "10.0.0.2", snap.Addresses["b1"])
	assert.True(t, snap.FirstEngagement["a1"].Equal(testutil.Epoch))
}

func TestMigrate_Errors(t *testing.T) {
	ws := newWorkspace(t, "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"same kind", []string{"migrate", "--to", "yaml"}, "source and destination are both file"},
		{"unknown kind", []string{"migrate", "--to", "mongo"}, "invalid destination"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ws.run(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, tt.want)
		})
	}

	_, err := ws.run(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
