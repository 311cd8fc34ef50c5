package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store/yamlfile"
	"github.com/roach88/referra/internal/testutil"
)

// workspace is a temp directory with a config file pointing every backend
// inside it.
type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T, extra string) *workspace {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`referral:
  payout_threshold: 2
database:
  type: file
  file:
    path: %s
  sqlite:
    path: %s
  bolt:
    path: %s
log:
  level: error
%s`, filepath.Join(dir, "referrals.yml"), filepath.Join(dir, "referrals.db"), filepath.Join(dir, "referrals.bolt"), extra)
	path := filepath.Join(dir, "referra.yml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &workspace{dir: dir, config: path}
}

func (w *workspace) filePath() string {
	return filepath.Join(w.dir, "referrals.yml")
}

// run executes the CLI with the workspace config and returns stdout.
func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--config", w.config}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

// seed writes records, first engagements and addresses straight into the
// workspace's file backend.
func (w *workspace) seed(t *testing.T, recs []referral.Record, addresses map[referral.UserID]string) {
	t.Helper()
	ctx := context.Background()
	b := yamlfile.New(w.filePath())
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.SaveAll(ctx, recs))
	for id, addr := range addresses {
		require.NoError(t, b.SaveAddress(ctx, id, addr))
	}
	require.NoError(t, b.SaveFirstEngagement(ctx, "a1", testutil.Epoch))
	require.NoError(t, b.Close())
}

// record builds a record with n confirmed referrals named <id>1..<id>n whose
// confirmation sequences start at firstSeq.
func record(id, name string, seq int64, n int, firstSeq int64) referral.Record {
	rec := referral.NewRecord(referral.UserID(id), name, seq)
	for i := 0; i < n; i++ {
		rec.Confirmed = append(rec.Confirmed, referral.ConfirmedReferral{
			User:        referral.UserID(fmt.Sprintf("%s%d", id[:1], i+1)),
			Seq:         firstSeq + int64(i),
			ConfirmedAt: testutil.Epoch.Add(time.Duration(i) * time.Hour),
		})
	}
	return *rec
}

func leaderboard() []referral.Record {
	return []referral.Record{
		record("alice", "Alice", 1, 3, 10),
		record("bob", "Bob", 2, 1, 13),
		record("carol", referral.PlaceholderName, 3, 5, 14),
		record("dave", "Dave", 4, 0, 0),
		record("erin", "Erin", 5, 3, 19),
	}
}
