package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store/yamlfile"
)

func startServe(t *testing.T, ws *workspace) (baseURL string, stop func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: ws.config},
		Listener:    ln,
		Ready:       make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	select {
	case <-opts.Ready:
	case err := <-done:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("serve did not become ready")
	}

	var stopped bool
	stop = func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(20 * time.Second):
			t.Fatal("serve did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return "http://" + ln.Addr().String(), stop
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestServe_PersistsOnShutdown(t *testing.T) {
	ws := newWorkspace(t, "")
	base, stop := startServe(t, ws)

	resp, body := post(t, base+"/v1/referrals", `{"referrer_id":"alice","referred_id":"bob"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", body["outcome"])

	require.NoError(t, stop())

	ctx := context.Background()
	b := yamlfile.New(ws.filePath())
	require.NoError(t, b.Initialize(ctx))
	defer b.Close()
	snap, err := b.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	alice, bob := snap.Records[0], snap.Records[1]
	assert.Equal(t, referral.UserID("alice"), alice.ID)
	assert.Contains(t, alice.Pending, referral.UserID("bob"))
	assert.Equal(t, referral.UserID("bob"), bob.ID)
	assert.Equal(t, referral.UserID("alice"), bob.ReferredBy)
	assert.Equal(t, referral.UserID("alice"), snap.ReferredBy["bob"])
}

func TestServe_ReloadEndpointPicksUpConfigChanges(t *testing.T) {
	ws := newWorkspace(t, "")
	base, _ := startServe(t, ws)

	resp, body := post(t, base+"/v1/users/alice/claim", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, float64(2), body["required"])

	data, err := os.ReadFile(ws.config)
	require.NoError(t, err)
	updated := strings.Replace(string(data), "payout_threshold: 2", "payout_threshold: 5", 1)
	require.NoError(t, os.WriteFile(ws.config, []byte(updated), 0o644))

	resp, _ = post(t, base+"/v1/admin/reload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = post(t, base+"/v1/users/alice/claim", "")
	assert.Equal(t, float64(5), body["required"])
}

func TestServe_BadConfig(t *testing.T) {
	ws := newWorkspace(t, "http:\n  persist_wait_ms: -1\n")

	_, err := ws.run(t, "serve")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
