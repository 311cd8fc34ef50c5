package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/referra/internal/app"
	"github.com/roach88/referra/internal/config"
	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/store"
	"github.com/roach88/referra/internal/testutil"
)

type harness struct {
	app     *app.App
	backend *testutil.MemBackend
	server  *httptest.Server
	reloads int
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Referral.RequiredEngagementHours = 1
	cfg.Referral.PayoutThreshold = 2
	cfg.HTTP.PersistWaitMS = 1000
	cfg.HTTP.ReferralRatePerMinute = 600
	cfg.HTTP.ReferralBurst = 100
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{backend: testutil.NewMemBackend(store.KindSQLite)}
	a, err := app.Open(context.Background(), cfg, logger, app.WithBackend(h.backend))
	require.NoError(t, err)
	h.app = a
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	srv := New(Config{
		Ledger:   a.Ledger,
		Sessions: a,
		Reload: func(ctx context.Context) error {
			h.reloads++
			if h.reloads > 1 {
				return errors.New("bad config")
			}
			return nil
		},
		Metrics:               a.Metrics,
		Logger:                logger,
		PersistWait:           cfg.PersistWait(),
		ReferralRatePerMinute: cfg.HTTP.ReferralRatePerMinute,
		ReferralBurst:         cfg.HTTP.ReferralBurst,
	})
	h.server = httptest.NewServer(srv.Handler())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReferralLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "alice", "name": "Alice", "address": "10.0.0.1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "alice", "referred_id": "bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "created", body["outcome"])
	assert.NotContains(t, body, "warning")

	resp, body = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "bob", "name": "Bob", "address": "10.0.0.2", "engagement_seconds": 1800})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["referrer"])
	assert.Equal(t, true, body["pending"])
	assert.Equal(t, false, body["confirmed"])

	resp, _ = h.do(t, http.MethodPut, "/v1/sessions/bob", map[string]any{"engagement_seconds": 7200})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, h.app.Scheduler.Sweep())

	resp, body = h.do(t, http.MethodGet, "/v1/users/alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Alice", body["name"])
	assert.Equal(t, float64(1), body["confirmed_count"])
	assert.Equal(t, float64(0), body["pending_count"])

	resp, body = h.do(t, http.MethodGet, "/v1/users/bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["referred_by"])
	assert.NotZero(t, body["first_engagement"])

	resp, _ = h.do(t, http.MethodDelete, "/v1/sessions/bob", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, "/v1/sessions/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddReferral_Outcomes(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "alice", "referred_id": "bob"})
	_, _ = h.do(t, http.MethodPut, "/v1/users/carol/enabled", map[string]any{"enabled": false})
	_, _ = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "dave", "address": "10.9.9.9"})
	_, _ = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "erin", "address": "10.9.9.9"})

	tests := []struct {
		referrer, referred string
		status             int
		outcome            string
		message            string
	}{
		{"alice", "alice", http.StatusUnprocessableEntity, "self_referral", "You cannot refer yourself!"},
		{"carol", "bob", http.StatusConflict, "already_referred", "You have already been referred by someone!"},
		{"carol", "frank", http.StatusForbidden, "referrer_disabled", ledger.ReferrerDisabled.Message()},
		{"dave", "erin", http.StatusForbidden, "anti_abuse_blocked", ledger.AntiAbuseBlocked.Message()},
	}
	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": tt.referrer, "referred_id": tt.referred})
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tt.outcome, body["outcome"])
			assert.Equal(t, tt.message, body["message"])
		})
	}
}

func TestAddReferral_BadRequests(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "a", "referred_id": "b", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddReferral_PersistFailureWarns(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.Fail("save_record", errors.New("disk on fire"))

	resp, body := h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "alice", "referred_id": "bob"})

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, ledger.RetryMessage, body["warning"])
	assert.NotContains(t, body["warning"], "disk on fire")
	_, ok := h.app.Ledger.Lookup("alice")
	assert.True(t, ok)
}

func TestClaim(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Referral.RequiredEngagementHours = 0 })
	for _, id := range []string{"u1", "u2", "u3"} {
		_, _ = h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "alice", "referred_id": id})
		_, _ = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": id})
	}

	resp, body := h.do(t, http.MethodPost, "/v1/users/alice/claim", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["claimed"])
	assert.Equal(t, []any{"u1", "u2"}, body["consumed"])
	assert.Equal(t, float64(1), body["remaining"])

	resp, body = h.do(t, http.MethodPost, "/v1/users/alice/claim", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["claimed"])
	assert.Equal(t, float64(2), body["required"])
}

func TestClaim_UnknownUser(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/v1/users/ghost/claim", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "user not found", body["error"])

	resp, _ = h.do(t, http.MethodGet, "/v1/users/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "a rejected claim creates no record")
}

func TestTop(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Referral.RequiredEngagementHours = 0 })
	_, _ = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "alice", "name": "Alice"})
	_, _ = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "bob", "name": "Bob"})
	for _, id := range []string{"x1", "x2"} {
		_, _ = h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "bob", "referred_id": id})
		_, _ = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": id})
	}

	req, err := http.Get(h.server.URL + "/v1/top?limit=1")
	require.NoError(t, err)
	defer req.Body.Close()
	var entries []topEntry
	require.NoError(t, json.NewDecoder(req.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, topEntry{Rank: 1, ID: "bob", Name: "Bob", Confirmed: 2}, entries[0])

	resp, _ := h.do(t, http.MethodGet, "/v1/top?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "alice", "referred_id": "bob"})
	_, _ = h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "alice", "referred_id": "carol"})
	_, _ = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "bob", "address": "10.1.1.1"})
	_, _ = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "carol", "address": "10.1.1.1"})
	_, _ = h.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": "alice", "address": "10.1.1.1"})

	resp, body := h.do(t, http.MethodGet, "/v1/admin/users/alice/same-address?address=10.1.1.1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	_, body = h.do(t, http.MethodGet, "/v1/admin/users/alice/same-address", nil)
	assert.Equal(t, "10.1.1.1", body["address"])
	assert.Equal(t, float64(2), body["count"])

	resp, _ = h.do(t, http.MethodPost, "/v1/admin/users/alice/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = h.do(t, http.MethodGet, "/v1/users/alice", nil)
	assert.Equal(t, float64(0), body["pending_count"])
	_, body = h.do(t, http.MethodGet, "/v1/users/bob", nil)
	assert.Equal(t, "alice", body["referred_by"])

	resp, _ = h.do(t, http.MethodPost, "/v1/admin/users/ghost/reset", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/admin/reload", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = h.do(t, http.MethodPost, "/v1/admin/reload", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, body["error"], "bad config")
}

func TestUserNotFound(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodGet, "/v1/users/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetEnabled_RequiresField(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodPut, "/v1/users/alice/enabled", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(t, http.MethodPut, "/v1/users/alice/enabled", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.HTTP.ReferralRatePerMinute = 1
		cfg.HTTP.ReferralBurst = 2
	})

	codes := make([]int, 0, 3)
	for _, id := range []string{"b", "c", "d"} {
		resp, _ := h.do(t, http.MethodPost, "/v1/referrals", map[string]any{"referrer_id": "a", "referred_id": id})
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	resp, _ := h.do(t, http.MethodGet, "/v1/users/a", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.do(t, http.MethodGet, "/v1/users/ghost", nil)

	resp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(raw), `referra_http_requests_total{method="GET",route="/v1/users/{id}",status="404"} 1`)
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("1.2.3.4"))
	}
}

func TestRateLimiter_PerClientAndRefill(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	l := NewRateLimiter(60, 1)
	l.now = clock.Now

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "clients have separate buckets")

	clock.Advance(time.Second)
	assert.True(t, l.Allow("a"))
}
