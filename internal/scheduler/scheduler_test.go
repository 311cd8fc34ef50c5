package scheduler

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/referra/internal/engagement"
	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
	"github.com/roach88/referra/internal/testutil"
)

type fakeConfirmer struct {
	mu      sync.Mutex
	calls   []referral.UserID
	confirm map[referral.UserID]bool
}

func (f *fakeConfirmer) ConfirmEligible(id referral.UserID) (ledger.Confirmation, *ledger.Ack) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return ledger.Confirmation{Referrer: "r", Confirmed: f.confirm[id]}, nil
}

func (f *fakeConfirmer) Calls() []referral.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]referral.UserID, len(f.calls))
	copy(out, f.calls)
	return out
}

type staticPresence []referral.UserID

func (p staticPresence) Active() []referral.UserID { return p }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestNew_IntervalFallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := New(&fakeConfirmer{}, staticPresence{}, 0, logger)
	assert.Equal(t, DefaultInterval, s.Interval())
	assert.Contains(t, buf.String(), "check interval must be positive")

	s = New(&fakeConfirmer{}, staticPresence{}, -time.Minute, logger)
	assert.Equal(t, DefaultInterval, s.Interval())

	s = New(&fakeConfirmer{}, staticPresence{}, time.Minute, logger)
	assert.Equal(t, time.Minute, s.Interval())
}

func TestSessionStarted_ChecksOnlyThatUser(t *testing.T) {
	c := &fakeConfirmer{confirm: map[referral.UserID]bool{"u1": true}}
	s := New(c, staticPresence{"u1", "u2"}, time.Minute, quietLogger())

	got := s.SessionStarted("u1")

	assert.True(t, got.Confirmed)
	assert.Equal(t, []referral.UserID{"u1"}, c.Calls())
}

func TestSweep_ChecksEveryActiveUser(t *testing.T) {
	c := &fakeConfirmer{confirm: map[referral.UserID]bool{"u1": true, "u3": true}}
	s := New(c, staticPresence{"u1", "u2", "u3"}, time.Minute, quietLogger())

	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, []referral.UserID{"u1", "u2", "u3"}, c.Calls())
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	c := &fakeConfirmer{}
	s := New(c, staticPresence{"u1"}, 5*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.Calls()) >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSweep_WithLedger(t *testing.T) {
	tracker := engagement.NewTracker()
	clock := testutil.NewFakeClock(time.Time{})
	l, err := ledger.Open(context.Background(), testutil.NewMemBackend(store.KindFile),
		ledger.Policy{PayoutThreshold: 10, RequiredEngagement: time.Hour},
		ledger.WithEngagementSource(tracker),
		ledger.WithNow(clock.Now),
		ledger.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer l.Close(context.Background())

	_, _ = l.AddReferral("r", "u1")
	_, _ = l.AddReferral("r", "u2")
	tracker.Start("u1", 30*time.Minute, clock.Now())
	tracker.Start("u2", 2*time.Hour, clock.Now())

	s := New(l, tracker, time.Minute, quietLogger())
	assert.Equal(t, 1, s.Sweep())

	tracker.Update("u1", 61*time.Minute, clock.Now())
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Sweep())

	r, _ := l.Lookup("r")
	assert.Equal(t, 2, r.ConfirmedCount())
}
