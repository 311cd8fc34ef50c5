package events

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func TestNew_AssignsUniqueIDs(t *testing.T) {
	a := New(KindEdgeCreated, "r", "x", at)
	b := New(KindEdgeCreated, "r", "x", at)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestFields(t *testing.T) {
	e := New(KindThresholdReached, "r", "", at)
	e.Count = 100
	e.Threshold = 100

	f := e.Fields()
	assert.Equal(t, "threshold_reached", f["kind"])
	assert.Equal(t, "r", f["referrer"])
	assert.Equal(t, 100, f["count"])
	assert.Equal(t, 100, f["threshold"])
	assert.NotContains(t, f, "referred")

	created := New(KindEdgeCreated, "r", "x", at).Fields()
	assert.Equal(t, "x", created["referred"])
	assert.NotContains(t, created, "count")
}

func TestFanout(t *testing.T) {
	var got []Kind
	s := SinkFunc(func(e Event) { got = append(got, e.Kind) })

	Fanout{s, nil, s}.Publish(New(KindPayoutClaimed, "r", "", at))
	assert.Equal(t, []Kind{KindPayoutClaimed, KindPayoutClaimed}, got)
}

func TestLogSink(t *testing.T) {
	buf := &bytes.Buffer{}
	sink := LogSink{Logger: slog.New(slog.NewTextHandler(buf, nil))}

	e := New(KindAntiAbuseBlocked, "r", "x", at)
	sink.Publish(e)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "kind=anti_abuse_blocked")
	assert.Contains(t, out, "referred=x")
}

type fakeAdder struct {
	mu    sync.Mutex
	calls []*redis.XAddArgs
	err   error
}

func (f *fakeAdder) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	return redis.NewStringResult("1-0", f.err)
}

func (f *fakeAdder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisStream_Delivers(t *testing.T) {
	fake := &fakeAdder{}
	s := NewRedisStream(fake, RedisStreamOptions{Stream: "test:events", MaxLen: 1000, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Publish(New(KindEdgeCreated, "r", "x", at))
	s.Publish(New(KindEdgeConfirmed, "r", "x", at))

	require.Eventually(t, func() bool { return fake.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "test:events", fake.calls[0].Stream)
	assert.Equal(t, int64(1000), fake.calls[0].MaxLen)
	assert.True(t, fake.calls[0].Approx)
	values, ok := fake.calls[1].Values.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "edge_confirmed", values["kind"])
}

func TestRedisStream_DropsWhenFull(t *testing.T) {
	fake := &fakeAdder{}
	s := NewRedisStream(fake, RedisStreamOptions{Buffer: 1, Logger: discardLogger()})

	s.Publish(New(KindEdgeCreated, "r", "x", at))
	s.Publish(New(KindEdgeCreated, "r", "y", at))
	s.Publish(New(KindEdgeCreated, "r", "z", at))

	assert.Equal(t, int64(2), s.Dropped())
}

func TestRedisStream_DrainsOnCancel(t *testing.T) {
	fake := &fakeAdder{err: errors.New("connection refused")}
	s := NewRedisStream(fake, RedisStreamOptions{Buffer: 4, Logger: discardLogger()})

	s.Publish(New(KindEdgeCreated, "r", "x", at))
	s.Publish(New(KindEdgeCreated, "r", "y", at))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Run(ctx)

	// failures are logged, not retried
	assert.GreaterOrEqual(t, fake.count(), 1)
}
