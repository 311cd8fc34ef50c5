package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/referra/internal/events"
	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
	"github.com/roach88/referra/internal/store/storetest"
)

func TestMemBackend_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Opener {
		b := NewMemBackend(store.KindFile)
		return func() store.Backend { return b }
	})
}

func TestMemBackend_FailInjection(t *testing.T) {
	ctx := context.Background()
	b := NewMemBackend(store.KindSQLite)
	require.NoError(t, b.Initialize(ctx))

	boom := errors.New("disk full")
	b.Fail("save_record", boom)

	err := b.SaveRecord(ctx, *referral.NewRecord("a", "alice", 1))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.Calls("save_record"))
	_, ok := b.Stored("a")
	assert.False(t, ok)

	b.Fail("save_record", nil)
	require.NoError(t, b.SaveRecord(ctx, *referral.NewRecord("a", "alice", 1)))
	_, ok = b.Stored("a")
	assert.True(t, ok)
	assert.Equal(t, store.KindSQLite, b.Kind())
}

func TestMemBackend_Block(t *testing.T) {
	ctx := context.Background()
	b := NewMemBackend("")
	require.NoError(t, b.Initialize(ctx))
	b.Block()

	done := make(chan error, 1)
	go func() { done <- b.SaveAddress(ctx, "a", "10.0.0.1") }()

	select {
	case <-done:
		t.Fatal("write finished while blocked")
	case <-time.After(20 * time.Millisecond):
	}

	b.Unblock()
	require.NoError(t, <-done)
	addr, ok := b.StoredAddress("a")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", addr)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Publish(events.New(events.KindEdgeCreated, "a", "b", Epoch))
	r.Publish(events.New(events.KindEdgeConfirmed, "a", "b", Epoch))
	r.Publish(events.New(events.KindEdgeCreated, "a", "c", Epoch))

	assert.Equal(t, []events.Kind{events.KindEdgeCreated, events.KindEdgeConfirmed, events.KindEdgeCreated}, r.Kinds())
	assert.Len(t, r.OfKind(events.KindEdgeCreated), 2)
	assert.Len(t, r.Events(), 3)

	r.Reset()
	assert.Empty(t, r.Events())
}
