// Package storetest is a conformance suite every store.Backend must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
)

// Opener returns a new, uninitialized handle on the same underlying storage
// each time it is called.
type Opener func() store.Backend

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite. newOpener is called once per subtest and must point
// at fresh storage.
func Run(t *testing.T, newOpener func(t *testing.T) Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"EmptyLoad", testEmptyLoad},
		{"InitializeTwice", testInitializeTwice},
		{"NotInitialized", testNotInitialized},
		{"CloseTwice", testCloseTwice},
		{"RoundTrip", testRoundTrip},
		{"OverwriteNotMerge", testOverwriteNotMerge},
		{"ConfirmedOrder", testConfirmedOrder},
		{"FirstEngagement", testFirstEngagement},
		{"AddressSupersedes", testAddressSupersedes},
		{"ReferredByIndex", testReferredByIndex},
		{"SaveAll", testSaveAll},
		{"Durable", testDurable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newOpener(t))
		})
	}
}

func initialized(t *testing.T, open Opener) store.Backend {
	t.Helper()
	b := open()
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func load(t *testing.T, b store.Backend) *store.Snapshot {
	t.Helper()
	snap, err := b.LoadAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

func find(snap *store.Snapshot, id referral.UserID) (referral.Record, bool) {
	for _, rec := range snap.Records {
		if rec.ID == id {
			return rec, true
		}
	}
	return referral.Record{}, false
}

// sample builds a record with two confirmed and two pending edges.
func sample(id referral.UserID, seq int64) referral.Record {
	rec := referral.NewRecord(id, "name-"+string(id), seq)
	rec.AddPending(id+"-p1", base)
	rec.AddPending(id+"-p2", base.Add(time.Minute))
	rec.AddPending(id+"-c1", base)
	rec.AddPending(id+"-c2", base)
	rec.Confirm(id+"-c1", seq*100+1, base.Add(time.Hour))
	rec.Confirm(id+"-c2", seq*100+2, base.Add(2*time.Hour))
	return rec.Clone()
}

// AssertRecord compares two records, using time.Equal for timestamps.
func AssertRecord(t *testing.T, want, got referral.Record) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Seq, got.Seq)
	assert.Equal(t, want.Enabled, got.Enabled)
	assert.Equal(t, want.ClaimedPayout, got.ClaimedPayout)
	assert.Equal(t, want.ReferredBy, got.ReferredBy)

	require.Len(t, got.Confirmed, len(want.Confirmed))
	for i := range want.Confirmed {
		assert.Equal(t, want.Confirmed[i].User, got.Confirmed[i].User, "confirmed[%d]", i)
		assert.Equal(t, want.Confirmed[i].Seq, got.Confirmed[i].Seq, "confirmed[%d]", i)
		assert.True(t, want.Confirmed[i].ConfirmedAt.Equal(got.Confirmed[i].ConfirmedAt),
			"confirmed[%d] at %v, want %v", i, got.Confirmed[i].ConfirmedAt, want.Confirmed[i].ConfirmedAt)
	}

	require.Len(t, got.Pending, len(want.Pending))
	for id, at := range want.Pending {
		gotAt, ok := got.Pending[id]
		if assert.True(t, ok, "pending %s missing", id) {
			assert.True(t, at.Equal(gotAt), "pending %s at %v, want %v", id, gotAt, at)
		}
	}
}

func testEmptyLoad(t *testing.T, open Opener) {
	b := initialized(t, open)
	snap := load(t, b)

	assert.Empty(t, snap.Records)
	assert.NotNil(t, snap.ReferredBy)
	assert.NotNil(t, snap.FirstEngagement)
	assert.NotNil(t, snap.Addresses)
}

func testInitializeTwice(t *testing.T, open Opener) {
	b := initialized(t, open)
	require.NoError(t, b.Initialize(context.Background()))
	require.NoError(t, b.SaveRecord(context.Background(), sample("a", 1)))
	assert.Len(t, load(t, b).Records, 1)
}

func testNotInitialized(t *testing.T, open Opener) {
	b := open()
	defer b.Close()

	err := b.SaveRecord(context.Background(), sample("a", 1))
	assert.ErrorIs(t, err, store.ErrNotInitialized)
	_, err = b.LoadAll(context.Background())
	assert.ErrorIs(t, err, store.ErrNotInitialized)
}

func testCloseTwice(t *testing.T, open Opener) {
	assert.NoError(t, open().Close(), "close without initialize")

	b := open()
	require.NoError(t, b.Initialize(context.Background()))
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}

func testRoundTrip(t *testing.T, open Opener) {
	b := initialized(t, open)
	rec := sample("a", 3)
	rec.Enabled = false
	rec.ClaimedPayout = true
	rec.ReferredBy = "root"

	require.NoError(t, b.SaveRecord(context.Background(), rec))

	got, ok := find(load(t, b), "a")
	require.True(t, ok)
	AssertRecord(t, rec, got)
}

func testOverwriteNotMerge(t *testing.T, open Opener) {
	b := initialized(t, open)
	ctx := context.Background()

	rec := sample("a", 1)
	require.NoError(t, b.SaveRecord(ctx, rec))

	rec.Pending = map[referral.UserID]time.Time{"fresh": base}
	rec.Confirmed = rec.Confirmed[1:]
	rec.Name = "renamed"
	require.NoError(t, b.SaveRecord(ctx, rec))

	got, ok := find(load(t, b), "a")
	require.True(t, ok)
	AssertRecord(t, rec, got)
}

func testConfirmedOrder(t *testing.T, open Opener) {
	b := initialized(t, open)

	rec := referral.NewRecord("a", "alice", 1)
	for i, id := range []referral.UserID{"zed", "amy", "mia", "bob"} {
		rec.AddPending(id, base)
		rec.Confirm(id, int64(10+i), base.Add(time.Duration(i)*time.Second))
	}
	require.NoError(t, b.SaveRecord(context.Background(), rec.Clone()))

	got, ok := find(load(t, b), "a")
	require.True(t, ok)
	order := make([]referral.UserID, 0, len(got.Confirmed))
	for _, c := range got.Confirmed {
		order = append(order, c.User)
	}
	assert.Equal(t, []referral.UserID{"zed", "amy", "mia", "bob"}, order)
}

func testFirstEngagement(t *testing.T, open Opener) {
	b := initialized(t, open)
	ctx := context.Background()

	require.NoError(t, b.SaveRecord(ctx, sample("a", 1)))
	require.NoError(t, b.SaveFirstEngagement(ctx, "a", base))
	// no record yet
	require.NoError(t, b.SaveFirstEngagement(ctx, "ghost", base.Add(time.Hour)))
	// a later record save must not drop it
	require.NoError(t, b.SaveRecord(ctx, sample("a", 1)))

	snap := load(t, b)
	require.Contains(t, snap.FirstEngagement, referral.UserID("a"))
	assert.True(t, base.Equal(snap.FirstEngagement["a"]))
	require.Contains(t, snap.FirstEngagement, referral.UserID("ghost"))
	assert.True(t, base.Add(time.Hour).Equal(snap.FirstEngagement["ghost"]))

	if ghost, ok := find(snap, "ghost"); ok {
		assert.Equal(t, referral.PlaceholderName, ghost.Name)
		assert.True(t, ghost.Enabled)
	}
}

func testAddressSupersedes(t *testing.T, open Opener) {
	b := initialized(t, open)
	ctx := context.Background()

	require.NoError(t, b.SaveAddress(ctx, "a", "10.0.0.1"))
	require.NoError(t, b.SaveAddress(ctx, "a", "10.0.0.2"))
	require.NoError(t, b.SaveAddress(ctx, "b", "10.0.0.9"))

	snap := load(t, b)
	assert.Equal(t, "10.0.0.2", snap.Addresses["a"])
	assert.Equal(t, "10.0.0.9", snap.Addresses["b"])
}

func testReferredByIndex(t *testing.T, open Opener) {
	b := initialized(t, open)
	ctx := context.Background()

	a := referral.NewRecord("a", "alice", 1)
	a.AddPending("b", base)
	a.AddPending("c", base)
	a.Confirm("c", 5, base)

	// d was referred by a before a reset cleared a's edges
	d := referral.NewRecord("d", "dora", 2)
	d.ReferredBy = "a"

	require.NoError(t, b.SaveRecord(ctx, a.Clone()))
	require.NoError(t, b.SaveRecord(ctx, d.Clone()))

	snap := load(t, b)
	assert.Equal(t, referral.UserID("a"), snap.ReferredBy["b"])
	assert.Equal(t, referral.UserID("a"), snap.ReferredBy["c"])
	assert.Equal(t, referral.UserID("a"), snap.ReferredBy["d"])
	assert.NotContains(t, snap.ReferredBy, referral.UserID("a"))
}

func testSaveAll(t *testing.T, open Opener) {
	b := initialized(t, open)

	recs := []referral.Record{sample("c", 3), sample("a", 1), sample("b", 2)}
	require.NoError(t, b.SaveAll(context.Background(), recs))

	snap := load(t, b)
	require.Len(t, snap.Records, 3)
	assert.Equal(t, referral.UserID("a"), snap.Records[0].ID)
	assert.Equal(t, referral.UserID("b"), snap.Records[1].ID)
	assert.Equal(t, referral.UserID("c"), snap.Records[2].ID)
	for _, want := range recs {
		got, ok := find(snap, want.ID)
		require.True(t, ok)
		AssertRecord(t, want, got)
	}
	assert.Equal(t, int64(302), snap.MaxSeq())
}

func testDurable(t *testing.T, open Opener) {
	ctx := context.Background()

	first := open()
	require.NoError(t, first.Initialize(ctx))
	rec := sample("a", 1)
	require.NoError(t, first.SaveRecord(ctx, rec))
	require.NoError(t, first.SaveFirstEngagement(ctx, "a", base))
	require.NoError(t, first.SaveAddress(ctx, "a", "192.168.1.4"))
	require.NoError(t, first.Close())

	second := initialized(t, open)
	snap := load(t, second)
	got, ok := find(snap, "a")
	require.True(t, ok)
	AssertRecord(t, rec, got)
	assert.Equal(t, "192.168.1.4", snap.Addresses["a"])
	assert.True(t, base.Equal(snap.FirstEngagement["a"]))
}
