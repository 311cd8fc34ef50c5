package postgres

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
	"github.com/roach88/referra/internal/store/storetest"
)

// The gorm layer is exercised against SQLite; the queries it issues are the
// same for both dialects.
func newTestBackend(path string) *Backend {
	return NewWithDialector(sqlite.Open(path+"?_pragma=foreign_keys(1)"), 1)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Opener {
		path := filepath.Join(t.TempDir(), "referrals.db")
		return func() store.Backend { return newTestBackend(path) }
	})
}

func TestDSN(t *testing.T) {
	opts := Options{
		Host:           "db.internal",
		Port:           5432,
		Database:       "referrals",
		User:           "referra",
		Password:       "secret",
		ConnectTimeout: 30 * time.Second,
	}
	assert.Equal(t,
		"host=db.internal port=5432 user=referra password=secret dbname=referrals sslmode=disable connect_timeout=30",
		opts.DSN())

	opts.SSLMode = "require"
	opts.ConnectTimeout = 0
	assert.Equal(t,
		"host=db.internal port=5432 user=referra password=secret dbname=referrals sslmode=require",
		opts.DSN())
}

func TestNew_DefaultPoolSize(t *testing.T) {
	b := New(Options{Host: "localhost", Port: 5432})
	assert.Equal(t, 10, b.poolSize)
	assert.Equal(t, store.KindPostgres, b.Kind())
}

func TestSaveRecord_ReplacesEdgesOfOneReferrerOnly(t *testing.T) {
	b := newTestBackend(filepath.Join(t.TempDir(), "referrals.db"))
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	defer b.Close()

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	a := referral.NewRecord("a", "alice", 1)
	a.AddPending("x", at)
	c := referral.NewRecord("c", "carol", 2)
	c.AddPending("y", at)
	require.NoError(t, b.SaveAll(ctx, []referral.Record{a.Clone(), c.Clone()}))

	a.ClearReferrals()
	require.NoError(t, b.SaveRecord(ctx, a.Clone()))

	var n int64
	require.NoError(t, b.db.Model(&pendingEdgeRow{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestSaveFirstEngagement_KeepsExistingName(t *testing.T) {
	b := newTestBackend(filepath.Join(t.TempDir(), "referrals.db"))
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	defer b.Close()

	require.NoError(t, b.SaveRecord(ctx, *referral.NewRecord("a", "alice", 1)))
	require.NoError(t, b.SaveFirstEngagement(ctx, "a", time.Now()))

	snap, err := b.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "alice", snap.Records[0].Name)
}
