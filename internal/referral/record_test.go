package referral

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestNewRecord_Defaults(t *testing.T) {
	r := NewRecord("u1", "", 7)

	assert.Equal(t, UserID("u1"), r.ID)
	assert.Equal(t, PlaceholderName, r.Name)
	assert.Equal(t, int64(7), r.Seq)
	assert.True(t, r.Enabled)
	assert.False(t, r.ClaimedPayout)
	assert.Empty(t, r.Confirmed)
	assert.Empty(t, r.Pending)
	assert.NotNil(t, r.Confirmed)
	assert.NotNil(t, r.Pending)
}

func TestIsPlaceholderName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"unknown", true},
		{"Unknown", true},
		{"UNKNOWN", true},
		{"unknown2", false},
		{"alice", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPlaceholderName(tt.name))
		})
	}
}

func TestConfirm_MovesPendingToEnd(t *testing.T) {
	r := NewRecord("a", "alice", 1)
	r.AddPending("b", t0)
	r.AddPending("c", t0)

	require.True(t, r.Confirm("c", 10, t0))
	require.True(t, r.Confirm("b", 11, t0))

	assert.Equal(t, []UserID{"c", "b"}, []UserID{r.Confirmed[0].User, r.Confirmed[1].User})
	assert.Empty(t, r.Pending)
	require.NoError(t, r.Validate())
}

func TestConfirm_Idempotent(t *testing.T) {
	r := NewRecord("a", "alice", 1)
	r.AddPending("b", t0)

	require.True(t, r.Confirm("b", 2, t0))
	assert.False(t, r.Confirm("b", 3, t0))
	assert.Equal(t, 1, r.ConfirmedCount())
	assert.Equal(t, []UserID{"b"}, r.Referred())
}

func TestConfirm_UnknownEdge(t *testing.T) {
	r := NewRecord("a", "alice", 1)
	assert.False(t, r.Confirm("zz", 2, t0))
	assert.Equal(t, 0, r.ConfirmedCount())
}

func TestTakeOldestConfirmed(t *testing.T) {
	r := NewRecord("a", "alice", 1)
	for i, id := range []UserID{"b", "c", "d", "e"} {
		r.AddPending(id, t0)
		require.True(t, r.Confirm(id, int64(i+10), t0))
	}

	taken := r.TakeOldestConfirmed(3)
	require.Len(t, taken, 3)
	assert.Equal(t, UserID("b"), taken[0].User)
	assert.Equal(t, UserID("d"), taken[2].User)
	require.Len(t, r.Confirmed, 1)
	assert.Equal(t, UserID("e"), r.Confirmed[0].User)
}

func TestTakeOldestConfirmed_NotEnough(t *testing.T) {
	r := NewRecord("a", "alice", 1)
	r.AddPending("b", t0)
	r.Confirm("b", 2, t0)

	assert.Nil(t, r.TakeOldestConfirmed(2))
	assert.Nil(t, r.TakeOldestConfirmed(0))
	assert.Equal(t, 1, r.ConfirmedCount())
}

func TestClearReferrals_KeepsReferredBy(t *testing.T) {
	r := NewRecord("a", "alice", 1)
	r.ReferredBy = "root"
	r.AddPending("b", t0)
	r.AddPending("c", t0)
	r.Confirm("c", 2, t0)
	r.ClaimedPayout = true

	r.ClearReferrals()

	assert.Empty(t, r.Confirmed)
	assert.Empty(t, r.Pending)
	assert.False(t, r.ClaimedPayout)
	assert.Equal(t, UserID("root"), r.ReferredBy)
}

func TestClone_IsDeep(t *testing.T) {
	r := NewRecord("a", "alice", 1)
	r.AddPending("b", t0)
	r.AddPending("c", t0)
	r.Confirm("c", 2, t0)

	c := r.Clone()
	r.AddPending("d", t0)
	r.Confirm("b", 3, t0)

	assert.Len(t, c.Pending, 1)
	assert.Len(t, c.Confirmed, 1)
	assert.Len(t, r.Confirmed, 2)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Record)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(r *Record) {},
		},
		{
			name: "pending and confirmed overlap",
			mutate: func(r *Record) {
				r.Confirmed = append(r.Confirmed, ConfirmedReferral{User: "b", Seq: 1})
				r.Pending["b"] = t0
			},
			wantErr: "both pending and confirmed",
		},
		{
			name: "duplicate confirmed",
			mutate: func(r *Record) {
				r.Confirmed = append(r.Confirmed,
					ConfirmedReferral{User: "b", Seq: 1},
					ConfirmedReferral{User: "b", Seq: 2})
			},
			wantErr: "confirmed twice",
		},
		{
			name: "out of order",
			mutate: func(r *Record) {
				r.Confirmed = append(r.Confirmed,
					ConfirmedReferral{User: "b", Seq: 5},
					ConfirmedReferral{User: "c", Seq: 2})
			},
			wantErr: "out of order",
		},
		{
			name: "self edge",
			mutate: func(r *Record) {
				r.Pending["a"] = t0
			},
			wantErr: "refers itself",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecord("a", "alice", 1)
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSortConfirmed(t *testing.T) {
	r := NewRecord("a", "alice", 1)
	r.Confirmed = []ConfirmedReferral{{User: "c", Seq: 9}, {User: "b", Seq: 3}}
	r.SortConfirmed()
	assert.Equal(t, UserID("b"), r.Confirmed[0].User)
	require.NoError(t, r.Validate())
}

func TestEdges_Order(t *testing.T) {
	r := NewRecord("a", "alice", 1)
	r.AddPending("late", t0.Add(time.Hour))
	r.AddPending("early", t0)
	r.AddPending("x", t0)
	r.Confirm("x", 4, t0)

	edges := r.Edges()
	require.Len(t, edges, 3)
	assert.Equal(t, EdgeConfirmed, edges[0].State)
	assert.Equal(t, UserID("x"), edges[0].Referred)
	assert.Equal(t, UserID("early"), edges[1].Referred)
	assert.Equal(t, UserID("late"), edges[2].Referred)
	assert.Equal(t, "pending", edges[1].State.String())
}
