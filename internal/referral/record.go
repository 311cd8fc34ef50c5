package referral

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/cases"
)

// UserID is an opaque, stable user identifier.
type UserID string

// PlaceholderName is the display name given to records created before the
// user has been seen with a name. Leaderboards skip these records.
const PlaceholderName = "unknown"

var folder = cases.Fold()

// IsPlaceholderName reports whether name is the placeholder name, ignoring case.
func IsPlaceholderName(name string) bool {
	return folder.String(name) == folder.String(PlaceholderName)
}

// ConfirmedReferral is a referred user whose edge has been promoted to
// Confirmed. Seq comes from the ledger's logical clock and defines claim order.
type ConfirmedReferral struct {
	User        UserID
	Seq         int64
	ConfirmedAt time.Time
}

// Record is the per-user referral state.
//
// Confirmed is ordered oldest-confirmed first. Pending maps a referred user to
// the time the edge was created. ReferredBy is the user's own referrer, if any.
type Record struct {
	ID            UserID
	Name          string
	Seq           int64
	Confirmed     []ConfirmedReferral
	Pending       map[UserID]time.Time
	Enabled       bool
	ClaimedPayout bool
	ReferredBy    UserID
}

// NewRecord returns a fresh record with referrals enabled and no edges.
func NewRecord(id UserID, name string, seq int64) *Record {
	if name == "" {
		name = PlaceholderName
	}
	return &Record{
		ID:        id,
		Name:      name,
		Seq:       seq,
		Confirmed: []ConfirmedReferral{},
		Pending:   map[UserID]time.Time{},
		Enabled:   true,
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Record) Clone() Record {
	c := *r
	c.Confirmed = make([]ConfirmedReferral, len(r.Confirmed))
	copy(c.Confirmed, r.Confirmed)
	c.Pending = make(map[UserID]time.Time, len(r.Pending))
	for id, at := range r.Pending {
		c.Pending[id] = at
	}
	return c
}

// ConfirmedCount returns the number of confirmed referrals.
func (r *Record) ConfirmedCount() int {
	return len(r.Confirmed)
}

// PendingCount returns the number of pending referrals.
func (r *Record) PendingCount() int {
	return len(r.Pending)
}

// AddPending records a pending edge to id created at the given time.
func (r *Record) AddPending(id UserID, at time.Time) {
	if r.Pending == nil {
		r.Pending = map[UserID]time.Time{}
	}
	r.Pending[id] = at
}

// Confirm promotes the pending edge to id. It returns false when there is no
// pending edge for id, which makes repeated confirmation a no-op.
func (r *Record) Confirm(id UserID, seq int64, at time.Time) bool {
	if _, ok := r.Pending[id]; !ok {
		return false
	}
	delete(r.Pending, id)
	r.Confirmed = append(r.Confirmed, ConfirmedReferral{User: id, Seq: seq, ConfirmedAt: at})
	return true
}

// TakeOldestConfirmed removes and returns the n oldest confirmed referrals.
// It returns nil without modifying the record when fewer than n exist.
func (r *Record) TakeOldestConfirmed(n int) []ConfirmedReferral {
	if n <= 0 || len(r.Confirmed) < n {
		return nil
	}
	taken := make([]ConfirmedReferral, n)
	copy(taken, r.Confirmed[:n])
	rest := make([]ConfirmedReferral, len(r.Confirmed)-n)
	copy(rest, r.Confirmed[n:])
	r.Confirmed = rest
	return taken
}

// ClearReferrals drops every outgoing edge and the claim marker.
// ReferredBy is kept.
func (r *Record) ClearReferrals() {
	r.Confirmed = []ConfirmedReferral{}
	r.Pending = map[UserID]time.Time{}
	r.ClaimedPayout = false
}

// SortConfirmed orders Confirmed by sequence, oldest first. Backends call it
// after loading rows whose storage order is not guaranteed.
func (r *Record) SortConfirmed() {
	sort.SliceStable(r.Confirmed, func(i, j int) bool {
		return r.Confirmed[i].Seq < r.Confirmed[j].Seq
	})
}

// Referred returns every user this record refers, pending or confirmed.
func (r *Record) Referred() []UserID {
	ids := make([]UserID, 0, len(r.Confirmed)+len(r.Pending))
	for _, c := range r.Confirmed {
		ids = append(ids, c.User)
	}
	for id := range r.Pending {
		ids = append(ids, id)
	}
	return ids
}

// Validate checks the record's structural invariants: confirmed and pending
// are disjoint, confirmed has no duplicates, and confirmed is strictly
// ascending by sequence.
func (r *Record) Validate() error {
	seen := make(map[UserID]bool, len(r.Confirmed))
	var last int64
	for i, c := range r.Confirmed {
		if seen[c.User] {
			return fmt.Errorf("record %s: %s confirmed twice", r.ID, c.User)
		}
		seen[c.User] = true
		if _, ok := r.Pending[c.User]; ok {
			return fmt.Errorf("record %s: %s both pending and confirmed", r.ID, c.User)
		}
		if i > 0 && c.Seq <= last {
			return fmt.Errorf("record %s: confirmed out of order at %d", r.ID, i)
		}
		last = c.Seq
	}
	if _, ok := r.Pending[r.ID]; ok || seen[r.ID] {
		return fmt.Errorf("record %s: refers itself", r.ID)
	}
	return nil
}
