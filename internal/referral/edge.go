package referral

import (
	"sort"
	"time"
)

// EdgeState is the lifecycle state of a referral edge.
type EdgeState int

const (
	// EdgePending is a recorded referral whose referred user has not yet met
	// the engagement requirement.
	EdgePending EdgeState = iota + 1
	// EdgeConfirmed is terminal until the edge is consumed by a payout claim
	// or removed by an admin reset.
	EdgeConfirmed
)

func (s EdgeState) String() string {
	switch s {
	case EdgePending:
		return "pending"
	case EdgeConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Edge is a derived referrer -> referred relation.
type Edge struct {
	Referrer UserID
	Referred UserID
	State    EdgeState
	At       time.Time
}

// Edges lists the record's outgoing edges: confirmed in claim order, then
// pending by creation time.
func (r *Record) Edges() []Edge {
	edges := make([]Edge, 0, len(r.Confirmed)+len(r.Pending))
	for _, c := range r.Confirmed {
		edges = append(edges, Edge{Referrer: r.ID, Referred: c.User, State: EdgeConfirmed, At: c.ConfirmedAt})
	}
	pending := make([]Edge, 0, len(r.Pending))
	for id, at := range r.Pending {
		pending = append(pending, Edge{Referrer: r.ID, Referred: id, State: EdgePending, At: at})
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].At.Equal(pending[j].At) {
			return pending[i].At.Before(pending[j].At)
		}
		return pending[i].Referred < pending[j].Referred
	})
	return append(edges, pending...)
}
