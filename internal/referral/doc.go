// Package referral defines the per-user referral record and the derived
// referral edges.
//
// A user is referred by at most one referrer, ever. Edges start Pending and
// move to Confirmed once; they leave a record only through a payout claim
// (confirmed edges, oldest first) or an admin reset.
package referral
