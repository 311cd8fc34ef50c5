// Package harness runs YAML scenarios against a real ledger.
//
// A scenario names a policy, optional setup steps, a flow of steps with
// expected outcomes, and assertions over the resulting trace and final state.
// Every run uses a fresh in-memory backend, a fake clock starting at
// testutil.Epoch, and a recorder sink, so traces are reproducible.
//
// # Scenario Format
//
//	name: gate_scenario
//	description: "Pending until the engagement gate passes"
//	policy:
//	  payout_threshold: 3
//	  required_engagement_hours: 10
//	setup:
//	  - action: session
//	    args: { user: r, name: Rita }
//	flow:
//	  - invoke: refer
//	    args: { referrer: r, referred: u }
//	    expect:
//	      case: created
//	  - invoke: session
//	    args: { user: u, engagement_hours: 5 }
//	    expect:
//	      case: pending
//	assertions:
//	  - type: trace_count
//	    action: edge_confirmed
//	    count: 0
//	  - type: final_state
//	    table: users
//	    where: { id: r }
//	    expect: { pending: 1 }
//
// # Actions
//
//   - session: host reports a session start (user, name, address, engagement_hours)
//   - engage: heartbeat with a new engagement counter (user, engagement_hours)
//   - end_session: session end (user)
//   - advance: move the clock forward (hours)
//   - refer: AddReferral (referrer, referred); case is the outcome name
//   - confirm: ConfirmEligible (user); case is confirmed, pending or none
//   - sweep: one scheduler pass; result.confirmed counts promotions
//   - claim: ClaimPayout (user); case is claimed or rejected
//   - reset: ResetUser (user); case is reset or not_found
//   - toggle: SetReferralEnabled (user, enabled)
//   - bulk_confirm: create and confirm count referrals for referrer
//   - restart: close the ledger and reopen it from the same backend
//
// # Assertion Types
//
//   - trace_contains: an action or event appears with matching args
//   - trace_order: actions or events appear in the given order
//   - trace_count: an action or event appears exactly count times
//   - final_state: a row of the users or stats table matches expect
package harness
