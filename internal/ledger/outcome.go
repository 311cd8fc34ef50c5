package ledger

import "github.com/roach88/referra/internal/referral"

// AddOutcome is the result of AddReferral. Only Created mutates state.
type AddOutcome int

const (
	Created AddOutcome = iota
	SelfReferral
	AlreadyReferred
	ReferrerDisabled
	AntiAbuseBlocked
)

// OK reports whether the edge was created.
func (o AddOutcome) OK() bool {
	return o == Created
}

func (o AddOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case SelfReferral:
		return "self_referral"
	case AlreadyReferred:
		return "already_referred"
	case ReferrerDisabled:
		return "referrer_disabled"
	case AntiAbuseBlocked:
		return "anti_abuse_blocked"
	default:
		return "unknown"
	}
}

// Message is the text shown to the referred user.
func (o AddOutcome) Message() string {
	switch o {
	case Created:
		return "Referral recorded."
	case SelfReferral:
		return "You cannot refer yourself!"
	case AlreadyReferred:
		return "You have already been referred by someone!"
	case ReferrerDisabled:
		return "That player does not have the referral system enabled."
	case AntiAbuseBlocked:
		return "Referral blocked: anti-abuse protection detected suspicious activity."
	default:
		return "Failed to add referral."
	}
}

// RetryMessage is shown when a change was applied but could not be stored.
const RetryMessage = "Your change was applied but could not be saved right now. Please try again later."

// Confirmation is the result of ConfirmEligible.
type Confirmation struct {
	// Referrer is the user's referrer, empty if the user was never referred.
	Referrer referral.UserID
	// Confirmed is true only when this call promoted the edge.
	Confirmed bool
	// Pending is true when the edge exists but the gate did not pass.
	Pending bool
	// ConfirmedCount is the referrer's count after the call.
	ConfirmedCount int
	// ThresholdReached is true when this promotion brought the count to the
	// payout threshold.
	ThresholdReached bool
}

// ClaimResult is the result of ClaimPayout.
type ClaimResult struct {
	Claimed bool
	// Consumed lists the confirmed referrals removed by the claim, oldest first.
	Consumed []referral.UserID
	// ConfirmedBefore is the confirmed count at the time of the call.
	ConfirmedBefore int
	Remaining       int
	Required        int
}
