// Package engagement decides whether a referred user has engaged enough for
// their referral to count, and tracks the engagement counters reported by the
// host.
package engagement

import (
	"time"

	"github.com/roach88/referra/internal/referral"
)

// Qualifies reports whether accumulated engagement meets the requirement.
// A zero requirement disables the gate.
func Qualifies(accumulated, required time.Duration) bool {
	if required <= 0 {
		return true
	}
	return accumulated >= required
}

// Gate is a configured engagement requirement.
type Gate struct {
	Required time.Duration
}

// Qualifies applies the gate to an accumulated engagement value.
func (g Gate) Qualifies(accumulated time.Duration) bool {
	return Qualifies(accumulated, g.Required)
}

// Source supplies a user's accumulated engagement. The value must never
// decrease for a given user.
type Source interface {
	Engagement(id referral.UserID) (time.Duration, bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(id referral.UserID) (time.Duration, bool)

// Engagement implements Source.
func (f SourceFunc) Engagement(id referral.UserID) (time.Duration, bool) {
	return f(id)
}

// None is a Source that knows no one.
var None Source = SourceFunc(func(referral.UserID) (time.Duration, bool) { return 0, false })
