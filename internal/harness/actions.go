package harness

import (
	"fmt"

	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/referral"
)

type actionFunc func(h *Harness, a args) (string, map[string]any, error)

var actions = map[string]actionFunc{
	"session":      actSession,
	"engage":       actEngage,
	"end_session":  actEndSession,
	"advance":      actAdvance,
	"refer":        actRefer,
	"confirm":      actConfirm,
	"sweep":        actSweep,
	"claim":        actClaim,
	"reset":        actReset,
	"toggle":       actToggle,
	"bulk_confirm": actBulkConfirm,
	"restart":      actRestart,
}

// args is a step's argument map with typed accessors.
type args map[string]any

func (a args) user(key string) (referral.UserID, error) {
	s, err := a.str(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%s must not be empty", key)
	}
	return referral.UserID(s), nil
}

func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("missing arg %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("arg %q must be a string, got %T", key, v)
	}
	return s, nil
}

func (a args) optStr(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a args) number(key string) (float64, error) {
	switch v := a[key].(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("arg %q must be a number, got %T", key, v)
	}
}

func (a args) boolean(key string) (bool, error) {
	b, ok := a[key].(bool)
	if !ok {
		return false, fmt.Errorf("arg %q must be a boolean", key)
	}
	return b, nil
}

func ids(list []referral.UserID) []string {
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = string(id)
	}
	return out
}

func confirmation(c ledger.Confirmation) (string, map[string]any) {
	res := map[string]any{}
	if c.Referrer != "" {
		res["referrer"] = string(c.Referrer)
		res["confirmed_count"] = c.ConfirmedCount
	}
	if c.ThresholdReached {
		res["threshold_reached"] = true
	}
	switch {
	case c.Confirmed:
		return "confirmed", res
	case c.Pending:
		return "pending", res
	default:
		return "none", res
	}
}

func actSession(h *Harness, a args) (string, map[string]any, error) {
	id, err := a.user("user")
	if err != nil {
		return "", nil, err
	}
	engaged, err := a.number("engagement_hours")
	if err != nil {
		return "", nil, err
	}
	h.touch(id)
	h.tracker.Start(id, hours(engaged), h.clock.Now())
	h.ledger.RecordSession(id, a.optStr("name"), a.optStr("address"))
	outcome, res := confirmation(h.sched.SessionStarted(id))
	return outcome, res, nil
}

func actEngage(h *Harness, a args) (string, map[string]any, error) {
	id, err := a.user("user")
	if err != nil {
		return "", nil, err
	}
	engaged, err := a.number("engagement_hours")
	if err != nil {
		return "", nil, err
	}
	h.tracker.Update(id, hours(engaged), h.clock.Now())
	return "ok", nil, nil
}

func actEndSession(h *Harness, a args) (string, map[string]any, error) {
	id, err := a.user("user")
	if err != nil {
		return "", nil, err
	}
	if !h.tracker.End(id) {
		return "unknown", nil, nil
	}
	return "ok", nil, nil
}

func actAdvance(h *Harness, a args) (string, map[string]any, error) {
	n, err := a.number("hours")
	if err != nil {
		return "", nil, err
	}
	h.clock.Advance(hours(n))
	return "ok", nil, nil
}

func actRefer(h *Harness, a args) (string, map[string]any, error) {
	referrer, err := a.user("referrer")
	if err != nil {
		return "", nil, err
	}
	referred, err := a.user("referred")
	if err != nil {
		return "", nil, err
	}
	h.touch(referrer, referred)
	out, _ := h.ledger.AddReferral(referrer, referred)
	return out.String(), map[string]any{"message": out.Message()}, nil
}

func actConfirm(h *Harness, a args) (string, map[string]any, error) {
	id, err := a.user("user")
	if err != nil {
		return "", nil, err
	}
	c, _ := h.ledger.ConfirmEligible(id)
	outcome, res := confirmation(c)
	return outcome, res, nil
}

func actSweep(h *Harness, a args) (string, map[string]any, error) {
	return "ok", map[string]any{"confirmed": h.sched.Sweep()}, nil
}

func actClaim(h *Harness, a args) (string, map[string]any, error) {
	id, err := a.user("user")
	if err != nil {
		return "", nil, err
	}
	h.touch(id)
	res, _ := h.ledger.ClaimPayout(id)
	out := map[string]any{
		"before":    res.ConfirmedBefore,
		"remaining": res.Remaining,
		"required":  res.Required,
	}
	if !res.Claimed {
		return "rejected", out, nil
	}
	out["consumed"] = ids(res.Consumed)
	return "claimed", out, nil
}

func actReset(h *Harness, a args) (string, map[string]any, error) {
	id, err := a.user("user")
	if err != nil {
		return "", nil, err
	}
	found, _ := h.ledger.ResetUser(id)
	if !found {
		return "not_found", nil, nil
	}
	return "reset", nil, nil
}

func actToggle(h *Harness, a args) (string, map[string]any, error) {
	id, err := a.user("user")
	if err != nil {
		return "", nil, err
	}
	enabled, err := a.boolean("enabled")
	if err != nil {
		return "", nil, err
	}
	h.touch(id)
	rec, _ := h.ledger.SetReferralEnabled(id, enabled)
	return "ok", map[string]any{"enabled": rec.Enabled}, nil
}

// actBulkConfirm creates count referred users named <referrer>-NNN and
// confirms each with enough engagement to pass the gate.
func actBulkConfirm(h *Harness, a args) (string, map[string]any, error) {
	referrer, err := a.user("referrer")
	if err != nil {
		return "", nil, err
	}
	n, err := a.number("count")
	if err != nil {
		return "", nil, err
	}
	h.touch(referrer)
	confirmed := 0
	for i := 1; i <= int(n); i++ {
		referred := referral.UserID(fmt.Sprintf("%s-%03d", referrer, i))
		if out, _ := h.ledger.AddReferral(referrer, referred); !out.OK() {
			return "", nil, fmt.Errorf("refer %s: %s", referred, out)
		}
		h.tracker.Start(referred, h.policy.RequiredEngagement, h.clock.Now())
		if c, _ := h.ledger.ConfirmEligible(referred); c.Confirmed {
			confirmed++
		}
		h.tracker.End(referred)
	}
	return "ok", map[string]any{"confirmed": confirmed}, nil
}

func actRestart(h *Harness, a args) (string, map[string]any, error) {
	if err := h.ledger.Close(h.ctx); err != nil {
		return "", nil, fmt.Errorf("close: %w", err)
	}
	if err := h.open(); err != nil {
		return "", nil, err
	}
	return "ok", nil, nil
}
