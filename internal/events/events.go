// Package events carries referral lifecycle notifications out of the ledger.
//
// Sinks must not block: the ledger publishes after releasing its lock but
// still on the caller's goroutine.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/roach88/referra/internal/referral"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	KindEdgeCreated      Kind = "edge_created"
	KindEdgeConfirmed    Kind = "edge_confirmed"
	KindThresholdReached Kind = "threshold_reached"
	KindPayoutClaimed    Kind = "payout_claimed"
	KindAntiAbuseBlocked Kind = "anti_abuse_blocked"
)

// Kinds lists every event kind.
var Kinds = []Kind{KindEdgeCreated, KindEdgeConfirmed, KindThresholdReached, KindPayoutClaimed, KindAntiAbuseBlocked}

// Event is a single lifecycle notification.
//
// Count is the referrer's confirmed count after the transition for
// EdgeConfirmed and ThresholdReached, and the count at claim time for
// PayoutClaimed. Threshold is set for ThresholdReached and PayoutClaimed.
type Event struct {
	ID        string
	Kind      Kind
	Referrer  referral.UserID
	Referred  referral.UserID
	Count     int
	Threshold int
	At        time.Time
}

// New stamps an event with a fresh time-ordered ID.
func New(kind Kind, referrer, referred referral.UserID, at time.Time) Event {
	return Event{ID: newID(), Kind: kind, Referrer: referrer, Referred: referred, At: at}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Fields flattens the event for structured outputs.
func (e Event) Fields() map[string]any {
	f := map[string]any{
		"id":       e.ID,
		"kind":     string(e.Kind),
		"referrer": string(e.Referrer),
		"at":       e.At.UnixMilli(),
	}
	if e.Referred != "" {
		f["referred"] = string(e.Referred)
	}
	switch e.Kind {
	case KindEdgeConfirmed:
		f["count"] = e.Count
	case KindThresholdReached, KindPayoutClaimed:
		f["count"] = e.Count
		f["threshold"] = e.Threshold
	}
	return f
}

// Sink receives events.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout publishes to every sink in order.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(e Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(e)
		}
	}
}
