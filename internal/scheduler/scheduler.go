// Package scheduler promotes pending referrals: once when a referred user's
// session starts, and on a fixed interval for everyone currently active.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/referral"
)

// DefaultInterval is used when the configured interval is not positive.
const DefaultInterval = 5 * time.Minute

// Confirmer is the part of the ledger the scheduler drives.
type Confirmer interface {
	ConfirmEligible(referred referral.UserID) (ledger.Confirmation, *ledger.Ack)
}

// Presence lists the users with an active session.
type Presence interface {
	Active() []referral.UserID
}

// Scheduler runs confirmation checks.
type Scheduler struct {
	confirmer Confirmer
	presence  Presence
	interval  time.Duration
	logger    *slog.Logger
}

// New creates a scheduler. A non-positive interval falls back to
// DefaultInterval with a warning.
func New(c Confirmer, p Presence, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("check interval must be positive; using default",
			"configured", interval,
			"default", DefaultInterval)
		interval = DefaultInterval
	}
	return &Scheduler{confirmer: c, presence: p, interval: interval, logger: logger}
}

// Interval returns the effective sweep interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// SessionStarted checks the user's own pending edge.
func (s *Scheduler) SessionStarted(id referral.UserID) ledger.Confirmation {
	return s.check(id)
}

// Sweep checks every active user once and returns how many edges it confirmed.
func (s *Scheduler) Sweep() int {
	n := 0
	for _, id := range s.presence.Active() {
		if s.check(id).Confirmed {
			n++
		}
	}
	return n
}

func (s *Scheduler) check(id referral.UserID) ledger.Confirmation {
	c, _ := s.confirmer.ConfirmEligible(id)
	if c.Confirmed {
		s.logger.Info("referral confirmed",
			"referred", string(id),
			"referrer", string(c.Referrer),
			"count", c.ConfirmedCount)
	}
	return c
}

// Run sweeps every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("sweep finished", "confirmed", n)
			}
		}
	}
}
