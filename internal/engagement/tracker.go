package engagement

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/referra/internal/referral"
)

type session struct {
	accumulated time.Duration
	active      bool
	startedAt   time.Time
	lastSeen    time.Time
}

// Tracker records the sessions and engagement counters reported by the host.
// It implements Source and lists active users for the periodic sweep.
//
// Counters are kept monotonic: a report lower than the stored value is ignored.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[referral.UserID]*session
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[referral.UserID]*session)}
}

// Start marks a session as active with the host's accumulated counter.
func (t *Tracker) Start(id referral.UserID, accumulated time.Duration, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[id]
	if s == nil {
		s = &session{}
		t.sessions[id] = s
	}
	s.active = true
	s.startedAt = at
	s.lastSeen = at
	if accumulated > s.accumulated {
		s.accumulated = accumulated
	}
}

// Update reports a new counter value for a user. Unknown users are registered
// as inactive.
func (t *Tracker) Update(id referral.UserID, accumulated time.Duration, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[id]
	if s == nil {
		s = &session{}
		t.sessions[id] = s
	}
	s.lastSeen = at
	if accumulated > s.accumulated {
		s.accumulated = accumulated
	}
}

// End marks the user's session inactive. The counter is kept.
func (t *Tracker) End(id referral.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[id]
	if s == nil || !s.active {
		return false
	}
	s.active = false
	return true
}

// Engagement implements Source.
func (t *Tracker) Engagement(id referral.UserID) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.sessions[id]
	if s == nil {
		return 0, false
	}
	return s.accumulated, true
}

// Active returns the users with an open session, sorted by id.
func (t *Tracker) Active() []referral.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]referral.UserID, 0, len(t.sessions))
	for id, s := range t.sessions {
		if s.active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
