// Package ledger is the in-memory authority over referral state.
//
// The Ledger owns every Record. Mutations apply to memory under a single
// lock, become visible immediately, and enqueue cloned state to a single
// persister goroutine that mirrors it to a store.Backend. A failed write
// never rolls memory back; it is logged and reported on the mutation's Ack.
//
// Lock order: phase (shared for mutations, exclusive for Reload and Close),
// then mu. Events are published after mu is released.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/referra/internal/engagement"
	"github.com/roach88/referra/internal/events"
	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/store"
)

// Policy holds the tunables that govern confirmation and payout.
type Policy struct {
	// PayoutThreshold is the number of confirmed referrals one claim consumes.
	PayoutThreshold int
	// RequiredEngagement is the engagement a referred user needs before the
	// edge is confirmed. Zero disables the gate.
	RequiredEngagement time.Duration
}

// Gate returns the engagement gate the policy configures.
func (p Policy) Gate() engagement.Gate {
	return engagement.Gate{Required: p.RequiredEngagement}
}

// Validate rejects unusable policies.
func (p Policy) Validate() error {
	if p.PayoutThreshold <= 0 {
		return &Error{Code: ErrCodeInvalidPolicy, Err: fmt.Errorf("payout threshold must be positive, got %d", p.PayoutThreshold)}
	}
	if p.RequiredEngagement < 0 {
		return &Error{Code: ErrCodeInvalidPolicy, Err: fmt.Errorf("required engagement must not be negative, got %s", p.RequiredEngagement)}
	}
	return nil
}

// Option configures a Ledger.
type Option func(*options)

type options struct {
	source    engagement.Source
	sink      events.Sink
	logger    *slog.Logger
	now       func() time.Time
	opTimeout time.Duration
	onFailure func(op string, err error)
}

// WithEngagementSource sets where ConfirmEligible reads accumulated engagement.
func WithEngagementSource(s engagement.Source) Option {
	return func(o *options) { o.source = s }
}

// WithSink sets the event sink.
func WithSink(s events.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithOpTimeout bounds each backend call made by the persister.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) { o.opTimeout = d }
}

// WithPersistFailureHook is called for every failed backend write.
func WithPersistFailureHook(fn func(op string, err error)) Option {
	return func(o *options) { o.onFailure = fn }
}

// Stats summarizes the ledger.
type Stats struct {
	Records   int
	Pending   int
	Confirmed int
	Referred  int
	Claimed   int
	Backend   store.Kind
}

// Ledger is safe for concurrent use.
type Ledger struct {
	phase sync.RWMutex
	mu    sync.RWMutex

	records         map[referral.UserID]*referral.Record
	referredBy      map[referral.UserID]referral.UserID
	firstEngagement map[referral.UserID]time.Time
	addresses       map[referral.UserID]string
	clock           *Clock
	policy          Policy
	closed          bool

	persist *persister
	source  engagement.Source
	sink    events.Sink
	logger  *slog.Logger
	now     func() time.Time
}

// Open initializes the backend, loads its snapshot, and starts persisting.
// The backend is closed if initialization or loading fails.
func Open(ctx context.Context, b store.Backend, policy Policy, opts ...Option) (*Ledger, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	o := options{
		source: engagement.None,
		sink:   events.Discard,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}

	snap, err := initAndLoad(ctx, b)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		policy: policy,
		source: o.source,
		sink:   o.sink,
		logger: o.logger,
		now:    o.now,
	}
	backfill := l.install(snap)
	l.persist = newPersister(b, o.opTimeout, o.logger, o.onFailure)
	l.persist.start()
	l.persist.submit(backfill)

	l.logger.Info("ledger opened",
		"backend", string(b.Kind()),
		"records", len(snap.Records),
		"seq", l.clock.Current())
	return l, nil
}

func initAndLoad(ctx context.Context, b store.Backend) (*store.Snapshot, error) {
	if err := b.Initialize(ctx); err != nil {
		_ = b.Close()
		return nil, backendError("initialize", err)
	}
	snap, err := b.LoadAll(ctx)
	if err != nil {
		_ = b.Close()
		return nil, backendError("load", err)
	}
	return snap, nil
}

// install replaces in-memory state with a snapshot and returns the writes
// needed to store provenance the snapshot only held in edges. Caller holds mu
// or has exclusive access.
func (l *Ledger) install(snap *store.Snapshot) []op {
	l.records = make(map[referral.UserID]*referral.Record, len(snap.Records))
	for i := range snap.Records {
		rec := snap.Records[i].Clone()
		l.records[rec.ID] = &rec
	}
	l.referredBy = make(map[referral.UserID]referral.UserID, len(snap.ReferredBy))
	for k, v := range snap.ReferredBy {
		l.referredBy[k] = v
	}
	l.firstEngagement = make(map[referral.UserID]time.Time, len(snap.FirstEngagement))
	for k, v := range snap.FirstEngagement {
		l.firstEngagement[k] = v
	}
	l.addresses = make(map[referral.UserID]string, len(snap.Addresses))
	for k, v := range snap.Addresses {
		l.addresses[k] = v
	}
	l.clock = NewClockAt(snap.MaxSeq())
	return l.backfillProvenance()
}

// backfillProvenance gives every referred user a record carrying its
// referrer, so provenance outlives the edge that created it.
func (l *Ledger) backfillProvenance() []op {
	ids := make([]referral.UserID, 0, len(l.referredBy))
	for id := range l.referredBy {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var ops []op
	for _, id := range ids {
		by := l.referredBy[id]
		rec, ok := l.records[id]
		if !ok {
			rec = referral.NewRecord(id, referral.PlaceholderName, l.clock.Next())
			l.records[id] = rec
		} else if rec.ReferredBy == by {
			continue
		}
		rec.ReferredBy = by
		ops = append(ops, saveRecordOp(rec.Clone()))
	}
	return ops
}

// mutate runs fn under the write lock, queues its writes in mutation order,
// and publishes its events once the lock is released.
func (l *Ledger) mutate(fn func() ([]op, []events.Event)) *Ack {
	l.phase.RLock()
	defer l.phase.RUnlock()

	l.mu.Lock()
	ops, evs := fn()
	ack := l.persist.submit(ops)
	l.mu.Unlock()

	for _, e := range evs {
		l.sink.Publish(e)
	}
	return ack
}

// getOrCreateLocked returns the record for id, creating it if absent.
// A real name replaces the stored one; the placeholder never does.
func (l *Ledger) getOrCreateLocked(id referral.UserID, name string) (*referral.Record, bool) {
	rec, ok := l.records[id]
	if !ok {
		rec = referral.NewRecord(id, name, l.clock.Next())
		l.records[id] = rec
		return rec, true
	}
	if name != "" && !referral.IsPlaceholderName(name) && name != rec.Name {
		rec.Name = name
		return rec, true
	}
	return rec, false
}

// GetOrCreate returns the user's record, creating it with referrals enabled
// on first sight. A non-empty name different from the stored one replaces it.
func (l *Ledger) GetOrCreate(id referral.UserID, name string) (referral.Record, *Ack) {
	var out referral.Record
	ack := l.mutate(func() ([]op, []events.Event) {
		rec, changed := l.getOrCreateLocked(id, name)
		out = rec.Clone()
		if !changed {
			return nil, nil
		}
		return []op{saveRecordOp(out.Clone())}, nil
	})
	return out, ack
}

// AddReferral creates a pending edge from referrer to referred.
//
// Checks run in order: self-referral, already referred (by anyone, ever),
// referrer disabled, then matching last-seen addresses. Only Created
// changes state.
func (l *Ledger) AddReferral(referrer, referred referral.UserID) (AddOutcome, *Ack) {
	var outcome AddOutcome
	ack := l.mutate(func() ([]op, []events.Event) {
		if referrer == referred {
			outcome = SelfReferral
			return nil, nil
		}
		if _, ok := l.referredBy[referred]; ok {
			outcome = AlreadyReferred
			return nil, nil
		}
		if rec, ok := l.records[referrer]; ok && !rec.Enabled {
			outcome = ReferrerDisabled
			return nil, nil
		}
		now := l.now()
		if a := l.addresses[referrer]; a != "" && a == l.addresses[referred] {
			outcome = AntiAbuseBlocked
			l.logger.Warn("referral blocked by address match",
				"referrer", string(referrer),
				"referred", string(referred))
			return nil, []events.Event{events.New(events.KindAntiAbuseBlocked, referrer, referred, now)}
		}

		outcome = Created
		from, _ := l.getOrCreateLocked(referrer, "")
		from.AddPending(referred, now)
		to, _ := l.getOrCreateLocked(referred, referral.PlaceholderName)
		to.ReferredBy = referrer
		l.referredBy[referred] = referrer

		ops := []op{saveRecordOp(from.Clone()), saveRecordOp(to.Clone())}
		if _, ok := l.firstEngagement[referred]; !ok {
			l.firstEngagement[referred] = now
			ops = append(ops, saveFirstEngagementOp(referred, now))
		}
		return ops, []events.Event{events.New(events.KindEdgeCreated, referrer, referred, now)}
	})
	return outcome, ack
}

// ConfirmEligible promotes the pending edge into referred once the user's
// accumulated engagement passes the gate. Confirmed or absent edges are left
// alone, so repeated calls are harmless.
func (l *Ledger) ConfirmEligible(referred referral.UserID) (Confirmation, *Ack) {
	accumulated, _ := l.source.Engagement(referred)

	var c Confirmation
	ack := l.mutate(func() ([]op, []events.Event) {
		referrer, ok := l.referredBy[referred]
		if !ok {
			return nil, nil
		}
		c.Referrer = referrer
		rec, ok := l.records[referrer]
		if !ok {
			return nil, nil
		}
		c.ConfirmedCount = rec.ConfirmedCount()
		if _, pending := rec.Pending[referred]; !pending {
			return nil, nil
		}
		if !l.policy.Gate().Qualifies(accumulated) {
			c.Pending = true
			return nil, nil
		}

		now := l.now()
		rec.Confirm(referred, l.clock.Next(), now)
		c.Confirmed = true
		c.ConfirmedCount = rec.ConfirmedCount()

		confirmed := events.New(events.KindEdgeConfirmed, referrer, referred, now)
		confirmed.Count = c.ConfirmedCount
		evs := []events.Event{confirmed}
		if c.ConfirmedCount == l.policy.PayoutThreshold {
			c.ThresholdReached = true
			reached := events.New(events.KindThresholdReached, referrer, "", now)
			reached.Count = c.ConfirmedCount
			reached.Threshold = l.policy.PayoutThreshold
			evs = append(evs, reached)
		}
		return []op{saveRecordOp(rec.Clone())}, evs
	})
	return c, ack
}

// ClaimPayout consumes PayoutThreshold confirmed referrals, oldest first.
// It changes nothing when the user has too few.
func (l *Ledger) ClaimPayout(id referral.UserID) (ClaimResult, *Ack) {
	var res ClaimResult
	ack := l.mutate(func() ([]op, []events.Event) {
		threshold := l.policy.PayoutThreshold
		res.Required = threshold
		rec, ok := l.records[id]
		if !ok {
			return nil, nil
		}
		res.ConfirmedBefore = rec.ConfirmedCount()
		res.Remaining = res.ConfirmedBefore
		taken := rec.TakeOldestConfirmed(threshold)
		if taken == nil {
			return nil, nil
		}
		rec.ClaimedPayout = true
		res.Claimed = true
		res.Remaining = rec.ConfirmedCount()
		res.Consumed = make([]referral.UserID, len(taken))
		for i, c := range taken {
			res.Consumed[i] = c.User
		}

		e := events.New(events.KindPayoutClaimed, id, "", l.now())
		e.Count = res.ConfirmedBefore
		e.Threshold = threshold
		return []op{saveRecordOp(rec.Clone())}, []events.Event{e}
	})
	return res, ack
}

// ResetUser clears the user's outgoing referrals and claim marker. Who
// referred the user, and who the user referred, stays in the referred-by
// index. Reports false for unknown users.
func (l *Ledger) ResetUser(id referral.UserID) (bool, *Ack) {
	var found bool
	ack := l.mutate(func() ([]op, []events.Event) {
		rec, ok := l.records[id]
		if !ok {
			return nil, nil
		}
		found = true
		rec.ClearReferrals()
		return []op{saveRecordOp(rec.Clone())}, nil
	})
	return found, ack
}

// SetReferralEnabled allows or forbids new edges from the user.
func (l *Ledger) SetReferralEnabled(id referral.UserID, enabled bool) (referral.Record, *Ack) {
	var out referral.Record
	ack := l.mutate(func() ([]op, []events.Event) {
		rec, created := l.getOrCreateLocked(id, "")
		changed := created || rec.Enabled != enabled
		rec.Enabled = enabled
		out = rec.Clone()
		if !changed {
			return nil, nil
		}
		return []op{saveRecordOp(out.Clone())}, nil
	})
	return out, ack
}

// RecordSession does the bookkeeping for a session start: the record is
// created or renamed, the last-seen address replaced, and the first
// engagement time recorded if missing.
func (l *Ledger) RecordSession(id referral.UserID, name, address string) *Ack {
	return l.mutate(func() ([]op, []events.Event) {
		var ops []op
		rec, changed := l.getOrCreateLocked(id, name)
		if changed {
			ops = append(ops, saveRecordOp(rec.Clone()))
		}
		if address != "" && l.addresses[id] != address {
			l.addresses[id] = address
			ops = append(ops, saveAddressOp(id, address))
		}
		if _, ok := l.firstEngagement[id]; !ok {
			now := l.now()
			l.firstEngagement[id] = now
			ops = append(ops, saveFirstEngagementOp(id, now))
		}
		return ops, nil
	})
}

// Lookup returns a copy of the user's record.
func (l *Ledger) Lookup(id referral.UserID) (referral.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return referral.Record{}, false
	}
	return rec.Clone(), true
}

// Referrer returns who referred the user.
func (l *Ledger) Referrer(id referral.UserID) (referral.UserID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.referredBy[id]
	return r, ok
}

// FirstEngagement returns when the user was first seen.
func (l *Ledger) FirstEngagement(id referral.UserID) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.firstEngagement[id]
	return t, ok
}

// Address returns the user's last-seen network address.
func (l *Ledger) Address(id referral.UserID) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.addresses[id]
	return a, ok
}

// TopReferrers returns record copies by confirmed count, highest first, ties
// in insertion order. Placeholder-named records are skipped. A limit of zero
// or less returns every record.
func (l *Ledger) TopReferrers(limit int) []referral.Record {
	l.mu.RLock()
	out := make([]referral.Record, 0, len(l.records))
	for _, rec := range l.records {
		if referral.IsPlaceholderName(rec.Name) {
			continue
		}
		out = append(out, rec.Clone())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].ConfirmedCount(), out[j].ConfirmedCount()
		if ci != cj {
			return ci > cj
		}
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountSameAddressReferrals counts the referrer's pending and confirmed
// referred users whose last-seen address is address.
func (l *Ledger) CountSameAddressReferrals(referrer referral.UserID, address string) int {
	if address == "" {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[referrer]
	if !ok {
		return 0
	}
	n := 0
	for _, id := range rec.Referred() {
		if l.addresses[id] == address {
			n++
		}
	}
	return n
}

// Stats returns totals over every record.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{
		Records:  len(l.records),
		Referred: len(l.referredBy),
		Backend:  l.persist.currentBackend().Kind(),
	}
	for _, rec := range l.records {
		s.Pending += rec.PendingCount()
		s.Confirmed += rec.ConfirmedCount()
		if rec.ClaimedPayout {
			s.Claimed++
		}
	}
	return s
}

// Policy returns the current policy.
func (l *Ledger) Policy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// SetPolicy replaces the policy. Existing edges are not re-evaluated.
func (l *Ledger) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = p
	return nil
}

// Flush waits until every write queued so far has been attempted.
func (l *Ledger) Flush(ctx context.Context) error {
	return l.persist.flush(ctx)
}

// Reload moves the ledger onto another backend.
//
// Mutations block for the duration. Current state is saved through the old
// backend, then the new backend is initialized and becomes the source of
// truth. If the new backend cannot be opened the old one stays in use and
// the error is returned.
func (l *Ledger) Reload(ctx context.Context, next store.Backend) error {
	l.phase.Lock()
	defer l.phase.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.persist.flush(ctx); err != nil {
		return fmt.Errorf("reload: flush: %w", err)
	}

	old := l.persist.currentBackend()
	if err := old.SaveAll(ctx, l.cloneAll()); err != nil {
		l.logger.Error("reload: save through old backend failed",
			"backend", string(old.Kind()),
			"error", err)
	}

	snap, err := initAndLoad(ctx, next)
	if err != nil {
		l.logger.Error("reload: new backend unavailable; keeping current",
			"backend", string(old.Kind()),
			"next", string(next.Kind()),
			"error", err)
		return err
	}

	if err := old.Close(); err != nil {
		l.logger.Warn("reload: close old backend", "backend", string(old.Kind()), "error", err)
	}

	l.mu.Lock()
	backfill := l.install(snap)
	l.mu.Unlock()
	l.persist.setBackend(next)
	l.persist.submit(backfill)

	l.logger.Info("ledger reloaded",
		"from", string(old.Kind()),
		"to", string(next.Kind()),
		"records", len(snap.Records))
	return nil
}

// Close drains pending writes, saves every record, and closes the backend.
// Mutations after Close still apply in memory; their Acks report ErrClosed.
func (l *Ledger) Close(ctx context.Context) error {
	l.phase.Lock()
	defer l.phase.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if err := l.persist.flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	l.persist.stop()

	b := l.persist.currentBackend()
	if err := b.SaveAll(ctx, l.cloneAll()); err != nil {
		errs = append(errs, fmt.Errorf("save all: %w", err))
	}
	if err := b.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	return errors.Join(errs...)
}

func (l *Ledger) cloneAll() []referral.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]referral.Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// verify checks cross-record invariants: every record is valid, every edge's
// referred user maps back to its referrer, and no user appears in two edges.
func (l *Ledger) verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	owner := make(map[referral.UserID]referral.UserID)
	for id, rec := range l.records {
		if err := rec.Validate(); err != nil {
			return err
		}
		for _, r := range rec.Referred() {
			if prev, dup := owner[r]; dup {
				return fmt.Errorf("user %s referred by both %s and %s", r, prev, id)
			}
			owner[r] = id
			if l.referredBy[r] != id {
				return fmt.Errorf("edge %s -> %s missing from referred-by index", id, r)
			}
		}
	}
	return nil
}
