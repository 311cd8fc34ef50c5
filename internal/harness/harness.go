package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/referra/internal/engagement"
	"github.com/roach88/referra/internal/events"
	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/referral"
	"github.com/roach88/referra/internal/scheduler"
	"github.com/roach88/referra/internal/store"
	"github.com/roach88/referra/internal/testutil"
)

// Harness is one scenario's running system.
type Harness struct {
	ctx      context.Context
	backend  *testutil.MemBackend
	policy   ledger.Policy
	ledger   *ledger.Ledger
	tracker  *engagement.Tracker
	sched    *scheduler.Scheduler
	clock    *testutil.FakeClock
	recorder *testutil.Recorder
	logger   *slog.Logger

	seq   int64
	users map[referral.UserID]struct{}
}

// Run executes a scenario against a fresh ledger and returns the result.
// An error means the scenario could not be executed at all; failed
// expectations are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	h := &Harness{
		ctx:     ctx,
		backend: testutil.NewMemBackend(store.KindFile),
		policy: ledger.Policy{
			PayoutThreshold:    scenario.Policy.PayoutThreshold,
			RequiredEngagement: hours(scenario.Policy.RequiredEngagementHours),
		},
		tracker:  engagement.NewTracker(),
		clock:    testutil.NewFakeClock(testutil.Epoch),
		recorder: testutil.NewRecorder(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		users:    make(map[referral.UserID]struct{}),
	}
	if err := h.open(); err != nil {
		return nil, err
	}
	defer func() { _ = h.ledger.Close(ctx) }()

	result := NewResult()
	for i, step := range scenario.Setup {
		if _, _, err := h.execute(step.Action, step.Args, result); err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
	}

	for i, step := range scenario.Flow {
		outcome, res, err := h.execute(step.Invoke, step.Args, result)
		if err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}
		if step.Expect == nil {
			continue
		}
		if outcome != step.Expect.Case {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected case %q, got %q", i, step.Invoke, step.Expect.Case, outcome))
			continue
		}
		if !matchArgs(res, step.Expect.Result) {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected result %v, got %v", i, step.Invoke, step.Expect.Result, res))
		}
	}

	if err := h.ledger.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	h.checkRecords(result)

	actx := &AssertionContext{Ledger: h.ledger}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func (h *Harness) open() error {
	l, err := ledger.Open(h.ctx, h.backend, h.policy,
		ledger.WithEngagementSource(h.tracker),
		ledger.WithSink(h.recorder),
		ledger.WithLogger(h.logger),
		ledger.WithNow(h.clock.Now),
	)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	h.ledger = l
	h.sched = scheduler.New(l, h.tracker, scheduler.DefaultInterval, h.logger)
	return nil
}

// execute runs one action and appends its invocation, completion and the
// events it published to the trace.
func (h *Harness) execute(name string, raw map[string]any, result *Result) (string, map[string]any, error) {
	fn, ok := actions[name]
	if !ok {
		return "", nil, fmt.Errorf("unknown action %q", name)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	result.Trace = append(result.Trace, TraceEvent{Type: TraceInvocation, Action: name, Args: raw, Seq: h.next()})

	h.recorder.Reset()
	outcome, res, err := fn(h, args(raw))
	if err != nil {
		return "", nil, err
	}
	result.Trace = append(result.Trace, TraceEvent{Type: TraceCompletion, Case: outcome, Result: res, Seq: h.next()})

	for _, e := range h.recorder.Events() {
		result.Trace = append(result.Trace, TraceEvent{Type: TraceEventType, Action: string(e.Kind), Args: eventArgs(e), Seq: h.next()})
	}
	return outcome, res, nil
}

func (h *Harness) next() int64 {
	h.seq++
	return h.seq
}

// touch remembers a user id so its record is checked at the end.
func (h *Harness) touch(ids ...referral.UserID) {
	for _, id := range ids {
		h.users[id] = struct{}{}
	}
}

// checkRecords validates every record the scenario touched and the
// single-parent property across them.
func (h *Harness) checkRecords(result *Result) {
	ids := make([]referral.UserID, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parents := make(map[referral.UserID]referral.UserID)
	for _, id := range ids {
		rec, ok := h.ledger.Lookup(id)
		if !ok {
			continue
		}
		if err := rec.Validate(); err != nil {
			result.AddError(fmt.Sprintf("record %s: %v", id, err))
		}
		for _, referred := range rec.Referred() {
			if prev, dup := parents[referred]; dup {
				result.AddError(fmt.Sprintf("%s is referred by both %s and %s", referred, prev, id))
			}
			parents[referred] = id
		}
	}
}

func eventArgs(e events.Event) map[string]any {
	f := e.Fields()
	delete(f, "id")
	delete(f, "at")
	return f
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
