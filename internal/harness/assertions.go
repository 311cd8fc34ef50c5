package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/referral"
)

// Final-state tables.
const (
	tableUsers = "users"
	tableStats = "stats"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			if event.Type != TraceCompletion {
				fmt.Fprintf(&buf, "  [%d] %s %v\n", i+1, event.Action, event.Args)
			}
		}
	}

	return buf.String()
}

// named reports whether the entry is an invocation or event called action.
func named(event TraceEvent, action string) bool {
	return event.Type != TraceCompletion && event.Action == action
}

// assertTraceContains checks for an invocation or event matching the action
// and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if named(event, assertion.Action) && matchArgs(event.Args, assertion.Args) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences appear in order.
// Intervening entries are allowed.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		for _, expected := range assertion.Actions {
			if named(event, expected) && positions[expected] == 0 {
				positions[expected] = i + 1
			}
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev, curr := assertion.Actions[i-1], assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the action or event appears exactly Count
// times, optionally restricted to entries matching Args.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if named(event, assertion.Action) && matchArgs(event.Args, assertion.Args) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// userRow flattens what the ledger knows about one user.
func userRow(l *ledger.Ledger, id referral.UserID) map[string]any {
	row := map[string]any{"id": string(id), "exists": false}
	if by, ok := l.Referrer(id); ok {
		row["referred_by"] = string(by)
	}
	if addr, ok := l.Address(id); ok {
		row["address"] = addr
	}
	_, row["first_engagement"] = l.FirstEngagement(id)

	rec, ok := l.Lookup(id)
	if !ok {
		return row
	}
	row["exists"] = true
	row["name"] = rec.Name
	row["enabled"] = rec.Enabled
	row["claimed"] = rec.ClaimedPayout
	row["confirmed"] = rec.ConfirmedCount()
	row["pending"] = rec.PendingCount()

	confirmed := make([]string, 0, len(rec.Confirmed))
	for _, c := range rec.Confirmed {
		confirmed = append(confirmed, string(c.User))
	}
	pending := make([]string, 0, len(rec.Pending))
	for p := range rec.Pending {
		pending = append(pending, string(p))
	}
	sort.Strings(pending)
	row["confirmed_ids"] = confirmed
	row["pending_ids"] = pending
	return row
}

func statsRow(l *ledger.Ledger) map[string]any {
	s := l.Stats()
	return map[string]any{
		"records":   s.Records,
		"pending":   s.Pending,
		"confirmed": s.Confirmed,
		"referred":  s.Referred,
		"claimed":   s.Claimed,
	}
}

// assertFinalState checks a users or stats row against Expect (subset match).
func assertFinalState(l *ledger.Ledger, assertion Assertion) error {
	var row map[string]any
	switch assertion.Table {
	case tableUsers:
		id, _ := assertion.Where["id"].(string)
		row = userRow(l, referral.UserID(id))
	case tableStats:
		row = statsRow(l)
	default:
		return fmt.Errorf("final_state: unknown table %q", assertion.Table)
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want := assertion.Expect[key]
		got, exists := row[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %v", assertion.Table, key, want),
				Actual:   fmt.Sprintf("field %q not present (where %v)", key, assertion.Where),
			}
		}
		if !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %v (where %v)", assertion.Table, key, want, assertion.Where),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

// matchArgs checks that actual contains every expected key with an equal
// value. Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares values after a JSON round trip, so YAML ints match
// Go ints and []any matches []string.
func valuesEqual(actual, expected any) bool {
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// AssertionContext provides the ledger for final_state assertions.
type AssertionContext struct {
	Ledger *ledger.Ledger
}

// EvaluateAssertions evaluates all assertions against the result and returns
// the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Ledger == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a ledger", i)
			} else {
				err = assertFinalState(actx.Ledger, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}
