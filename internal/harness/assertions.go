package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/testutil"
)

// AssertionContext gives assertions access to the final state.
type AssertionContext struct {
	Ctx      context.Context
	Queue    *queue.Queue
	Cache    *cache.Store
	Endpoint *testutil.FakeEndpoint
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s %s\n", ev.Seq, ev.Type, ev.ID, ev.Key, ev.Outcome)
		}
	}

	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertActionStatus:
		return assertActionStatus(actx, a)
	case AssertRemoteState:
		v, ok := actx.Endpoint.Resource(a.Key)
		return assertValue(AssertRemoteState, a, v, ok)
	case AssertCacheEntry:
		return assertCacheEntry(actx, a)
	case AssertDeliveryOrder:
		return assertDeliveryOrder(actx.Endpoint.Deliveries(), a)
	case AssertDeliveryCount:
		return assertDeliveryCount(actx.Endpoint.Deliveries(), a)
	case AssertAppliedCount:
		if n := actx.Endpoint.Applied(); n != *a.Count {
			return &AssertionError{
				Type:     AssertAppliedCount,
				Expected: fmt.Sprintf("%d applied actions", *a.Count),
				Actual:   fmt.Sprintf("%d applied actions", n),
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// matches reports whether ev has the assertion's event type and, when set,
// its id.
func matches(ev TraceEvent, a Assertion) bool {
	return ev.Type == a.Event && (a.ID == "" || ev.ID == a.ID)
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event for %q", a.Event, a.ID),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks the first events mentioning each id appear in
// the given order. Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if a.Event != "" && ev.Type != a.Event {
			continue
		}
		if slices.Contains(a.IDs, ev.ID) && positions[ev.ID] == 0 {
			positions[ev.ID] = i + 1
		}
	}

	for _, id := range a.IDs {
		if positions[id] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ids present: %v", a.IDs),
				Actual:   fmt.Sprintf("missing id: %s", id),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.IDs); i++ {
		prev, curr := a.IDs[i-1], a.IDs[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ids in order: %v", a.IDs),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a) {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events for %q", *a.Count, a.Event, a.ID),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertActionStatus(actx *AssertionContext, a Assertion) error {
	action, err := actx.Queue.Get(actx.Ctx, a.ID)
	if errors.Is(err, queue.ErrNotFound) {
		if a.Status == "absent" {
			return nil
		}
		return &AssertionError{
			Type:     AssertActionStatus,
			Expected: fmt.Sprintf("action %s is %s", a.ID, a.Status),
			Actual:   "action not found",
		}
	}
	if err != nil {
		return err
	}

	if a.Status != "" && string(action.Status) != a.Status {
		return &AssertionError{
			Type:     AssertActionStatus,
			Expected: fmt.Sprintf("action %s is %s", a.ID, a.Status),
			Actual:   fmt.Sprintf("action %s is %s (last error: %q)", a.ID, action.Status, action.LastError),
		}
	}
	if a.Attempts != nil && action.Attempts != *a.Attempts {
		return &AssertionError{
			Type:     AssertActionStatus,
			Expected: fmt.Sprintf("action %s has %d attempts", a.ID, *a.Attempts),
			Actual:   fmt.Sprintf("%d attempts", action.Attempts),
		}
	}
	return nil
}

func assertCacheEntry(actx *AssertionContext, a Assertion) error {
	// Enumerate does not count as an access, so the assertion does not
	// disturb recency.
	keys, err := actx.Cache.Enumerate(actx.Ctx, a.Key)
	if err != nil {
		return err
	}
	if !slices.Contains(keys, a.Key) {
		return assertValue(AssertCacheEntry, a, nil, false)
	}

	entry, err := actx.Cache.Get(actx.Ctx, a.Key)
	if errors.Is(err, cache.ErrMiss) {
		return assertValue(AssertCacheEntry, a, nil, false)
	}
	if err != nil {
		return err
	}
	return assertValue(AssertCacheEntry, a, entry.Value, true)
}

func assertValue(kind string, a Assertion, got []byte, found bool) error {
	if a.Absent {
		if found {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s absent", a.Key),
				Actual:   fmt.Sprintf("%s = %s", a.Key, got),
			}
		}
		return nil
	}
	if !found {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s = %s", a.Key, *a.Value),
			Actual:   fmt.Sprintf("%s absent", a.Key),
		}
	}
	if !sameValue([]byte(*a.Value), got) {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s = %s", a.Key, *a.Value),
			Actual:   fmt.Sprintf("%s = %s", a.Key, got),
		}
	}
	return nil
}

// sameValue compares JSON documents semantically and anything else
// byte for byte.
func sameValue(want, got []byte) bool {
	var wv, gv any
	if json.Unmarshal(want, &wv) == nil && json.Unmarshal(got, &gv) == nil {
		return reflect.DeepEqual(wv, gv)
	}
	return bytes.Equal(want, got)
}

// assertDeliveryOrder checks the order in which the remote first applied
// each action.
func assertDeliveryOrder(deliveries []testutil.Delivery, a Assertion) error {
	var applied []string
	for _, d := range deliveries {
		if d.Applied && slices.Contains(a.IDs, d.Token) {
			applied = append(applied, d.Token)
		}
	}
	if !slices.Equal(applied, a.IDs) {
		return &AssertionError{
			Type:     AssertDeliveryOrder,
			Expected: fmt.Sprintf("applied in order %v", a.IDs),
			Actual:   fmt.Sprintf("applied in order %v", applied),
		}
	}
	return nil
}

func assertDeliveryCount(deliveries []testutil.Delivery, a Assertion) error {
	count := 0
	for _, d := range deliveries {
		if d.Token == a.ID {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertDeliveryCount,
			Expected: fmt.Sprintf("%d delivery attempts for %s", *a.Count, a.ID),
			Actual:   fmt.Sprintf("%d delivery attempts", count),
		}
	}
	return nil
}
