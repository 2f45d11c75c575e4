package harness

import "github.com/roach88/offsync/internal/model"

// Trace event types.
const (
	EventEnqueue      = "enqueue"
	EventDeliver      = "deliver"
	EventPass         = "pass"
	EventConnectivity = "connectivity"
	EventAdvance      = "advance"
	EventRequeue      = "requeue"
	EventAcknowledge  = "acknowledge"
	EventCachePut     = "cache_put"
	EventCacheGet     = "cache_get"
)

// TraceEvent is one observable thing that happened during a scenario.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Key     string `json:"key,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// ActionState is the final state of one queued action.
type ActionState struct {
	ID       string       `json:"id"`
	Scope    string       `json:"scope"`
	Status   model.Status `json:"status"`
	Attempts int          `json:"attempts"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every sync expectation and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Actions lists every action still in the queue, in seq order.
	Actions []ActionState `json:"actions"`

	// Errors is empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Actions: []ActionState{},
		Errors:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
