package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/model"
)

// Scenario is a scripted run of the sync engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	Config Settings `yaml:"config,omitempty"`

	// Setup seeds the cache and the remote before any step runs.
	Setup Setup `yaml:"setup,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Settings tune the engine for one scenario. Zero values keep the defaults.
type Settings struct {
	MaxAttempts     int    `yaml:"max_attempts,omitempty"`
	BaseBackoff     string `yaml:"base_backoff,omitempty"`
	MaxBackoff      string `yaml:"max_backoff,omitempty"`
	CacheMaxBytes   int64  `yaml:"cache_max_bytes,omitempty"`
	CacheMaxEntries int64  `yaml:"cache_max_entries,omitempty"`
}

// Setup is the initial state of a scenario.
type Setup struct {
	Cache  []Resource `yaml:"cache,omitempty"`
	Remote []Resource `yaml:"remote,omitempty"`
}

// Resource is a keyed value. For the remote, Key is the resource path.
type Resource struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`

	// TTL applies to cache entries only.
	TTL string `yaml:"ttl,omitempty"`
}

// Step is one scenario instruction. Exactly one field must be set.
type Step struct {
	Enqueue      *EnqueueStep `yaml:"enqueue,omitempty"`
	Script       *ScriptStep  `yaml:"script,omitempty"`
	Connectivity string       `yaml:"connectivity,omitempty"`
	Sync         *SyncStep    `yaml:"sync,omitempty"`
	Advance      string       `yaml:"advance,omitempty"`
	Requeue      string       `yaml:"requeue,omitempty"`
	Acknowledge  string       `yaml:"acknowledge,omitempty"`
	CachePut     *Resource    `yaml:"cache_put,omitempty"`
	CacheGet     string       `yaml:"cache_get,omitempty"`
}

// EnqueueStep appends an action. Without an id one is generated
// ("action-1", "action-2", ...). CacheKey defaults to Path.
type EnqueueStep struct {
	ID       string `yaml:"id,omitempty"`
	Kind     string `yaml:"kind"`
	Path     string `yaml:"path"`
	CacheKey string `yaml:"cache_key,omitempty"`
	Scope    string `yaml:"scope,omitempty"`
	Body     string `yaml:"body,omitempty"`
}

// ScriptStep makes the next deliveries of action ID fail, one outcome per
// attempt.
type ScriptStep struct {
	ID       string   `yaml:"id"`
	Outcomes []string `yaml:"outcomes"`
}

// Scripted delivery outcomes.
const (
	OutcomeNetwork  = "network"
	OutcomeTimeout  = "timeout"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"

	// OutcomeLostAck applies the action remotely but loses the response.
	OutcomeLostAck = "lost_ack"
)

// SyncStep runs one pass.
type SyncStep struct {
	Expect *PassExpect `yaml:"expect,omitempty"`
}

// PassExpect checks a pass outcome. Nil counters are not checked.
type PassExpect struct {
	State     string `yaml:"state,omitempty"`
	Synced    *int   `yaml:"synced,omitempty"`
	Retried   *int   `yaml:"retried,omitempty"`
	Failed    *int   `yaml:"failed,omitempty"`
	Conflicts *int   `yaml:"conflicts,omitempty"`
	Skipped   *int   `yaml:"skipped,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is the trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// ID is an action id.
	ID string `yaml:"id,omitempty"`

	// IDs is an ordered list of action ids (trace_order, delivery_order).
	IDs []string `yaml:"ids,omitempty"`

	// Key is a cache key or remote path.
	Key string `yaml:"key,omitempty"`

	// Value is the expected value; JSON values compare semantically.
	Value *string `yaml:"value,omitempty"`

	Absent bool `yaml:"absent,omitempty"`

	Status   string `yaml:"status,omitempty"`
	Attempts *int   `yaml:"attempts,omitempty"`
	Count    *int   `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertActionStatus  = "action_status"
	AssertRemoteState   = "remote_state"
	AssertCacheEntry    = "cache_entry"
	AssertDeliveryOrder = "delivery_order"
	AssertDeliveryCount = "delivery_count"
	AssertAppliedCount  = "applied_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is invalid.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if err := validateSettings(s.Config); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for i, r := range s.Setup.Cache {
		if err := validateResource(r); err != nil {
			return fmt.Errorf("setup.cache[%d]: %w", i, err)
		}
	}
	for i, r := range s.Setup.Remote {
		if r.Key == "" {
			return fmt.Errorf("setup.remote[%d]: key is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}

	return nil
}

func validateSettings(c Settings) error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}
	for name, v := range map[string]string{"base_backoff": c.BaseBackoff, "max_backoff": c.MaxBackoff} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	if c.CacheMaxBytes < 0 || c.CacheMaxEntries < 0 {
		return fmt.Errorf("cache budgets must be non-negative")
	}
	return nil
}

func validateResource(r Resource) error {
	if r.Key == "" {
		return fmt.Errorf("key is required")
	}
	if r.TTL != "" {
		if _, err := time.ParseDuration(r.TTL); err != nil {
			return fmt.Errorf("invalid ttl %q", r.TTL)
		}
	}
	return nil
}

func validateStep(s Step) error {
	set := 0
	for _, ok := range []bool{
		s.Enqueue != nil,
		s.Script != nil,
		s.Connectivity != "",
		s.Sync != nil,
		s.Advance != "",
		s.Requeue != "",
		s.Acknowledge != "",
		s.CachePut != nil,
		s.CacheGet != "",
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one instruction is required, got %d", set)
	}

	switch {
	case s.Enqueue != nil:
		e := s.Enqueue
		if _, err := model.ParseOperationKind(e.Kind); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		if e.Path == "" {
			return fmt.Errorf("enqueue: path is required")
		}
		if e.Body != "" && !json.Valid([]byte(e.Body)) {
			return fmt.Errorf("enqueue: body is not valid JSON")
		}
	case s.Script != nil:
		if s.Script.ID == "" {
			return fmt.Errorf("script: id is required")
		}
		if len(s.Script.Outcomes) == 0 {
			return fmt.Errorf("script: outcomes list is required")
		}
		for _, o := range s.Script.Outcomes {
			switch o {
			case OutcomeNetwork, OutcomeTimeout, OutcomeConflict, OutcomeRejected, OutcomeLostAck:
			default:
				return fmt.Errorf("script: unknown outcome %q", o)
			}
		}
	case s.Connectivity != "":
		if s.Connectivity != "online" && s.Connectivity != "offline" {
			return fmt.Errorf("connectivity must be online or offline, got %q", s.Connectivity)
		}
	case s.Advance != "":
		if d, err := time.ParseDuration(s.Advance); err != nil || d < 0 {
			return fmt.Errorf("advance: invalid duration %q", s.Advance)
		}
	case s.CachePut != nil:
		if err := validateResource(*s.CachePut); err != nil {
			return fmt.Errorf("cache_put: %w", err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("type is required")
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("event is required for trace_contains")
		}
	case AssertTraceOrder, AssertDeliveryOrder:
		if len(a.IDs) == 0 {
			return fmt.Errorf("ids list is required for %s", a.Type)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("event is required for trace_count")
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case AssertActionStatus:
		if a.ID == "" {
			return fmt.Errorf("id is required for action_status")
		}
		if a.Status != "absent" && !model.Status(a.Status).Valid() {
			return fmt.Errorf("unknown status %q", a.Status)
		}
	case AssertRemoteState, AssertCacheEntry:
		if a.Key == "" {
			return fmt.Errorf("key is required for %s", a.Type)
		}
		if a.Value == nil && !a.Absent {
			return fmt.Errorf("%s requires value or absent", a.Type)
		}
	case AssertDeliveryCount:
		if a.ID == "" {
			return fmt.Errorf("id is required for delivery_count")
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("count must be non-negative for delivery_count")
		}
	case AssertAppliedCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("count must be non-negative for applied_count")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}

	return nil
}
