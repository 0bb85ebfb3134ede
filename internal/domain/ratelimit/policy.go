package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Policy is the fixed-window limit for one action.
type Policy struct {
	Action        Action `json:"action" yaml:"action"`
	MaxRequests   int    `json:"max_requests" yaml:"max_requests"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
	// BurstAllowance raises the denial threshold for user-scoped checks.
	// Zero means no burst.
	BurstAllowance int `json:"burst_allowance,omitempty" yaml:"burst_allowance,omitempty"`
}

// Window returns the window length as a duration.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// MaxAllowed returns the request count that triggers denial for the given scope.
// Global checks never get the burst allowance.
func (p Policy) MaxAllowed(scope Scope) int {
	if scope == ScopeUser && p.BurstAllowance > 0 {
		return p.BurstAllowance
	}
	return p.MaxRequests
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if !p.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, p.Action)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("policy %s: max_requests must be positive, got %d", p.Action, p.MaxRequests)
	}
	if p.WindowSeconds <= 0 {
		return fmt.Errorf("policy %s: window_seconds must be positive, got %d", p.Action, p.WindowSeconds)
	}
	if p.BurstAllowance != 0 && p.BurstAllowance < p.MaxRequests {
		return fmt.Errorf("policy %s: burst_allowance %d must be >= max_requests %d",
			p.Action, p.BurstAllowance, p.MaxRequests)
	}
	return nil
}

// DefaultPolicies returns the built-in policy catalogue.
func DefaultPolicies() []Policy {
	return []Policy{
		{Action: ActionLogin, MaxRequests: 10, WindowSeconds: 300},
		{Action: ActionSessionCreate, MaxRequests: 5, WindowSeconds: 300},
		{Action: ActionMessageSend, MaxRequests: 100, WindowSeconds: 3600, BurstAllowance: 120},
		{Action: ActionMediaUpload, MaxRequests: 20, WindowSeconds: 3600},
		{Action: ActionReportSubmit, MaxRequests: 10, WindowSeconds: 3600},
		{Action: ActionDisputeCreate, MaxRequests: 5, WindowSeconds: 86400},
		{Action: ActionPayoutRequest, MaxRequests: 3, WindowSeconds: 86400},
		{Action: ActionKYCSubmit, MaxRequests: 3, WindowSeconds: 86400},
		{Action: ActionChatCreate, MaxRequests: 50, WindowSeconds: 3600},
		{Action: ActionCallStart, MaxRequests: 20, WindowSeconds: 3600},
		{Action: ActionProfileUpdate, MaxRequests: 10, WindowSeconds: 300},
		{Action: ActionContentCreate, MaxRequests: 30, WindowSeconds: 3600},
	}
}

// PolicyTable is an immutable action -> policy mapping.
// It is built once at startup and shared by reference.
type PolicyTable struct {
	policies map[Action]Policy
}

// NewPolicyTable builds a table from the given policies. Every policy must be
// valid and every action in the catalogue must be covered exactly once.
func NewPolicyTable(policies []Policy) (*PolicyTable, error) {
	m := make(map[Action]Policy, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[p.Action]; dup {
			return nil, fmt.Errorf("duplicate policy for action %s", p.Action)
		}
		m[p.Action] = p
	}
	for _, a := range AllActions {
		if _, ok := m[a]; !ok {
			return nil, fmt.Errorf("missing policy for action %s", a)
		}
	}
	return &PolicyTable{policies: m}, nil
}

// DefaultPolicyTable returns a table holding DefaultPolicies.
func DefaultPolicyTable() *PolicyTable {
	t, err := NewPolicyTable(DefaultPolicies())
	if err != nil {
		panic(fmt.Sprintf("default policy table is invalid: %v", err))
	}
	return t
}

// WithOverrides returns a new table where the given policies replace the
// entries for their actions. The receiver is not modified.
func (t *PolicyTable) WithOverrides(overrides []Policy) (*PolicyTable, error) {
	merged := make(map[Action]Policy, len(t.policies))
	for a, p := range t.policies {
		merged[a] = p
	}
	for _, o := range overrides {
		if err := o.Validate(); err != nil {
			return nil, err
		}
		merged[o.Action] = o
	}
	list := make([]Policy, 0, len(merged))
	for _, p := range merged {
		list = append(list, p)
	}
	return NewPolicyTable(list)
}

// Lookup returns the policy for action.
func (t *PolicyTable) Lookup(action Action) (Policy, error) {
	p, ok := t.policies[action]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return p, nil
}

// All returns a copy of every policy in catalogue order.
func (t *PolicyTable) All() []Policy {
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	order := make(map[Action]int, len(AllActions))
	for i, a := range AllActions {
		order[a] = i
	}
	sort.Slice(out, func(i, j int) bool {
		return order[out[i].Action] < order[out[j].Action]
	})
	return out
}
