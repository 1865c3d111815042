package poll

import (
	"fmt"
	"time"

	"github.com/mattjoyce/remotectl/internal/command"
)

// Policy bounds one await window: MaxAttempts queries, Interval apart.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Budget is the longest an await under p can take.
func (p Policy) Budget() time.Duration {
	return p.Interval * time.Duration(p.MaxAttempts)
}

func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.Interval)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("poll max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("%s x %d", p.Interval, p.MaxAttempts)
}

// DefaultBudgets are the budget classes agents have been tuned against.
func DefaultBudgets() map[command.Budget]Policy {
	return map[command.Budget]Policy{
		command.BudgetFast:     {Interval: time.Second, MaxAttempts: 15},
		command.BudgetImage:    {Interval: 2 * time.Second, MaxAttempts: 30},
		command.BudgetTransfer: {Interval: time.Second, MaxAttempts: 60},
		command.BudgetAck:      {Interval: time.Second, MaxAttempts: 10},
	}
}

// DefaultKindPolicies override the class budget for kinds that need longer.
func DefaultKindPolicies() map[command.Kind]Policy {
	return map[command.Kind]Policy{
		// Enumerating processes is slow on busy machines.
		command.KindGetRunningProcesses: {Interval: time.Second, MaxAttempts: 30},
	}
}

// Policies resolves the policy for a kind: a per-kind override first, then
// the kind's budget class.
type Policies struct {
	budgets map[command.Budget]Policy
	kinds   map[command.Kind]Policy
}

// NewPolicies merges budgets and kinds over the defaults.
func NewPolicies(budgets map[command.Budget]Policy, kinds map[command.Kind]Policy) (*Policies, error) {
	p := &Policies{budgets: DefaultBudgets(), kinds: DefaultKindPolicies()}
	for b, pol := range budgets {
		if err := pol.Validate(); err != nil {
			return nil, fmt.Errorf("budget %s: %w", b, err)
		}
		p.budgets[b] = pol
	}
	for k, pol := range kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("policy override for unknown kind %q", k)
		}
		if err := pol.Validate(); err != nil {
			return nil, fmt.Errorf("kind %s: %w", k, err)
		}
		p.kinds[k] = pol
	}
	return p, nil
}

// For returns the policy for kind. Unknown kinds get the ack budget.
func (p *Policies) For(kind command.Kind) Policy {
	if pol, ok := p.kinds[kind]; ok {
		return pol
	}
	spec, ok := command.Lookup(kind)
	if !ok {
		return p.budgets[command.BudgetAck]
	}
	return p.budgets[spec.Budget]
}
