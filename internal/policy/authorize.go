package policy

import (
	"fmt"

	"github.com/tdnguyen/chatgate/internal/fault"
)

// AccessLevel orders user tiers. Comparison is numeric: a user may use a
// model when their level is >= the model's minimum level.
type AccessLevel int

const (
	LevelBasic AccessLevel = iota
	LevelAdvanced
	LevelUltimate
	LevelOwner
)

var levelNames = map[AccessLevel]string{
	LevelBasic:    "basic",
	LevelAdvanced: "advanced",
	LevelUltimate: "ultimate",
	LevelOwner:    "owner",
}

func (l AccessLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseAccessLevel maps a stored name back to a level. Unknown names
// degrade to basic rather than failing a profile read.
func ParseAccessLevel(name string) AccessLevel {
	for level, n := range levelNames {
		if n == name {
			return level
		}
	}
	return LevelBasic
}

// Valid reports whether the level is one of the defined tiers.
func (l AccessLevel) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// Profile is the policy-relevant slice of a user profile.
type Profile struct {
	UserID      string
	AccessLevel AccessLevel
	Credit      int
}

// Model is the policy-relevant slice of a model descriptor.
type Model struct {
	Name           string
	CreditCost     int
	MinAccessLevel AccessLevel
	SupportsImages bool
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Cost    int
	Deny    fault.Kind
	Reason  string
}

// Authorize decides whether the user may invoke the model and at what cost.
// It is a pure function: the actual deduction happens only after the
// provider call succeeds.
func Authorize(p Profile, m Model) Decision {
	if m.Name == "" {
		return Decision{Deny: fault.KindModelUnknown, Reason: "model not configured"}
	}
	if p.AccessLevel < m.MinAccessLevel {
		return Decision{
			Deny:   fault.KindInsufficientAccessLevel,
			Reason: fmt.Sprintf("model %s requires %s access, user has %s", m.Name, m.MinAccessLevel, p.AccessLevel),
		}
	}
	if m.CreditCost > 0 && p.Credit < m.CreditCost {
		return Decision{
			Deny:   fault.KindInsufficientCredit,
			Reason: fmt.Sprintf("model %s costs %d credits, balance is %d", m.Name, m.CreditCost, p.Credit),
		}
	}
	return Decision{Allowed: true, Cost: m.CreditCost}
}

// Err converts a deny decision into a taxonomy error. Allowed decisions
// return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fault.New(d.Deny, "%s", d.Reason)
}
