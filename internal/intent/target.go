package intent

import (
	"fmt"
	"strings"
)

// Strategy names one tier of the resolution cascade.
type Strategy string

const (
	StrategyRoleName    Strategy = "role_name"
	StrategyLabel       Strategy = "label"
	StrategyText        Strategy = "text"
	StrategyPlaceholder Strategy = "placeholder"
	StrategyTestID      Strategy = "testid"
	StrategySelector    Strategy = "selector"
)

// Target describes which UI element a step means, independent of any one
// concrete selector. Every facet is optional; a target with no facets never
// resolves.
type Target struct {
	Role        string `json:"role,omitempty"`
	Name        string `json:"name,omitempty"`
	Label       string `json:"label,omitempty"`
	Text        string `json:"text,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	TestID      string `json:"testid,omitempty"`
	Selector    string `json:"selector,omitempty"`
}

// Probe is a single resolution attempt derived from one facet of a Target.
type Probe struct {
	Strategy Strategy
	Role     string // only set for StrategyRoleName
	Value    string
}

func (p Probe) String() string {
	if p.Strategy == StrategyRoleName {
		return fmt.Sprintf("%s(%s=%q)", p.Strategy, p.Role, p.Value)
	}
	return fmt.Sprintf("%s(%q)", p.Strategy, p.Value)
}

// IsEmpty reports whether no facet is set.
func (t *Target) IsEmpty() bool {
	if t == nil {
		return true
	}
	return *t == Target{}
}

// Probes returns the probes this target supports in cascade priority order.
// Role+name is only usable when both facets are present.
func (t *Target) Probes() []Probe {
	if t.IsEmpty() {
		return nil
	}

	probes := make([]Probe, 0, 6)
	if t.Role != "" && t.Name != "" {
		probes = append(probes, Probe{Strategy: StrategyRoleName, Role: t.Role, Value: t.Name})
	}
	if t.Label != "" {
		probes = append(probes, Probe{Strategy: StrategyLabel, Value: t.Label})
	}
	if t.Text != "" {
		probes = append(probes, Probe{Strategy: StrategyText, Value: t.Text})
	}
	if t.Placeholder != "" {
		probes = append(probes, Probe{Strategy: StrategyPlaceholder, Value: t.Placeholder})
	}
	if t.TestID != "" {
		probes = append(probes, Probe{Strategy: StrategyTestID, Value: t.TestID})
	}
	if t.Selector != "" {
		probes = append(probes, Probe{Strategy: StrategySelector, Value: t.Selector})
	}
	return probes
}

// Query is the string candidates are scored against: name, else text, else label.
func (t *Target) Query() string {
	if t == nil {
		return ""
	}
	switch {
	case t.Name != "":
		return t.Name
	case t.Text != "":
		return t.Text
	default:
		return t.Label
	}
}

// Brief renders the set facets as a compact description for logs and errors.
func (t *Target) Brief() string {
	if t.IsEmpty() {
		return "<empty target>"
	}
	parts := make([]string, 0, 7)
	add := func(key, val string) {
		if val != "" {
			parts = append(parts, fmt.Sprintf("%s=%q", key, val))
		}
	}
	add("role", t.Role)
	add("name", t.Name)
	add("label", t.Label)
	add("text", t.Text)
	add("placeholder", t.Placeholder)
	add("testid", t.TestID)
	add("selector", t.Selector)
	return "{" + strings.Join(parts, " ") + "}"
}

// Clone returns an independent copy. A nil target clones to nil.
func (t *Target) Clone() *Target {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Equal compares two possibly-nil targets facet by facet.
func Equal(a, b *Target) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return a.IsEmpty() && b.IsEmpty()
	}
	return *a == *b
}
