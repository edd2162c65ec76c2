package scenario

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"healnerd/internal/intent"
)

// Action is the kind of work a step performs.
type Action string

const (
	ActionNavigate Action = "navigate"
	ActionClick    Action = "click"
	ActionFill     Action = "fill"
	ActionCheck    Action = "check"
	ActionWait     Action = "wait"
)

// Known reports whether the action is one of the five supported kinds.
func (a Action) Known() bool {
	switch a {
	case ActionNavigate, ActionClick, ActionFill, ActionCheck, ActionWait:
		return true
	}
	return false
}

// Repairable reports whether a failure of this action may enter the repair chain.
func (a Action) Repairable() bool {
	return a == ActionClick || a == ActionFill || a == ActionCheck
}

// HealStage records which mechanism, if any, made a step pass.
type HealStage string

const (
	StageNone            HealStage = "none"
	StageCandidateSearch HealStage = "candidate_search"
	StageLLMHeal         HealStage = "llm_heal"
	StageFailed          HealStage = "heal_failed"
)

// FallbackStage returns the marker for the n-th (1-based) pre-declared fallback.
func FallbackStage(n int) HealStage {
	return HealStage(fmt.Sprintf("fallback_%d", n))
}

// Value is a step payload. Models emit wait durations as bare numbers, so
// both JSON strings and JSON numbers decode into the same textual form.
type Value string

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value must be a string or number, got %s", data)
	}
	*v = Value(n.String())
	return nil
}

// Millis interprets the value as a millisecond duration, using def when empty.
func (v Value) Millis(def int) (int, error) {
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not a duration in milliseconds", string(v))
	}
	if f < 0 {
		return 0, fmt.Errorf("negative wait %q", string(v))
	}
	return int(f), nil
}

// Step is one ordered unit of work in a scenario.
type Step struct {
	Step            int             `json:"step"`
	Action          Action          `json:"action"`
	Target          *intent.Target  `json:"target,omitempty"`
	Value           Value           `json:"value,omitempty"`
	FallbackTargets []intent.Target `json:"fallback_targets,omitempty"`
	Description     string          `json:"description,omitempty"`
	HealStage       HealStage       `json:"heal_stage,omitempty"`
}

// Clone deep-copies the step so the copy shares no targets with the original.
func (s Step) Clone() Step {
	c := s
	c.Target = s.Target.Clone()
	if s.FallbackTargets != nil {
		c.FallbackTargets = make([]intent.Target, len(s.FallbackTargets))
		copy(c.FallbackTargets, s.FallbackTargets)
	}
	return c
}

// SameIntent reports whether two steps describe the same work, ignoring
// the post-execution heal marker.
func (s Step) SameIntent(o Step) bool {
	if s.Step != o.Step || s.Action != o.Action || s.Description != o.Description || s.Value != o.Value {
		return false
	}
	if !intent.Equal(s.Target, o.Target) {
		return false
	}
	if len(s.FallbackTargets) != len(o.FallbackTargets) {
		return false
	}
	for i := range s.FallbackTargets {
		if s.FallbackTargets[i] != o.FallbackTargets[i] {
			return false
		}
	}
	return true
}

// Scenario is an ordered list of steps.
type Scenario []Step

// Clone deep-copies every step.
func (sc Scenario) Clone() Scenario {
	if sc == nil {
		return nil
	}
	out := make(Scenario, len(sc))
	for i, s := range sc {
		out[i] = s.Clone()
	}
	return out
}

// Unmarked returns a deep copy with every heal_stage marker cleared, so a
// previously executed scenario can be run again as authored.
func (sc Scenario) Unmarked() Scenario {
	out := sc.Clone()
	for i := range out {
		out[i].HealStage = ""
	}
	return out
}

var ErrEmptyScenario = errors.New("scenario has no steps")

// Validate checks the structural invariants every plan must hold.
func (sc Scenario) Validate() error {
	if len(sc) == 0 {
		return ErrEmptyScenario
	}
	prev := 0
	for i, s := range sc {
		if s.Action == "" {
			return fmt.Errorf("step at position %d has no action", i)
		}
		if i > 0 && s.Step <= prev {
			return fmt.Errorf("step indices must strictly increase: %d follows %d", s.Step, prev)
		}
		prev = s.Step
	}
	return nil
}

// Diff returns the indices of healed steps whose intent drifted from the
// authored scenario.
func Diff(authored, healed Scenario) []int {
	var drifted []int
	for i := range healed {
		if i >= len(authored) || !authored[i].SameIntent(healed[i]) {
			drifted = append(drifted, healed[i].Step)
		}
	}
	return drifted
}

// Load reads a scenario file.
func Load(path string) (Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", path, err)
	}
	return sc, sc.Validate()
}

// Write stores the scenario as indented JSON.
func Write(path string, sc Scenario) error {
	if sc == nil {
		sc = Scenario{}
	}
	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}
