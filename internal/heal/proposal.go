package heal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"healnerd/internal/intent"
	"healnerd/internal/scenario"
)

// MinProposalFallbacks is the number of alternates a proposal must carry.
const MinProposalFallbacks = 2

// ErrMalformedProposal wraps every rejection of model output.
var ErrMalformedProposal = errors.New("malformed heal proposal")

// Proposal is the repair a model suggests for a failed target.
type Proposal struct {
	Target          *intent.Target  `json:"target"`
	FallbackTargets []intent.Target `json:"fallback_targets"`
}

// ParseProposal accepts exactly one JSON object, optionally fenced, with a
// non-empty target and at least two non-empty fallback targets. Unknown
// keys, arrays, trailing values and commentary are rejected. Empty fallback
// entries are dropped before counting.
func ParseProposal(text string) (*Proposal, error) {
	s := bytes.TrimSpace([]byte(scenario.StripFences(text)))
	if len(s) == 0 || s[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedProposal)
	}

	dec := json.NewDecoder(bytes.NewReader(s))
	dec.DisallowUnknownFields()

	var p Proposal
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProposal, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedProposal)
	}

	if p.Target.IsEmpty() {
		return nil, fmt.Errorf("%w: missing target", ErrMalformedProposal)
	}

	fallbacks := make([]intent.Target, 0, len(p.FallbackTargets))
	for _, fb := range p.FallbackTargets {
		if !fb.IsEmpty() {
			fallbacks = append(fallbacks, fb)
		}
	}
	if len(fallbacks) < MinProposalFallbacks {
		return nil, fmt.Errorf("%w: need at least %d fallback targets, got %d", ErrMalformedProposal, MinProposalFallbacks, len(fallbacks))
	}
	p.FallbackTargets = fallbacks
	return &p, nil
}
