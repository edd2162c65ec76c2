package scenario

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoArray is returned when a planning response contains no JSON array.
var ErrNoArray = errors.New("no JSON array found in model output")

// StripFences removes a surrounding markdown code fence, if present.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the info string (```json)
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParsePlan extracts the outermost array region from a model response and
// decodes it into a validated scenario. Commentary around the array is
// tolerated; anything else wrong with the array is an error.
func ParsePlan(text string) (Scenario, error) {
	s := StripFences(text)
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end <= start {
		return nil, ErrNoArray
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(s[start : end+1])))
	dec.DisallowUnknownFields()

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode plan: trailing data after array")
	}
	sc = sc.Unmarked()
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return sc, nil
}
