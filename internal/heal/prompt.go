package heal

import (
	"encoding/json"
	"strings"

	"healnerd/internal/candidate"
	"healnerd/internal/intent"
	"healnerd/internal/scenario"
)

// PromptInput is the failure context handed to the model.
type PromptInput struct {
	Action     scenario.Action
	Failed     *intent.Target
	Error      string
	URL        string
	Candidates []candidate.Candidate
}

const outputRules = `1. Output exactly one JSON object and nothing else.
2. Build "target" from role+name, label or text whenever possible.
3. Include at least 2 entries in "fallback_targets".
4. Avoid guessing raw selectors.`

const outputSchema = `{
  "target": {"role": "...", "name": "..."},
  "fallback_targets": [
    {"role": "...", "name": "..."},
    {"text": "..."}
  ]
}`

// BuildPrompt renders the LLM heal request. Candidates are expected to be
// ranked and already cut to the shortlist size.
func BuildPrompt(in PromptInput) string {
	failed := "{}"
	if in.Failed != nil {
		if raw, err := json.Marshal(in.Failed); err == nil {
			failed = string(raw)
		}
	}

	cands := "[]"
	if len(in.Candidates) > 0 {
		if raw, err := json.MarshalIndent(in.Candidates, "", "  "); err == nil {
			cands = string(raw)
		}
	}

	var b strings.Builder
	section := func(title, body string) {
		b.WriteString("[")
		b.WriteString(title)
		b.WriteString("]\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}

	b.WriteString("[Self-Healing Request]\n")
	b.WriteString("The UI step below failed. Propose a replacement target and fallback_targets as JSON.\n\n")
	section("Action", string(in.Action))
	section("Failed Target", failed)
	section("Error", in.Error)
	section("URL", in.URL)
	section("Candidate Elements", cands)
	section("Output Rules", outputRules)
	section("Output Schema", outputSchema)
	return strings.TrimSpace(b.String())
}
