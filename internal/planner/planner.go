package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"healnerd/internal/llm"
	"healnerd/internal/recorder"
	"healnerd/internal/scenario"

	"go.uber.org/zap"
)

// PlanError is a fatal planning failure: the model call failed or its output
// was not a structurally valid scenario.
type PlanError struct {
	Model string
	Err   error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan scenario with %s: %v", e.Model, e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }

// Planner turns a free-text requirement into a scenario with one model call.
type Planner struct {
	client llm.Client
	events recorder.Logger
	logger *zap.Logger
}

func New(client llm.Client, events recorder.Logger, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = &recorder.Memory{}
	}
	return &Planner{client: client, events: events, logger: logger}
}

// Plan makes exactly one completion call and parses its output strictly.
// There are no retries: any failure is returned as *PlanError.
func (p *Planner) Plan(ctx context.Context, requirement, url string) (scenario.Scenario, error) {
	model := p.client.Model()
	p.logger.Info("planning scenario", zap.String("model", model), zap.String("url", url))

	start := time.Now()
	out, err := p.client.Complete(ctx, BuildPrompt(requirement, url))
	if err != nil {
		return nil, &PlanError{Model: model, Err: err}
	}

	sc, err := scenario.ParsePlan(out)
	if err != nil {
		p.logger.Debug("unparseable plan", zap.String("output", truncate(out, 512)))
		return nil, &PlanError{Model: model, Err: err}
	}

	p.events.Log(recorder.Event{
		Phase:         recorder.PhasePlan,
		Status:        recorder.StatusOK,
		Model:         model,
		ScenarioSteps: len(sc),
	})
	p.logger.Info("scenario planned",
		zap.Int("steps", len(sc)),
		zap.Duration("took", time.Since(start)))
	return sc, nil
}

// BuildPrompt renders the planning request.
func BuildPrompt(requirement, url string) string {
	var b strings.Builder
	b.WriteString("You are a QA engineer.\n")
	b.WriteString("Convert the requirement below into an executable UI test scenario (a JSON array).\n\n")

	b.WriteString("[Requirement]\n")
	b.WriteString(strings.TrimSpace(requirement))
	b.WriteString("\n\n[Target URL]\n")
	b.WriteString(url)

	b.WriteString("\n\n[Authoring Rules]\n")
	b.WriteString("1. step.action is one of navigate|click|fill|check|wait.\n")
	b.WriteString("2. click/fill/check steps describe \"target\" by intent (role+name, label, text); use placeholder, testid or selector only when nothing else identifies the element.\n")
	b.WriteString("3. click/fill/check steps carry at least 2 \"fallback_targets\".\n")
	b.WriteString("4. Follow every state-changing step with a check step that verifies the new state.\n")
	b.WriteString("5. \"step\" numbers start at 1 and increase by one.\n")
	b.WriteString("6. Output only the JSON array. No explanations.\n")

	b.WriteString("\n[Step Shape]\n")
	b.WriteString(`{"step": <int>, "action": "<kind>", "target": {"role": "", "name": "", "label": "", "text": "", "placeholder": "", "testid": "", "selector": ""}, "value": "<url|text|milliseconds>", "fallback_targets": [<target>, <target>], "description": "<what the step does>"}`)

	b.WriteString("\n\n[Example]\n")
	fmt.Fprintf(&b, `[
  {"step": 1, "action": "navigate", "value": %q, "description": "open the main page"},
  {"step": 2, "action": "click", "target": {"role": "button", "name": "Sign In"}, "fallback_targets": [{"text": "Sign In"}, {"role": "link", "name": "Sign In"}], "description": "click the sign in button"},
  {"step": 3, "action": "check", "target": {"text": "Sign In"}, "fallback_targets": [{"role": "heading", "name": "Sign In"}, {"label": "Email"}], "description": "sign in form is shown"}
]`, url)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
