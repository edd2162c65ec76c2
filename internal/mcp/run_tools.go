package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"healnerd/internal/config"
	"healnerd/internal/mangle"
	"healnerd/internal/runner"
	"healnerd/internal/scenario"
)

type PlanScenarioTool struct {
	runs RunService
}

func (t *PlanScenarioTool) Name() string { return "plan-scenario" }
func (t *PlanScenarioTool) Description() string {
	return `Turn a free-text requirement into an executable UI test scenario without running it.

Makes exactly one model call. The scenario is a JSON array of steps
(navigate, click, fill, check, wait), each with an intent target and
optional fallback targets.

WHEN TO USE:
- Review or edit a scenario before running it
- Produce a scenario for replay-scenario

Returns: {steps, scenario[, path]}. A malformed model answer is an error; nothing is retried.`
}
func (t *PlanScenarioTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"requirement": map[string]interface{}{
				"type":        "string",
				"description": "Free-text requirement, e.g. 'a user can sign in with valid credentials'",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Entry URL of the application under test",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Optional file to write the scenario to",
			},
		},
		"required": []string{"requirement", "url"},
	}
}
func (t *PlanScenarioTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	requirement := getStringArg(args, "requirement")
	url := getStringArg(args, "url")
	if requirement == "" || url == "" {
		return nil, fmt.Errorf("requirement and url are required")
	}

	sc, err := t.runs.Plan(ctx, requirement, url, nil)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"steps":    len(sc),
		"scenario": sc,
	}
	if path := getStringArg(args, "path"); path != "" {
		if err := scenario.Write(path, sc); err != nil {
			return nil, err
		}
		out["path"] = path
	}
	return out, nil
}

type RunRequirementTool struct {
	runs RunService
}

func (t *RunRequirementTool) Name() string { return "run-requirement" }
func (t *RunRequirementTool) Description() string {
	return `Plan a scenario from a requirement, run it in a fresh browser and self-heal broken steps.

Failed click/fill/check steps escalate through declared fallbacks,
accessibility-tree candidates and (heal_mode=on) one LLM proposal per attempt.

Returns: run summary {run_id, dir, status, drifted, rows, report, log, healed}.
A fatal run is reported with success=false and the partial summary; artifacts are written either way.`
}
func (t *RunRequirementTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"requirement": map[string]interface{}{
				"type":        "string",
				"description": "Free-text requirement to test",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Entry URL of the application under test",
			},
			"out_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional run directory (default: derived under runner.out_dir)",
			},
			"heal_mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{config.HealModeOn, config.HealModeOff},
				"description": "Override heal.mode for this run",
			},
		},
		"required": []string{"requirement", "url"},
	}
}
func (t *RunRequirementTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	req := runner.Request{
		Requirement: getStringArg(args, "requirement"),
		URL:         getStringArg(args, "url"),
		OutDir:      getStringArg(args, "out_dir"),
		HealMode:    getStringArg(args, "heal_mode"),
	}
	if req.Requirement == "" {
		return nil, fmt.Errorf("requirement is required")
	}
	if err := checkHealMode(req.HealMode); err != nil {
		return nil, err
	}
	return runPayload(t.runs.Run(ctx, req))
}

type ReplayScenarioTool struct {
	runs RunService
}

func (t *ReplayScenarioTool) Name() string { return "replay-scenario" }
func (t *ReplayScenarioTool) Description() string {
	return `Replay an existing (typically healed) scenario without any model calls.

The LLM tier is disabled; deterministic fallbacks and candidate search still run.
Pass either scenario_path or an inline scenario JSON array.

Returns: run summary, same shape as run-requirement.`
}
func (t *ReplayScenarioTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"scenario_path": map[string]interface{}{
				"type":        "string",
				"description": "Path to test_scenario.json or test_scenario.healed.json",
			},
			"scenario": map[string]interface{}{
				"type":        "string",
				"description": "Inline scenario JSON array",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Entry URL of the application under test",
			},
			"out_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional run directory",
			},
		},
		"required": []string{"url"},
	}
}
func (t *ReplayScenarioTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var sc scenario.Scenario
	switch {
	case getStringArg(args, "scenario_path") != "":
		loaded, err := scenario.Load(getStringArg(args, "scenario_path"))
		if err != nil {
			return nil, err
		}
		sc = loaded
	case getStringArg(args, "scenario") != "":
		if err := json.Unmarshal([]byte(getStringArg(args, "scenario")), &sc); err != nil {
			return nil, fmt.Errorf("decode scenario: %w", err)
		}
		if err := sc.Validate(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("scenario_path or scenario is required")
	}

	return runPayload(t.runs.Run(ctx, runner.Request{
		Scenario: sc,
		URL:      getStringArg(args, "url"),
		OutDir:   getStringArg(args, "out_dir"),
		HealMode: config.HealModeOff,
	}))
}

type RunFactsTool struct {
	runs RunService
}

func (t *RunFactsTool) Name() string { return "run-facts" }
func (t *RunFactsTool) Description() string {
	return `Inspect the facts recorded during the most recent run.

MODES:
- query: a Mangle atom such as drifted_step(S, Stage) or failed_tier(2, T)
- predicate: the most recent raw facts of one predicate (step_passed, heal_attempt, console_event, ...)
- neither: a digest of drifted_step, degraded_resolution and failed_tier

Returns: {results} for query, {facts} for predicate, {drifted_step, degraded_resolution, failed_tier} otherwise.`
}
func (t *RunFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query atom",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Raw predicate to list",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts returned in predicate mode (default 50)",
			},
		},
	}
}
func (t *RunFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	engine := t.runs.LastFacts()
	if engine == nil {
		return nil, fmt.Errorf("no run has been executed yet")
	}

	if query := strings.TrimSpace(getStringArg(args, "query")); query != "" {
		results, err := engine.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"query": query, "results": results}, nil
	}

	if predicate := getStringArg(args, "predicate"); predicate != "" {
		facts := recentFacts(engine, predicate, getIntArg(args, "limit", 50))
		return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
	}

	digest := make(map[string]interface{}, 3)
	for _, derived := range []string{"drifted_step", "degraded_resolution", "failed_tier"} {
		facts, err := engine.Evaluate(ctx, derived)
		if err != nil {
			return nil, err
		}
		digest[derived] = facts
	}
	return digest, nil
}

// recentFacts returns up to limit of the newest facts of predicate, oldest first.
func recentFacts(engine *mangle.Engine, predicate string, limit int) []mangle.Fact {
	source := engine.FactsByPredicate(predicate)
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	if len(source) > limit {
		source = source[len(source)-limit:]
	}
	return source
}

func checkHealMode(mode string) error {
	switch mode {
	case "", config.HealModeOn, config.HealModeOff:
		return nil
	}
	return fmt.Errorf("heal_mode must be %q or %q", config.HealModeOn, config.HealModeOff)
}

// runPayload keeps the partial summary of a fatal run visible to the caller.
func runPayload(sum *runner.Summary, err error) (interface{}, error) {
	if sum == nil {
		return nil, err
	}
	out := map[string]interface{}{
		"success": err == nil,
		"summary": sum,
	}
	if err != nil {
		out["error"] = err.Error()
	}
	return out, nil
}
