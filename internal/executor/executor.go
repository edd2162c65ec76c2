package executor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"healnerd/internal/artifacts"
	"healnerd/internal/candidate"
	"healnerd/internal/config"
	"healnerd/internal/heal"
	"healnerd/internal/intent"
	"healnerd/internal/llm"
	"healnerd/internal/mangle"
	"healnerd/internal/recorder"
	"healnerd/internal/report"
	"healnerd/internal/resolver"
	"healnerd/internal/scenario"

	"go.uber.org/zap"
)

// Page is the browser surface a run drives.
type Page interface {
	resolver.Page
	Navigate(ctx context.Context, url string) error
	URL() string
	Screenshot(ctx context.Context) ([]byte, error)
	AXTree(ctx context.Context) (*candidate.Node, error)
}

// FactStore receives run facts and answers the console lookups attached to
// failure events.
type FactStore interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
	QueryTemporal(predicate string, after, before time.Time) []mangle.Fact
}

// Options configure an Executor. LLM, Events and Facts may be nil.
type Options struct {
	Runner   config.RunnerConfig
	Heal     config.HealConfig
	EntryURL string
	Dir      artifacts.Dir
	LLM      llm.Client
	Events   recorder.Logger
	Facts    FactStore
	Logger   *zap.Logger
}

// Result is what a run produced, also when it stopped early.
type Result struct {
	Healed  scenario.Scenario
	Rows    []report.Row
	Drifted []int
}

// Passed reports whether every step of the scenario passed.
func (r *Result) Passed() bool {
	if r == nil || len(r.Rows) != len(r.Healed) {
		return false
	}
	for _, row := range r.Rows {
		if !row.Passed() {
			return false
		}
	}
	return true
}

// Executor runs a scenario step by step against one page, repairing
// click, fill and check steps whose targets no longer resolve.
type Executor struct {
	page     Page
	opts     Options
	resolver *resolver.Resolver
	healer   *heal.Orchestrator
	events   recorder.Logger
	logger   *zap.Logger

	// strategy that resolved the most recent Perform
	strategy intent.Strategy
}

func New(page Page, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := opts.Events
	if events == nil {
		events = &recorder.Memory{}
	}
	e := &Executor{
		page:     page,
		opts:     opts,
		resolver: resolver.New(page, opts.Runner.Fast(), logger),
		events:   events,
		logger:   logger,
	}

	deps := heal.Deps{
		Performer: e,
		Page:      page,
		LLM:       opts.LLM,
		Events:    events,
		Logger:    logger,
	}
	if opts.Facts != nil {
		deps.Facts = opts.Facts
	}
	e.healer = heal.New(opts.Heal, deps)
	return e
}

// Run executes a deep copy of authored and returns the healed copy. The
// authored scenario is never modified. Execution stops at the first step
// that fails for good; steps after it are left without a heal marker.
func (e *Executor) Run(ctx context.Context, authored scenario.Scenario) (*Result, error) {
	res := &Result{Healed: authored.Clone()}

	for i := range res.Healed {
		step := &res.Healed[i]
		row, err := e.runStep(ctx, step)
		res.Rows = append(res.Rows, row)
		if err != nil {
			return res, &StepError{Step: step.Step, Err: err}
		}
		if step.HealStage != scenario.StageNone {
			res.Drifted = append(res.Drifted, step.Step)
		}
	}
	return res, nil
}

func (e *Executor) runStep(ctx context.Context, step *scenario.Step) (report.Row, error) {
	row := report.Row{
		Step:        step.Step,
		Action:      string(step.Action),
		Description: step.Description,
	}
	started := time.Now()
	e.events.Log(recorder.Event{
		Phase:       recorder.PhaseExecute,
		Status:      recorder.StatusStart,
		Step:        step.Step,
		Action:      string(step.Action),
		Description: step.Description,
		Target:      targetBrief(step),
	})
	e.addFact(ctx, "step_started", step.Step, string(step.Action))

	e.strategy = ""
	err := e.Perform(ctx, step)
	if err == nil {
		step.HealStage = scenario.StageNone
	} else {
		e.events.Log(recorder.Event{
			Phase:         recorder.PhaseExecute,
			Status:        recorder.StatusFail,
			Step:          step.Step,
			Action:        string(step.Action),
			Target:        targetBrief(step),
			URL:           e.page.URL(),
			Error:         err.Error(),
			ConsoleErrors: e.consoleErrors(started),
		})
		e.logger.Info("step failed",
			zap.Int("step", step.Step),
			zap.String("action", string(step.Action)),
			zap.Error(err))

		if !e.repairable(ctx, step, err) {
			step.HealStage = scenario.StageNone
			return e.fail(ctx, step, row, err)
		}
		if _, herr := e.healer.Heal(ctx, step, err); herr != nil {
			return e.fail(ctx, step, row, herr)
		}
	}

	row.HealStage = string(step.HealStage)
	row.Status = report.StatusPass
	row.Strategy = string(e.strategy)
	row.Evidence = e.evidence(ctx, step.Step)

	e.events.Log(recorder.Event{
		Phase:     recorder.PhaseExecute,
		Status:    recorder.StatusPass,
		Step:      step.Step,
		Action:    string(step.Action),
		Target:    targetBrief(step),
		HealStage: string(step.HealStage),
		Strategy:  string(e.strategy),
		URL:       e.page.URL(),
		Evidence:  row.Evidence,
	})
	e.addFact(ctx, "step_passed", step.Step, string(step.HealStage))
	if e.strategy != "" {
		e.addFact(ctx, "resolved_via", step.Step, string(e.strategy))
	}
	return row, nil
}

func (e *Executor) repairable(ctx context.Context, step *scenario.Step, err error) bool {
	if ctx.Err() != nil || !step.Action.Repairable() {
		return false
	}
	var ue *UnsupportedActionError
	return !errors.As(err, &ue)
}

func (e *Executor) fail(ctx context.Context, step *scenario.Step, row report.Row, err error) (report.Row, error) {
	row.HealStage = string(step.HealStage)
	row.Status = report.StatusFail
	row.Error = err.Error()
	e.addFact(ctx, "step_failed", step.Step, err.Error())
	return row, err
}

// Perform runs a step's action once against its current target. It is also
// the retry hook of the repair chain.
func (e *Executor) Perform(ctx context.Context, step *scenario.Step) error {
	switch step.Action {
	case scenario.ActionNavigate:
		target, err := e.resolveURL(string(step.Value))
		if err != nil {
			return &NavigationError{URL: string(step.Value), Err: err}
		}
		if err := e.page.Navigate(ctx, target); err != nil {
			return &NavigationError{URL: target, Err: err}
		}
		return nil

	case scenario.ActionWait:
		ms, err := step.Value.Millis(e.opts.Runner.WaitDefault())
		if err != nil {
			return err
		}
		return sleepWithContext(ctx, time.Duration(ms)*time.Millisecond)

	case scenario.ActionClick, scenario.ActionFill, scenario.ActionCheck:
		el, strategy, err := e.resolver.Resolve(ctx, step.Target)
		if err != nil {
			return err
		}
		e.strategy = strategy

		actx, cancel := context.WithTimeout(ctx, e.opts.Runner.Action())
		defer cancel()
		switch step.Action {
		case scenario.ActionClick:
			err = el.Click(actx)
		case scenario.ActionFill:
			err = el.Fill(actx, string(step.Value))
		default:
			err = el.WaitVisible(actx)
		}
		if err != nil {
			return &ActionError{Action: string(step.Action), Target: step.Target.Brief(), Err: err}
		}
		return nil
	}
	return &UnsupportedActionError{Action: string(step.Action)}
}

// resolveURL resolves a navigate value against the entry URL. An empty
// value navigates to the entry URL itself.
func (e *Executor) resolveURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if e.opts.EntryURL == "" {
			return "", errors.New("no url to navigate to")
		}
		return e.opts.EntryURL, nil
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if ref.IsAbs() || e.opts.EntryURL == "" {
		return raw, nil
	}
	base, err := url.Parse(e.opts.EntryURL)
	if err != nil {
		return "", fmt.Errorf("parse entry url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (e *Executor) evidence(ctx context.Context, step int) string {
	if e.opts.Dir == "" {
		return ""
	}
	png, err := e.page.Screenshot(ctx)
	if err != nil {
		e.logger.Warn("evidence capture failed", zap.Int("step", step), zap.Error(err))
		return ""
	}
	name, err := e.opts.Dir.WriteEvidence(step, png)
	if err != nil {
		e.logger.Warn("evidence write failed", zap.Int("step", step), zap.Error(err))
		return ""
	}
	return name
}

// consoleErrors returns console errors the page logged since the step started.
func (e *Executor) consoleErrors(since time.Time) []string {
	if e.opts.Facts == nil {
		return nil
	}
	var out []string
	for _, f := range e.opts.Facts.QueryTemporal("console_event", since, time.Time{}) {
		if len(f.Args) < 2 {
			continue
		}
		if level, _ := f.Args[0].(string); level != "error" {
			continue
		}
		if msg, ok := f.Args[1].(string); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (e *Executor) addFact(ctx context.Context, predicate string, args ...interface{}) {
	if e.opts.Facts == nil {
		return
	}
	if err := e.opts.Facts.AddFacts(ctx, []mangle.Fact{{
		Predicate: predicate,
		Args:      args,
		Timestamp: time.Now(),
	}}); err != nil {
		e.logger.Debug("run fact error", zap.String("predicate", predicate), zap.Error(err))
	}
}

func targetBrief(step *scenario.Step) string {
	if step.Target == nil {
		return ""
	}
	return step.Target.Brief()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
