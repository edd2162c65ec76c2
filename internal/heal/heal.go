package heal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"healnerd/internal/candidate"
	"healnerd/internal/config"
	"healnerd/internal/intent"
	"healnerd/internal/llm"
	"healnerd/internal/mangle"
	"healnerd/internal/recorder"
	"healnerd/internal/scenario"

	"go.uber.org/zap"
)

// Tier names as they appear in the run log and in heal_attempt facts.
const (
	TierFallback        = "fallback"
	TierCandidateSearch = "candidate_search"
	TierLLMHeal         = "llm_heal"
)

// Outcomes of a single tier attempt.
const (
	OutcomeOK   = "ok"
	OutcomeFail = "fail"
	OutcomeSkip = "skip"
)

var (
	ErrNoFallback   = errors.New("no fallback target declared for this attempt")
	ErrNoCandidates = errors.New("no candidates for this action")
	ErrHealDisabled = errors.New("llm heal disabled")
)

// Performer runs a step's action against its current target.
type Performer interface {
	Perform(ctx context.Context, step *scenario.Step) error
}

// Snapshotter exposes the page state the candidate and LLM tiers read.
type Snapshotter interface {
	AXTree(ctx context.Context) (*candidate.Node, error)
	URL() string
}

// FactSink receives heal_attempt facts.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// HealError reports that every tier of every attempt failed.
type HealError struct {
	Step     int
	Target   string
	Attempts int
	Last     error
}

func (e *HealError) Error() string {
	return fmt.Sprintf("step %d: heal failed after %d attempt(s) for %s: %v", e.Step, e.Attempts, e.Target, e.Last)
}

func (e *HealError) Unwrap() error { return e.Last }

// Stage is always heal_failed.
func (e *HealError) Stage() scenario.HealStage { return scenario.StageFailed }

// Deps are the collaborators of an Orchestrator. LLM, Events and Facts may be nil.
type Deps struct {
	Performer Performer
	Page      Snapshotter
	LLM       llm.Client
	Events    recorder.Logger
	Facts     FactSink
	Logger    *zap.Logger
}

// Orchestrator repairs a failed step by escalating through deterministic
// fallbacks, accessibility-tree candidates and an LLM proposal.
type Orchestrator struct {
	cfg    config.HealConfig
	deps   Deps
	ranker candidate.Ranker
	logger *zap.Logger
}

func New(cfg config.HealConfig, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = &recorder.Memory{}
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		ranker: candidate.Ranker{RoleBonus: cfg.GetRoleBonus(), TopN: cfg.CandidateTopN},
		logger: logger,
	}
}

// Heal runs up to MaxAttempts attempts of the three tiers in order. On
// success the step keeps the target that worked and its HealStage names the
// tier. On failure the authored target and fallbacks are restored, HealStage
// is heal_failed and a *HealError is returned. cause is the error of the
// initial attempt.
func (o *Orchestrator) Heal(ctx context.Context, step *scenario.Step, cause error) (scenario.HealStage, error) {
	original := step.Target.Clone()
	originalFallbacks := cloneTargets(step.FallbackTargets)
	query := original.Query()
	role := ""
	if original != nil {
		role = original.Role
	}

	attempts := o.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	last := cause
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			last = err
			break
		}

		// Tier 1: deterministic fallback.
		if attempt <= len(step.FallbackTargets) {
			fb := step.FallbackTargets[attempt-1]
			step.Target = &fb
			err := o.deps.Performer.Perform(ctx, step)
			o.record(ctx, step, attempt, TierFallback, err)
			if err == nil {
				return o.succeed(step, scenario.FallbackStage(attempt)), nil
			}
			last = err
		} else {
			o.skip(ctx, step, attempt, TierFallback, ErrNoFallback)
		}

		// Tier 2: candidate search against the authored intent.
		ranked, err := o.candidateTier(ctx, step, query, role)
		o.record(ctx, step, attempt, TierCandidateSearch, err)
		if err == nil {
			return o.succeed(step, scenario.StageCandidateSearch), nil
		}
		last = err

		// Tier 3: LLM proposal.
		if !o.cfg.Enabled() || o.deps.LLM == nil {
			o.skip(ctx, step, attempt, TierLLMHeal, ErrHealDisabled)
			continue
		}
		err = o.llmTier(ctx, step, original, last, ranked)
		o.record(ctx, step, attempt, TierLLMHeal, err)
		if err == nil {
			return o.succeed(step, scenario.StageLLMHeal), nil
		}
		last = err
	}

	step.Target = original
	step.FallbackTargets = originalFallbacks
	step.HealStage = scenario.StageFailed
	o.logger.Warn("heal failed",
		zap.Int("step", step.Step),
		zap.String("target", original.Brief()),
		zap.Error(last))
	return scenario.StageFailed, &HealError{Step: step.Step, Target: original.Brief(), Attempts: attempts, Last: last}
}

func (o *Orchestrator) succeed(step *scenario.Step, stage scenario.HealStage) scenario.HealStage {
	step.HealStage = stage
	o.logger.Info("step healed",
		zap.Int("step", step.Step),
		zap.String("stage", string(stage)),
		zap.String("target", step.Target.Brief()))
	return stage
}

// candidateTier ranks the page's accessible elements and retries with the
// best one. The ranked list is returned for the LLM prompt even when the
// tier fails.
func (o *Orchestrator) candidateTier(ctx context.Context, step *scenario.Step, query, role string) ([]candidate.Candidate, error) {
	root, err := o.deps.Page.AXTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	cands := candidate.FilterByAction(candidate.Collect(root), string(step.Action))
	ranked := o.ranker.Rank(cands, query, role)
	if len(ranked) == 0 {
		return nil, ErrNoCandidates
	}

	top := ranked[0]
	if threshold := o.cfg.GetMinScore(); top.Score <= threshold {
		return ranked, fmt.Errorf("best candidate %s %q scored %.3f, not above %.2f", top.Role, top.Name, top.Score, threshold)
	}

	step.Target = &intent.Target{Role: top.Role, Name: top.Name}
	if err := o.deps.Performer.Perform(ctx, step); err != nil {
		return ranked, err
	}
	return ranked, nil
}

func (o *Orchestrator) llmTier(ctx context.Context, step *scenario.Step, original *intent.Target, last error, ranked []candidate.Candidate) error {
	errText := ""
	if last != nil {
		errText = last.Error()
	}
	prompt := BuildPrompt(PromptInput{
		Action:     step.Action,
		Failed:     original,
		Error:      errText,
		URL:        o.deps.Page.URL(),
		Candidates: ranked,
	})

	start := time.Now()
	out, err := o.deps.LLM.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("llm call: %w", err)
	}
	o.logger.Debug("llm heal response",
		zap.Int("step", step.Step),
		zap.Duration("took", time.Since(start)),
		zap.Int("chars", len(out)))

	prop, err := ParseProposal(out)
	if err != nil {
		return err
	}

	step.Target = prop.Target.Clone()
	step.FallbackTargets = cloneTargets(prop.FallbackTargets)
	return o.deps.Performer.Perform(ctx, step)
}

func (o *Orchestrator) record(ctx context.Context, step *scenario.Step, attempt int, tier string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFail
	}
	o.emit(ctx, step, attempt, tier, outcome, err)
}

func (o *Orchestrator) skip(ctx context.Context, step *scenario.Step, attempt int, tier string, reason error) {
	o.emit(ctx, step, attempt, tier, OutcomeSkip, reason)
}

func (o *Orchestrator) emit(ctx context.Context, step *scenario.Step, attempt int, tier, outcome string, err error) {
	evt := recorder.Event{
		Phase:   recorder.PhaseRepair,
		Status:  outcome,
		Step:    step.Step,
		Action:  string(step.Action),
		Tier:    tier,
		Attempt: attempt,
	}
	if outcome != OutcomeSkip {
		evt.Target = step.Target.Brief()
	}
	if err != nil {
		evt.Error = err.Error()
	}
	o.deps.Events.Log(evt)

	o.logger.Debug("repair tier",
		zap.Int("step", step.Step),
		zap.Int("attempt", attempt),
		zap.String("tier", tier),
		zap.String("outcome", outcome),
		zap.Error(err))

	if o.deps.Facts != nil {
		now := time.Now()
		if ferr := o.deps.Facts.AddFacts(ctx, []mangle.Fact{{
			Predicate: "heal_attempt",
			Args:      []interface{}{step.Step, attempt, tier, outcome},
			Timestamp: now,
		}}); ferr != nil {
			o.logger.Debug("heal fact error", zap.Error(ferr))
		}
	}
}

func cloneTargets(in []intent.Target) []intent.Target {
	if in == nil {
		return nil
	}
	out := make([]intent.Target, len(in))
	copy(out, in)
	return out
}
