package heal

import (
	"context"
	"errors"
	"strings"
	"testing"

	"healnerd/internal/candidate"
	"healnerd/internal/config"
	"healnerd/internal/intent"
	"healnerd/internal/mangle"
	"healnerd/internal/recorder"
	"healnerd/internal/scenario"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakePerformer succeeds only for targets accepted by ok.
type fakePerformer struct {
	ok    func(t *intent.Target) bool
	tried []string
}

func (p *fakePerformer) Perform(_ context.Context, step *scenario.Step) error {
	p.tried = append(p.tried, step.Target.Brief())
	if p.ok != nil && p.ok(step.Target) {
		return nil
	}
	return errors.New("element not found")
}

type fakePage struct {
	root *candidate.Node
	err  error
	url  string
}

func (p *fakePage) AXTree(context.Context) (*candidate.Node, error) { return p.root, p.err }
func (p *fakePage) URL() string                                   { return p.url }

type fakeLLM struct {
	responses []string
	err       error
	prompts   []string
}

func (l *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	l.prompts = append(l.prompts, prompt)
	if l.err != nil {
		return "", l.err
	}
	if len(l.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	out := l.responses[0]
	l.responses = l.responses[1:]
	return out, nil
}

func (l *fakeLLM) Model() string { return "fake-model" }

type factRecorder struct{ facts []mangle.Fact }

func (f *factRecorder) AddFacts(_ context.Context, facts []mangle.Fact) error {
	f.facts = append(f.facts, facts...)
	return nil
}

func healCfg(mode string) config.HealConfig {
	return config.HealConfig{Mode: mode, MaxAttempts: 2, CandidateTopN: 8}
}

func tree(nodes ...*candidate.Node) *candidate.Node {
	return &candidate.Node{Role: "RootWebArea", Children: nodes}
}

func signInStep() *scenario.Step {
	return &scenario.Step{
		Step:        2,
		Action:      scenario.ActionClick,
		Target:      &intent.Target{Role: "button", Name: "Sign In"},
		Description: "click sign in",
	}
}

func named(name string) func(t *intent.Target) bool {
	return func(t *intent.Target) bool { return t != nil && (t.Name == name || t.Text == name) }
}

func tiers(events []recorder.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Tier+":"+e.Status)
	}
	return out
}

func TestHealFirstFallback(t *testing.T) {
	step := signInStep()
	step.FallbackTargets = []intent.Target{{Text: "Sign In"}, {TestID: "login"}}
	perf := &fakePerformer{ok: named("Sign In")}
	events := &recorder.Memory{}

	o := New(healCfg(config.HealModeOff), Deps{Performer: perf, Page: &fakePage{}, Events: events})
	stage, err := o.Heal(context.Background(), step, errors.New("not resolved"))
	require.NoError(t, err)

	assert.Equal(t, scenario.FallbackStage(1), stage)
	assert.Equal(t, scenario.HealStage("fallback_1"), step.HealStage)
	assert.Equal(t, &intent.Target{Text: "Sign In"}, step.Target)
	assert.Equal(t, []string{"fallback:ok"}, tiers(events.Snapshot()))
}

func TestHealExhaustsFallbacksInOrderBeforeCandidateSearch(t *testing.T) {
	step := signInStep()
	step.FallbackTargets = []intent.Target{{Text: "nope"}, {TestID: "login"}, {Label: "never tried"}}
	perf := &fakePerformer{ok: func(t *intent.Target) bool { return t.TestID == "login" }}
	events := &recorder.Memory{}
	facts := &factRecorder{}

	o := New(healCfg(config.HealModeOff), Deps{
		Performer: perf,
		Page:      &fakePage{root: tree()},
		Events:    events,
		Facts:     facts,
	})
	stage, err := o.Heal(context.Background(), step, errors.New("not resolved"))
	require.NoError(t, err)

	assert.Equal(t, scenario.FallbackStage(2), stage)
	assert.Equal(t, []string{
		"fallback:fail", "candidate_search:fail", "llm_heal:skip",
		"fallback:ok",
	}, tiers(events.Snapshot()))
	assert.Equal(t, []string{`{text="nope"}`, `{testid="login"}`}, perf.tried)

	require.Len(t, facts.facts, 4)
	assert.Equal(t, []interface{}{2, 2, TierFallback, OutcomeOK}, facts.facts[3].Args)
}

func TestHealCandidateSearchRenamedButton(t *testing.T) {
	step := signInStep()
	perf := &fakePerformer{ok: named("Log In")}
	page := &fakePage{root: tree(
		&candidate.Node{Role: "link", Name: "Help"},
		&candidate.Node{Role: "button", Name: "Log In"},
		&candidate.Node{Role: "textbox", Name: "Email"},
	)}

	o := New(healCfg(config.HealModeOff), Deps{Performer: perf, Page: page})
	stage, err := o.Heal(context.Background(), step, errors.New("not resolved"))
	require.NoError(t, err)

	assert.Equal(t, scenario.StageCandidateSearch, stage)
	assert.Equal(t, &intent.Target{Role: "button", Name: "Log In"}, step.Target)
}

func TestHealCandidateBelowThresholdIsRejected(t *testing.T) {
	step := signInStep()
	perf := &fakePerformer{ok: func(*intent.Target) bool { return true }}
	page := &fakePage{root: tree(&candidate.Node{Role: "link", Name: "Zebra"})}

	o := New(healCfg(config.HealModeOff), Deps{Performer: perf, Page: page})
	stage, err := o.Heal(context.Background(), step, errors.New("not resolved"))

	require.Error(t, err)
	assert.Equal(t, scenario.StageFailed, stage)
	assert.Empty(t, perf.tried, "no candidate cleared the threshold, nothing should be performed")
	assert.Contains(t, err.Error(), "not above")
}

func TestHealCandidateAtThresholdIsRejected(t *testing.T) {
	step := signInStep()
	perf := &fakePerformer{ok: func(*intent.Target) bool { return true }}
	// exact name, other role: scores 1.000 with no role bonus
	page := &fakePage{root: tree(&candidate.Node{Role: "link", Name: "Sign In"})}

	cfg := healCfg(config.HealModeOff)
	exact := 1.0
	cfg.MinScore = &exact

	o := New(cfg, Deps{Performer: perf, Page: page})
	stage, err := o.Heal(context.Background(), step, errors.New("not resolved"))

	require.Error(t, err)
	assert.Equal(t, scenario.StageFailed, stage)
	assert.Empty(t, perf.tried)
	assert.Contains(t, err.Error(), "scored 1.000, not above 1.00")
}

func TestHealFailedRestoresOriginalTarget(t *testing.T) {
	step := signInStep()
	step.FallbackTargets = []intent.Target{{Text: "Sign In"}}
	perf := &fakePerformer{}
	// page now uses a completely different control; click filter removes it
	page := &fakePage{root: tree(&candidate.Node{Role: "combobox", Name: "Country"})}
	events := &recorder.Memory{}

	o := New(healCfg(config.HealModeOff), Deps{Performer: perf, Page: page, Events: events})
	stage, err := o.Heal(context.Background(), step, errors.New("not resolved"))

	require.Error(t, err)
	assert.Equal(t, scenario.StageFailed, stage)
	assert.Equal(t, scenario.StageFailed, step.HealStage)

	var he *HealError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 2, he.Step)
	assert.Equal(t, 2, he.Attempts)
	assert.Equal(t, `{role="button" name="Sign In"}`, he.Target)
	assert.ErrorIs(t, err, ErrNoCandidates)

	assert.Equal(t, &intent.Target{Role: "button", Name: "Sign In"}, step.Target)
	assert.Equal(t, []intent.Target{{Text: "Sign In"}}, step.FallbackTargets)

	assert.Equal(t, []string{
		"fallback:fail", "candidate_search:fail", "llm_heal:skip",
		"fallback:skip", "candidate_search:fail", "llm_heal:skip",
	}, tiers(events.Snapshot()))
}

func TestHealLLMMalformedThenValid(t *testing.T) {
	step := signInStep()
	perf := &fakePerformer{ok: named("Enter")}
	client := &fakeLLM{responses: []string{
		"I think you should click the blue button.",
		"```json\n" + `{"target":{"role":"button","name":"Enter"},"fallback_targets":[{"text":"Enter"},{"testid":"enter"}]}` + "\n```",
	}}
	page := &fakePage{root: tree(&candidate.Node{Role: "button", Name: "Enter"}), url: "http://app.test/login"}

	cfg := healCfg(config.HealModeOn)
	high := 0.99
	cfg.MinScore = &high

	o := New(cfg, Deps{Performer: perf, Page: page, LLM: client})
	stage, err := o.Heal(context.Background(), step, errors.New("not resolved"))
	require.NoError(t, err)

	assert.Equal(t, scenario.StageLLMHeal, stage)
	assert.Equal(t, &intent.Target{Role: "button", Name: "Enter"}, step.Target)
	assert.Equal(t, []intent.Target{{Text: "Enter"}, {TestID: "enter"}}, step.FallbackTargets)

	require.Len(t, client.prompts, 2)
	assert.Contains(t, client.prompts[0], "http://app.test/login")
	assert.Contains(t, client.prompts[0], `"name":"Sign In"`)
	assert.Contains(t, client.prompts[1], "not above 0.99")
}

func TestHealLLMProposalFeedsNextAttemptFallbacks(t *testing.T) {
	step := signInStep()
	perf := &fakePerformer{ok: func(t *intent.Target) bool { return t.TestID == "second" }}
	client := &fakeLLM{responses: []string{
		`{"target":{"role":"button","name":"Ghost"},"fallback_targets":[{"testid":"first"},{"testid":"second"}]}`,
	}}
	events := &recorder.Memory{}

	o := New(healCfg(config.HealModeOn), Deps{Performer: perf, Page: &fakePage{root: tree()}, LLM: client, Events: events})
	stage, err := o.Heal(context.Background(), step, errors.New("not resolved"))
	require.NoError(t, err)

	assert.Equal(t, scenario.FallbackStage(2), stage)
	assert.Equal(t, []string{
		"fallback:skip", "candidate_search:fail", "llm_heal:fail",
		"fallback:ok",
	}, tiers(events.Snapshot()))
}

func TestHealLLMTransportErrorIsTierFailure(t *testing.T) {
	step := signInStep()
	client := &fakeLLM{err: errors.New("connection refused")}

	o := New(healCfg(config.HealModeOn), Deps{Performer: &fakePerformer{}, Page: &fakePage{err: errors.New("cdp closed")}, LLM: client})
	stage, err := o.Heal(context.Background(), step, errors.New("not resolved"))

	require.Error(t, err)
	assert.Equal(t, scenario.StageFailed, stage)
	assert.Len(t, client.prompts, 2)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHealStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	step := signInStep()
	perf := &fakePerformer{}
	o := New(healCfg(config.HealModeOff), Deps{Performer: perf, Page: &fakePage{}})
	_, err := o.Heal(ctx, step, errors.New("not resolved"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, perf.tried)
}

func TestBuildPromptSections(t *testing.T) {
	prompt := BuildPrompt(PromptInput{
		Action:     scenario.ActionFill,
		Failed:     &intent.Target{Label: "Email"},
		Error:      "target not resolved",
		URL:        "http://app.test/",
		Candidates: []candidate.Candidate{{Role: "textbox", Name: "E-mail", Score: 0.8}},
	})

	last := -1
	for _, section := range []string{"[Action]", "[Failed Target]", "[Error]", "[URL]", "[Candidate Elements]", "[Output Rules]", "[Output Schema]"} {
		idx := strings.Index(prompt, section)
		require.GreaterOrEqual(t, idx, 0, section)
		assert.Greater(t, idx, last, "sections out of order at %s", section)
		last = idx
	}
	assert.Contains(t, prompt, `{"label":"Email"}`)
	assert.Contains(t, prompt, `"name": "E-mail"`)
	assert.Contains(t, prompt, "fill")
}
