package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"healnerd/internal/browser"
	"healnerd/internal/candidate"
	"healnerd/internal/config"
	"healnerd/internal/executor"
	"healnerd/internal/intent"
	"healnerd/internal/planner"
	"healnerd/internal/recorder"
	"healnerd/internal/resolver"
	"healnerd/internal/scenario"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeElement struct{ clicks int }

func (e *fakeElement) Click(context.Context) error              { e.clicks++; return nil }
func (e *fakeElement) Fill(context.Context, string) error       { return nil }
func (e *fakeElement) WaitVisible(context.Context) error        { return nil }

// fakePage finds elements by "strategy|role|value".
type fakePage struct {
	visible map[string]*fakeElement
	tree    *candidate.Node
	url     string
}

func (p *fakePage) Probe(_ context.Context, pr intent.Probe) (resolver.Element, error) {
	if el, ok := p.visible[string(pr.Strategy)+"|"+pr.Role+"|"+pr.Value]; ok {
		return el, nil
	}
	return nil, errors.New("not visible")
}

func (p *fakePage) Navigate(_ context.Context, u string) error     { p.url = u; return nil }
func (p *fakePage) URL() string                                    { return p.url }
func (p *fakePage) Screenshot(context.Context) ([]byte, error)     { return []byte("png"), nil }
func (p *fakePage) AXTree(context.Context) (*candidate.Node, error) { return p.tree, nil }

type fakeBrowser struct {
	page   *fakePage
	closed bool
}

func (b *fakeBrowser) OpenPage(context.Context) (executor.Page, error) { return b.page, nil }
func (b *fakeBrowser) Close() error                                    { b.closed = true; return nil }

type fakeLauncher struct {
	browser *fakeBrowser
	err     error
	sink    browser.EngineSink
}

func (l *fakeLauncher) Launch(_ context.Context, sink browser.EngineSink) (Browser, error) {
	l.sink = sink
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

type fakeLLM struct {
	out string
	err error
}

func (l *fakeLLM) Complete(context.Context, string) (string, error) { return l.out, l.err }
func (l *fakeLLM) Model() string                                   { return "fake" }

func testConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Runner.FastTimeout = "20ms"
	cfg.Runner.OutDir = t.TempDir()
	return cfg
}

func loginScenario() scenario.Scenario {
	return scenario.Scenario{
		{Step: 1, Action: scenario.ActionNavigate, Description: "open"},
		{Step: 2, Action: scenario.ActionClick, Target: &intent.Target{Role: "button", Name: "Sign In"}, Description: "submit"},
	}
}

func runEvents(t *testing.T, path string) []recorder.Event {
	events, err := recorder.ReadAll(path)
	require.NoError(t, err)
	var out []recorder.Event
	for _, e := range events {
		if e.Phase == recorder.PhaseRun {
			out = append(out, e)
		}
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestReplayWritesAllArtifacts(t *testing.T) {
	page := &fakePage{visible: map[string]*fakeElement{"role_name|button|Sign In": {}}}
	b := &fakeBrowser{page: page}
	r := New(testConfig(t), nil, &fakeLauncher{browser: b}, nil)

	sum, err := r.Run(context.Background(), Request{Scenario: loginScenario(), URL: "http://app.test/"})
	require.NoError(t, err)
	require.True(t, sum.OK())

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 2, sum.Steps)
	assert.Equal(t, 2, sum.Passed)
	assert.Empty(t, sum.Drifted)
	assert.True(t, b.closed)
	for _, p := range []string{sum.Scenario, sum.Healed, sum.Log, sum.Report} {
		assert.True(t, exists(p), p)
	}

	healed, err := scenario.Load(sum.Healed)
	require.NoError(t, err)
	assert.Equal(t, scenario.StageNone, healed[1].HealStage)

	events := runEvents(t, sum.Log)
	require.Len(t, events, 2)
	assert.Equal(t, recorder.StatusStart, events[0].Status)
	assert.Equal(t, recorder.StatusEnd, events[1].Status)
	assert.Equal(t, sum.RunID, events[1].RunID)
}

func TestRunPlansRequirement(t *testing.T) {
	plan := `[{"step":1,"action":"navigate","value":"/"},{"step":2,"action":"click","target":{"role":"button","name":"Sign In"}}]`
	page := &fakePage{visible: map[string]*fakeElement{"role_name|button|Sign In": {}}}
	r := New(testConfig(t), &fakeLLM{out: plan}, &fakeLauncher{browser: &fakeBrowser{page: page}}, nil)

	sum, err := r.Run(context.Background(), Request{Requirement: "user signs in", URL: "http://app.test/"})
	require.NoError(t, err)

	authored, err := scenario.Load(sum.Scenario)
	require.NoError(t, err)
	assert.Len(t, authored, 2)

	events, err := recorder.ReadAll(sum.Log)
	require.NoError(t, err)
	var plans []recorder.Event
	for _, e := range events {
		if e.Phase == recorder.PhasePlan {
			plans = append(plans, e)
		}
	}
	require.Len(t, plans, 1)
	assert.Equal(t, "fake", plans[0].Model)
	assert.Equal(t, 2, plans[0].ScenarioSteps)
}

func TestRunReportsDriftFromFacts(t *testing.T) {
	page := &fakePage{
		visible: map[string]*fakeElement{"role_name|button|Log In": {}},
		tree: &candidate.Node{Role: "RootWebArea", Children: []*candidate.Node{
			{Role: "button", Name: "Log In"},
		}},
	}
	launcher := &fakeLauncher{browser: &fakeBrowser{page: page}}
	r := New(testConfig(t), &fakeLLM{err: errors.New("must not be called")}, launcher, nil)

	sum, err := r.Run(context.Background(), Request{
		Scenario: loginScenario(),
		URL:      "http://app.test/",
		HealMode: config.HealModeOff,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, sum.Drifted)
	assert.NotNil(t, launcher.sink)

	events := runEvents(t, sum.Log)
	require.Len(t, events, 2)
	assert.Equal(t, []int{2}, events[1].DriftedSteps)

	healed, err := scenario.Load(sum.Healed)
	require.NoError(t, err)
	assert.Equal(t, scenario.StageCandidateSearch, healed[1].HealStage)

	facts := r.LastFacts()
	require.NotNil(t, facts)
	assert.NotEmpty(t, facts.FactsByPredicate("heal_attempt"))
}

func TestRunPlanningFailureIsFatal(t *testing.T) {
	r := New(testConfig(t), &fakeLLM{out: "sorry, I cannot help"}, &fakeLauncher{}, nil)

	sum, err := r.Run(context.Background(), Request{Requirement: "anything", URL: "http://app.test/"})
	var pe *planner.PlanError
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, sum)
	assert.False(t, sum.OK())
	assert.Equal(t, recorder.StatusFatal, sum.Status)
	assert.Empty(t, sum.Healed)
	assert.True(t, exists(sum.Report))

	events := runEvents(t, sum.Log)
	require.Len(t, events, 2)
	assert.Equal(t, recorder.StatusFatal, events[1].Status)
	assert.NotEmpty(t, events[1].Error)
}

func TestRunLaunchFailureStillWritesArtifacts(t *testing.T) {
	r := New(testConfig(t), nil, &fakeLauncher{err: errors.New("chrome missing")}, nil)

	sum, err := r.Run(context.Background(), Request{Scenario: loginScenario(), URL: "http://app.test/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome missing")
	assert.True(t, exists(sum.Scenario))
	assert.True(t, exists(sum.Healed))
	assert.True(t, exists(sum.Report))
	assert.Zero(t, sum.Passed)
}

func TestRunStopsAtFailedStep(t *testing.T) {
	page := &fakePage{visible: map[string]*fakeElement{}, tree: &candidate.Node{Role: "RootWebArea"}}
	r := New(testConfig(t), nil, &fakeLauncher{browser: &fakeBrowser{page: page}}, nil)

	sum, err := r.Run(context.Background(), Request{Scenario: loginScenario(), URL: "http://app.test/"})
	require.Error(t, err)
	assert.Equal(t, 2, executor.FailedStep(err))
	assert.Equal(t, 1, sum.Passed)

	events := runEvents(t, sum.Log)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].Step)

	healed, err := scenario.Load(sum.Healed)
	require.NoError(t, err)
	assert.Equal(t, scenario.StageFailed, healed[1].HealStage)
}

func TestReplayClearsMarkersFromEarlierRun(t *testing.T) {
	prev := filepath.Join(t.TempDir(), "test_scenario.healed.json")
	require.NoError(t, scenario.Write(prev, scenario.Scenario{
		{Step: 1, Action: scenario.ActionClick, Target: &intent.Target{Role: "button", Name: "Gone"}, HealStage: scenario.StageNone},
		{Step: 2, Action: scenario.ActionClick, Target: &intent.Target{Role: "button", Name: "Log In"}, HealStage: scenario.StageCandidateSearch},
	}))
	sc, err := scenario.Load(prev)
	require.NoError(t, err)

	page := &fakePage{visible: map[string]*fakeElement{}, tree: &candidate.Node{Role: "RootWebArea"}}
	r := New(testConfig(t), nil, &fakeLauncher{browser: &fakeBrowser{page: page}}, nil)

	sum, err := r.Run(context.Background(), Request{Scenario: sc, URL: "http://app.test/", HealMode: config.HealModeOff})
	require.Error(t, err)
	assert.Equal(t, 1, executor.FailedStep(err))

	authored, err := scenario.Load(sum.Scenario)
	require.NoError(t, err)
	for _, s := range authored {
		assert.Empty(t, s.HealStage, "authored step %d", s.Step)
	}

	healed, err := scenario.Load(sum.Healed)
	require.NoError(t, err)
	assert.Equal(t, scenario.StageFailed, healed[0].HealStage)
	assert.Empty(t, healed[1].HealStage, "step 2 never ran")

	// the caller's scenario is left alone
	assert.Equal(t, scenario.StageCandidateSearch, sc[1].HealStage)
}

func TestRunRejectsIncompleteRequest(t *testing.T) {
	r := New(testConfig(t), nil, &fakeLauncher{}, nil)

	_, err := r.Run(context.Background(), Request{URL: "http://app.test/"})
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = r.Run(context.Background(), Request{Scenario: loginScenario()})
	assert.ErrorIs(t, err, ErrNoURL)
}
