package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"healnerd/internal/artifacts"
	"healnerd/internal/browser"
	"healnerd/internal/config"
	"healnerd/internal/executor"
	"healnerd/internal/llm"
	"healnerd/internal/mangle"
	"healnerd/internal/planner"
	"healnerd/internal/recorder"
	"healnerd/internal/report"
	"healnerd/internal/scenario"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoInput = errors.New("either a requirement or a scenario is required")
	ErrNoURL   = errors.New("an entry url is required")
)

// Browser is one live browser session.
type Browser interface {
	OpenPage(ctx context.Context) (executor.Page, error)
	Close() error
}

// Launcher starts a browser session whose page events feed sink.
type Launcher interface {
	Launch(ctx context.Context, sink browser.EngineSink) (Browser, error)
}

// Request describes one run. Exactly one of Requirement and Scenario is
// used; a supplied Scenario skips planning.
type Request struct {
	Requirement string
	Scenario    scenario.Scenario
	URL         string
	// OutDir is the run directory. Empty derives one under runner.out_dir.
	OutDir string
	// HealMode overrides heal.mode for this run when set.
	HealMode string
}

// Summary describes a finished run, fatal or not.
type Summary struct {
	RunID    string       `json:"run_id"`
	Dir      string       `json:"dir"`
	Status   string       `json:"status"`
	Error    string       `json:"error,omitempty"`
	Scenario string       `json:"scenario"`
	Healed   string       `json:"healed,omitempty"`
	Log      string       `json:"log"`
	Report   string       `json:"report"`
	Steps    int          `json:"steps"`
	Passed   int          `json:"passed"`
	Drifted  []int        `json:"drifted,omitempty"`
	Rows     []report.Row `json:"rows,omitempty"`
}

// OK reports whether the run ended without a fatal error.
func (s *Summary) OK() bool { return s != nil && s.Status == recorder.StatusEnd }

// Runner wires planning, one browser session, execution and artifacts
// into a single run.
type Runner struct {
	cfg      config.Config
	client   llm.Client
	launcher Launcher
	logger   *zap.Logger

	mu   sync.RWMutex
	last *mangle.Engine
}

// New builds a Runner. client may be nil for replays of existing scenarios.
func New(cfg config.Config, client llm.Client, launcher Launcher, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, client: client, launcher: launcher, logger: logger}
}

// LastFacts returns the fact engine of the most recent run, or nil.
func (r *Runner) LastFacts() *mangle.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Plan produces a scenario without executing it.
func (r *Runner) Plan(ctx context.Context, requirement, url string, events recorder.Logger) (scenario.Scenario, error) {
	if r.client == nil {
		return nil, errors.New("no llm client configured")
	}
	return planner.New(r.client, events, r.logger).Plan(ctx, requirement, url)
}

// Run executes one request end to end. Once the run directory exists the
// returned Summary is non-nil, and the healed scenario and report are
// written even when the run fails.
func (r *Runner) Run(ctx context.Context, req Request) (*Summary, error) {
	if req.Requirement == "" && len(req.Scenario) == 0 {
		return nil, ErrNoInput
	}
	if req.URL == "" {
		return nil, ErrNoURL
	}

	runID := uuid.NewString()
	dir, err := artifacts.Create(r.cfg.Runner.OutDir, req.OutDir, runID)
	if err != nil {
		return nil, err
	}
	rec, err := recorder.New(dir.Log(), runID)
	if err != nil {
		return nil, err
	}
	defer rec.Close()

	logger := r.logger.With(zap.String("run_id", runID))
	sum := &Summary{
		RunID:    runID,
		Dir:      dir.Path(),
		Scenario: dir.Scenario(),
		Log:      dir.Log(),
		Report:   dir.Report(),
	}

	engine, err := mangle.NewEngine(r.cfg.Mangle, logger)
	if err != nil {
		return sum, fmt.Errorf("fact engine: %w", err)
	}
	r.mu.Lock()
	r.last = engine
	r.mu.Unlock()

	rec.Log(recorder.Event{Phase: recorder.PhaseRun, Status: recorder.StatusStart, URL: req.URL})
	logger.Info("run started", zap.String("url", req.URL), zap.String("dir", dir.Path()))

	res, runErr := r.execute(ctx, req, dir, rec, engine, logger)
	return r.finish(ctx, req, dir, rec, engine, sum, res, runErr, logger)
}

func (r *Runner) execute(ctx context.Context, req Request, dir artifacts.Dir, rec *recorder.Recorder, engine *mangle.Engine, logger *zap.Logger) (*outcome, error) {
	// markers from an earlier run do not carry into this one
	authored := req.Scenario.Unmarked()
	if len(authored) == 0 {
		sc, err := r.Plan(ctx, req.Requirement, req.URL, rec)
		if err != nil {
			return nil, err
		}
		authored = sc
	} else if err := authored.Validate(); err != nil {
		return nil, err
	}
	if err := scenario.Write(dir.Scenario(), authored); err != nil {
		return nil, err
	}
	out := &outcome{authored: authored}

	if r.launcher == nil {
		return out, errors.New("no browser launcher configured")
	}
	b, err := r.launcher.Launch(ctx, engine)
	if err != nil {
		return out, fmt.Errorf("start browser: %w", err)
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			logger.Warn("browser close failed", zap.Error(cerr))
		}
	}()

	page, err := b.OpenPage(ctx)
	if err != nil {
		return out, fmt.Errorf("open page: %w", err)
	}

	healCfg := r.cfg.Heal
	if req.HealMode != "" {
		healCfg.Mode = req.HealMode
	}
	ex := executor.New(page, executor.Options{
		Runner:   r.cfg.Runner,
		Heal:     healCfg,
		EntryURL: req.URL,
		Dir:      dir,
		LLM:      r.client,
		Events:   rec,
		Facts:    engine,
		Logger:   logger,
	})
	out.result, err = ex.Run(ctx, authored)
	return out, err
}

type outcome struct {
	authored scenario.Scenario
	result   *executor.Result
}

func (r *Runner) finish(ctx context.Context, req Request, dir artifacts.Dir, rec *recorder.Recorder, engine *mangle.Engine, sum *Summary, out *outcome, runErr error, logger *zap.Logger) (*Summary, error) {
	if out == nil {
		sum.Scenario = ""
	} else {
		sum.Steps = len(out.authored)
		healed := out.authored
		if out.result != nil {
			healed = out.result.Healed
			sum.Rows = out.result.Rows
			for _, row := range sum.Rows {
				if row.Passed() {
					sum.Passed++
				}
			}
		}
		sum.Drifted = driftedSteps(ctx, engine, out, logger)
		if err := scenario.Write(dir.Healed(), healed); err != nil {
			logger.Warn("write healed scenario failed", zap.Error(err))
		} else {
			sum.Healed = dir.Healed()
		}
	}

	sum.Status = recorder.StatusEnd
	if runErr != nil {
		sum.Status = recorder.StatusFatal
		sum.Error = runErr.Error()
	}

	if err := report.WriteFile(dir.Report(), report.Document{
		RunID:   sum.RunID,
		URL:     req.URL,
		Status:  sum.Status,
		Error:   sum.Error,
		Rows:    sum.Rows,
		Drifted: sum.Drifted,
	}); err != nil {
		logger.Warn("write report failed", zap.Error(err))
	}

	evt := recorder.Event{
		Phase:        recorder.PhaseRun,
		Status:       sum.Status,
		URL:          req.URL,
		Error:        sum.Error,
		DriftedSteps: sum.Drifted,
	}
	if runErr != nil {
		evt.Step = executor.FailedStep(runErr)
	}
	rec.Log(evt)

	if runErr != nil {
		logger.Error("run failed", zap.Int("step", evt.Step), zap.Error(runErr))
		return sum, runErr
	}
	logger.Info("run finished",
		zap.Int("steps", sum.Steps),
		zap.Ints("drifted", sum.Drifted),
		zap.String("report", sum.Report))
	return sum, nil
}

// driftedSteps asks the fact engine which passed steps needed repair. With
// the engine disabled it falls back to comparing the scenarios.
func driftedSteps(ctx context.Context, engine *mangle.Engine, out *outcome, logger *zap.Logger) []int {
	if out.result == nil {
		return nil
	}
	if engine != nil && engine.Ready() {
		facts, err := engine.Evaluate(ctx, "drifted_step")
		if err == nil {
			var steps []int
			for _, f := range facts {
				if len(f.Args) == 0 {
					continue
				}
				if n, ok := f.Args[0].(int64); ok {
					steps = append(steps, int(n))
				}
			}
			sort.Ints(steps)
			return steps
		}
		logger.Debug("drift evaluation failed", zap.Error(err))
	}
	return scenario.Diff(out.authored, out.result.Healed)
}
