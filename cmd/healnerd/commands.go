package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"healnerd/internal/artifacts"
	"healnerd/internal/config"
	"healnerd/internal/llm"
	mcpserver "healnerd/internal/mcp"
	"healnerd/internal/runner"
	"healnerd/internal/scenario"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	targetURL    string
	srsFile      string
	outPath      string
	scenarioPath string
	planOut      string
	ssePort      int
)

var runCmd = &cobra.Command{
	Use:   "run [requirement]",
	Short: "Plan a scenario from a requirement, execute it and heal drifted steps",
	Long: `Plans a scenario with one model call, executes it in a fresh browser and
repairs click/fill/check steps whose targets no longer resolve.

The requirement comes from --srs-file or from the arguments.

Example:
  healnerd run --url http://localhost:3000 --srs-file login.txt --out artifacts/login`,
	RunE: runRequirement,
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a (healed) scenario without model calls",
	Long: `Executes an existing scenario file. The LLM tier is disabled; declared
fallbacks and candidate search still repair drifted steps.

Example:
  healnerd replay --scenario artifacts/login/test_scenario.healed.json --url http://localhost:3000`,
	RunE: replayScenario,
}

var planCmd = &cobra.Command{
	Use:   "plan [requirement]",
	Short: "Plan a scenario and write it without executing",
	RunE:  planScenario,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve plan/run/replay/facts as MCP tools (stdio, or SSE with --sse-port)",
	RunE:  serveMCP,
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a .healnerd workspace with a config template",
	Args:  cobra.MaximumNArgs(1),
	RunE:  initWorkspace,
}

func init() {
	runCmd.Flags().StringVar(&targetURL, "url", "", "Entry URL of the application under test")
	runCmd.Flags().StringVar(&srsFile, "srs-file", "", "File holding the free-text requirement")
	runCmd.Flags().StringVar(&outPath, "out", "", "Run directory (default: derived under runner.out_dir)")
	_ = runCmd.MarkFlagRequired("url")

	replayCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario file to replay")
	replayCmd.Flags().StringVar(&targetURL, "url", "", "Entry URL of the application under test")
	replayCmd.Flags().StringVar(&outPath, "out", "", "Run directory (default: derived under runner.out_dir)")
	_ = replayCmd.MarkFlagRequired("scenario")
	_ = replayCmd.MarkFlagRequired("url")

	planCmd.Flags().StringVar(&targetURL, "url", "", "Entry URL of the application under test")
	planCmd.Flags().StringVar(&srsFile, "srs-file", "", "File holding the free-text requirement")
	planCmd.Flags().StringVar(&planOut, "out", artifacts.ScenarioFile, "Scenario file to write")
	_ = planCmd.MarkFlagRequired("url")

	serveCmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve over SSE on this port instead of stdio")
}

// readRequirement takes the requirement from --srs-file, else from args.
func readRequirement(file string, args []string) (string, error) {
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read requirement: %w", err)
		}
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return "", fmt.Errorf("requirement file %s is empty", file)
		}
		return text, nil
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return "", errors.New("a requirement is required (--srs-file or arguments)")
	}
	return text, nil
}

func newRunner(cmd *cobra.Command, withLLM bool) (*runner.Runner, error) {
	var client llm.Client
	if withLLM {
		c, err := llm.New(cmd.Context(), cfg.LLM, logger)
		if err != nil {
			return nil, err
		}
		client = c
	}
	launcher := runner.RodLauncher{Config: cfg.Browser, Logger: logger}
	return runner.New(cfg, client, launcher, logger), nil
}

func runRequirement(cmd *cobra.Command, args []string) error {
	requirement, err := readRequirement(srsFile, args)
	if err != nil {
		return err
	}
	r, err := newRunner(cmd, true)
	if err != nil {
		return err
	}
	sum, err := r.Run(cmd.Context(), runner.Request{
		Requirement: requirement,
		URL:         targetURL,
		OutDir:      outPath,
	})
	printSummary(cmd.OutOrStdout(), sum)
	return err
}

func replayScenario(cmd *cobra.Command, args []string) error {
	sc, err := scenario.Load(scenarioPath)
	if err != nil {
		return err
	}
	r, err := newRunner(cmd, false)
	if err != nil {
		return err
	}
	sum, err := r.Run(cmd.Context(), runner.Request{
		Scenario: sc,
		URL:      targetURL,
		OutDir:   outPath,
		HealMode: config.HealModeOff,
	})
	printSummary(cmd.OutOrStdout(), sum)
	return err
}

func planScenario(cmd *cobra.Command, args []string) error {
	requirement, err := readRequirement(srsFile, args)
	if err != nil {
		return err
	}
	r, err := newRunner(cmd, true)
	if err != nil {
		return err
	}
	sc, err := r.Plan(cmd.Context(), requirement, targetURL, nil)
	if err != nil {
		return err
	}
	if err := scenario.Write(planOut, sc); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "planned %d steps -> %s\n", len(sc), planOut)
	return nil
}

func serveMCP(cmd *cobra.Command, args []string) error {
	if ssePort != 0 {
		cfg.MCP.SSEPort = ssePort
	}
	r, err := newRunner(cmd, true)
	if err != nil {
		return err
	}
	server, err := mcpserver.NewServer(cfg, r, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP server: %w", err)
	}

	ctx := cmd.Context()
	var startErr error
	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting healnerd MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting healnerd MCP stdio server")
		startErr = server.Start(ctx)
	}
	if startErr != nil && ctx.Err() == nil {
		return fmt.Errorf("server exited with error: %w", startErr)
	}
	return nil
}

func initWorkspace(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	if err := config.InitWorkspace(root); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s/%s\n", strings.TrimRight(root, "/"), config.WorkspaceDirName)
	return nil
}

func printSummary(w io.Writer, sum *runner.Summary) {
	if sum == nil {
		return
	}
	fmt.Fprintf(w, "run %s: %s (%d/%d steps passed)\n", sum.RunID, sum.Status, sum.Passed, sum.Steps)
	for _, row := range sum.Rows {
		stage := row.HealStage
		if stage == "" {
			stage = "none"
		}
		fmt.Fprintf(w, "  step %-3d %-8s %-4s %s\n", row.Step, row.Action, row.Status, stage)
	}
	if len(sum.Drifted) > 0 {
		fmt.Fprintf(w, "drifted steps: %v\n", sum.Drifted)
	}
	if sum.Error != "" {
		fmt.Fprintf(w, "error: %s\n", sum.Error)
	}
	fmt.Fprintf(w, "report: %s\n", sum.Report)
}
