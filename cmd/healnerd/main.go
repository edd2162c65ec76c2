package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"healnerd/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose      bool
	configPath   string
	noWorkspace  bool
	workspaceDir string

	// LLM and heal overrides
	ollamaHost string
	modelName  string
	provider   string
	healMode   string
	headless   bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "healnerd",
	Short: "healnerd - self-healing UI test engine",
	Long: `healnerd turns a free-text requirement into a UI test scenario, runs it in
Chrome and repairs steps whose targets drifted: first through declared
fallback targets, then through accessibility-tree candidates, then through
one LLM proposal per attempt.

Every run writes test_scenario.json, test_scenario.healed.json,
run_log.jsonl, per-step screenshots and an index.html report.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" {
			logger = zap.NewNop()
			return nil
		}

		loaded, _, err := config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
			Disable:     noWorkspace,
			ExplicitDir: workspaceDir,
		}, os.LookupEnv)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := applyFlags(cmd, &loaded); err != nil {
			return err
		}
		cfg = loaded

		toFile := ""
		if cmd.Name() == "serve" && cfg.MCP.SSEPort == 0 && ssePort == 0 {
			// keep the stdio transport free of log output
			toFile = cfg.Server.LogFile
		}
		logger, err = buildLogger(verbose, cfg.Server.LogLevel, toFile)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&configPath, "config", "", "Path to a config file layered over the workspace config")
	pf.BoolVar(&noWorkspace, "no-workspace", false, "Skip .healnerd workspace discovery")
	pf.StringVar(&workspaceDir, "workspace-dir", "", "Use this directory as workspace root")
	pf.StringVar(&ollamaHost, "ollama-host", "", "Ollama base URL (overrides OLLAMA_HOST)")
	pf.StringVar(&modelName, "model", "", "Model name (overrides MODEL_NAME)")
	pf.StringVar(&provider, "provider", "", "LLM provider: ollama | gemini")
	pf.StringVar(&healMode, "heal-mode", "", "Heal mode: on | off (overrides HEAL_MODE)")
	pf.BoolVar(&headless, "headless", true, "Run Chrome headless")

	rootCmd.AddCommand(runCmd, replayCmd, planCmd, serveCmd, initCmd)
}

// applyFlags layers explicitly set CLI flags over the loaded config.
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("ollama-host") {
		c.LLM.Host = ollamaHost
	}
	if changed("model") {
		c.LLM.Model = modelName
	}
	if changed("provider") {
		c.LLM.Provider = strings.ToLower(provider)
	}
	if changed("heal-mode") {
		c.Heal.Mode = strings.ToLower(healMode)
	}
	if changed("headless") {
		h := headless
		c.Browser.Headless = &h
	}
	return c.Validate()
}

func buildLogger(debug bool, level, file string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("server.log_level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if file != "" {
		zcfg.OutputPaths = []string{file}
		zcfg.ErrorOutputPaths = []string{file}
	}
	return zcfg.Build()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
