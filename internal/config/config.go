package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level healnerd config.
	WorkspaceDirName = ".healnerd"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// Heal modes.
const (
	HealModeOn  = "on"
	HealModeOff = "off"
)

// LLM providers.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures every tunable of a test run. It is built once and passed
// down; nothing below the CLI reads the environment.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Runner  RunnerConfig  `yaml:"runner"`
	Heal    HealConfig    `yaml:"heal"`
	LLM     LLMConfig     `yaml:"llm"`
	Mangle  MangleConfig  `yaml:"mangle"`
	MCP     MCPConfig     `yaml:"mcp"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). When empty, Chrome is launched.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (binary followed by flags). Empty uses Rod's managed browser.
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Delay inserted by Rod between input actions (e.g., "300ms").
	SlowMotion string `yaml:"slow_motion"`
	// Timeout for navigate steps (e.g., "60s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Viewport width for the run page (default: 1280).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for the run page (default: 800).
	ViewportHeight int `yaml:"viewport_height"`
	// Console capture level: minimal (errors/warnings only) | normal.
	EventLoggingLevel string `yaml:"event_logging_level"`
}

// RunnerConfig holds the two timeout classes and artifact placement.
type RunnerConfig struct {
	// Per-strategy resolution probe timeout.
	FastTimeout string `yaml:"fast_timeout"`
	// Timeout for performing an action on a resolved element.
	ActionTimeout string `yaml:"action_timeout"`
	// Parent directory for run directories.
	OutDir string `yaml:"out_dir"`
	// Default duration of wait steps without a value.
	DefaultWaitMs int `yaml:"default_wait_ms"`
}

// HealConfig tunes the repair chain.
type HealConfig struct {
	// on | off. When off the LLM tier is never entered.
	Mode string `yaml:"mode"`
	// Attempts across all three tiers before a step is declared failed.
	MaxAttempts int `yaml:"max_attempts"`
	// Candidates retained after ranking.
	CandidateTopN int `yaml:"candidate_top_n"`
	// Additive bonus when a candidate's role matches the failed target's role.
	RoleBonus *float64 `yaml:"role_bonus"`
	// Minimum top score for the candidate tier to substitute a target.
	MinScore *float64 `yaml:"min_score"`
}

// LLMConfig selects the model backend used by the planner and the heal tier.
type LLMConfig struct {
	Provider       string  `yaml:"provider"`
	Host           string  `yaml:"host"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key"`
	Temperature    float64 `yaml:"temperature"`
	RequestTimeout string  `yaml:"request_timeout"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded run-fact engine.
type MangleConfig struct {
	Enable          bool `yaml:"enable"`
	FactBufferLimit int  `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "healnerd",
			Version:  "0.1.0",
			LogFile:  "healnerd.log",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			SlowMotion:               "300ms",
			DefaultNavigationTimeout: "60s",
			ViewportWidth:            1280,
			ViewportHeight:           800,
			EventLoggingLevel:        "minimal",
		},
		Runner: RunnerConfig{
			FastTimeout:   "1s",
			ActionTimeout: "10s",
			OutDir:        "artifacts",
			DefaultWaitMs: 1500,
		},
		Heal: HealConfig{
			Mode:          HealModeOn,
			MaxAttempts:   2,
			CandidateTopN: 8,
		},
		LLM: LLMConfig{
			Provider:       ProviderOllama,
			Host:           "http://host.docker.internal:11434",
			Model:          "qwen3-coder:30b",
			Temperature:    0.1,
			RequestTimeout: "120s",
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .healnerd/config.yaml file.
// Returns the workspace root directory (parent of .healnerd/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .healnerd/config.yaml <- explicit --config <- environment
//
// CLI flags are applied by the caller afterwards. Returns the merged config
// and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions, lookup func(string) (string, bool)) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return cfg, wsDir, err
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// ApplyEnv overlays the container-style environment variables the test
// image exports. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	millis := func(key string, dst *string) error {
		var n int
		if err := num(key, &n); err != nil {
			return err
		}
		if _, ok := lookup(key); ok && n > 0 {
			*dst = (time.Duration(n) * time.Millisecond).String()
		}
		return nil
	}

	str("OLLAMA_HOST", &c.LLM.Host)
	str("MODEL_NAME", &c.LLM.Model)
	str("LLM_PROVIDER", &c.LLM.Provider)
	str("GEMINI_API_KEY", &c.LLM.APIKey)
	str("HEAL_MODE", &c.Heal.Mode)
	c.Heal.Mode = strings.ToLower(c.Heal.Mode)

	if v, ok := lookup("HEADLESS"); ok && strings.TrimSpace(v) != "" {
		headless := strings.TrimSpace(v) == "1" || strings.EqualFold(strings.TrimSpace(v), "true")
		c.Browser.Headless = &headless
	}
	if v, ok := lookup("SLOW_MO_MS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env SLOW_MO_MS: %w", err)
		}
		c.Browser.SlowMotion = (time.Duration(n) * time.Millisecond).String()
	}
	if err := millis("DEFAULT_TIMEOUT_MS", &c.Runner.ActionTimeout); err != nil {
		return err
	}
	if err := millis("FAST_TIMEOUT_MS", &c.Runner.FastTimeout); err != nil {
		return err
	}
	if err := num("MAX_HEAL_ATTEMPTS", &c.Heal.MaxAttempts); err != nil {
		return err
	}
	return num("CANDIDATE_TOP_N", &c.Heal.CandidateTopN)
}

// InitWorkspace creates a .healnerd/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "requirements"),
		filepath.Join(wsDir, "artifacts"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# healnerd project-level configuration
# Values here override defaults but are overridden by --config, environment
# variables (OLLAMA_HOST, MODEL_NAME, HEAL_MODE, ...) and CLI flags.

# runner:
#   fast_timeout: "1s"
#   action_timeout: "10s"
#   out_dir: "artifacts"

# heal:
#   mode: "on"
#   max_attempts: 2
#   candidate_top_n: 8

# llm:
#   provider: "ollama"
#   host: "http://localhost:11434"
#   model: "qwen3-coder:30b"

# browser:
#   headless: false
#   slow_motion: "300ms"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Run output - do not version control\nartifacts/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Runner.OutDir = resolve(cfg.Runner.OutDir)
	return cfg
}

// Validate ensures required fields exist so a run can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	switch c.Heal.Mode {
	case HealModeOn, HealModeOff:
	default:
		return fmt.Errorf("heal.mode must be %q or %q, got %q", HealModeOn, HealModeOff, c.Heal.Mode)
	}
	if c.Heal.MaxAttempts < 1 {
		return errors.New("heal.max_attempts must be at least 1")
	}
	if c.Heal.CandidateTopN < 1 {
		return errors.New("heal.candidate_top_n must be at least 1")
	}
	switch c.LLM.Provider {
	case ProviderOllama:
		if c.LLM.Host == "" {
			return errors.New("llm.host is required for the ollama provider")
		}
	case ProviderGemini:
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	return nil
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 60*time.Second)
}

// SlowMotionDelay returns the per-action delay; zero disables slow motion.
func (b BrowserConfig) SlowMotionDelay() time.Duration {
	return parseDuration(b.SlowMotion, 0)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 800
	}
	return b.ViewportHeight
}

// Fast returns the resolution probe timeout.
func (r RunnerConfig) Fast() time.Duration {
	return parseDuration(r.FastTimeout, time.Second)
}

// Action returns the timeout for acting on a resolved element.
func (r RunnerConfig) Action() time.Duration {
	return parseDuration(r.ActionTimeout, 10*time.Second)
}

// WaitDefault returns the default wait step duration in milliseconds.
func (r RunnerConfig) WaitDefault() int {
	if r.DefaultWaitMs <= 0 {
		return 1500
	}
	return r.DefaultWaitMs
}

// Enabled reports whether the LLM tier may run.
func (h HealConfig) Enabled() bool {
	return h.Mode == HealModeOn
}

// GetRoleBonus returns the role-match bonus (default 0.10).
func (h HealConfig) GetRoleBonus() float64 {
	if h.RoleBonus == nil {
		return 0.10
	}
	return *h.RoleBonus
}

// GetMinScore returns the candidate acceptance threshold (default 0.3).
func (h HealConfig) GetMinScore() float64 {
	if h.MinScore == nil {
		return 0.3
	}
	return *h.MinScore
}

// Timeout returns the per-request LLM timeout.
func (l LLMConfig) Timeout() time.Duration {
	return parseDuration(l.RequestTimeout, 120*time.Second)
}
