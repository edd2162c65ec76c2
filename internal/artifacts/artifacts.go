package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File names inside a run directory.
const (
	ScenarioFile = "test_scenario.json"
	HealedFile   = "test_scenario.healed.json"
	LogFile      = "run_log.jsonl"
	ReportFile   = "index.html"
)

// EvidenceName is the screenshot file name of a passed step.
func EvidenceName(step int) string {
	return fmt.Sprintf("step_%d_pass.png", step)
}

// Dir is one run's output directory.
type Dir string

// Create makes a run directory. An empty explicit path derives one from
// parent and the run id as <parent>/<yyyymmdd-hhmmss>-<id8>.
func Create(parent, explicit, runID string) (Dir, error) {
	path := explicit
	if path == "" {
		short := runID
		if len(short) > 8 {
			short = short[:8]
		}
		path = filepath.Join(parent, time.Now().Format("20060102-150405")+"-"+short)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	return Dir(path), nil
}

func (d Dir) Path() string             { return string(d) }
func (d Dir) Scenario() string         { return filepath.Join(string(d), ScenarioFile) }
func (d Dir) Healed() string           { return filepath.Join(string(d), HealedFile) }
func (d Dir) Log() string              { return filepath.Join(string(d), LogFile) }
func (d Dir) Report() string           { return filepath.Join(string(d), ReportFile) }
func (d Dir) Evidence(step int) string { return filepath.Join(string(d), EvidenceName(step)) }

// WriteEvidence stores a step's screenshot and returns its file name
// relative to the run directory.
func (d Dir) WriteEvidence(step int, png []byte) (string, error) {
	name := EvidenceName(step)
	if err := os.WriteFile(filepath.Join(string(d), name), png, 0o644); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}
	return name, nil
}
