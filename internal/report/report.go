package report

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"time"

	"healnerd/internal/artifacts"
)

// Step outcomes shown in the Result column.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// Row is one executed step.
type Row struct {
	Step        int    `json:"step"`
	Action      string `json:"action"`
	Description string `json:"description"`
	HealStage   string `json:"heal_stage"`
	Status      string `json:"status"`
	Evidence    string `json:"evidence,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Passed reports whether the step passed.
func (r Row) Passed() bool { return r.Status == StatusPass }

// Document is everything the report shows.
type Document struct {
	Title       string
	RunID       string
	URL         string
	Status      string
	Error       string
	Rows        []Row
	Drifted     []int
	GeneratedAt time.Time
}

// Artifact links, relative to the run directory.
func (Document) ScenarioLink() string { return artifacts.ScenarioFile }
func (Document) HealedLink() string   { return artifacts.HealedFile }
func (Document) LogLink() string      { return artifacts.LogFile }

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var reportTmpl = template.Must(template.New("report.html.tmpl").Funcs(template.FuncMap{
	"stage": func(s string) string {
		if s == "" {
			return "none"
		}
		return s
	},
	"ts": func(t time.Time) string { return t.Format(time.RFC3339) },
}).ParseFS(templateFS, "templates/report.html.tmpl"))

// Render writes the report as a single HTML document.
func Render(w io.Writer, doc Document) error {
	if doc.Title == "" {
		doc.Title = "Self-Healing QA Report"
	}
	if doc.GeneratedAt.IsZero() {
		doc.GeneratedAt = time.Now()
	}
	if err := reportTmpl.Execute(w, doc); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

// WriteFile renders the report to path.
func WriteFile(path string, doc Document) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := Render(f, doc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
