package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Phases of a run.
const (
	PhasePlan    = "plan"
	PhaseExecute = "execute"
	PhaseRepair  = "repair"
	PhaseRun     = "run"
)

// Statuses carried by events.
const (
	StatusStart = "start"
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusOK    = "ok"
	StatusSkip  = "skip"
	StatusEnd   = "end"
	StatusFatal = "fatal"
)

// Event is one line of the run log. Only ts, run_id, phase and status are
// always present; the rest depends on the phase.
type Event struct {
	Timestamp     time.Time `json:"ts"`
	RunID         string    `json:"run_id,omitempty"`
	Phase         string    `json:"phase"`
	Status        string    `json:"status"`
	Step          int       `json:"step,omitempty"`
	Action        string    `json:"action,omitempty"`
	Description   string    `json:"description,omitempty"`
	Target        string    `json:"target,omitempty"`
	HealStage     string    `json:"heal_stage,omitempty"`
	Tier          string    `json:"tier,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	Strategy      string    `json:"strategy,omitempty"`
	URL           string    `json:"url,omitempty"`
	Evidence      string    `json:"evidence,omitempty"`
	Error         string    `json:"error,omitempty"`
	Model         string    `json:"model,omitempty"`
	ScenarioSteps int       `json:"scenario_steps,omitempty"`
	ConsoleErrors []string  `json:"console_errors,omitempty"`
	DriftedSteps  []int     `json:"drifted_steps,omitempty"`
}

// Logger is what components need to append to the run log.
type Logger interface {
	Log(evt Event)
}

// Recorder appends events to a JSONL file. It is safe for concurrent use,
// though a run only ever has one writer.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	runID   string
	path    string
	count   int
}

// New creates (truncating) the log file at path, making parent directories.
func New(path, runID string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create run log: %w", err)
	}
	return &Recorder{
		file:    f,
		encoder: json.NewEncoder(f),
		runID:   runID,
		path:    path,
	}, nil
}

// Log stamps the event with the current time and run id and writes it.
// A nil or closed recorder drops the event.
func (r *Recorder) Log(evt Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.RunID == "" {
		evt.RunID = r.runID
	}
	if err := r.encoder.Encode(evt); err == nil {
		r.count++
	}
}

// Path returns the log file location.
func (r *Recorder) Path() string { return r.path }

// Count returns how many events were written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close flushes the log file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}

// ReadAll decodes a run log, for replay tooling and tests.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var evt Event
		if err := dec.Decode(&evt); err != nil {
			return events, fmt.Errorf("decode run log line %d: %w", len(events)+1, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// Memory keeps events in a slice. Used where no run directory exists.
type Memory struct {
	mu     sync.Mutex
	Events []Event
}

func (m *Memory) Log(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.Events = append(m.Events, evt)
}

// Snapshot returns a copy of the collected events.
func (m *Memory) Snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.Events))
	copy(out, m.Events)
	return out
}
