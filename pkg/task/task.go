// Package task runs multi-step workflows over the tool-server client:
// ordered pipelines that stop at the first failure, and parallel
// fan-outs with bounded concurrency. Each step is one capability
// invocation with its own timeout and transient-retry budget.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Mode selects how a task's steps are scheduled.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Status of a single step after a run.
type Status string

const (
	// StatusSucceeded means the invocation returned a result.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the invocation failed after exhausting retries.
	StatusFailed Status = "failed"
	// StatusSkipped means an earlier sequential step failed before this
	// one was reached.
	StatusSkipped Status = "skipped"
)

// Step is one capability invocation inside a task.
type Step struct {
	Name    string                 `json:"name"`
	Server  string                 `json:"server"`
	Tool    string                 `json:"tool"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Timeout time.Duration          `json:"-"`
	// Retries is the number of extra attempts allowed when the step
	// fails with a transient error. Zero means use the manager
	// default; -1 disables retries for this step.
	Retries int `json:"retries,omitempty"`
}

// Task is a named collection of steps with a scheduling mode.
type Task struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Mode  Mode   `json:"mode"`
	Steps []Step `json:"steps"`
}

// New builds a task with a fresh id.
func New(name string, mode Mode, steps []Step) *Task {
	return &Task{
		ID:    uuid.New().String(),
		Name:  name,
		Mode:  mode,
		Steps: steps,
	}
}

// Validate checks the task is runnable.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task has no name")
	}
	if t.Mode != ModeSequential && t.Mode != ModeParallel {
		return fmt.Errorf("invalid task mode %q", t.Mode)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("task %q has no steps", t.Name)
	}
	seen := make(map[string]bool, len(t.Steps))
	for i, step := range t.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
		seen[step.Name] = true
		if step.Server == "" {
			return fmt.Errorf("step %q has no server", step.Name)
		}
		if step.Tool == "" {
			return fmt.Errorf("step %q has no tool", step.Name)
		}
		if step.Retries < -1 {
			return fmt.Errorf("step %q has invalid retries %d", step.Name, step.Retries)
		}
	}
	return nil
}

// StepResult records the outcome of one step.
type StepResult struct {
	Step     string          `json:"step"`
	Server   string          `json:"server"`
	Tool     string          `json:"tool"`
	Status   Status          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration"`
}

// Result is the full record of one task run.
type Result struct {
	TaskID     string       `json:"task_id"`
	Name       string       `json:"name"`
	Mode       Mode         `json:"mode"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []StepResult `json:"steps"`
	Succeeded  bool         `json:"succeeded"`
}

// FirstError returns the error of the first failed step, or "".
func (r *Result) FirstError() string {
	for _, step := range r.Steps {
		if step.Status == StatusFailed {
			return step.Error
		}
	}
	return ""
}

// fileStep is the on-disk shape of a step; durations are seconds.
type fileStep struct {
	Name           string                 `json:"name"`
	Server         string                 `json:"server"`
	Tool           string                 `json:"tool"`
	Args           map[string]interface{} `json:"args"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	Retries        int                    `json:"retries"`
}

type fileTask struct {
	Name  string     `json:"name"`
	Mode  string     `json:"mode"`
	Steps []fileStep `json:"steps"`
}

// LoadFile reads a task definition from a JSON file.
func LoadFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON task definition and validates it.
func Parse(data []byte) (*Task, error) {
	var def fileTask
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse task definition: %w", err)
	}
	steps := make([]Step, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, Step{
			Name:    s.Name,
			Server:  s.Server,
			Tool:    s.Tool,
			Args:    s.Args,
			Timeout: time.Duration(s.TimeoutSeconds) * time.Second,
			Retries: s.Retries,
		})
	}
	t := New(def.Name, Mode(def.Mode), steps)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
