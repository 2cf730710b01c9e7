package task

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wayfarerhq/wayfarer/pkg/protocol"
	"github.com/wayfarerhq/wayfarer/pkg/retry"
)

const (
	defaultMaxParallel = 4
	defaultStepRetries = 1
	defaultStepTimeout = 30 * time.Second
)

// Invoker is the invocation surface the manager drives. *client.Client
// satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, server, capability string, args map[string]interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Options tunes a manager.
type Options struct {
	// MaxParallel bounds how many steps of a parallel task run at once.
	MaxParallel int
	// StepRetries is the transient-retry budget for steps that don't
	// set their own.
	StepRetries int
	// StepTimeout applies to steps that don't set their own.
	StepTimeout time.Duration
	// Backoff paces the waits between retry attempts.
	Backoff retry.Policy
	// Store, when set, receives every finished run. Persistence
	// failures are logged, never surfaced to the caller.
	Store  *Store
	Logger zerolog.Logger
}

// Manager executes tasks against an invoker.
type Manager struct {
	invoker     Invoker
	store       *Store
	logger      zerolog.Logger
	maxParallel int
	stepRetries int
	stepTimeout time.Duration
	backoff     retry.Policy
}

// NewManager builds a task manager.
func NewManager(invoker Invoker, opts Options) *Manager {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxParallel
	}
	if opts.StepRetries < 0 {
		opts.StepRetries = defaultStepRetries
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = retry.DefaultPolicy()
	}
	return &Manager{
		invoker:     invoker,
		store:       opts.Store,
		logger:      opts.Logger,
		maxParallel: opts.MaxParallel,
		stepRetries: opts.StepRetries,
		stepTimeout: opts.StepTimeout,
		backoff:     opts.Backoff,
	}
}

// Run executes one task and returns its full result. A failed step
// marks the result unsuccessful but is not an error; Run errors only
// when the task itself is invalid.
func (m *Manager) Run(ctx context.Context, t *Task) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("task", t.Name).
		Str("task_id", t.ID).
		Str("mode", string(t.Mode)).
		Int("steps", len(t.Steps)).
		Msg("Starting task")

	result := &Result{
		TaskID:    t.ID,
		Name:      t.Name,
		Mode:      t.Mode,
		StartedAt: time.Now(),
	}

	switch t.Mode {
	case ModeSequential:
		result.Steps = m.runSequential(ctx, t)
	case ModeParallel:
		result.Steps = m.runParallel(ctx, t)
	}

	result.FinishedAt = time.Now()
	result.Succeeded = true
	for _, step := range result.Steps {
		if step.Status != StatusSucceeded {
			result.Succeeded = false
			break
		}
	}

	m.logger.Info().
		Str("task", t.Name).
		Bool("succeeded", result.Succeeded).
		Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
		Msg("Task finished")

	if m.store != nil {
		if err := m.store.RecordRun(ctx, result); err != nil {
			m.logger.Warn().Err(err).Str("task", t.Name).Msg("Failed to record task run")
		}
	}
	return result, nil
}

// runSequential executes steps in order. The first failure stops the
// task; later steps are reported as skipped, never attempted.
func (m *Manager) runSequential(ctx context.Context, t *Task) []StepResult {
	results := make([]StepResult, 0, len(t.Steps))
	for i, step := range t.Steps {
		res := m.runStep(ctx, step)
		results = append(results, res)
		if res.Status != StatusSucceeded {
			for _, rest := range t.Steps[i+1:] {
				results = append(results, StepResult{
					Step:   rest.Name,
					Server: rest.Server,
					Tool:   rest.Tool,
					Status: StatusSkipped,
				})
			}
			break
		}
	}
	return results
}

// runParallel executes all steps concurrently, at most maxParallel at
// a time. A failed step does not cancel its siblings.
func (m *Manager) runParallel(ctx context.Context, t *Task) []StepResult {
	results := make([]StepResult, len(t.Steps))
	sem := make(chan struct{}, m.maxParallel)
	var wg sync.WaitGroup

	for i, step := range t.Steps {
		wg.Add(1)
		go func(index int, step Step) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[index] = m.runStep(ctx, step)
		}(i, step)
	}
	wg.Wait()
	return results
}

// runStep performs one invocation with bounded retries. Only transient
// failures are retried; everything else surfaces on the first attempt.
func (m *Manager) runStep(ctx context.Context, step Step) StepResult {
	retries := step.Retries
	switch {
	case retries < 0:
		retries = 0
	case retries == 0:
		retries = m.stepRetries
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = m.stepTimeout
	}

	res := StepResult{
		Step:   step.Name,
		Server: step.Server,
		Tool:   step.Tool,
	}
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := m.backoff.Sleep(ctx, attempt); err != nil {
				lastErr = err
				break
			}
			m.logger.Debug().
				Str("step", step.Name).
				Int("attempt", attempt+1).
				Msg("Retrying step")
		}
		res.Attempts = attempt + 1

		payload, err := m.invoker.Invoke(ctx, step.Server, step.Tool, step.Args, timeout)
		if err == nil {
			res.Status = StatusSucceeded
			res.Result = payload
			res.Duration = time.Since(start)
			return res
		}
		lastErr = err
		if !protocol.Transient(err) {
			break
		}
		m.logger.Warn().
			Err(err).
			Str("step", step.Name).
			Str("server", step.Server).
			Msg("Step failed with transient error")
	}

	res.Status = StatusFailed
	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	res.Duration = time.Since(start)
	return res
}
