package task

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayfarerhq/wayfarer/pkg/protocol"
	"github.com/wayfarerhq/wayfarer/pkg/retry"
)

// fakeInvoker scripts per-tool outcomes and records invocation order.
type fakeInvoker struct {
	mu       sync.Mutex
	calls    []string
	outcomes map[string][]error // consumed front-to-back; nil entry = success

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	delay       time.Duration
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{outcomes: make(map[string][]error)}
}

// failNext queues errors for a tool; once drained, calls succeed.
func (f *fakeInvoker) failNext(tool string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[tool] = append(f.outcomes[tool], errs...)
}

func (f *fakeInvoker) Invoke(ctx context.Context, server, capability string, args map[string]interface{}, timeout time.Duration) (json.RawMessage, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, capability)
	var err error
	if queued := f.outcomes[capability]; len(queued) > 0 {
		err = queued[0]
		f.outcomes[capability] = queued[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{"tool":"` + capability + `"}`), nil
}

func (f *fakeInvoker) callCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call == tool {
			n++
		}
	}
	return n
}

func fastManager(invoker Invoker, opts Options) *Manager {
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	}
	opts.Logger = zerolog.Nop()
	return NewManager(invoker, opts)
}

func threeSteps(mode Mode) *Task {
	return New("book-trip", mode, []Step{
		{Name: "find", Server: "airbnb", Tool: "search_listings"},
		{Name: "fetch", Server: "airbnb", Tool: "get_listing"},
		{Name: "book", Server: "airbnb", Tool: "create_booking"},
	})
}

func TestRun_SequentialAllSucceed(t *testing.T) {
	invoker := newFakeInvoker()
	m := fastManager(invoker, Options{})

	result, err := m.Run(context.Background(), threeSteps(ModeSequential))
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	require.Len(t, result.Steps, 3)
	for _, step := range result.Steps {
		assert.Equal(t, StatusSucceeded, step.Status)
		assert.Equal(t, 1, step.Attempts)
	}
	// Sequential mode preserves declaration order.
	assert.Equal(t, []string{"search_listings", "get_listing", "create_booking"}, invoker.calls)
}

func TestRun_SequentialStopsAtFirstFailure(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.failNext("get_listing",
		protocol.NewError(protocol.KindRemote, "airbnb", "listing not found"))
	m := fastManager(invoker, Options{})

	result, err := m.Run(context.Background(), threeSteps(ModeSequential))
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	require.Len(t, result.Steps, 3)

	assert.Equal(t, StatusSucceeded, result.Steps[0].Status)
	assert.Equal(t, StatusFailed, result.Steps[1].Status)
	assert.Contains(t, result.Steps[1].Error, "listing not found")
	assert.Equal(t, StatusSkipped, result.Steps[2].Status)
	assert.Zero(t, result.Steps[2].Attempts)

	// The step after the failure was never invoked.
	assert.Zero(t, invoker.callCount("create_booking"))
	assert.Contains(t, result.FirstError(), "listing not found")
}

func TestRun_ParallelFailureDoesNotCancelSiblings(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.failNext("get_listing",
		protocol.NewError(protocol.KindInvalidArgs, "airbnb", "missing id"))
	m := fastManager(invoker, Options{})

	result, err := m.Run(context.Background(), threeSteps(ModeParallel))
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	require.Len(t, result.Steps, 3)

	// Results land at their step's position regardless of completion order.
	assert.Equal(t, "find", result.Steps[0].Step)
	assert.Equal(t, StatusSucceeded, result.Steps[0].Status)
	assert.Equal(t, StatusFailed, result.Steps[1].Status)
	assert.Equal(t, StatusSucceeded, result.Steps[2].Status)

	// Every step ran despite the failure.
	assert.Equal(t, 1, invoker.callCount("search_listings"))
	assert.Equal(t, 1, invoker.callCount("create_booking"))
}

func TestRun_ParallelBoundsConcurrency(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.delay = 20 * time.Millisecond
	m := fastManager(invoker, Options{MaxParallel: 2})

	steps := make([]Step, 8)
	for i := range steps {
		steps[i] = Step{Name: string(rune('a' + i)), Server: "geo", Tool: "geocode"}
	}
	result, err := m.Run(context.Background(), New("fan-out", ModeParallel, steps))
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.LessOrEqual(t, invoker.maxInFlight.Load(), int64(2))
}

func TestRunStep_RetriesTransientThenSucceeds(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.failNext("search_listings",
		protocol.NewError(protocol.KindTimeout, "airbnb", "call timed out"))
	m := fastManager(invoker, Options{StepRetries: 2})

	result, err := m.Run(context.Background(), New("one", ModeSequential, []Step{
		{Name: "find", Server: "airbnb", Tool: "search_listings"},
	}))
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Equal(t, 2, result.Steps[0].Attempts)
}

func TestRunStep_ExhaustsRetryBudget(t *testing.T) {
	invoker := newFakeInvoker()
	lost := protocol.NewError(protocol.KindConnectionLost, "airbnb", "transport disconnected")
	invoker.failNext("search_listings", lost, lost, lost, lost)
	m := fastManager(invoker, Options{StepRetries: 2})

	result, err := m.Run(context.Background(), New("one", ModeSequential, []Step{
		{Name: "find", Server: "airbnb", Tool: "search_listings"},
	}))
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, StatusFailed, result.Steps[0].Status)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, result.Steps[0].Attempts)
	assert.Equal(t, 3, invoker.callCount("search_listings"))
}

func TestRunStep_DoesNotRetryNonTransientErrors(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.failNext("search_listings",
		protocol.NewError(protocol.KindInvalidArgs, "airbnb", "city is required"))
	m := fastManager(invoker, Options{StepRetries: 3})

	result, err := m.Run(context.Background(), New("one", ModeSequential, []Step{
		{Name: "find", Server: "airbnb", Tool: "search_listings"},
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Steps[0].Status)
	assert.Equal(t, 1, result.Steps[0].Attempts)
}

func TestRunStep_StepLevelRetriesOverrideDefault(t *testing.T) {
	invoker := newFakeInvoker()
	lost := protocol.NewError(protocol.KindConnectionLost, "geo", "transport disconnected")
	invoker.failNext("geocode", lost, lost, lost, lost, lost)
	m := fastManager(invoker, Options{StepRetries: 1})

	result, err := m.Run(context.Background(), New("one", ModeSequential, []Step{
		{Name: "locate", Server: "geo", Tool: "geocode", Retries: 4},
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Steps[0].Status)
	assert.Equal(t, 5, result.Steps[0].Attempts)
}

func TestRunStep_NegativeRetriesDisablesRetrying(t *testing.T) {
	invoker := newFakeInvoker()
	lost := protocol.NewError(protocol.KindConnectionLost, "geo", "transport disconnected")
	invoker.failNext("geocode", lost, lost)
	m := fastManager(invoker, Options{StepRetries: 3})

	result, err := m.Run(context.Background(), New("one", ModeSequential, []Step{
		{Name: "locate", Server: "geo", Tool: "geocode", Retries: -1},
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Steps[0].Status)
	// A transient failure, but the step opted out of the retry budget.
	assert.Equal(t, 1, result.Steps[0].Attempts)
	assert.Equal(t, 1, invoker.callCount("geocode"))
}

func TestRun_RejectsInvalidTask(t *testing.T) {
	m := fastManager(newFakeInvoker(), Options{})

	cases := []struct {
		name string
		task *Task
	}{
		{"bad mode", New("x", Mode("batch"), []Step{{Name: "a", Server: "s", Tool: "t"}})},
		{"no steps", New("x", ModeSequential, nil)},
		{"duplicate step names", New("x", ModeSequential, []Step{
			{Name: "a", Server: "s", Tool: "t"},
			{Name: "a", Server: "s", Tool: "t"},
		})},
		{"missing server", New("x", ModeSequential, []Step{{Name: "a", Tool: "t"}})},
		{"missing tool", New("x", ModeSequential, []Step{{Name: "a", Server: "s"}})},
		{"retries below -1", New("x", ModeSequential, []Step{{Name: "a", Server: "s", Tool: "t", Retries: -2}})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Run(context.Background(), tc.task)
			require.Error(t, err)
		})
	}
}

func TestRun_CancelledContextStopsRetries(t *testing.T) {
	invoker := newFakeInvoker()
	lost := protocol.NewError(protocol.KindConnectionLost, "geo", "transport disconnected")
	invoker.failNext("geocode", lost, lost, lost)
	m := fastManager(invoker, Options{
		StepRetries: 3,
		Backoff:     retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() {
		result, _ := m.Run(ctx, New("one", ModeSequential, []Step{
			{Name: "locate", Server: "geo", Tool: "geocode"},
		}))
		done <- result
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		assert.False(t, result.Succeeded)
		assert.Equal(t, 1, invoker.callCount("geocode"))
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestParse_TaskFile(t *testing.T) {
	data := []byte(`{
		"name": "book-trip",
		"mode": "sequential",
		"steps": [
			{"name": "find", "server": "airbnb", "tool": "search_listings",
			 "args": {"city": "Lisbon"}, "timeout_seconds": 10, "retries": 2},
			{"name": "book", "server": "airbnb", "tool": "create_booking"}
		]
	}`)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.NotEmpty(t, parsed.ID)
	assert.Equal(t, ModeSequential, parsed.Mode)
	require.Len(t, parsed.Steps, 2)
	assert.Equal(t, 10*time.Second, parsed.Steps[0].Timeout)
	assert.Equal(t, 2, parsed.Steps[0].Retries)
	assert.Equal(t, "Lisbon", parsed.Steps[0].Args["city"])
}

func TestParse_RejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"name": "x",`))
	require.Error(t, err)
}
