// Package workflow runs ordered, checkpointed steps. Every completed step's
// output is persisted before the next step starts, so a run started again with
// the same key replays finished steps from storage and resumes at the first
// incomplete one. Started attempts are persisted too, so a step's retry budget
// is not refilled by starting the run again.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StepState is what a store knows about one step of a run. Attempts counts
// every started execution, including ones that failed or never returned.
type StepState struct {
	Output   json.RawMessage
	Attempts int
	Done     bool
}

// Store persists step progress keyed by run and step name
type Store interface {
	LoadSteps(ctx context.Context, runKey string) (map[string]StepState, error)
	// BeginAttempt records that execution number attempt of step is starting.
	// It is written before the step runs so a crash or cancellation mid-step
	// still consumes budget.
	BeginAttempt(ctx context.Context, runKey, step string, attempt int) error
	SaveStep(ctx context.Context, runKey, step string, output json.RawMessage, attempts int) error
}

// Runner starts durable runs against a checkpoint store
type Runner struct {
	store  Store
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a new Runner
func NewRunner(store Store, logger *slog.Logger) *Runner {
	return &Runner{
		store:  store,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Run is one execution of a workflow identified by its key
type Run struct {
	runner *Runner
	key    string
	mu     sync.Mutex
	steps  map[string]StepState
}

// Begin loads the step progress already recorded for key
func (r *Runner) Begin(ctx context.Context, key string) (*Run, error) {
	steps, err := r.store.LoadSteps(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	if steps == nil {
		steps = make(map[string]StepState)
	}

	if len(steps) > 0 {
		r.logger.Info("Resuming workflow run",
			slog.String("run_key", key),
			slog.Int("known_steps", len(steps)),
		)
	}

	return &Run{
		runner: r,
		key:    key,
		steps:  steps,
	}, nil
}

// Completed reports whether step already has a checkpoint
func (run *Run) Completed(step string) bool {
	return run.state(step).Done
}

func (run *Run) state(step string) StepState {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.steps[step]
}

func (run *Run) update(step string, fn func(*StepState)) {
	run.mu.Lock()
	st := run.steps[step]
	fn(&st)
	run.steps[step] = st
	run.mu.Unlock()
}

// Do executes fn as the named step of run, or returns its checkpointed output.
// With a durable policy, attempts recorded by earlier runs of the same key are
// subtracted from policy.Attempts(). Cancellation is only observed
// between attempts: fn runs with a context that keeps ctx's values but not its
// cancellation, so in-flight work is bounded by its own timeouts.
func Do[T any](ctx context.Context, run *Run, step string, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	logger := run.runner.logger.With(
		slog.String("run_key", run.key),
		slog.String("step", step),
	)

	st := run.state(step)
	if st.Done {
		var out T
		if err := json.Unmarshal(st.Output, &out); err != nil {
			return zero, fmt.Errorf("failed to decode checkpoint for step %q: %w", step, err)
		}
		logger.Debug("Step replayed from checkpoint")
		return out, nil
	}

	budget := policy.Attempts()
	used := 0
	if policy.Durable {
		used = st.Attempts
	}
	if used >= budget {
		logger.Error("Step retry budget already spent",
			slog.Int("attempts", used),
			slog.Int("max_attempts", budget),
		)
		return zero, &StepError{Step: step, Attempts: used, Exhausted: true, Err: errBudgetSpent}
	}

	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("run canceled before step %q: %w", step, err)
	}

	stepCtx := context.WithoutCancel(ctx)
	var lastErr error
	started := st.Attempts
	for attempt := used + 1; attempt <= budget; attempt++ {
		started++
		if err := run.runner.store.BeginAttempt(stepCtx, run.key, step, started); err != nil {
			return zero, fmt.Errorf("failed to record attempt of step %q: %w", step, err)
		}
		run.update(step, func(s *StepState) { s.Attempts = started })

		out, err := fn(stepCtx)
		if err == nil {
			raw, marshalErr := json.Marshal(out)
			if marshalErr != nil {
				return zero, fmt.Errorf("failed to encode output of step %q: %w", step, marshalErr)
			}
			if saveErr := run.runner.store.SaveStep(stepCtx, run.key, step, raw, started); saveErr != nil {
				return zero, fmt.Errorf("failed to checkpoint step %q: %w", step, saveErr)
			}
			run.update(step, func(s *StepState) {
				s.Output = raw
				s.Done = true
			})

			logger.Info("Step completed", slog.Int("attempt", attempt))
			return out, nil
		}

		lastErr = err
		if IsPermanent(err) {
			logger.Error("Step failed permanently",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return zero, &StepError{Step: step, Attempts: attempt, Exhausted: true, Err: err}
		}

		if attempt >= budget {
			break
		}

		delay := policy.Backoff(attempt)
		logger.Warn("Step failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", budget),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()),
		)
		if sleepErr := run.runner.sleep(ctx, delay); sleepErr != nil {
			return zero, &StepError{Step: step, Attempts: attempt, Err: fmt.Errorf("%w (retry interrupted: %v)", err, sleepErr)}
		}
	}

	return zero, &StepError{Step: step, Attempts: budget, Exhausted: true, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
