// Package orchestrator drives one uploaded-object job through admission,
// dispatch and reconciliation. Each stage is a durable workflow step keyed by
// the job id, and runs for the same owner are serialized through an owner lock.
// A run that finds its owner busy returns domain.ErrOwnerBusy without doing
// any work, so the caller can park the event instead of holding a slot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/clipper/internal/worker/domain"
	"github.com/cuongbtq/clipper/internal/worker/workflow"
)

// Step names, persisted as checkpoint keys
const (
	StepAdmission     = "admission-check"
	StepTransition    = "transition-processing"
	StepDispatch      = "dispatch"
	StepConsumeCredit = "consume-credit"
	StepReconcile     = "reconcile"
)

var errNoOutputs = errors.New("no output objects visible yet")

// JobStore is the Job Record Store as seen by the orchestrator
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	LoadAdmission(ctx context.Context, jobID string) (*domain.Admission, error)
	// Admit moves a QUEUED job to PROCESSING when hasCredit holds and the
	// balance is still positive, otherwise to NO_CREDITS. A job already past
	// QUEUED is left untouched and its current status returned.
	Admit(ctx context.Context, jobID string, hasCredit bool) (domain.JobStatus, error)
	TransitionStatus(ctx context.Context, jobID string, to domain.JobStatus) error
	ConsumeCredit(ctx context.Context, jobID, ownerID string) (bool, error)
}

// ArtifactStore is the Artifact Record Store as seen by the orchestrator
type ArtifactStore interface {
	ListArtifactKeys(ctx context.Context, jobID string) ([]string, error)
	CreateArtifacts(ctx context.Context, jobID string, keys []string) (int, error)
}

// Dispatcher starts remote processing for one source object
type Dispatcher interface {
	Dispatch(ctx context.Context, storageKey string) (int, error)
}

// Lister discovers objects by key prefix
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// OwnerLocker grants at most one holder per owner id. TryLock never waits:
// ok is false when another holder has the owner.
type OwnerLocker interface {
	TryLock(ctx context.Context, ownerID string) (unlock func(), ok bool, err error)
}

// Policies holds the retry policy of each step
type Policies struct {
	Admission workflow.RetryPolicy
	Dispatch  workflow.RetryPolicy
	Reconcile workflow.RetryPolicy
}

// Config holds orchestrator dependencies
type Config struct {
	Logger         *slog.Logger
	Jobs           JobStore
	Artifacts      ArtifactStore
	Dispatcher     Dispatcher
	Lister         Lister
	Locker         OwnerLocker
	Checkpoints    workflow.Store
	Policies       Policies
	PrefixRule     PrefixRule
	ConsumeCredits bool
	RequireOutputs bool
}

// Orchestrator runs job workflows
type Orchestrator struct {
	logger         *slog.Logger
	jobs           JobStore
	artifacts      ArtifactStore
	dispatcher     Dispatcher
	lister         Lister
	locker         OwnerLocker
	runner         *workflow.Runner
	policies       Policies
	prefixRule     PrefixRule
	consumeCredits bool
	requireOutputs bool
}

type dispatchResult struct {
	StatusCode int `json:"status_code"`
}

type creditResult struct {
	Charged bool `json:"charged"`
}

type reconcileResult struct {
	Prefix  string `json:"prefix"`
	Listed  int    `json:"listed"`
	Created int    `json:"created"`
}

// New creates a new Orchestrator. Dispatch and reconcile budgets always span
// redeliveries of the same job.
func New(cfg *Config) *Orchestrator {
	policies := cfg.Policies
	policies.Dispatch.Durable = true
	policies.Reconcile.Durable = true

	return &Orchestrator{
		logger:         cfg.Logger,
		jobs:           cfg.Jobs,
		artifacts:      cfg.Artifacts,
		dispatcher:     cfg.Dispatcher,
		lister:         cfg.Lister,
		locker:         cfg.Locker,
		runner:         workflow.NewRunner(cfg.Checkpoints, cfg.Logger),
		policies:       policies,
		prefixRule:     cfg.PrefixRule.withDefaults(),
		consumeCredits: cfg.ConsumeCredits,
		requireOutputs: cfg.RequireOutputs,
	}
}

// Run executes the workflow for jobID and returns the job's resulting status.
// Errors wrapping domain.RetryableError leave the job resumable; errors
// wrapping domain.ErrWorkflowFailed mean the job is now FAILED.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (domain.JobStatus, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return "", err
		}
		return "", domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}
	if job.Status.IsTerminal() {
		o.logger.Info("Job already in terminal state, skipping",
			slog.String("job_id", jobID),
			slog.String("status", job.Status.String()),
		)
		return job.Status, nil
	}

	unlock, ok, err := o.locker.TryLock(ctx, job.OwnerID)
	if err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to acquire owner lock: %w", err))
	}
	if !ok {
		o.logger.Debug("Owner busy, run not started",
			slog.String("job_id", jobID),
			slog.String("owner_id", job.OwnerID),
		)
		return "", fmt.Errorf("%w: owner %s", domain.ErrOwnerBusy, job.OwnerID)
	}
	defer unlock()

	// Re-read under the lock: a run for the same job may have finished in between
	job, err = o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to reload job: %w", err))
	}
	if job.Status.IsTerminal() {
		o.logger.Info("Job reached terminal state before owner lock was taken",
			slog.String("job_id", jobID),
			slog.String("status", job.Status.String()),
		)
		return job.Status, nil
	}

	return o.execute(ctx, jobID)
}

func (o *Orchestrator) execute(ctx context.Context, jobID string) (domain.JobStatus, error) {
	logger := o.logger.With(slog.String("job_id", jobID))

	run, err := o.runner.Begin(ctx, jobID)
	if err != nil {
		return "", domain.NewRetryableError(err)
	}

	// Step 1: admission check
	admission, err := workflow.Do(ctx, run, StepAdmission, o.policies.Admission, func(ctx context.Context) (domain.Admission, error) {
		a, err := o.jobs.LoadAdmission(ctx, jobID)
		if err != nil {
			return domain.Admission{}, err
		}
		return *a, nil
	})
	if err != nil {
		return "", domain.NewRetryableError(err)
	}

	logger = logger.With(slog.String("owner_id", admission.OwnerID))
	logger.Info("Admission checked",
		slog.Int64("credits", admission.Credits),
		slog.Bool("admitted", admission.Admitted()),
	)

	// Step 2: QUEUED -> PROCESSING or NO_CREDITS
	status, err := workflow.Do(ctx, run, StepTransition, o.policies.Admission, func(ctx context.Context) (domain.JobStatus, error) {
		return o.jobs.Admit(ctx, jobID, admission.Admitted())
	})
	if err != nil {
		return "", domain.NewRetryableError(err)
	}

	switch status {
	case domain.JobStatusNoCredits:
		logger.Info("Job denied admission, owner has no credits")
		return status, nil
	case domain.JobStatusProcessing:
	default:
		logger.Warn("Job left admission in unexpected state", slog.String("status", status.String()))
		return status, nil
	}

	// Step 3: dispatch
	_, err = workflow.Do(ctx, run, StepDispatch, o.policies.Dispatch, func(ctx context.Context) (dispatchResult, error) {
		code, err := o.dispatcher.Dispatch(ctx, admission.StorageKey)
		if err != nil {
			if isPermanentDispatch(err) {
				return dispatchResult{}, workflow.Permanent(err)
			}
			return dispatchResult{}, err
		}
		return dispatchResult{StatusCode: code}, nil
	})
	if err != nil {
		return o.fail(ctx, logger, jobID, StepDispatch, err)
	}

	if o.consumeCredits {
		credit, err := workflow.Do(ctx, run, StepConsumeCredit, o.policies.Admission, func(ctx context.Context) (creditResult, error) {
			charged, err := o.jobs.ConsumeCredit(ctx, jobID, admission.OwnerID)
			return creditResult{Charged: charged}, err
		})
		if err != nil {
			return "", domain.NewRetryableError(err)
		}
		logger.Debug("Credit consumption recorded", slog.Bool("charged", credit.Charged))
	}

	// Step 4: reconciliation
	result, err := workflow.Do(ctx, run, StepReconcile, o.policies.Reconcile, func(ctx context.Context) (reconcileResult, error) {
		return o.reconcile(ctx, jobID, admission.StorageKey)
	})
	if err != nil {
		return o.fail(ctx, logger, jobID, StepReconcile, err)
	}

	logger.Info("Job processed",
		slog.String("prefix", result.Prefix),
		slog.Int("listed", result.Listed),
		slog.Int("artifacts_created", result.Created),
	)

	return domain.JobStatusProcessed, nil
}

// reconcile records every produced object not yet linked to the job, then
// marks the job PROCESSED
func (o *Orchestrator) reconcile(ctx context.Context, jobID, storageKey string) (reconcileResult, error) {
	prefix := o.prefixRule.Prefix(storageKey)

	keys, err := o.lister.List(ctx, prefix)
	if err != nil {
		return reconcileResult{}, fmt.Errorf("failed to list outputs: %w", err)
	}

	outputs := o.prefixRule.Outputs(prefix, storageKey, keys)
	if len(outputs) == 0 && o.requireOutputs {
		return reconcileResult{}, fmt.Errorf("%w under prefix %q", errNoOutputs, prefix)
	}

	existing, err := o.artifacts.ListArtifactKeys(ctx, jobID)
	if err != nil {
		return reconcileResult{}, fmt.Errorf("failed to load existing artifacts: %w", err)
	}

	known := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		known[k] = struct{}{}
	}

	fresh := make([]string, 0, len(outputs))
	for _, k := range outputs {
		if _, ok := known[k]; !ok {
			fresh = append(fresh, k)
		}
	}

	created := 0
	if len(fresh) > 0 {
		created, err = o.artifacts.CreateArtifacts(ctx, jobID, fresh)
		if err != nil {
			return reconcileResult{}, fmt.Errorf("failed to create artifacts: %w", err)
		}
	}

	if err := o.jobs.TransitionStatus(ctx, jobID, domain.JobStatusProcessed); err != nil {
		return reconcileResult{}, fmt.Errorf("failed to mark job processed: %w", err)
	}

	return reconcileResult{Prefix: prefix, Listed: len(outputs), Created: created}, nil
}

// fail moves the job to FAILED once a step has exhausted its retry budget,
// whether or not ctx is still live. A step that was only interrupted stays
// PROCESSING and resumes with its remaining budget.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, jobID, step string, cause error) (domain.JobStatus, error) {
	if !workflow.IsExhausted(cause) {
		logger.Warn("Run interrupted, job left resumable",
			slog.String("step", step),
			slog.String("error", cause.Error()),
		)
		return domain.JobStatusProcessing, domain.NewRetryableError(cause)
	}

	logger.Error("Step exhausted retries, failing job",
		slog.String("step", step),
		slog.String("error", cause.Error()),
	)

	if err := o.jobs.TransitionStatus(context.WithoutCancel(ctx), jobID, domain.JobStatusFailed); err != nil {
		return domain.JobStatusProcessing, domain.NewRetryableError(fmt.Errorf("failed to mark job failed: %w", err))
	}

	return domain.JobStatusFailed, fmt.Errorf("%w: %v", domain.ErrWorkflowFailed, cause)
}

func isPermanentDispatch(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
