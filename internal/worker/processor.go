package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/clipper/internal/worker/domain"
)

// processJob runs the workflow for one trigger event with a timeout and a heartbeat
func (w *Worker) processJob(ctx context.Context, msg domain.JobMessage) error {
	logger := w.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)
	logger.Info("Processing job", slog.Bool("redelivered", msg.Redelivered))

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		w.sendJobHeartbeat(jobCtx, msg.JobID, heartbeatDone)
	}()
	defer func() {
		close(heartbeatDone)
		<-heartbeatStopped
	}()

	start := time.Now()
	status, err := w.runner.Run(jobCtx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			logger.Warn("Trigger event references unknown job, dropping")
		}
		return err
	}

	logger.Info("Job run finished",
		slog.String("status", status.String()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	if w.heartbeats == nil {
		return
	}

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.heartbeats.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
