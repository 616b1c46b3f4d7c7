package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/clipper/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case t, ok := <-w.jobsChan:
			if !ok {
				w.logger.Debug("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			err := w.processJob(ctx, t.msg)
			w.settle(ctx, workerName, t, err)
		}
	}
}

// settlement is what happens to a delivery after its run returns
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
	settleDefer
)

// settle acknowledges the delivery according to the processing result
func (w *Worker) settle(ctx context.Context, workerName string, t *task, err error) {
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", t.msg.JobID),
	)

	switch settleDecision(err) {
	case settleAck:
		w.ack(logger, t)

	case settleDefer:
		// the copy goes to the defer queue first so the event is never lost
		if deferErr := w.broker.DeferJobEvent(ctx, t.msg.JobID); deferErr != nil {
			logger.Warn("Failed to defer job event, requeueing",
				slog.String("error", deferErr.Error()),
			)
			w.nack(logger, t, true)
			return
		}
		logger.Info("Owner busy, job event deferred")
		w.ack(logger, t)

	case settleRequeue:
		logger.Warn("Job processing did not finish",
			slog.String("error", err.Error()),
			slog.Bool("requeue", true),
		)
		w.nack(logger, t, true)

	default:
		logger.Warn("Job processing did not finish",
			slog.String("error", err.Error()),
			slog.Bool("requeue", false),
		)
		w.nack(logger, t, false)
	}
}

func (w *Worker) ack(logger *slog.Logger, t *task) {
	if ackErr := t.delivery.Ack(false); ackErr != nil {
		logger.Error("Failed to ACK message", slog.String("error", ackErr.Error()))
	}
}

func (w *Worker) nack(logger *slog.Logger, t *task, requeue bool) {
	if nackErr := t.delivery.Nack(false, requeue); nackErr != nil {
		logger.Error("Failed to NACK message", slog.String("error", nackErr.Error()))
	}
}

// settleDecision maps a processing result to a settlement.
// A job that reached a terminal state, or no longer exists, is done with;
// a job whose owner is busy waits in the defer queue; a resumable
// interruption is redelivered; anything else is dead-lettered.
func settleDecision(err error) settlement {
	if err == nil {
		return settleAck
	}

	if errors.Is(err, domain.ErrWorkflowFailed) || errors.Is(err, domain.ErrJobNotFound) {
		return settleAck
	}

	if errors.Is(err, domain.ErrOwnerBusy) {
		return settleDefer
	}

	if errors.Is(err, domain.ErrInvalidMessage) {
		return settleDeadLetter
	}

	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return settleRequeue
	}

	return settleDeadLetter
}
