package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/clipper/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker delivers trigger events and parks the ones that cannot run yet
type Broker interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	DeferJobEvent(ctx context.Context, jobID string) error
}

// JobRunner executes the workflow of one job
type JobRunner interface {
	Run(ctx context.Context, jobID string) (domain.JobStatus, error)
}

// HeartbeatStore records liveness of a processing job
type HeartbeatStore interface {
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Broker            Broker
	Runner            JobRunner
	Heartbeats        HeartbeatStore
	WorkerID          string
	QueueName         string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Worker consumes trigger events and runs job workflows on a goroutine pool
type Worker struct {
	logger            *slog.Logger
	broker            Broker
	runner            JobRunner
	heartbeats        HeartbeatStore
	workerID          string
	queueName         string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	jobsChan          chan *task
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// task is one decoded trigger event and the delivery it must settle
type task struct {
	msg      domain.JobMessage
	delivery amqp.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger,
		broker:            cfg.Broker,
		runner:            cfg.Runner,
		heartbeats:        cfg.Heartbeats,
		workerID:          cfg.WorkerID,
		queueName:         cfg.QueueName,
		concurrency:       concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeat,
		jobsChan:          make(chan *task),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes trigger events until ctx is canceled or the delivery
// channel closes, then waits for in-flight jobs
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	err = w.startMessageDispatcher(ctx, deliveries)

	// the dispatcher is the only sender
	close(w.jobsChan)
	w.wg.Wait()

	w.logger.Info("Worker pool drained", slog.String("worker_id", w.workerID))
	return err
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
