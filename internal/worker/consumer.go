package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/clipper/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// errDeliveriesClosed is returned when the broker closes the delivery channel
var errDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// setupConsumer starts consuming trigger events with the worker id as consumer tag
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.broker.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// decodeMessage parses a trigger event body into a JobMessage
func decodeMessage(delivery amqp.Delivery) (domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	msg.JobID = msg.ID()
	msg.LegacyJobID = ""
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return msg, fmt.Errorf("%w: jobId %q is not a UUID", domain.ErrInvalidMessage, msg.JobID)
	}

	msg.DeliveryTag = delivery.DeliveryTag
	msg.Redelivered = delivery.Redelivered
	return msg, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and dispatches jobs to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - stopChan closed")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return errDeliveriesClosed
			}

			msg, err := decodeMessage(delivery)
			if err != nil {
				w.logger.Error("Rejecting malformed trigger event",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// dead-lettered, never requeued
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &task{msg: msg, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", msg.DeliveryTag),
					slog.Bool("redelivered", msg.Redelivered),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return nil
			}
		}
	}
}
