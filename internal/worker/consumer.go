package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/cdr-ingest/internal/enrich"
	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/cuongbtq/cdr-ingest/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// dispatch reads deliveries and enqueues one job per valid request
func (w *Worker) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started",
		slog.String("consumer_tag", w.consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq delivery channel closed")
			}
			w.handle(delivery)
		}
	}
}

func (w *Worker) handle(delivery amqp.Delivery) {
	req, err := domain.DecodeEnrichmentRequest(delivery.Body)
	if err != nil {
		w.logger.Error("Rejecting malformed message",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages go to the dead letter exchange, if any
		w.settle(delivery, fmt.Errorf("decode: %w", err), false)
		return
	}

	meta := enrich.JobMeta(req.FilePath)
	if req.RequestID != "" {
		meta["request_id"] = req.RequestID
	}
	body := w.enricher.Body(req.FilePath)

	job := w.queue.Enqueue(meta, func(ctx context.Context, update jobqueue.UpdateFunc) (any, error) {
		result, err := body(ctx, update)
		// a job cut short by shutdown goes back to the broker
		w.settle(delivery, err, err != nil && ctx.Err() != nil)
		return result, err
	})

	w.logger.Info("Enrichment request queued",
		slog.String("job_id", job.ID),
		slog.String("file_path", req.FilePath),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
	)
}

// settle acks a delivery on success and nacks it otherwise
func (w *Worker) settle(delivery amqp.Delivery, err error, requeue bool) {
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.String("error", nackErr.Error()),
		)
		return
	}
	w.logger.Info("Message NACKed",
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
		slog.Bool("requeue", requeue),
		slog.String("error", err.Error()),
	)
}
