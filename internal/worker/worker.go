// Package worker turns enrichment requests read from RabbitMQ into jobs on
// the local queue and settles each delivery once its job ends.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Source delivers broker messages
type Source interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// Enricher builds queue job bodies for enrichment requests
type Enricher interface {
	Body(path string) jobqueue.Body
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Source      Source
	Queue       *jobqueue.Queue
	Enricher    Enricher
	ConsumerTag string
}

// Worker represents the enrichment request consumer
type Worker struct {
	logger      *slog.Logger
	source      Source
	queue       *jobqueue.Queue
	enricher    Enricher
	consumerTag string
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	tag := cfg.ConsumerTag
	if tag == "" {
		tag = "cdr-worker"
	}
	return &Worker{
		logger:      cfg.Logger,
		source:      cfg.Source,
		queue:       cfg.Queue,
		enricher:    cfg.Enricher,
		consumerTag: tag,
	}
}

// Start consumes requests until ctx is canceled or the broker closes the
// delivery channel
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("consumer_tag", w.consumerTag),
	)

	deliveries, err := w.source.Consume(w.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	if err := w.dispatch(ctx, deliveries); err != nil {
		return err
	}

	if ctx.Err() != nil {
		if err := w.source.Cancel(w.consumerTag); err != nil {
			w.logger.Warn("Failed to cancel consumer", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Stop waits for queued enrichments to settle their deliveries
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")
	if err := w.queue.Wait(ctx); err != nil {
		return fmt.Errorf("worker did not drain: %w", err)
	}
	w.logger.Info("Worker stopped")
	return nil
}
