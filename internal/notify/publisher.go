package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
)

const defaultPublishTimeout = 5 * time.Second

// Broker is the part of the RabbitMQ client the publisher needs
type Broker interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Logger *slog.Logger
	Broker Broker
	// RoutingKey prefixes every message; the event type is appended, e.g.
	// jobs.events.completed
	RoutingKey string
	Timeout    time.Duration
}

// Publisher forwards job events and table change notices to the broker.
// Publishing is best effort: failures are logged and never fail the job.
type Publisher struct {
	logger     *slog.Logger
	broker     Broker
	routingKey string
	timeout    time.Duration
}

// NewPublisher creates a broker publisher
func NewPublisher(cfg *PublisherConfig) *Publisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Publisher{
		logger:     cfg.Logger,
		broker:     cfg.Broker,
		routingKey: cfg.RoutingKey,
		timeout:    timeout,
	}
}

// StatsInvalidated is published after a table's content changed
type StatsInvalidated struct {
	Type   string    `json:"type"`
	Schema string    `json:"schema"`
	Table  string    `json:"table"`
	At     time.Time `json:"at"`
}

// OnJobEvent implements jobqueue.Observer
func (p *Publisher) OnJobEvent(e jobqueue.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.publish(ctx, string(e.Type), e)
}

// InvalidateStats implements ingest.StatsInvalidator
func (p *Publisher) InvalidateStats(ctx context.Context, ref ingest.TableRef) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	p.publish(ctx, "stats_invalidated", StatsInvalidated{
		Type:   "stats_invalidated",
		Schema: ref.Schema,
		Table:  ref.Table,
		At:     time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, suffix string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to encode notification", slog.Any("error", err))
		return
	}

	key := suffix
	if p.routingKey != "" {
		key = p.routingKey + "." + suffix
	}

	if err := p.broker.PublishWithRetry(ctx, key, body, "application/json"); err != nil {
		p.logger.Warn("Failed to publish notification",
			slog.String("routing_key", key),
			slog.Any("error", err),
		)
	}
}

var (
	_ jobqueue.Observer       = (*Publisher)(nil)
	_ ingest.StatsInvalidator = (*Publisher)(nil)
)
