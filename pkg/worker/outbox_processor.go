package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/messaging"
	"github.com/jwalitptl/consult-core/pkg/metrics"
)

// DefaultChannels routes outbox event types to broker channels.
var DefaultChannels = map[string]string{
	model.EventSLAEscalation:            "sla.escalations",
	model.EventConsultationTransitioned: "consultation.transitions",
}

const maxRetryBackoff = time.Hour

type OutboxProcessorConfig struct {
	BatchSize     int
	PollInterval  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	// Lease hides claimed events from other relays until it expires.
	Lease time.Duration
	// MaxRetries is the number of failed deliveries before an event is parked as failed.
	MaxRetries int
	// Retention removes processed events older than this; zero keeps them.
	Retention      time.Duration
	Channels       map[string]string
	DefaultChannel string
}

type OutboxProcessor struct {
	repo    repository.OutboxRepository
	broker  messaging.Broker
	config  OutboxProcessorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewOutboxProcessor(
	repo repository.OutboxRepository,
	broker messaging.Broker,
	config OutboxProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *OutboxProcessor {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.RetryAttempts <= 0 {
		panic("RetryAttempts must be greater than 0")
	}
	if config.RetryDelay <= 0 {
		panic("RetryDelay must be greater than 0")
	}
	if config.Lease <= 0 {
		config.Lease = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 10
	}
	if config.Channels == nil {
		config.Channels = DefaultChannels
	}
	if config.DefaultChannel == "" {
		config.DefaultChannel = "consult.events"
	}

	return &OutboxProcessor{
		repo:    repo,
		broker:  broker,
		config:  config,
		logger:  logger.WithComponent("outbox"),
		metrics: metrics,
		now:     time.Now,
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	var cleanup <-chan time.Time
	if p.config.Retention > 0 {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		cleanup = t.C
	}

	p.logger.Info("Starting outbox processor")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down outbox processor")
			return
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error(err, "Failed to process events")
			}
		case <-cleanup:
			if _, err := p.Cleanup(ctx); err != nil {
				p.logger.Error(err, "Failed to clean up outbox")
			}
		}
	}
}

// ProcessOnce claims one batch and relays it. It returns the number of
// events delivered.
func (p *OutboxProcessor) ProcessOnce(ctx context.Context) (int, error) {
	timer := prometheus.NewTimer(p.metrics.OutboxProcessingLatency)
	defer timer.ObserveDuration()

	events, err := p.repo.ClaimPending(ctx, p.config.BatchSize, p.config.Lease)
	if err != nil {
		p.metrics.DatabaseOperations.WithLabelValues("claim_outbox", "error").Inc()
		return 0, fmt.Errorf("failed to claim pending events: %w", err)
	}
	p.metrics.DatabaseOperations.WithLabelValues("claim_outbox", "success").Inc()

	delivered := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := p.processEvent(ctx, event); err != nil {
			p.logger.Error(err, "Failed to process event",
				"event_id", event.ID.String(),
				"event_type", event.EventType)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (p *OutboxProcessor) channel(eventType string) string {
	if c, ok := p.config.Channels[eventType]; ok {
		return c
	}
	return p.config.DefaultChannel
}

func (p *OutboxProcessor) processEvent(ctx context.Context, event *model.OutboxEvent) error {
	body, err := messaging.Message{
		ID:          event.ID,
		Type:        event.EventType,
		AggregateID: event.AggregateID,
		OccurredAt:  event.CreatedAt,
		Attempt:     event.RetryCount + 1,
		Payload:     event.Payload,
	}.Encode()
	if err != nil {
		return p.fail(ctx, event, err)
	}

	channel := p.channel(event.EventType)
	err = retry(ctx, p.config.RetryAttempts, p.config.RetryDelay, func() error {
		return p.broker.Publish(ctx, channel, body)
	})
	if err != nil {
		return p.reschedule(ctx, event, err)
	}

	p.metrics.OutboxEventsProcessed.Inc()
	if err := p.repo.MarkProcessed(ctx, event.ID); err != nil {
		p.logger.Error(err, "Failed to update event status", "event_id", event.ID.String())
		return err
	}
	return nil
}

// reschedule backs the event off exponentially, parking it as failed once
// MaxRetries deliveries have failed.
func (p *OutboxProcessor) reschedule(ctx context.Context, event *model.OutboxEvent, cause error) error {
	if event.RetryCount+1 >= p.config.MaxRetries {
		return p.fail(ctx, event, cause)
	}
	p.metrics.OutboxRetries.WithLabelValues(event.EventType).Inc()

	backoff := p.config.RetryDelay << min(event.RetryCount+1, 20)
	if backoff > maxRetryBackoff || backoff <= 0 {
		backoff = maxRetryBackoff
	}
	if err := p.repo.MarkRetry(ctx, event.ID, cause.Error(), p.now().Add(backoff)); err != nil {
		p.logger.Error(err, "Failed to update event status", "event_id", event.ID.String())
	}
	return cause
}

func (p *OutboxProcessor) fail(ctx context.Context, event *model.OutboxEvent, cause error) error {
	p.metrics.OutboxEventsFailed.Inc()
	if err := p.repo.MarkFailed(ctx, event.ID, cause.Error()); err != nil {
		p.logger.Error(err, "Failed to update event status", "event_id", event.ID.String())
	}
	return cause
}

// Cleanup removes processed events past the retention window.
func (p *OutboxProcessor) Cleanup(ctx context.Context) (int64, error) {
	if p.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.config.Retention)
	n, err := p.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outbox: %w", err)
	}
	if n > 0 {
		p.logger.Info("Cleaned up processed outbox events", "count", n)
	}
	return n, nil
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}
