package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"example.com/estate/services/searchsync/internal/events"
	"example.com/estate/services/searchsync/internal/messaging"
	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/models"
	"example.com/estate/services/searchsync/internal/repositories"
	"example.com/estate/services/searchsync/internal/tracing"
)

// Consumer turns deliveries into projections. It is the only component that settles
// messages: processed events are acked, everything else is nak'd for redelivery.
type Consumer struct {
	inbox     InboxStore
	status    SyncStatusStore
	projector *Projector
	timeout   time.Duration
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
	now       func() time.Time
}

// NewConsumer creates a consumer
func NewConsumer(inbox InboxStore, status SyncStatusStore, projector *Projector, timeout time.Duration, collector *metrics.Metrics, tracer tracing.Tracer) *Consumer {
	if collector == nil {
		collector = metrics.NewMetrics()
	}
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return &Consumer{
		inbox:     inbox,
		status:    status,
		projector: projector,
		timeout:   timeout,
		metrics:   collector,
		tracer:    tracer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes sub until ctx is cancelled
func (c *Consumer) Run(ctx context.Context, sub messaging.Subscriber) error {
	return sub.Consume(ctx, c.Handle)
}

// Handle processes one delivery to completion and settles it
func (c *Consumer) Handle(ctx context.Context, d messaging.Delivery) {
	start := time.Now()
	c.metrics.IncrementCounter(metrics.CounterEventsReceived)
	defer func() {
		c.metrics.RecordDuration(metrics.TimerEventProcessing, time.Since(start))
	}()

	txn := c.tracer.StartTransaction("building-event")
	defer c.tracer.EndTransaction(txn)
	c.tracer.AddAttribute(txn, "subject", d.Subject())

	logger := log.With().
		Str("subject", d.Subject()).
		Uint64("sequence", d.Sequence()).
		Uint64("delivered", d.NumDelivered()).
		Logger()

	fallbackID := events.FallbackID(d.Source(), d.Sequence())
	ev, err := events.Decode(d.Data(), fallbackID, d.ReceivedAt())
	if err != nil {
		c.tracer.RecordError(txn, err)
		c.rejectMalformed(ctx, logger, d, fallbackID, err)
		c.nak(ctx, logger, d)
		return
	}

	logger = logger.With().
		Str("event_id", ev.ID()).
		Str("event_type", string(ev.Kind())).
		Str("entity_id", ev.EntityID()).
		Logger()
	c.tracer.AddAttribute(txn, "event_id", ev.ID())
	c.tracer.AddAttribute(txn, "entity_id", ev.EntityID())

	claimed, err := c.claim(ctx, logger, ev)
	if err != nil {
		c.tracer.RecordError(txn, err)
		c.nak(ctx, logger, d)
		return
	}
	if !claimed {
		c.ack(ctx, logger, d)
		return
	}

	if err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.status.MarkPending(ctx, events.EntityTypeBuilding, ev.EntityID(), c.now())
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark sync status pending")
	}

	seg := c.tracer.StartSegment(txn, "project")
	outcome, err := c.projector.Apply(ctx, ev)
	seg.End()

	if err != nil {
		c.tracer.RecordError(txn, err)
		c.fail(ctx, logger, ev, err)
		c.nak(ctx, logger, d)
		return
	}

	if err := c.complete(ctx, ev, outcome); err != nil {
		c.tracer.RecordError(txn, err)
		logger.Error().Err(err).Msg("Failed to record processed event")
		c.metrics.IncrementCounter(metrics.CounterEventsFailed)
		c.nak(ctx, logger, d)
		return
	}

	c.metrics.IncrementCounter(metrics.CounterEventsProcessed)
	logger.Info().Bool("skipped", outcome.Skipped).Msg("Event processed")
	c.ack(ctx, logger, d)
}

// claim decides whether the event needs processing. It returns false for events already
// processed, and an error when the event cannot be claimed now, including when another
// instance inserted the inbox row first.
func (c *Consumer) claim(ctx context.Context, logger zerolog.Logger, ev events.Event) (bool, error) {
	var existing *models.Inbox
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		existing, err = c.inbox.Get(ctx, ev.ID())
		return err
	})

	switch {
	case err == nil && existing.Status == models.InboxProcessed:
		c.metrics.IncrementCounter(metrics.CounterEventsDuplicate)
		logger.Info().Msg("Event already processed, skipping")
		return false, nil

	case err == nil:
		logger.Info().Str("inbox_status", string(existing.Status)).Msg("Retrying event")
		return true, nil

	case errors.Is(err, repositories.ErrNotFound):
		row := &models.Inbox{
			EventID:     ev.ID(),
			EventType:   ev.Type(),
			AggregateID: ev.EntityID(),
			Payload:     verbatim(ev.Raw()),
			Status:      models.InboxPending,
		}
		err = c.withTimeout(ctx, func(ctx context.Context) error {
			return c.inbox.Insert(ctx, row)
		})
		if errors.Is(err, repositories.ErrDuplicateKey) {
			c.metrics.IncrementCounter(metrics.CounterEventsContended)
			logger.Info().Msg("Event claimed by another consumer, deferring")
			return false, err
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to insert inbox record")
			return false, err
		}
		return true, nil

	default:
		logger.Error().Err(err).Msg("Failed to read inbox")
		return false, err
	}
}

func (c *Consumer) complete(ctx context.Context, ev events.Event, outcome Outcome) error {
	now := c.now()
	if err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.inbox.MarkProcessed(ctx, ev.ID(), now)
	}); err != nil {
		return err
	}
	return c.withTimeout(ctx, func(ctx context.Context) error {
		if outcome.Problem != "" {
			return c.status.RecordProblem(ctx, events.EntityTypeBuilding, ev.EntityID(), outcome.Problem, now)
		}
		return c.status.RecordSuccess(ctx, events.EntityTypeBuilding, ev.EntityID(), outcome.Note, now)
	})
}

func (c *Consumer) fail(ctx context.Context, logger zerolog.Logger, ev events.Event, cause error) {
	c.metrics.IncrementCounter(metrics.CounterEventsFailed)
	logger.Error().Err(cause).Msg("Failed to project event")

	message := cause.Error()
	if err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.inbox.MarkFailed(ctx, ev.ID(), message)
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark inbox record failed")
	}
	if err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.status.RecordError(ctx, events.EntityTypeBuilding, ev.EntityID(), message, c.now())
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to record sync error")
	}
}

// rejectMalformed records an undecodable event as failed under the best identifiers
// available. A malformed event is not dropped: it is nak'd like any other failure.
func (c *Consumer) rejectMalformed(ctx context.Context, logger zerolog.Logger, d messaging.Delivery, fallbackID string, cause error) {
	c.metrics.IncrementCounter(metrics.CounterEventsMalformed)
	c.metrics.IncrementCounter(metrics.CounterEventsFailed)

	env, _ := events.PeekEnvelope(d.Data())
	eventID := env.EventID
	if eventID == "" {
		eventID = fallbackID
	}
	logger = logger.With().Str("event_id", eventID).Logger()
	logger.Error().Err(cause).Msg("Malformed event")

	message := cause.Error()
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.inbox.Insert(ctx, &models.Inbox{
			EventID:      eventID,
			EventType:    env.EventType,
			AggregateID:  env.AggregateID,
			Payload:      verbatim(d.Data()),
			Status:       models.InboxFailed,
			ErrorMessage: &message,
		})
	})
	if errors.Is(err, repositories.ErrDuplicateKey) {
		err = c.withTimeout(ctx, func(ctx context.Context) error {
			return c.inbox.MarkFailed(ctx, eventID, message)
		})
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record malformed event")
	}

	if env.AggregateID == "" {
		return
	}
	if err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.status.RecordError(ctx, events.EntityTypeBuilding, env.AggregateID, message, c.now())
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to record sync error")
	}
}

func (c *Consumer) ack(ctx context.Context, logger zerolog.Logger, d messaging.Delivery) {
	if err := d.Ack(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to ack message")
	}
}

func (c *Consumer) nak(ctx context.Context, logger zerolog.Logger, d messaging.Delivery) {
	if err := d.Nak(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to nak message")
	}
}

func (c *Consumer) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(ctx)
}

// verbatim keeps the raw body when it is valid JSON, since the column is jsonb
func verbatim(body []byte) datatypes.JSON {
	if !json.Valid(body) {
		return nil
	}
	return datatypes.JSON(body)
}
