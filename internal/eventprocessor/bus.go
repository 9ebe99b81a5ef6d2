// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

/*
Package eventprocessor is the in-process event bus between ingestion and the
pipeline.

Ingestion (webhooks, the websocket listener, the public events endpoint)
publishes normalized library events to a watermill GoChannel topic. A
single router handler consumes them and calls the pipeline. Middleware,
outermost first:

  - acknowledge: anything still failing after retries is logged, counted
    and acked so the in-memory bus never redelivers it forever
  - Recoverer: a panic in the pipeline becomes an error
  - Deduplicator: identical (kind, item) events inside the dedupe window
    are dropped
  - Throttle: optional cap on events per second
  - Retry: storage errors are retried with exponential backoff

Only storage errors are returned from the handler. Catalog and routing
failures are already absorbed by the pipeline.
*/
package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/cache"
	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
	"github.com/tomtom215/herald/internal/store"
)

// Topic carries library events.
const Topic = "library.events"

const (
	metaCorrelationID = "correlation_id"
	metaDedupeKey     = "dedupe_key"
	metaSource        = "source"
)

// ErrNotRunning is returned by Publish when the router is not consuming.
var ErrNotRunning = errors.New("event bus is not running")

// Handler processes one event. Errors wrapping store.ErrStorage are retried.
type Handler interface {
	Process(ctx context.Context, ev models.LibraryEvent) error
}

// Bus owns the pub/sub channel and the router consuming it.
type Bus struct {
	pubsub  *gochannel.GoChannel
	router  *message.Router
	handler Handler
	logger  watermill.LoggerAdapter
	dedupe  *dedupeRepository
}

// New builds the bus. Nothing is consumed until Run.
func New(cfg config.EventBusConfig, h Handler) (*Bus, error) {
	logger := logging.NewWatermillLogger()

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	b := &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(cfg.BufferSize),
		}, logger),
		router:  router,
		handler: h,
		logger:  logger,
	}

	router.AddMiddleware(b.acknowledge)
	router.AddMiddleware(middleware.Recoverer)

	if cfg.DedupeTTL > 0 {
		b.dedupe = newDedupeRepository(cfg.DedupeTTL)
		dedup := middleware.Deduplicator{
			KeyFactory: dedupeKey,
			Repository: b.dedupe,
		}
		router.AddMiddleware(dedup.Middleware)
	}

	if cfg.ThrottlePerSecond > 0 {
		throttle := middleware.NewThrottle(int64(cfg.ThrottlePerSecond), time.Second)
		router.AddMiddleware(throttle.Middleware)
	}

	if cfg.RetryCount > 0 {
		retry := middleware.Retry{
			MaxRetries:      cfg.RetryCount,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
			Multiplier:      2.0,
			Logger:          logger,
		}
		router.AddMiddleware(retry.Middleware)
	}

	router.AddConsumerHandler("pipeline", Topic, b.pubsub, b.handle)
	return b, nil
}

// Run consumes events until ctx is canceled, then closes the channel.
func (b *Bus) Run(ctx context.Context) error {
	defer func() {
		if err := b.pubsub.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close event channel")
		}
	}()
	if err := b.router.Run(ctx); err != nil {
		return fmt.Errorf("event bus router: %w", err)
	}
	return nil
}

func (b *Bus) String() string { return "event-bus" }

// Running is closed once the handler is subscribed.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

// Publish queues ev for the pipeline. The correlation id in ctx, or a new
// one, follows the event into the handler.
func (b *Bus) Publish(ctx context.Context, ev models.LibraryEvent) error {
	select {
	case <-b.router.Running():
	default:
		return ErrNotRunning
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	cid := logging.CorrelationIDFromContext(ctx)
	if cid == "" {
		cid = logging.GenerateCorrelationID()
	}
	msg.Metadata.Set(metaCorrelationID, cid)
	msg.Metadata.Set(metaDedupeKey, ev.DedupeKey())
	msg.Metadata.Set(metaSource, ev.Source)

	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	metrics.EventsReceived.WithLabelValues(ev.Source, string(ev.Kind)).Inc()
	return nil
}

// handle is the router handler. Malformed payloads are acked and dropped.
func (b *Bus) handle(msg *message.Message) error {
	start := time.Now()
	var ev models.LibraryEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping undecodable event")
		return nil
	}

	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cid := msg.Metadata.Get(metaCorrelationID); cid != "" {
		ctx = logging.ContextWithCorrelationID(ctx, cid)
	}

	err := b.handler.Process(ctx, ev)
	metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.EventsProcessed.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, store.ErrStorage):
		metrics.EventsProcessed.WithLabelValues("retry").Inc()
		return err
	default:
		metrics.EventsProcessed.WithLabelValues("error").Inc()
		logging.Ctx(ctx).Error().Err(err).Str("item_id", ev.ItemID).Str("event", string(ev.Kind)).
			Msg("Event processing failed")
		return nil
	}
}

// acknowledge is the outermost middleware: whatever still fails after the
// inner retries is acked here.
func (b *Bus) acknowledge(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			metrics.EventsProcessed.WithLabelValues("error").Inc()
			logging.Error().Err(err).
				Str("message_uuid", msg.UUID).
				Str("correlation_id", msg.Metadata.Get(metaCorrelationID)).
				Str("dedupe_key", msg.Metadata.Get(metaDedupeKey)).
				Msg("Event abandoned after retries")
			if b.dedupe != nil {
				b.dedupe.Forget(msg.Metadata.Get(metaDedupeKey))
			}
			return nil, nil
		}
		return out, nil
	}
}

func dedupeKey(msg *message.Message) (string, error) {
	if k := msg.Metadata.Get(metaDedupeKey); k != "" {
		return k, nil
	}
	return msg.UUID, nil
}

// dedupeRepository implements middleware.ExpiringKeyRepository over the LRU.
type dedupeRepository struct {
	cache *cache.LRU[struct{}]
}

func newDedupeRepository(ttl time.Duration) *dedupeRepository {
	return &dedupeRepository{cache: cache.New[struct{}](10000, ttl)}
}

func (d *dedupeRepository) IsDuplicate(_ context.Context, key string) (bool, error) {
	if d.cache.AddIfAbsent(key, struct{}{}) {
		metrics.EventsRejected.WithLabelValues("duplicate").Inc()
		return true, nil
	}
	return false, nil
}

// Forget clears the dedupe entry for key so that the sender's own retry of
// an abandoned event is processed.
func (d *dedupeRepository) Forget(key string) {
	d.cache.Remove(key)
}
