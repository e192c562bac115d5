package ingestion

import (
	"ILShield/internal/event"
	"ILShield/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes protection notifications to NATS for downstream consumers.
// Subjects follow the pattern: {prefix}.notifications.{type}.{pool}
type OutboundPublisher struct {
	js        jetstream.JetStream
	prefix    string
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is one notification ready for outbound publishing.
type PublishableEvent struct {
	Sequence         int64                  `json:"sequence"`
	NotificationType event.NotificationType `json:"notification_type"`
	IdempotencyKey   string                 `json:"idempotency_key"`
	Pool             *common.Hash           `json:"pool,omitempty"`
	Payload          event.Notification     `json:"payload"`
	StateHash        []byte                 `json:"state_hash"`
	Timestamp        time.Time              `json:"timestamp"`
}

// NewPublishableEvents expands an applied event's notifications into outbound messages.
func NewPublishableEvents(envelope *event.EventEnvelope, notifications []event.Notification) []PublishableEvent {
	out := make([]PublishableEvent, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, PublishableEvent{
			Sequence:         envelope.Sequence,
			NotificationType: n.NotificationType(),
			IdempotencyKey:   envelope.IdempotencyKey,
			Pool:             envelope.PoolID,
			Payload:          n,
			StateHash:        envelope.StateHash[:],
			Timestamp:        envelope.Timestamp,
		})
	}
	return out
}

func NewOutboundPublisher(js jetstream.JetStream, prefix string, inputChan <-chan PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		prefix:    prefix,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = op.js.Publish(ctx, NotificationSubject(op.prefix, evt), data,
		jetstream.WithMsgID(fmt.Sprintf("%d:%s", evt.Sequence, evt.NotificationType)))
	return err
}

// NotificationSubject builds {prefix}.notifications.{type}[.{pool}].
func NotificationSubject(prefix string, evt PublishableEvent) string {
	subject := fmt.Sprintf("%s.notifications.%s", prefix, evt.NotificationType)
	if evt.Pool != nil {
		subject = fmt.Sprintf("%s.%s", subject, evt.Pool.Hex())
	}
	return subject
}

// EnsureOutboundStream creates the outbound notifications stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, prefix string, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "ILS_NOTIFICATIONS",
		Subjects:   []string{prefix + ".notifications.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "ILS_NOTIFICATIONS").Msg("ensured outbound stream")
	return nil
}
