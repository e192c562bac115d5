package ingestion

import (
	"ILShield/internal/observability"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds events
// into the deterministic core via the eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is the undecoded message from NATS. EventType is resolved from the
// subject; the shell parses it into a typed event.Event before the core sees it.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration under prefix
// (for example "ilshield").
func DefaultSubjects(prefix string) []SubjectConfig {
	return []SubjectConfig{
		{Subject: prefix + ".liquidity.added.>", EventType: "LiquidityAdded", ConsumerName: "ilshield-liq-added", StreamName: "ILS_LIQUIDITY"},
		{Subject: prefix + ".liquidity.removed.>", EventType: "LiquidityRemoved", ConsumerName: "ilshield-liq-removed", StreamName: "ILS_LIQUIDITY"},
		{Subject: prefix + ".trades.>", EventType: "Trade", ConsumerName: "ilshield-trades", StreamName: "ILS_TRADES"},
		{Subject: prefix + ".fund.deposits.>", EventType: "FundDeposit", ConsumerName: "ilshield-fund-deposits", StreamName: "ILS_FUNDING"},
		{Subject: prefix + ".wallets.funded.>", EventType: "WalletFunded", ConsumerName: "ilshield-wallets", StreamName: "ILS_FUNDING"},
		{Subject: prefix + ".admin.coverage_limits.>", EventType: "CoverageLimitUpdate", ConsumerName: "ilshield-admin", StreamName: "ILS_ADMIN"},
	}
}

// ResolveEventType finds the event type for a subject by longest prefix match.
func ResolveEventType(subject string, subjects []SubjectConfig) string {
	bestMatch := ""
	bestType := ""
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = cfg.EventType
		}
	}
	return bestType
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType, subject := cfg.EventType, cfg.Subject
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			received := time.Now()
			if meta, err := msg.Metadata(); err == nil && ns.metrics != nil {
				ns.metrics.NATSPullLatency.WithLabelValues(subject).Observe(received.Sub(meta.Timestamp).Seconds())
			}

			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: received,
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, prefix string, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:     "ILS_LIQUIDITY",
			Subjects: []string{prefix + ".liquidity.>"},
		},
		{
			Name:     "ILS_TRADES",
			Subjects: []string{prefix + ".trades.>"},
		},
		{
			Name:     "ILS_FUNDING",
			Subjects: []string{prefix + ".fund.>", prefix + ".wallets.>"},
		},
		{
			Name:     "ILS_ADMIN",
			Subjects: []string{prefix + ".admin.>"},
		},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("ilshield"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
