package ingestion

import (
	"ILShield/internal/observability"
	"context"

	"github.com/rs/zerolog"
)

// RunParser validates and parses raw NATS messages and forwards them to the
// core loop. Messages are acked once handed to the core (not after the core
// applies them) so slow processing cannot expire AckWait, and the blocking
// send propagates backpressure to JetStream. Unparseable messages are acked
// and dropped so they are not redelivered forever.
func RunParser(
	ctx context.Context,
	rawChan <-chan RawEvent,
	out chan<- Submission,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			evt, err := ParseRawEvent(raw, raw.EventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
				countIngest(metrics, raw.EventType, "invalid")
				raw.AckFunc()
				continue
			}

			select {
			case out <- Submission{Event: evt}:
				countIngest(metrics, raw.EventType, "accepted")
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

func countIngest(metrics *observability.Metrics, eventType, outcome string) {
	if metrics != nil {
		metrics.IngestMessages.WithLabelValues(eventType, outcome).Inc()
	}
}
