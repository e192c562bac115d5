package main

import (
	"ILShield/internal/core"
	"ILShield/internal/ingestion"
	"ILShield/internal/observability"
	"ILShield/internal/persistence"
	"ILShield/internal/projection"
	"context"

	"github.com/rs/zerolog"
)

// snapshotRequest asks the core loop for a consistent copy of its state.
type snapshotRequest struct {
	reply chan *core.SnapshotState
}

// runCoreLoop is the only goroutine that calls into the core. NATS messages
// and admin submissions share it so events are applied one at a time.
func runCoreLoop(
	ctx context.Context,
	c *core.DeterministicCore,
	submissions <-chan ingestion.Submission,
	snapshots <-chan snapshotRequest,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case req := <-snapshots:
			req.reply <- c.CreateSnapshotState()

		case sub := <-submissions:
			err := c.ProcessEvent(sub.Event)
			if err != nil {
				// rejected events leave no trace; the caller (if any) gets the reason
				logger.Debug().Err(err).
					Str("event_type", sub.Event.EventType().String()).
					Str("idempotency_key", sub.Event.IdempotencyKey()).
					Msg("event not applied")
			}
			if sub.Reply != nil {
				sub.Reply <- err
			}
		}
	}
}

// bridgeCoreOutputs fans core outputs out to the persistence, projection and
// publish workers. It returns once persistIn is closed, after the core loop
// has stopped.
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	forwardProjection := func(output core.CoreOutput) {
		select {
		case projectionOut <- projection.FromCoreOutput(output):
		default:
			metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
		}
	}

	for {
		select {
		case output, ok := <-persistIn:
			if !ok {
				for {
					select {
					case output := <-projectionIn:
						forwardProjection(output)
					default:
						return
					}
				}
			}

			persistOut <- persistence.CoreOutput{
				EventRow:    persistence.NewEventRow(output.Envelope),
				JournalRows: persistence.NewJournalRows(output.Batch),
			}

			for _, evt := range ingestion.NewPublishableEvents(output.Envelope, output.Notifications) {
				select {
				case publishOut <- evt:
				default:
					metrics.PublishDrops.Inc()
				}
			}

		case output := <-projectionIn:
			forwardProjection(output)
		}
	}
}
