package main

import (
	"ILShield/internal/core"
	"ILShield/internal/ingestion"
	"ILShield/internal/observability"
	"ILShield/internal/persistence"
	"ILShield/internal/projection"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// restoreFromSnapshot loads the latest verified snapshot into c. It returns
// the next sequence to replay from (0 on a cold start).
func restoreFromSnapshot(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	logger zerolog.Logger,
) (int64, error) {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
		return 0, nil
	}

	var st core.SnapshotState
	if err := json.Unmarshal(snap.State, &st); err != nil {
		return 0, fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
	}
	if !bytes.Equal(st.StateHash[:], snap.StateHash) {
		return 0, fmt.Errorf("snapshot %d: embedded state hash %x does not match %x", snap.Sequence, st.StateHash, snap.StateHash)
	}

	c.RestoreFromSnapshot(&st)
	logger.Info().Int64("sequence", snap.Sequence).Int("positions", len(st.Positions)).Msg("restored state from snapshot")
	return snap.Sequence + 1, nil
}

// replayEventsFromLog re-applies logged events from fromSequence to the head.
// Each replayed event must be accepted and must reproduce its stored state
// hash. Replayed outputs are taken off the core channels here and never
// reach persistence; project, when set, receives each one so lagging
// projections catch up.
func replayEventsFromLog(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	fromSequence int64,
	project func(core.CoreOutput),
) (int64, error) {
	var replayed int64

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			if row.Sequence != c.GetSequence() {
				return replayed, fmt.Errorf("event log gap: expected sequence %d, found %d", c.GetSequence(), row.Sequence)
			}

			evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{
				Subject:   row.EventType,
				EventType: row.EventType,
				Data:      row.Payload,
			}, row.EventType)
			if err != nil {
				return replayed, fmt.Errorf("parse logged event %d: %w", row.Sequence, err)
			}

			if err := c.ProcessEvent(evt); err != nil {
				return replayed, fmt.Errorf("replay event %d: %w", row.Sequence, err)
			}

			var output core.CoreOutput
			select {
			case output = <-persistIn:
			default:
				return replayed, fmt.Errorf("replay event %d: core produced no output", row.Sequence)
			}
			if !bytes.Equal(output.Envelope.StateHash[:], row.StateHash) {
				return replayed, fmt.Errorf("state hash mismatch at sequence %d: replayed %x, logged %x",
					row.Sequence, output.Envelope.StateHash, row.StateHash)
			}

			select {
			case <-projectionIn:
			default:
			}
			if project != nil {
				project(output)
			}
			replayed++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// rebuildProjections empties the projection tables and refills them by
// replaying the whole event log through a scratch core.
func rebuildProjections(
	ctx context.Context,
	db *sql.DB,
	coreCfg core.CoreConfig,
	logger zerolog.Logger,
) error {
	start := time.Now()
	if err := projection.ResetProjections(ctx, db, logger); err != nil {
		return err
	}

	persistChan := make(chan core.CoreOutput, 1)
	projectionChan := make(chan core.CoreOutput, 1)
	coreCfg.StartSequence = 0
	scratch := core.NewDeterministicCore(coreCfg, persistChan, projectionChan, nil, nil, logger)
	writer := projection.NewProjectionWorker(db, nil, nil, nil, logger)

	var applyErr error
	replayed, err := replayEventsFromLog(ctx, scratch, persistence.NewSnapshotManager(db), persistChan, projectionChan, 0,
		func(output core.CoreOutput) {
			if applyErr == nil {
				applyErr = writer.Apply(ctx, projection.FromCoreOutput(output))
			}
		})
	if err == nil {
		err = applyErr
	}
	if err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}

	logger.Info().Int64("events", replayed).Dur("took", time.Since(start)).Msg("projection rebuild complete")
	return nil
}

// takeSnapshot persists st once the event log has caught up to it, then marks
// it verified. A snapshot ahead of the log would be unusable for recovery.
func takeSnapshot(
	ctx context.Context,
	st *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	if st.Sequence < 0 {
		return errors.New("nothing to snapshot")
	}
	start := time.Now()

	if err := waitForPersisted(ctx, snapMgr, st.Sequence); err != nil {
		return err
	}

	state, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	snapData := &persistence.SnapshotData{
		Sequence:  st.Sequence,
		StateHash: st.StateHash[:],
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
	if err := snapMgr.SaveSnapshot(ctx, snapData); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, st.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	return nil
}

func waitForPersisted(ctx context.Context, snapMgr *persistence.SnapshotManager, sequence int64) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		latest, err := snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("read event log head: %w", err)
		}
		if latest >= sequence {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for sequence %d to persist: %w", sequence, ctx.Err())
		case <-ticker.C:
		}
	}
}

// requestSnapshot asks the core loop for its state and persists it.
func requestSnapshot(
	ctx context.Context,
	requests chan<- snapshotRequest,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	req := snapshotRequest{reply: make(chan *core.SnapshotState, 1)}
	select {
	case requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	var st *core.SnapshotState
	select {
	case st = <-req.reply:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	if err := takeSnapshot(ctx, st, snapMgr, metrics); err != nil {
		return 0, err
	}
	return st.Sequence, nil
}

// runPeriodicSnapshots snapshots whenever interval events were applied since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	requests chan<- snapshotRequest,
	snapMgr *persistence.SnapshotManager,
	startSequence int64,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := startSequence
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := snapMgr.GetLatestSequence(ctx)
			if err != nil || head-lastSnapshotSeq < interval {
				continue
			}
			seq, err := requestSnapshot(ctx, requests, snapMgr, metrics)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = seq
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot saved")
		}
	}
}
