package main

import (
	"ILShield/internal/cache/redis"
	"ILShield/internal/core"
	"ILShield/internal/ingestion"
	"ILShield/internal/observability"
	"ILShield/internal/persistence"
	"ILShield/internal/projection"
	"ILShield/internal/query"
	"ILShield/internal/server"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Info().Msg("ILShield starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := openPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Redis tick cache (optional) ---
	var tickCache *redis.TickCache
	if cfg.RedisAddr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			PoolSize:   cfg.RedisPoolSize,
			MaxRetries: 3,
			TLSEnabled: cfg.RedisTLS,
			KeyPrefix:  cfg.RedisKeyPrefix,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, tick queries fall back to Postgres")
		} else {
			defer rc.Close()
			tickCache = redis.NewTickCache(rc)
			healthChecker.AddCheck("redis", rc.Ping)
			logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis connected")
		}
	}

	// --- Channels ---
	// persist blocks (backpressure); projection drops
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	submissions := make(chan ingestion.Submission, cfg.InboundChanSize)
	snapshotRequests := make(chan snapshotRequest)

	// --- Deterministic core, recovered from snapshot + log ---
	deterministicCore := core.NewDeterministicCore(coreConfig(cfg), persistCoreChan, projectionCoreChan, nil, metrics, logger)

	startSequence, err := restoreFromSnapshot(ctx, deterministicCore, snapMgr, logger)
	if err != nil {
		return err
	}

	var tickWriter projection.TickWriter
	if tickCache != nil {
		tickWriter = tickCache
	}
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, tickWriter, metrics, logger)

	watermark, err := projection.Watermark(ctx, db)
	if err != nil {
		return err
	}
	if watermark < startSequence-1 {
		logger.Warn().Int64("watermark", watermark).Int64("snapshot", startSequence-1).
			Msg("projections lag behind the snapshot; run rebuild-projections")
	}

	replayStart := time.Now()
	replayed, err := replayEventsFromLog(ctx, deterministicCore, snapMgr, persistCoreChan, projectionCoreChan, startSequence,
		func(output core.CoreOutput) {
			if output.Envelope.Sequence <= watermark {
				return
			}
			if err := projWorker.Apply(ctx, projection.FromCoreOutput(output)); err != nil {
				logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection catch-up failed")
			}
		})
	if err != nil {
		return fmt.Errorf("event replay failed: %w", err)
	}
	metrics.ReplayEventsTotal.Add(float64(replayed))
	logger.Info().Int64("replayed", replayed).Int64("next_sequence", deterministicCore.GetSequence()).
		Dur("took", time.Since(replayStart)).
		Hex("state_hash", stateHashBytes(deterministicCore)).Msg("recovery complete")

	// live events use the Postgres dedup tier; warm the LRU from the log
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	deterministicCore.SetDBChecker(dbChecker)
	recentKeys, err := dbChecker.LoadRecentKeys(ctx, cfg.IdempotencyLRUCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("LRU warm-up failed")
	} else {
		deterministicCore.WarmLRU(recentKeys)
		logger.Info().Int("keys", len(recentKeys)).Msg("idempotency LRU warmed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats not connected")
		}
		return nil
	})
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, cfg.SubjectPrefix, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, cfg.SubjectPrefix, logger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.InboundChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, metrics, logger)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects(cfg.SubjectPrefix)); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, cfg.SubjectPrefix, publishChan, metrics, logger)

	// --- API ---
	queryService := query.NewQueryService(db, queryTicks(tickCache), metrics, logger)
	adminService := ingestion.NewAdminIngestService(submissions)
	coreCfg := coreConfig(cfg)

	apiServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Queries:        queryService,
		Admin:          adminService,
		LatestSequence: snapMgr.GetLatestSequence,
		TakeSnapshot: func(ctx context.Context) (int64, error) {
			return requestSnapshot(ctx, snapshotRequests, snapMgr, metrics)
		},
		RebuildProjections: func(ctx context.Context) error {
			return rebuildProjections(ctx, db, coreCfg, logger)
		},
		HealthChecker: healthChecker,
		Logger:        logger,
	})

	// --- Start goroutines ---
	// workers outlive ctx so they can drain their channels on shutdown
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	errChan := make(chan error, 10)
	var workers, pipeline sync.WaitGroup

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger)
	workers.Add(3)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Projection worker
	go func() {
		defer workers.Done()
		if err := projWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// 3. Outbound publisher
	go func() {
		defer workers.Done()
		if err := outboundPublisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	// 4. Core output bridge
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridgeCoreOutputs(persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)
	}()

	// 5. NATS parser and the single core loop
	pipeline.Add(2)
	go func() {
		defer pipeline.Done()
		ingestion.RunParser(ctx, rawEventChan, submissions, metrics, logger)
	}()
	go func() {
		defer pipeline.Done()
		runCoreLoop(ctx, deterministicCore, submissions, snapshotRequests, logger)
	}()

	// 6. gRPC server and HTTP gateway
	go func() {
		if err := apiServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := apiServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 7. Periodic snapshots
	go runPeriodicSnapshots(ctx, snapshotRequests, snapMgr, startSequence-1, cfg.SnapshotInterval, metrics, logger)

	// 8. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	apiServer.SetServing(true)
	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("ILShield ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, let the core finish, then drain the workers
	healthChecker.SetReady(false)
	apiServer.SetServing(false)
	natsSubscriber.Stop()
	cancel()
	pipeline.Wait()

	close(persistCoreChan)
	<-bridgeDone
	close(persistWorkerChan)
	close(projectionWorkerChan)
	close(publishChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
		cancelWorkers()
		<-drained
	}
	logger.Info().Int64("projected_through", projWorker.LastSequence()).Msg("workers drained")

	// the core loop has stopped, so its state can be read directly
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	final := deterministicCore.CreateSnapshotState()
	if final.Sequence >= startSequence {
		if err := takeSnapshot(shutdownCtx, final, snapMgr, metrics); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
		}
	}

	logger.Info().Msg("ILShield shutdown complete")
	return nil
}

func stateHashBytes(c *core.DeterministicCore) []byte {
	h := c.GetStateHash()
	return h[:]
}

func queryTicks(tc *redis.TickCache) query.TickReader {
	if tc == nil {
		return nil
	}
	return tc
}
