package server

import (
	fpmath "ILShield/internal/math"
	"ILShield/internal/observability"
	"ILShield/internal/query"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Queries is the read side served over HTTP. Implemented by query.QueryService.
type Queries interface {
	GetPosition(ctx context.Context, owner common.Address, pool common.Hash) (*query.PositionResponse, error)
	ListOpenPositions(ctx context.Context, pool common.Hash, limit int) ([]query.PositionResponse, error)
	GetPool(ctx context.Context, pool common.Hash) (*query.PoolResponse, error)
	GetPayoutHistory(ctx context.Context, owner common.Address, limit int, beforeSequence *int64) ([]query.PayoutResponse, error)
	GetJournalHistory(ctx context.Context, owner common.Address, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	GetFundBalance(ctx context.Context, currency common.Address) (*query.FundBalanceResponse, error)
	GetTick(ctx context.Context, pool common.Hash) (*query.TickResponse, error)
	QuotePremium(ctx context.Context, pool common.Hash, liquidity fpmath.Decimal) (*query.PremiumQuote, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Admin injects operator events. Implemented by ingestion.AdminIngestService.
type Admin interface {
	SetCoverageLimits(ctx context.Context, caller common.Address, pool common.Hash, maxPayoutPerPosition, maxTotalCoverage fpmath.Decimal) error
	InjectFundDeposit(ctx context.Context, currency common.Address, amount fpmath.Decimal) error
	InjectWalletFunding(ctx context.Context, owner, currency common.Address, amount, allowance fpmath.Decimal) error
}

// ServerDeps holds everything the servers dispatch to.
type ServerDeps struct {
	Queries Queries
	Admin   Admin

	// LatestSequence returns the last persisted event sequence.
	LatestSequence func(ctx context.Context) (int64, error)
	// TakeSnapshot snapshots core state and returns the snapshot's sequence.
	TakeSnapshot func(ctx context.Context) (int64, error)
	// RebuildProjections resets and replays the projection tables.
	RebuildProjections func(ctx context.Context) error

	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// GRPCServer owns the gRPC listener (health and reflection) and the HTTP gateway.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	deps         *ServerDeps
	logger       zerolog.Logger
}

// NewGRPCServer creates the servers with all routes registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		logger:       deps.Logger.With().Str("component", "server").Logger(),
	}
}

// SetServing flips the gRPC health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP handler: health endpoints plus the gateway mux.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	if err := registerRoutes(mux, s.deps); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway serves the HTTP/JSON API (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
