package main

import (
	"ILShield/internal/config"
	"ILShield/internal/core"
	"ILShield/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "ilshield",
		Short:        "Impermanent-loss protection ledger",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the protection core, workers and API",
		RunE:  runServe,
	}
	config.RegisterFlags(serveCmd.Flags())
	root.AddCommand(serveCmd)

	rebuildCmd := &cobra.Command{
		Use:   "rebuild-projections",
		Short: "Rebuild projection tables from the event log",
		RunE:  runRebuild,
	}
	config.RegisterFlags(rebuildCmd.Flags())
	root.AddCommand(rebuildCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := observability.NewLoggerWithLevel("ilshield", observability.ParseLogLevel(cfg.LogLevel))
	return cfg, logger, nil
}

func coreConfig(cfg config.Config) core.CoreConfig {
	return core.CoreConfig{
		AdminAddress:       cfg.AdminAddress,
		DefaultMaxCoverage: cfg.DefaultMaxCoverage,
		LRUCapacity:        cfg.IdempotencyLRUCapacity,
	}
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	return rebuildProjections(ctx, db, coreConfig(cfg), logger)
}
