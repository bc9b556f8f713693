package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LeverVault/internal/config"
	"LeverVault/internal/event"
	"LeverVault/internal/ingestion"
	"LeverVault/internal/nav"
	"LeverVault/internal/observability"
	"LeverVault/internal/persistence"
	"LeverVault/internal/projection"
	"LeverVault/internal/query"
	"LeverVault/internal/server"
	"LeverVault/internal/vault"
	"LeverVault/internal/venue"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "vaultd",
		Short:        "Leverage token vault processor",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume invocations and serve the query API",
		RunE:  runDaemon,
	}
	config.RegisterFlags(runCmd.Flags())
	root.AddCommand(runCmd)

	rebuildCmd := &cobra.Command{
		Use:   "rebuild-projection",
		Short: "Recompute token stats from the invocation log",
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
		return cfg, zerolog.Nop(), err
	}
	logger := observability.NewLoggerTo(os.Stdout, "vaultd", observability.ParseLogLevel(cfg.LogLevel))
	return cfg, logger, nil
}

func openDB(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if cfg.AutoMigrate {
		if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return db, nil
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return projection.Rebuild(ctx, db, logger)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Info().Stringer("program_id", cfg.ProgramID).Msg("LeverVault starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store := persistence.NewStore(db)
	invocations := persistence.NewInvocationLog(db)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", store.Ping)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	subjects := ingestion.DefaultSubjects()
	if err := ingestion.EnsureStreams(ctx, js, subjects, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	gateway := venue.NewNATSGateway(nc, cfg.VenuePrefix, cfg.VenueTimeout)

	// --- Processor ---
	processed := make(chan *event.Envelope, cfg.PublishBuffer)
	proc := vault.NewProcessor(
		vault.Options{ProgramID: cfg.ProgramID, LRUCapacity: cfg.LRUCapacity},
		store, gateway, invocations, processed, metrics,
		logger.With().Str("component", "processor").Logger(),
	)

	// --- Recovery: resume the hash chain and warm the dedup cache ---
	seq, hash, found, err := invocations.Tip(ctx)
	if err != nil {
		return fmt.Errorf("load log tip: %w", err)
	}
	if found {
		proc.Restore(seq, hash)
		logger.Info().Int64("sequence", seq).Stringer("state_hash", hash).Msg("resumed from invocation log")
	} else {
		logger.Info().Msg("empty invocation log, cold start from sequence 1")
	}
	ids, err := invocations.RecentIDs(ctx, cfg.WarmKeys)
	if err != nil {
		return fmt.Errorf("load recent ids: %w", err)
	}
	proc.WarmLRU(ids)
	logger.Info().Int("keys", len(ids)).Msg("dedup cache warmed")

	// --- Ingestion ---
	deliveries := make(chan vault.Delivery, cfg.DeliveryBuffer)
	subscriber := ingestion.NewSubscriber(js, deliveries, subjects, metrics, logger)
	if err := subscriber.Subscribe(ctx); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// --- Outputs ---
	publishChan := make(chan *event.Envelope, cfg.PublishBuffer)
	projectionChan := make(chan *event.Envelope, cfg.PublishBuffer)
	publisher := ingestion.NewPublisher(js, publishChan, subjects.Events, metrics, logger)
	projWorker := projection.NewWorker(db, projectionChan, logger.With().Str("component", "projection").Logger())

	// --- Query API ---
	querySvc := query.NewService(cfg.ProgramID, store, gateway, nav.NewCalculator(nil), invocations).
		WithStats(projection.NewReader(db))
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Query:         querySvc,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger.With().Str("component", "server").Logger(),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Processor
	go func() {
		errChan <- proc.Run(ctx, deliveries)
	}()

	// 2. Processor output fan-out
	go fanOut(ctx, processed, publishChan, projectionChan, metrics)

	// 3. Outbound publisher
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// 4. Projection worker
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 5. gRPC server
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()

	// 6. HTTP/JSON gateway
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	// 7. Prometheus metrics server
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
	srv.SetServing(true)

	logger.Info().
		Int64("sequence", proc.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("LeverVault ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Stringer("signal", sig).Msg("received signal, shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	srv.SetServing(false)
	subscriber.Stop()
	cancel()

	logger.Info().Int64("sequence", proc.Sequence()).Msg("LeverVault shutdown complete")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// fanOut copies every processed envelope to the publisher and the
// projection worker. Neither consumer may stall the processor: a full
// channel drops the envelope, and both recover from the invocation log.
func fanOut(ctx context.Context, in <-chan *event.Envelope, publish, project chan<- *event.Envelope, metrics *observability.Metrics) {
	defer close(publish)
	defer close(project)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			for _, out := range []chan<- *event.Envelope{publish, project} {
				select {
				case out <- env:
				default:
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}
