package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"probooking/internal/api"
	"probooking/internal/config"
	"probooking/internal/database"
	"probooking/internal/domain"
	"probooking/internal/events"
	"probooking/internal/export"
	"probooking/internal/logging"
	"probooking/internal/metrics"
	"probooking/internal/repository"
	"probooking/internal/service"
	"probooking/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	exportFrom := flag.String("export-from", "", "write the dispute audit workbook starting at this date (YYYY-MM-DD) and exit")
	exportTo := flag.String("export-to", "", "last day (inclusive) of the audit export")
	flag.Parse()

	if err := run(*exportFrom, *exportTo); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(exportFrom, exportTo string) error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, cfg.Database.BusyTimeout, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	exporter := export.NewAuditExporter(db, cfg.Exports.Path, logging.Component(logger, "export"))
	if exportFrom != "" {
		return runExport(exporter, exportFrom, exportTo, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	dispatcher, closeDispatcher, err := initDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	bus := events.NewEventBus(logging.Component(logger, "events"))
	notifier := worker.NewNotificationWorker(db, dispatcher, redisClient, cfg.Worker.Notifications, logger)
	events.NewOutboxRecorder(db, notifier, logger).Register(bus)

	core := service.NewCore(db, bus, service.PolicyFromConfig(cfg), logger)
	bookings := service.NewBookingService(core)
	disputes := service.NewDisputeService(core)

	svc := api.Services{
		Bookings: bookings,
		Settings: service.NewSettingsService(core),
		Disputes: disputes,
		Refunds:  service.NewRefundService(core),
		Exporter: exporter,
		Requests: initRequestStore(redisClient, logger),
		Ready:    db.PingContext,
	}
	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		svc.Metrics = metrics.Handler()
	}
	httpServer := api.NewHTTPServer(&cfg.API, svc, logger)

	var wg sync.WaitGroup
	background := []func(context.Context){
		notifier.Start,
		worker.NewSweeper(bookings, disputes, cfg.Worker.SweepInterval, logger).Start,
		database.NewBackupService(db, cfg.Backup, logging.Component(logger, "backup")).Start,
	}
	for _, start := range background {
		wg.Add(1)
		go func(start func(context.Context)) {
			defer wg.Done()
			start(ctx)
		}(start)
	}

	if cfg.Monitoring.PrometheusEnabled && cfg.Monitoring.PrometheusPort != 0 && cfg.Monitoring.PrometheusPort != cfg.API.HTTP.Port {
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
	}

	err = serve(ctx, httpServer, cfg, logger)
	stop()
	wg.Wait()
	return err
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	return cfg, baseLogger, closer, nil
}

// initRedis returns nil when redis is not configured or unreachable; every
// redis-backed component has an in-process fallback.
func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initRequestStore(client *redis.Client, logger *zerolog.Logger) domain.IdempotencyStore {
	memory := repository.NewMemoryRequestStore()
	if client == nil {
		return memory
	}
	return repository.NewFailoverRequestStore(repository.NewRedisRequestStore(client), memory, logger)
}

func initDispatcher(cfg *config.Config, logger *zerolog.Logger) (domain.Dispatcher, func(), error) {
	if !cfg.Kafka.Enabled {
		return events.NewLogDispatcher(logging.Component(logger, "notifications")), func() {}, nil
	}

	dispatcher, err := events.NewKafkaDispatcher(cfg.Kafka, logging.Component(logger, "kafka"))
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka dispatcher: %w", err)
	}
	logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka dispatcher ready")
	return dispatcher, func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn().Err(err).Msg("close kafka writer")
		}
	}, nil
}

func runExport(exporter *export.AuditExporter, fromRaw, toRaw string, logger *zerolog.Logger) error {
	from, err := time.Parse("2006-01-02", fromRaw)
	if err != nil {
		return fmt.Errorf("parse -export-from: %w", err)
	}
	lastDay := from
	if toRaw != "" {
		if lastDay, err = time.Parse("2006-01-02", toRaw); err != nil {
			return fmt.Errorf("parse -export-to: %w", err)
		}
	}

	path, err := exporter.SaveFile(context.Background(), from, lastDay.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	logger.Info().Str("path", path).Msg("audit export written")
	return nil
}

func serve(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
