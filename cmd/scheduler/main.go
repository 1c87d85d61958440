package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/config/logger"
	postgresConfig "github.com/crabzie/GPU-Lane-Scheduler/config/storage/postgresql"
	redisConfig "github.com/crabzie/GPU-Lane-Scheduler/config/storage/redis"
	config "github.com/crabzie/GPU-Lane-Scheduler/config/utils"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/handler/httpapi"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/redis"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/service"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait before gracefully shutting server
// _shutdownHardPeriod is time to wait before force closing server
// _readinessDrainDelay is time to sleep while context shutdown message propagate
const (
	_shutdownPeriod      = 10 * time.Second
	_shutdownHardPeriod  = 3 * time.Second
	_readinessDrainDelay = 5 * time.Second
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// Init config
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger)
	zap.L().Debug("Logger Builded successfully")

	zap.L().Info("Starting the application", zap.String("app", appConfig.App.Name), zap.String("env", appConfig.App.Env), zap.String("owner", appConfig.App.Owner))

	// Init database service
	dbLogger := baseLogger.Named("DB")
	dbService, err := postgresConfig.New(rootCtx, appConfig.DB, dbLogger)
	if err != nil {
		zap.L().Error("Error initializing database connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the database", zap.String("db", appConfig.DB.Connection))

	// Migrate database
	if err := dbService.Migrate(); err != nil {
		zap.L().Error("Error migrating database", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully migrated the database")

	// Init cache service
	_, err = redisConfig.New(rootCtx, appConfig.Redis)
	if err != nil {
		zap.L().Error("Error initializing cache connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the cache server", zap.String("address", appConfig.Redis.Addr))

	redisClient := redigo.NewClient(&redigo.Options{
		Addr:     appConfig.Redis.Addr,
		Password: appConfig.Redis.Password,
		DB:       0,
	})
	defer redisClient.Close()

	// Init queue broker
	queueService, err := rabbitmq.NewLaneQueueService(appConfig.Queue.AMQPURL(), baseLogger.Named("Queue"))
	if err != nil {
		zap.L().Error("Error initializing queue broker connection", zap.Error(err))
		os.Exit(1)
	}
	defer queueService.Close()
	zap.L().Info("Successfully connected to the queue broker")

	// Diagnostics pipeline: events buffer through the emitter and land in
	// the database without ever blocking dispatch.
	emitter := service.NewDiagnosticsEmitter(
		postgres.NewEventSink(dbService.Pool, baseLogger.Named("Events")),
		256,
		baseLogger.Named("Emitter"),
	)
	defer emitter.Close()

	// Core services
	constraints := make([]domain.GenerationConstraints, 0, len(appConfig.Models))
	models := make([]string, 0, len(appConfig.Models))
	for _, m := range appConfig.Models {
		constraints = append(constraints, domain.GenerationConstraints{
			Model:      m.Name,
			Kind:       domain.TaskKind(m.Kind),
			FixedSteps: m.FixedSteps,
			FixedCfg:   m.FixedCfg,
		})
		models = append(models, m.Name)
	}
	validator := service.NewConstraintValidator(constraints)
	registry := service.NewLaneRegistry(models, emitter, baseLogger.Named("Registry"))
	admission := service.NewAdmissionController(
		domain.DefaultDegradedQueuePolicy(),
		appConfig.Scheduler.SharedSlots,
		baseLogger.Named("Admission"),
	)
	taskStore := postgres.NewTaskStore(dbService.Pool, baseLogger.Named("Tasks"))
	router := service.NewRouter(validator, registry, admission, taskStore, queueService, emitter, baseLogger.Named("Router"))

	// Completion reports flow back from workers over the broker. Reports
	// are applied on a background context so in-flight reports still land
	// while the root context is draining during shutdown.
	completion := service.NewCompletionService(taskStore, admission, emitter, baseLogger.Named("Completion"))
	if err := queueService.ConsumeCompletions(rootCtx, func(report *domain.CompletionReport) error {
		return completion.ApplyReport(context.Background(), report)
	}); err != nil {
		zap.L().Error("Error starting completion consumer", zap.Error(err))
		os.Exit(1)
	}

	// Background loops: stale-task reaper and lane health watcher.
	reaper := service.NewStaleTaskReaper(taskStore, registry, admission, emitter, baseLogger.Named("Reaper"))
	go reaper.Run(rootCtx, time.Duration(appConfig.Scheduler.ReapIntervalSeconds)*time.Second)

	coordinator := redisAdapter.NewWorkerCoordinator(redisClient, baseLogger.Named("Coordinator"))
	monitor := prometheus.NewGPUMonitor(appConfig.Scheduler.PrometheusURL, baseLogger.Named("GPU"))
	watcher := service.NewLaneHealthWatcher(models, registry, coordinator, monitor, taskStore,
		appConfig.Scheduler.MinFreeMemoryMB, baseLogger.Named("Health"))
	go watcher.Run(rootCtx, time.Duration(appConfig.Scheduler.ProbeIntervalSeconds)*time.Second)

	// HTTP API
	api := &httpapi.Server{
		Router:   router,
		Store:    taskStore,
		Registry: registry,
		Auth:     httpapi.NewAuthenticator(appConfig.HTTP.APIKeys, appConfig.HTTP.SessionKeys),
		Log:      baseLogger.Named("HTTP"),
	}
	httpServer := &http.Server{
		Addr:    appConfig.HTTP.Addr,
		Handler: api.Handler(),
	}
	go func() {
		zap.L().Info("HTTP server listening", zap.String("addr", appConfig.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("HTTP server failed", zap.Error(err))
			rootCtxCancel()
		}
	}()

	// Wait for ctx cancelation
	<-rootCtx.Done()
	rootCtxCancel()

	// Wait for signal propagation
	time.Sleep(_readinessDrainDelay)
	zap.L().Info("Readiness check propagated, now waiting for ongoing requests to finish")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), _shutdownPeriod)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Graceful shutdown timed out, forcing close", zap.Error(err))
		time.Sleep(_shutdownHardPeriod)
		_ = httpServer.Close()
	}
	dbService.Close()

	zap.L().Info("Graceful shutdown complete.")
}
