package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/config/logger"
	postgresConfig "github.com/crabzie/GPU-Lane-Scheduler/config/storage/postgresql"
	config "github.com/crabzie/GPU-Lane-Scheduler/config/utils"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/redis"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx := context.Background()

	log.Info("Starting Verification...")

	// 2. Test Postgres
	log.Info("--- Testing Postgres ---")
	dbService, err := postgresConfig.New(ctx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	if err := dbService.Migrate(); err != nil {
		log.Fatal("Failed to migrate DB", zap.Error(err))
	}
	store := postgres.NewTaskStore(dbService.Pool, log)

	// Create a dummy task
	params, _ := json.Marshal(map[string]any{"prompt": "verification", "steps": 4})
	task := &domain.Task{
		ID:         fmt.Sprintf("test-task-%d", time.Now().Unix()),
		Model:      "sdxl-turbo",
		Kind:       domain.TaskKindImage,
		Parameters: params,
		Status:     domain.TaskStatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := store.Create(ctx, task); err != nil {
		log.Error("X Postgres: Create Task Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Create Task Success")
	}

	if fetched, err := store.GetByID(ctx, task.ID); err != nil {
		log.Error("X Postgres: Get Task Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Get Task Success", zap.String("FetchedID", fetched.ID))
	}

	// Terminal status must be sticky: the second transition is a no-op
	if applied, err := store.Fail(ctx, task.ID, "verification failure"); err != nil || !applied {
		log.Error("X Postgres: First terminal transition not applied", zap.Error(err))
	} else if applied, err = store.Complete(ctx, task.ID, "results/never.png"); err == nil && !applied {
		log.Info("✓ Postgres: Terminal status is sticky")
	} else {
		log.Error("X Postgres: Terminal status overwritten", zap.Error(err))
	}

	// 3. Test Redis
	log.Info("--- Testing Redis ---")
	// Creating client directly since the config wrapper returns a fiber storage interface
	redisClient := redigo.NewClient(&redigo.Options{
		Addr:     appConfig.Redis.Addr,
		Password: appConfig.Redis.Password,
		DB:       0,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	coordinator := redisAdapter.NewWorkerCoordinator(redisClient, log)

	worker := &domain.Worker{
		ID:            "test-worker-1",
		Lanes:         []string{"sdxl-turbo"},
		SharedCapable: true,
		TotalMemoryMB: 24576,
		Status:        domain.WorkerStatusActive,
		LastHeartbeat: time.Now(),
	}

	if err := coordinator.RegisterWorker(ctx, worker); err != nil {
		log.Error("X Redis: Register Worker Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: Register Worker Success")
	}

	if served, err := coordinator.LaneServed(ctx, "sdxl-turbo"); err != nil {
		log.Error("X Redis: Lane Probe Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: Lane Probe Success", zap.Bool("served", served))
	}

	// 4. Test RabbitMQ
	log.Info("--- Testing RabbitMQ ---")
	queue, err := rabbitmq.NewLaneQueueService(appConfig.Queue.AMQPURL(), log)
	if err != nil {
		log.Error("X RabbitMQ: Connection Failed", zap.Error(err))
	} else {
		if err := queue.DispatchDedicated(ctx, task); err != nil {
			log.Error("X RabbitMQ: Dedicated Dispatch Failed", zap.Error(err))
		} else {
			log.Info("✓ RabbitMQ: Dedicated Dispatch Success")
		}
		if err := queue.DispatchShared(ctx, task); err != nil {
			log.Error("X RabbitMQ: Shared Dispatch Failed", zap.Error(err))
		} else {
			log.Info("✓ RabbitMQ: Shared Dispatch Success")
		}
		queue.Close()
	}

	// 5. Test Prometheus
	log.Info("--- Testing Prometheus ---")
	promClient := prometheus.NewGPUMonitor(appConfig.Scheduler.PrometheusURL, log)
	used, total, err := promClient.WorkerMemory(ctx, "test-worker-1")
	if err != nil {
		log.Warn("! Prometheus: Query Failed (Expected if bad connection or no data)", zap.Error(err))
	} else {
		log.Info("✓ Prometheus: Query Success", zap.Float64("UsedMB", used), zap.Float64("TotalMB", total))
	}

	log.Info("Verification Complete.")
}
