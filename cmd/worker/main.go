package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/config/logger"
	postgresConfig "github.com/crabzie/GPU-Lane-Scheduler/config/storage/postgresql"
	config "github.com/crabzie/GPU-Lane-Scheduler/config/utils"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/runtime/simulated"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/redis"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/service"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	zap.ReplaceGlobals(log)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("gpu-worker-%d", time.Now().Unix())
	}

	// Lanes this worker serves dedicated traffic for; empty means it only
	// picks up shared work.
	var lanes []string
	if raw := os.Getenv("WORKER_LANES"); raw != "" {
		lanes = strings.Split(raw, ",")
	}
	sharedCapable := os.Getenv("WORKER_SHARED") != "false"

	totalMemoryMB := 24576.0
	if raw := os.Getenv("WORKER_MEMORY_MB"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			totalMemoryMB = parsed
		}
	}

	log = log.With(zap.String("service", "worker"), zap.String("worker", workerID))
	log.Info("Starting GPU Lane Worker", zap.Strings("lanes", lanes), zap.Bool("shared", sharedCapable))

	// 2. Init Adapters

	// Postgres
	dbService, err := postgresConfig.New(rootCtx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to init Postgres", zap.Error(err))
	}
	taskStore := postgres.NewTaskStore(dbService.Pool, log)

	// Redis with Retry
	var redisClient *redigo.Client
	maxRedisRetries := 10
	for i := 1; i <= maxRedisRetries; i++ {
		redisClient = redigo.NewClient(&redigo.Options{
			Addr:     appConfig.Redis.Addr,
			Password: appConfig.Redis.Password,
			DB:       0,
		})
		if err := redisClient.Ping(rootCtx).Err(); err == nil {
			break
		} else {
			log.Warn("Failed to connect to Redis, retrying...", zap.Int("attempt", i), zap.Error(err))
			redisClient.Close()
			if i == maxRedisRetries {
				log.Fatal("Failed to init Redis after max retries", zap.Error(err))
			}
			time.Sleep(time.Duration(i*2) * time.Second)
		}
	}
	coordinator := redisAdapter.NewWorkerCoordinator(redisClient, log)

	// RabbitMQ
	queueService, err := rabbitmq.NewLaneQueueService(appConfig.Queue.AMQPURL(), log)
	if err != nil {
		log.Fatal("Failed to init RabbitMQ", zap.Error(err))
	}

	// Diagnostics land in the same audit table the scheduler writes to.
	emitter := service.NewDiagnosticsEmitter(
		postgres.NewEventSink(dbService.Pool, log),
		256,
		log,
	)
	defer emitter.Close()

	// Simulated pipeline runtime. Real deployments swap this for the
	// process that owns the GPU.
	runtime := simulated.NewPipeline(2*time.Second, 500*time.Millisecond, totalMemoryMB*0.8, log)

	// 3. Init Worker Service
	worker := service.NewWorkerService(
		workerID, lanes, sharedCapable, totalMemoryMB,
		taskStore, coordinator, queueService, queueService, runtime, emitter, log,
	)

	// 4. Start Worker
	if err := worker.Start(rootCtx); err != nil {
		log.Fatal("Failed to start worker", zap.Error(err))
	}

	log.Info("Worker started successfully. Waiting for dispatches...")

	// 5. Wait for Shutdown
	<-rootCtx.Done()
	log.Info("Shutting down...")

	// Cleanup
	queueService.Close()
	dbService.Close()
	redisClient.Close()

	time.Sleep(1 * time.Second)
	log.Info("Shutdown complete")
}
