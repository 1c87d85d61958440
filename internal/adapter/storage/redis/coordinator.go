package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// heartbeatTTL is how long a worker registration survives without a new
// heartbeat. Workers push every 10 seconds, so three misses expire it.
const heartbeatTTL = 30 * time.Second

type workerCoordinator struct {
	client *redis.Client
	log    *zap.Logger
}

// NewWorkerCoordinator creates the Redis adapter that tracks live GPU
// workers through TTL'd heartbeat keys.
func NewWorkerCoordinator(client *redis.Client, log *zap.Logger) port.WorkerCoordinator {
	return &workerCoordinator{
		client: client,
		log:    log,
	}
}

// RegisterWorker saves the worker state under a TTL key; each heartbeat
// extends the TTL.
func (c *workerCoordinator) RegisterWorker(ctx context.Context, worker *domain.Worker) error {
	data, err := json.Marshal(worker)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("worker:%s", worker.ID)
	return c.client.Set(ctx, key, data, heartbeatTTL).Err()
}

func (c *workerCoordinator) ActiveWorkers(ctx context.Context) ([]*domain.Worker, error) {
	keys, err := c.client.Keys(ctx, "worker:*").Result()
	if err != nil {
		return nil, err
	}

	var workers []*domain.Worker
	for _, key := range keys {
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			continue // key expired between KEYS and GET
		}

		var worker domain.Worker
		if err := json.Unmarshal([]byte(val), &worker); err == nil {
			workers = append(workers, &worker)
		}
	}
	return workers, nil
}

// LaneServed reports whether any live worker advertises a dedicated lane
// for the model. This is the lane health probe.
func (c *workerCoordinator) LaneServed(ctx context.Context, model string) (bool, error) {
	workers, err := c.ActiveWorkers(ctx)
	if err != nil {
		return false, err
	}
	for _, worker := range workers {
		if worker.Status == domain.WorkerStatusActive && worker.ServesLane(model) {
			return true, nil
		}
	}
	return false, nil
}
