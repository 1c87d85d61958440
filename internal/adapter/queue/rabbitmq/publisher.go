package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// laneExchange is the direct exchange dispatch envelopes go through.
	// Dedicated lanes bind "lane.<model>"; degraded traffic shares
	// "lane.shared".
	laneExchange = "lanes.direct"

	sharedRoutingKey = "lane.shared"

	// completionQueue carries worker completion reports back to the
	// scheduler.
	completionQueue = "lane.completions"
)

// LaneQueueService is the AMQP transport between the scheduler and the
// GPU workers: dispatch envelopes out, completion reports back.
type LaneQueueService struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

func NewLaneQueueService(url string, log *zap.Logger) (*LaneQueueService, error) {
	var conn *amqp.Connection
	var err error

	// Retry connection up to 10 times with backoff
	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, err := conn.Channel()
			if err == nil {
				if err := ch.ExchangeDeclare(
					laneExchange,
					"direct",
					true,  // durable
					false, // auto-delete
					false, // internal
					false, // no-wait
					nil,
				); err != nil {
					conn.Close()
					return nil, err
				}
				return &LaneQueueService{
					conn: conn,
					ch:   ch,
					log:  log,
				}, nil
			}
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// DispatchDedicated publishes the task to its model's dedicated lane
// queue.
func (q *LaneQueueService) DispatchDedicated(ctx context.Context, task *domain.Task) error {
	return q.publishDispatch(ctx, task, domain.ModeDedicated, "lane."+task.Model)
}

// DispatchShared publishes the task to the degraded shared-worker queue.
func (q *LaneQueueService) DispatchShared(ctx context.Context, task *domain.Task) error {
	return q.publishDispatch(ctx, task, domain.ModeDegradedShared, sharedRoutingKey)
}

func (q *LaneQueueService) publishDispatch(ctx context.Context, task *domain.Task, mode domain.LaneMode, routingKey string) error {
	env := domain.DispatchEnvelope{
		TaskID:     task.ID,
		Model:      task.Model,
		Kind:       task.Kind,
		Mode:       mode,
		Parameters: task.Parameters,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = q.ch.PublishWithContext(ctx,
		laneExchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		q.log.Error("Failed to publish dispatch", zap.Error(err))
		return err
	}

	q.log.Info("Published dispatch",
		zap.String("task_id", task.ID),
		zap.String("key", routingKey))
	return nil
}

// PublishCompletion sends a worker's terminal report to the scheduler.
func (q *LaneQueueService) PublishCompletion(ctx context.Context, report *domain.CompletionReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	// Default exchange routes directly to the completion queue.
	err = q.ch.PublishWithContext(ctx,
		"",
		completionQueue,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		q.log.Error("Failed to publish completion", zap.Error(err))
		return err
	}
	return nil
}

// Close shuts the channel and connection.
func (q *LaneQueueService) Close() {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}
