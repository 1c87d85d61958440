package rabbitmq

import (
	"context"
	"encoding/json"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConsumeDispatches binds the named lane queues and feeds envelopes to
// the handler. A dedicated worker passes its "lane.<model>" queues; a
// shared-capable worker adds "lane.shared".
func (q *LaneQueueService) ConsumeDispatches(ctx context.Context, queues []string, handler func(env *domain.DispatchEnvelope) error) error {
	for _, qName := range queues {
		if _, err := q.ch.QueueDeclare(
			qName, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return err
		}
		if err := q.ch.QueueBind(qName, qName, laneExchange, false, nil); err != nil {
			return err
		}

		msgs, err := q.ch.Consume(
			qName, // queue
			"",    // consumer
			false, // auto-ack (ack manually once the task is handed off)
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			return err
		}

		q.log.Info("Consuming lane dispatches", zap.String("queue", qName))

		go func(qName string, msgs <-chan amqp.Delivery) {
			for d := range msgs {
				var env domain.DispatchEnvelope
				if err := json.Unmarshal(d.Body, &env); err != nil {
					q.log.Error("Failed to unmarshal dispatch", zap.Error(err))
					d.Nack(false, false) // discard invalid message
					continue
				}

				if err := handler(&env); err != nil {
					q.log.Error("Dispatch handling failed",
						zap.String("task_id", env.TaskID), zap.Error(err))
					d.Nack(false, true) // requeue transient failures
				} else {
					d.Ack(false)
				}
			}
		}(qName, msgs)
	}

	return nil
}

// ConsumeCompletions feeds worker completion reports to the handler.
func (q *LaneQueueService) ConsumeCompletions(ctx context.Context, handler func(report *domain.CompletionReport) error) error {
	if _, err := q.ch.QueueDeclare(
		completionQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return err
	}

	msgs, err := q.ch.Consume(
		completionQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	q.log.Info("Consuming completion reports", zap.String("queue", completionQueue))

	go func() {
		for d := range msgs {
			var report domain.CompletionReport
			if err := json.Unmarshal(d.Body, &report); err != nil {
				q.log.Error("Failed to unmarshal completion report", zap.Error(err))
				d.Nack(false, false)
				continue
			}

			if err := handler(&report); err != nil {
				q.log.Error("Completion handling failed",
					zap.String("task_id", report.TaskID), zap.Error(err))
				d.Nack(false, true)
			} else {
				d.Ack(false)
			}
		}
	}()

	return nil
}
