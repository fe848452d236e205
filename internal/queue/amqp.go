package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrConsumerClosed is returned by Consume when the broker closes the delivery stream.
var ErrConsumerClosed = errors.New("queue: delivery stream closed")

// channel is the subset of *amqp.Channel the dispatcher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

type jobMessage struct {
	JobID uuid.UUID `json:"job_id"`
}

// AMQP dispatches jobs through a durable RabbitMQ queue.
type AMQP struct {
	conn  *amqp.Connection
	ch    channel
	queue string
}

// DialAMQP connects to the broker and declares the durable job queue.
func DialAMQP(url, queue string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	q, err := newAMQP(ch, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newAMQP(ch channel, queue string) (*AMQP, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	return &AMQP{ch: ch, queue: queue}, nil
}

// Dispatch publishes a persistent job message.
func (q *AMQP) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	body, err := json.Marshal(jobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("encoding job message: %w", err)
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing job %s: %w", jobID, err)
	}
	return nil
}

// Consume runs delivered jobs on concurrency goroutines until ctx is done or
// the broker closes the stream. Messages are acked after the run returns.
func (q *AMQP) Consume(ctx context.Context, runner Runner, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if err := q.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	consumer := "dubhub-" + uuid.NewString()
	deliveries, err := q.ch.Consume(q.queue, consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", q.queue, err)
	}

	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				q.handle(ctx, runner, d)
			}
		}()
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		if err := q.ch.Cancel(consumer, false); err != nil {
			slog.Warn("cancelling consumer", "error", err)
		}
		<-finished
		return nil
	case <-finished:
		return ErrConsumerClosed
	}
}

func (q *AMQP) handle(ctx context.Context, runner Runner, d amqp.Delivery) {
	var msg jobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == uuid.Nil {
		slog.Error("dropping malformed job message", "message_id", d.MessageId, "error", err)
		if err := d.Nack(false, false); err != nil {
			slog.Warn("nack failed", "error", err)
		}
		return
	}

	err := runner.Run(ctx, msg.JobID)
	if err != nil && ctx.Err() == nil && !d.Redelivered {
		slog.Warn("job run failed, requeueing once", "job_id", msg.JobID, "error", err)
		if err := d.Nack(false, true); err != nil {
			slog.Warn("nack failed", "job_id", msg.JobID, "error", err)
		}
		return
	}
	if err != nil {
		slog.Error("job run failed", "job_id", msg.JobID, "error", err)
	}
	if err := d.Ack(false); err != nil {
		slog.Warn("ack failed", "job_id", msg.JobID, "error", err)
	}
}

// Close closes the channel and the connection.
func (q *AMQP) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
