package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/crewjobs/internal/backoff"
)

// Handler processes one trigger. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, jobID string) error

// Retrier republishes a failed trigger with a delay.
type Retrier interface {
	PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

type ConsumerConfig struct {
	Queue       string
	Concurrency int
	MaxAttempts int
	Backoff     backoff.Strategy
}

// Consumer runs a bounded pool of handlers over a RabbitMQ queue.
type Consumer struct {
	url     string
	cfg     ConsumerConfig
	handler Handler
	retrier Retrier
	logger  *slog.Logger
}

func NewConsumer(url string, cfg ConsumerConfig, handler Handler, retrier Retrier, logger *slog.Logger) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewJittered(time.Second, time.Minute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		url:     url,
		cfg:     cfg,
		handler: handler,
		retrier: retrier,
		logger:  logger.With("component", "consumer", "queue", cfg.Queue),
	}
}

// Run consumes until ctx is cancelled or the broker connection drops.
// In-flight handlers finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("rabbit dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit channel: %w", err)
	}
	defer ch.Close()

	if err := TopologyFor(c.cfg.Queue).Declare(ch); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	// strict concurrency control
	if err := ch.Qos(c.cfg.Concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.InfoContext(ctx, "consumer started", "concurrency", c.cfg.Concurrency)

	work := make(chan amqp.Delivery, c.cfg.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range work {
				c.handleDelivery(ctx, workerID, d)
			}
		}(i)
	}

	defer func() {
		close(work)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbit delivery channel closed")
			}
			work <- d
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, workerID int, d amqp.Delivery) {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		c.logger.Warn("bad message, dead-lettering", "worker", workerID, "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := c.handler(ctx, m.JobID)
	if err == nil {
		if err := d.Ack(false); err != nil {
			c.logger.Error("ack failed", "worker", workerID, "job_id", m.JobID, "error", err)
		}
		return
	}

	if ctx.Err() != nil {
		// shutting down; let the broker hand it to another worker
		_ = d.Nack(false, true)
		return
	}

	attempt := attemptOf(d)
	if attempt >= c.cfg.MaxAttempts {
		c.logger.Error("trigger exhausted retries, dead-lettering",
			"worker", workerID, "job_id", m.JobID, "attempt", attempt, "cost", time.Since(start), "error", err)
		_ = d.Nack(false, false)
		return
	}

	delay := c.cfg.Backoff.Delay(attempt)
	if rerr := c.retrier.PublishRetry(ctx, m.JobID, attempt+1, delay); rerr != nil {
		c.logger.Error("retry publish failed, requeueing", "worker", workerID, "job_id", m.JobID, "error", rerr)
		_ = d.Nack(false, true)
		return
	}
	c.logger.Warn("trigger failed, scheduled retry",
		"worker", workerID, "job_id", m.JobID, "attempt", attempt, "delay", delay, "error", err)
	_ = d.Ack(false)
}

// attemptOf reads the delivery count carried in AttemptHeader; messages
// without it are first attempts.
func attemptOf(d amqp.Delivery) int {
	switch v := d.Headers[AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	}
	return 1
}
