package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/Ramsey-B/sorrel/pkg/metrics"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

// MessageHandler processes incoming Kafka messages
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds submissions from a topic into a handler. A message is
// committed once the handler settles it: success, a bad request or a fatal
// fault. Conflicts and outages are retried in place, so the partition stalls
// rather than skipping a submission that may still succeed.
type Consumer struct {
	reader  messageReader
	topic   string
	logger  ectologger.Logger
	handler MessageHandler
	backoff func() *backoff.ExponentialBackOff
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return newConsumer(reader, cfg.Topic, logger, handler)
}

func newConsumer(reader messageReader, topic string, logger ectologger.Logger, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  reader,
		topic:   topic,
		logger:  logger,
		handler: handler,
		backoff: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithField("topic", c.topic).Info("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	fetchBackoff := c.backoff()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			delay := fetchBackoff.NextBackOff()
			c.logger.WithContext(ctx).WithError(err).WithField("delay_ms", delay.Milliseconds()).Error("Failed to fetch message")
			if !wait(ctx, delay) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			continue
		}
		fetchBackoff.Reset()

		if !c.processMessage(ctx, msg) {
			return
		}
	}
}

// processMessage reports false only when ctx ended before the message settled
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) bool {
	carrier := headerCarrier(msg.Headers)
	ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier)
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	incoming := newIncomingMessage(msg)
	b := c.backoff()

	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, incoming)
		if err == nil {
			metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "success").Inc()
			break
		}

		if errors.Is(err, sentinel.ErrBadRequest) {
			metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "rejected").Inc()
			log.WithError(err).Warn("Dropping invalid submission")
			break
		}

		tracing.RecordError(span, err)
		if ctx.Err() != nil {
			return false
		}

		if !retryable(err) {
			metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "failed").Inc()
			log.WithError(err).WithField("attempt", attempt).Error("Dropping submission after a fatal error")
			break
		}

		metrics.KafkaMessagesConsumed.WithLabelValues(msg.Topic, "retry").Inc()
		delay := b.NextBackOff()
		log.WithError(err).WithFields(map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).Warn("Retrying submission")

		if !wait(ctx, delay) {
			return false
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
		return ctx.Err() == nil
	}
	return true
}

// retryable reports whether a handler error may clear on its own. Everything
// else is fatal and replaying the message would fail the same way.
func retryable(err error) bool {
	return errors.Is(err, sentinel.ErrConflict) ||
		errors.Is(err, sentinel.ErrUnavailable) ||
		errors.Is(err, sentinel.ErrTransactionAborted) ||
		errors.Is(err, sentinel.ErrStoreUnavailable)
}

// wait sleeps for d and reports false if ctx ended first
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
