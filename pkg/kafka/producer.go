package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/Ramsey-B/sorrel/pkg/metrics"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

// SchemaVersion is the current contact event schema version
const SchemaVersion = "1.0"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes contact events
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	var compression kafka.Compression
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
	default:
		compression = kafka.Snappy
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return newProducer(writer, cfg.Topic, logger)
}

func newProducer(writer messageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// ContactEvent describes one committed change to a contact
type ContactEvent struct {
	EventID          string    `json:"event_id"`
	EventType        string    `json:"event_type"`
	SchemaVersion    string    `json:"schema_version"`
	ContactID        int64     `json:"contact_id"`
	PrimaryContactID int64     `json:"primary_contact_id"`
	Email            *string   `json:"email,omitempty"`
	PhoneNumber      *string   `json:"phone_number,omitempty"`
	LinkPrecedence   string    `json:"link_precedence"`
	Timestamp        time.Time `json:"timestamp"`
}

// PublishContactEvents writes the events as one batch keyed by primary
// contact id, so every event of a cluster lands on the same partition.
func (p *Producer) PublishContactEvents(ctx context.Context, events []*ContactEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishContactEvents")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		if event.SchemaVersion == "" {
			event.SchemaVersion = SchemaVersion
		}

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}

		headers := headerCarrier{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "schema_version", Value: []byte(event.SchemaVersion)},
		}
		otel.GetTextMapPropagator().Inject(ctx, &headers)

		messages[i] = kafka.Message{
			Topic:   p.topic,
			Key:     []byte(strconv.FormatInt(event.PrimaryContactID, 10)),
			Value:   data,
			Headers: headers,
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "error").Add(float64(len(messages)))
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(events),
		}).Error("Failed to publish contact events")
		tracing.RecordError(span, err)
		return err
	}

	metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "success").Add(float64(len(messages)))
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size":  len(events),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Published contact events")

	return nil
}
