// Package notify publishes account lifecycle events for the notification service.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/worktime-compliance/internal/config"
	"github.com/worktime-compliance/internal/logging"
	"github.com/worktime-compliance/internal/models"
)

// Publisher delivers account events
type Publisher interface {
	Publish(ctx context.Context, events ...models.AccountEvent) error
	Close() error
}

// NewPublisher returns a Kafka publisher, or a log-only publisher when no
// brokers are configured.
func NewPublisher(cfg config.KafkaConfig, logger *logging.Logger) Publisher {
	if len(cfg.Brokers) == 0 {
		logger.Warn("No Kafka brokers configured, account events will only be logged")
		return NewLogPublisher(logger)
	}
	return NewKafkaPublisher(cfg, logger)
}

// messageWriter is the subset of kafka.Writer used by the publisher
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by user id, so events
// of one user stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *logging.Logger
}

// NewKafkaPublisher creates a new Kafka publisher
func NewKafkaPublisher(cfg config.KafkaConfig, logger *logging.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	logger.WithFields(map[string]interface{}{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("Kafka event publisher initialized")

	return newKafkaPublisher(writer, cfg.Topic, logger)
}

func newKafkaPublisher(writer messageWriter, topic string, logger *logging.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
		logger: logger.WithField("component", "kafka_publisher"),
	}
}

// Publish writes the events in one batch
func (p *KafkaPublisher) Publish(ctx context.Context, events ...models.AccountEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.UserID),
			Value: value,
			Time:  ev.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(ev.Type)},
				{Key: "event-id", Value: []byte(ev.ID)},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d events to %s: %w", len(msgs), p.topic, err)
	}

	p.logger.WithField("events", len(msgs)).Debug("Published account events")
	return nil
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

// LogPublisher logs events instead of delivering them
type LogPublisher struct {
	logger *logging.Logger
}

// NewLogPublisher creates a new log-only publisher
func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.WithField("component", "log_publisher")}
}

// Publish logs each event
func (p *LogPublisher) Publish(ctx context.Context, events ...models.AccountEvent) error {
	for _, ev := range events {
		p.logger.WithFields(map[string]interface{}{
			"eventId": ev.ID,
			"type":    ev.Type,
			"userId":  ev.UserID,
			"payload": ev.Payload,
		}).Info("Account event")
	}
	return nil
}

// Close is a no-op
func (p *LogPublisher) Close() error {
	return nil
}
