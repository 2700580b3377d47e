package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
)

const flushTimeoutMs = 5000

// KafkaPublisher writes rating events to a Kafka topic keyed by rated user,
// so every event for one user lands on the same partition.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher creates a producer connected to the given brokers.
func NewKafkaPublisher(brokers, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String(logging.FieldComponent, "kafka-publisher"),
		zap.String("topic", topic),
	)
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	p := &KafkaPublisher{producer: producer, topic: topic, logger: logger}
	go p.watchEvents(producer.Events())
	return p, nil
}

// watchEvents logs producer-level events until the channel is closed by Close.
// Per-message delivery reports go to the channel passed to Produce instead.
func (p *KafkaPublisher) watchEvents(events <-chan kafka.Event) {
	for e := range events {
		switch ev := e.(type) {
		case kafka.Error:
			if ev.IsFatal() {
				p.logger.Error("Kafka producer fatal error", zap.Error(ev), zap.String("code", ev.Code().String()))
				continue
			}
			p.logger.Warn("Kafka producer error", zap.Error(ev), zap.String("code", ev.Code().String()))
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Warn("Undelivered rating event", zap.Error(ev.TopicPartition.Error), zap.ByteString("key", ev.Key))
			}
		default:
			p.logger.Debug("Kafka producer event", zap.String("event", ev.String()))
		}
	}
}

// Publish produces the event and waits for its delivery report.
func (p *KafkaPublisher) Publish(ctx context.Context, event RatingEvent) error {
	msg, err := p.message(event)
	if err != nil {
		return err
	}

	delivery := make(chan kafka.Event, 1)
	if err := p.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("produce rating event: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("deliver rating event: %w", m.TopicPartition.Error)
		}
		p.logger.Debug("Rating event delivered",
			zap.String(logging.FieldUserID, event.RatedUserID),
			zap.Int32("partition", m.TopicPartition.Partition),
		)
		return nil
	}
}

func (p *KafkaPublisher) message(event RatingEvent) (*kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode rating event: %w", err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.RatedUserID),
		Value:          payload,
	}, nil
}

// Close flushes outstanding messages and releases the producer.
func (p *KafkaPublisher) Close() {
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		p.logger.Warn("Unflushed rating events on close", zap.Int("remaining", remaining))
	}
	p.producer.Close()
}
