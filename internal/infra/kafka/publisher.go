// Package kafka fans stored audit entries out to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

const defaultDeliveryTimeout = 10 * time.Second

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Publisher writes one message per entry, keyed by subject id so a
// subject's entries stay ordered within a partition.
type Publisher struct {
	producer producer
	topic    string
	timeout  time.Duration
	logger   log.FieldLogger
}

type Config struct {
	Brokers         string
	Topic           string
	DeliveryTimeout time.Duration
	Logger          log.FieldLogger
}

var _ usecase.AuditSink = (*Publisher)(nil)

func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Brokers == "" || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newPublisher(p, cfg), nil
}

func newPublisher(p producer, cfg Config) *Publisher {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	logger := cfg.Logger.WithField("topic", cfg.Topic)
	logger.Info("audit kafka producer created")
	return &Publisher{producer: p, topic: cfg.Topic, timeout: cfg.DeliveryTimeout, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, entry domain.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	// Buffered: the report may arrive after Publish has returned.
	delivery := make(chan kafka.Event, 1)
	if err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(entry.SubjectKind + ":" + entry.SubjectID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(entry.EventType)},
			{Key: "signature_hash", Value: []byte(entry.SignatureHash)},
		},
	}, delivery); err != nil {
		return fmt.Errorf("produce audit entry: %w", err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case ev := <-delivery:
		msg, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected kafka event %T", ev)
		}
		if msg.TopicPartition.Error != nil {
			return fmt.Errorf("deliver audit entry: %w", msg.TopicPartition.Error)
		}
		return nil
	case <-timer.C:
		return errors.New("kafka delivery timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) Close() {
	p.logger.Info("closing audit kafka producer")
	if left := p.producer.Flush(15 * 1000); left > 0 {
		p.logger.WithField("pending", left).Warn("audit kafka producer closed with undelivered messages")
	}
	p.producer.Close()
}
