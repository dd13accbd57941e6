package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher streams events and alerts to a topic keyed by job id, so
// every transition of one job lands on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

var _ Notifier = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers list is empty")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is empty")
	}
	return &KafkaPublisher{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.LeastBytes{},
			RequiredAcks: kafkago.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}, nil
}

func (p *KafkaPublisher) Notify(ctx context.Context, ev Event) error {
	return p.publish(ctx, ev.AnalysisID, "job.status", ev)
}

func (p *KafkaPublisher) Alert(ctx context.Context, a Alert) error {
	return p.publish(ctx, a.JobID, "job.alert", a)
}

func (p *KafkaPublisher) publish(ctx context.Context, key, eventType string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	p.logger.Debug("event published", "job_id", key, "event_type", eventType)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
