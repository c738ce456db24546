package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	pkafka "github.com/marko911/powergrid-oracle/internal/platform/kafka"
)

const topicWaitTimeout = 10 * time.Second

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink publishes records to the oracle-telemetry topic keyed by device.
type KafkaSink struct {
	client producer
	topic  string
}

// NewKafkaSink connects to brokers and creates the telemetry topic if needed.
func NewKafkaSink(ctx context.Context, brokers string, logger *slog.Logger) (*KafkaSink, error) {
	client, err := pkafka.NewClient(brokers, kgo.DefaultProduceTopic(pkafka.TelemetryTopic))
	if err != nil {
		return nil, err
	}

	topics := pkafka.NewTopicManager(client)
	if err := topics.EnsureTopics(ctx, pkafka.DefaultTopicConfigs()); err != nil {
		client.Close()
		return nil, err
	}
	if err := topics.WaitForTopic(ctx, pkafka.TelemetryTopic, topicWaitTimeout); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("kafka relay ready", "brokers", brokers, "topic", pkafka.TelemetryTopic)
	return &KafkaSink{client: client, topic: pkafka.TelemetryTopic}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, rec Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}

	r := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(rec.Device),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	}
	if err := s.client.ProduceSync(ctx, r).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
