package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig is the subset of jetstream.StreamConfig the oracle sets. Zero
// MaxAge or MaxBytes means unlimited.
type StreamConfig struct {
	Name        string
	Subjects    []string
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration
	MaxBytes    int64
	Replicas    int
	Description string
}

// DefaultTelemetryStreamConfig returns the stream that captures snapshots and
// participation outcomes.
func DefaultTelemetryStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "ORACLE_TELEMETRY",
		Subjects:    []string{"oracle.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1 << 30,
		Replicas:    1,
		Description: "Smart plug snapshots and grid event participation",
	}
}

// EnsureStream creates the stream or updates it to cfg. File storage drops
// the oldest records once a limit is reached.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// ConsumerConfig describes a durable consumer. Name doubles as the durable
// name, so a restarted tail resumes after its last acked record.
type ConsumerConfig struct {
	Name          string
	FilterSubject string
	DeliverPolicy jetstream.DeliverPolicy
	AckWait       time.Duration
	MaxDeliver    int
}

// DefaultTailConsumerConfig returns a durable consumer that reads every
// record from the start of the stream.
func DefaultTailConsumerConfig(name string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
	}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		DeliverPolicy: cfg.DeliverPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		FilterSubject: cfg.FilterSubject,
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Name, err)
	}

	return consumer, nil
}

// SubjectFor returns the subject of a record kind for one device.
// Format: oracle.<kind>.<device>
func SubjectFor(kind, device string) string {
	return fmt.Sprintf("oracle.%s.%s", kind, subjectToken(device))
}

// SubjectForKind returns the wildcard subject for one record kind.
func SubjectForKind(kind string) string {
	return fmt.Sprintf("oracle.%s.>", kind)
}

// subjectToken makes an arbitrary device id safe as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
