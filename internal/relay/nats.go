package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/marko911/powergrid-oracle/internal/platform/nats"
)

type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSink publishes records to the ORACLE_TELEMETRY JetStream stream.
type NATSSink struct {
	js     streamPublisher
	closer func() error
	logger *slog.Logger
}

// NewNATSSink connects to url and makes sure the telemetry stream exists.
func NewNATSSink(ctx context.Context, url string, logger *slog.Logger) (*NATSSink, error) {
	cfg := pnats.DefaultConfig()
	cfg.URL = url

	client, err := pnats.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	streamCfg := pnats.DefaultTelemetryStreamConfig()
	if _, err := pnats.EnsureStream(ctx, client.JetStream(), streamCfg); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("nats relay ready", "url", url, "stream", streamCfg.Name)
	return &NATSSink{js: client.JetStream(), closer: client.Close, logger: logger}, nil
}

func (s *NATSSink) Publish(ctx context.Context, rec Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}

	subject := pnats.SubjectFor(rec.Kind, rec.Device)
	ack, err := s.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	s.logger.Debug("record relayed", "subject", subject, "seq", ack.Sequence)
	return nil
}

func (s *NATSSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
