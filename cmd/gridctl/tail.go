package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/marko911/powergrid-oracle/internal/platform/nats"
	"github.com/marko911/powergrid-oracle/internal/relay"
)

type tailOptions struct {
	kind string
	name string
}

func parseTailOptions(args []string) (tailOptions, error) {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	kind := fs.String("kind", "", "Record kind to follow (snapshot, participation); empty follows all")
	name := fs.String("name", "gridctl-tail", "Durable consumer name")
	if err := fs.Parse(args); err != nil {
		return tailOptions{}, err
	}

	switch *kind {
	case "", relay.KindSnapshot, relay.KindParticipation:
	default:
		return tailOptions{}, fmt.Errorf("--kind: unknown record kind %q", *kind)
	}
	if *name == "" {
		return tailOptions{}, errors.New("--name must not be empty")
	}
	return tailOptions{kind: *kind, name: *name}, nil
}

// tailCmd follows the records the oracle relays to JetStream. The durable
// consumer resumes where the previous tail with the same name stopped.
func tailCmd(ctx context.Context, w io.Writer, args []string) error {
	opts, err := parseTailOptions(args)
	if err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	if e.cfg.Relay.NATSURL == "" {
		return errors.New("nats relay not configured (set NATS_URL)")
	}

	natsCfg := pnats.DefaultConfig()
	natsCfg.URL = e.cfg.Relay.NATSURL
	natsCfg.Name = "gridctl"
	client, err := pnats.Connect(ctx, natsCfg, e.logger)
	if err != nil {
		return err
	}
	defer client.Close()

	stream, err := pnats.EnsureStream(ctx, client.JetStream(), pnats.DefaultTelemetryStreamConfig())
	if err != nil {
		return err
	}

	consCfg := pnats.DefaultTailConsumerConfig(opts.name)
	if opts.kind != "" {
		consCfg.FilterSubject = pnats.SubjectForKind(opts.kind)
	}
	consumer, err := pnats.EnsureConsumer(ctx, stream, consCfg)
	if err != nil {
		return err
	}

	iter, err := consumer.Messages()
	if err != nil {
		return fmt.Errorf("consume %s: %w", opts.name, err)
	}
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			return err
		}

		fmt.Fprintln(w, formatRecord(msg.Subject(), msg.Data()))
		if err := msg.Ack(); err != nil {
			e.logger.Warn("ack failed", "subject", msg.Subject(), "error", err)
		}
	}
}

// formatRecord renders one relayed record as a single line. Payloads that do
// not decode are printed raw.
func formatRecord(subject string, data []byte) string {
	rec, err := relay.Decode(data)
	if err != nil {
		return fmt.Sprintf("%s %s", subject, data)
	}

	ts := rec.Timestamp.Format("2006-01-02T15:04:05Z07:00")
	switch rec.Kind {
	case relay.KindSnapshot:
		if rec.Snapshot == nil {
			break
		}
		return fmt.Sprintf("%s %s #%d snapshot power=%.2fW today=%dWh on=%t",
			ts, rec.Device, rec.Iteration, rec.Snapshot.PowerWatts, rec.Snapshot.TodayEnergyWh, rec.Snapshot.DeviceOn)
	case relay.KindParticipation:
		line := fmt.Sprintf("%s %s #%d participation event=%d energy=%dWh outcome=%s",
			ts, rec.Device, rec.Iteration, rec.EventID, rec.EnergyWh, rec.Outcome)
		if rec.TxHash != "" {
			line += " tx=" + rec.TxHash
		}
		if rec.Reason != "" {
			line += " reason=" + rec.Reason
		}
		return line
	}
	return fmt.Sprintf("%s %s #%d %s", ts, rec.Device, rec.Iteration, rec.Kind)
}
