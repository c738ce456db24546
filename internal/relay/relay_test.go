package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/powergrid-oracle/internal/telemetry"
)

type recordingSink struct {
	got    []Record
	err    error
	closed bool
}

func (s *recordingSink) Publish(_ context.Context, rec Record) error {
	s.got = append(s.got, rec)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return s.err
}

func sampleRecord() Record {
	return Record{
		Kind:      KindSnapshot,
		RunID:     "run-1",
		Iteration: 3,
		Device:    "192.168.1.50",
		Account:   "0xaa",
		Timestamp: time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC),
		Snapshot:  &telemetry.EnergySnapshot{TodayEnergyWh: 100, PowerWatts: 12.5},
	}
}

func TestMultiPublishesToAll(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("broker down")}
	c := &recordingSink{}

	err := Multi{a, b, c}.Publish(context.Background(), sampleRecord())
	require.ErrorContains(t, err, "broker down")
	assert.Len(t, a.got, 1)
	assert.Len(t, c.got, 1)

	require.Error(t, Multi{a, b, c}.Close())
	assert.True(t, a.closed)
	assert.True(t, c.closed)
}

func TestRecordEncode(t *testing.T) {
	data, err := sampleRecord().Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "snapshot", decoded["kind"])
	assert.NotContains(t, decoded, "event_id")
	snap := decoded["snapshot"].(map[string]any)
	assert.Equal(t, float64(100), snap["today_energy_wh"])
}

func TestDecode(t *testing.T) {
	rec := sampleRecord()
	data, err := rec.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Device, got.Device)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, rec.Snapshot.TodayEnergyWh, got.Snapshot.TodayEnergyWh)

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

type fakeStream struct {
	subjects []string
	err      error
}

func (f *fakeStream) Publish(_ context.Context, subject string, _ []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	return &jetstream.PubAck{Stream: "ORACLE_TELEMETRY", Sequence: uint64(len(f.subjects))}, nil
}

func TestNATSSinkSubject(t *testing.T) {
	js := &fakeStream{}
	sink := &NATSSink{js: js, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	rec := sampleRecord()
	require.NoError(t, sink.Publish(context.Background(), rec))
	rec.Kind = KindParticipation
	require.NoError(t, sink.Publish(context.Background(), rec))

	assert.Equal(t, []string{
		"oracle.snapshot.192_168_1_50",
		"oracle.participation.192_168_1_50",
	}, js.subjects)
	require.NoError(t, sink.Close())
}

func TestNATSSinkError(t *testing.T) {
	sink := &NATSSink{js: &fakeStream{err: errors.New("no responders")}, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	require.ErrorContains(t, sink.Publish(context.Background(), sampleRecord()), "no responders")
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestKafkaSink(t *testing.T) {
	p := &fakeProducer{}
	sink := &KafkaSink{client: p, topic: "oracle-telemetry"}

	require.NoError(t, sink.Publish(context.Background(), sampleRecord()))
	require.Len(t, p.records, 1)
	r := p.records[0]
	assert.Equal(t, "oracle-telemetry", r.Topic)
	assert.Equal(t, []byte("192.168.1.50"), r.Key)
	assert.Equal(t, "kind", r.Headers[0].Key)
	assert.Equal(t, []byte(KindSnapshot), r.Headers[0].Value)

	require.NoError(t, sink.Close())
	assert.True(t, p.closed)
}

func TestKafkaSinkError(t *testing.T) {
	sink := &KafkaSink{client: &fakeProducer{err: errors.New("leader not available")}, topic: "oracle-telemetry"}
	require.ErrorContains(t, sink.Publish(context.Background(), sampleRecord()), "leader not available")
}
