package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/powergrid-oracle/internal/relay"
	"github.com/marko911/powergrid-oracle/internal/telemetry"
)

func TestParseTailOptions(t *testing.T) {
	opts, err := parseTailOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, "", opts.kind)
	assert.Equal(t, "gridctl-tail", opts.name)

	opts, err = parseTailOptions([]string{"--kind", "participation", "--name", "ops"})
	require.NoError(t, err)
	assert.Equal(t, relay.KindParticipation, opts.kind)
	assert.Equal(t, "ops", opts.name)

	_, err = parseTailOptions([]string{"--kind", "balance"})
	assert.Error(t, err)

	_, err = parseTailOptions([]string{"--name", ""})
	assert.Error(t, err)
}

func TestFormatRecord(t *testing.T) {
	ts := time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  relay.Record
		want string
	}{
		{
			name: "snapshot",
			rec: relay.Record{
				Kind: relay.KindSnapshot, Device: "plug-1", Iteration: 4, Timestamp: ts,
				Snapshot: &telemetry.EnergySnapshot{PowerWatts: 12.5, TodayEnergyWh: 100, DeviceOn: true},
			},
			want: "2026-03-01T06:30:00Z plug-1 #4 snapshot power=12.50W today=100Wh on=true",
		},
		{
			name: "participation success",
			rec: relay.Record{
				Kind: relay.KindParticipation, Device: "plug-1", Iteration: 4, Timestamp: ts,
				EventID: 7, EnergyWh: 100, Outcome: "success", TxHash: "0xabc",
			},
			want: "2026-03-01T06:30:00Z plug-1 #4 participation event=7 energy=100Wh outcome=success tx=0xabc",
		},
		{
			name: "participation rejected",
			rec: relay.Record{
				Kind: relay.KindParticipation, Device: "plug-1", Iteration: 5, Timestamp: ts,
				EventID: 7, EnergyWh: 100, Outcome: "rejected", Reason: "EventNotActive",
			},
			want: "2026-03-01T06:30:00Z plug-1 #5 participation event=7 energy=100Wh outcome=rejected reason=EventNotActive",
		},
		{
			name: "snapshot without payload",
			rec:  relay.Record{Kind: relay.KindSnapshot, Device: "plug-1", Iteration: 6, Timestamp: ts},
			want: "2026-03-01T06:30:00Z plug-1 #6 snapshot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.rec.Encode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, formatRecord("oracle.x.plug-1", data))
		})
	}
}

func TestFormatRecordRaw(t *testing.T) {
	assert.Equal(t, "oracle.snapshot.plug-1 not-json", formatRecord("oracle.snapshot.plug-1", []byte("not-json")))
}
