package metrics

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/marko911/powergrid-oracle/internal/ledger"
	"github.com/marko911/powergrid-oracle/internal/oracle"
	"github.com/marko911/powergrid-oracle/internal/telemetry"
)

func TestObserveIteration(t *testing.T) {
	m := New(prometheus.NewRegistry())

	bal, _ := new(big.Int).SetString("2500000000000000000", 10)
	reg := ledger.CallResult{Outcome: ledger.OutcomeSuccess}
	m.ObserveIteration(oracle.IterationReport{
		Iteration:    1,
		Duration:     120 * time.Millisecond,
		Snapshot:     &telemetry.EnergySnapshot{PowerWatts: 12.5, TodayEnergyWh: 100},
		Registered:   true,
		Registration: &reg,
		Events:       []ledger.GridEvent{{EventID: 1, Active: true}},
		Participations: []oracle.Participation{
			{EventID: 1, EnergyWh: 100, Result: ledger.CallResult{Outcome: ledger.OutcomeSuccess}},
		},
		TokenBalance: bal,
	})
	m.ObserveIteration(oracle.IterationReport{Iteration: 2, SnapshotErr: errors.New("offline")})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.iterations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotFailures))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.powerWatts))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.todayEnergyWh))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeEvents))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.tokenBalance))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.participations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues("success")))
}

func TestObserveState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveState(oracle.StateRunning)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("stopped")))

	m.ObserveState(oracle.StateStopped)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("stopped")))
}

func TestRegistersOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveState(oracle.StateRunning)
	m.iterations.Inc()

	n, err := testutil.GatherAndCount(reg, "powergrid_oracle_iterations_total", "powergrid_oracle_state")
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
}
