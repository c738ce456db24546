// Package metrics exposes Prometheus instrumentation of the oracle loop.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marko911/powergrid-oracle/internal/oracle"
)

const namespace = "powergrid_oracle"

// Metrics implements oracle.Observer.
type Metrics struct {
	iterations        prometheus.Counter
	snapshotFailures  prometheus.Counter
	readErrors        prometheus.Counter
	registrations     *prometheus.CounterVec
	participations    *prometheus.CounterVec
	iterationDuration prometheus.Histogram
	activeEvents      prometheus.Gauge
	powerWatts        prometheus.Gauge
	todayEnergyWh     prometheus.Gauge
	tokenBalance      prometheus.Gauge
	registered        prometheus.Gauge
	state             *prometheus.GaugeVec
}

// New registers the oracle metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		iterations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Total number of loop iterations",
		}),
		snapshotFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Iterations aborted because the device could not be read",
		}),
		readErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_read_errors_total",
			Help:      "Contract reads that fell back to a default value",
		}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Device registration attempts by outcome",
		}, []string{"outcome"}),
		participations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participations_total",
			Help:      "Grid event participation submissions by outcome",
		}, []string{"outcome"}),
		iterationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Wall time of one loop iteration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		activeEvents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_events",
			Help:      "Active grid events seen in the last iteration",
		}),
		powerWatts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_power_watts",
			Help:      "Current device power draw",
		}),
		todayEnergyWh: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_today_energy_wh",
			Help:      "Energy used by the device today",
		}),
		tokenBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_balance",
			Help:      "Reward token balance in whole tokens",
		}),
		registered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_registered",
			Help:      "1 when the device is known to be registered",
		}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current lifecycle state",
		}, []string{"state"}),
	}
}

var states = []oracle.State{
	oracle.StateUninitialized,
	oracle.StateInitializing,
	oracle.StateRunning,
	oracle.StateStopped,
}

func (m *Metrics) ObserveState(s oracle.State) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) ObserveIteration(r oracle.IterationReport) {
	m.iterations.Inc()
	m.iterationDuration.Observe(r.Duration.Seconds())

	if r.Snapshot == nil {
		m.snapshotFailures.Inc()
		return
	}
	m.powerWatts.Set(r.Snapshot.PowerWatts)
	m.todayEnergyWh.Set(float64(r.Snapshot.TodayEnergyWh))

	m.readErrors.Add(float64(len(r.Errors)))
	if r.Registered {
		m.registered.Set(1)
	} else {
		m.registered.Set(0)
	}
	if r.Registration != nil {
		m.registrations.WithLabelValues(r.Registration.Outcome.String()).Inc()
	}

	m.activeEvents.Set(float64(len(r.Events)))
	for _, p := range r.Participations {
		m.participations.WithLabelValues(p.Result.Outcome.String()).Inc()
	}

	if r.TokenBalance != nil {
		m.tokenBalance.Set(wholeTokens(r.TokenBalance, 18))
	}
}

func wholeTokens(amount *big.Int, decimals int) float64 {
	denom := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	v, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), denom).Float64()
	return v
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
