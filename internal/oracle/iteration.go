package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/marko911/powergrid-oracle/internal/ledger"
	"github.com/marko911/powergrid-oracle/internal/relay"
	"github.com/marko911/powergrid-oracle/internal/status"
	"github.com/marko911/powergrid-oracle/internal/telemetry"
)

// State is the oracle lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Participation is one participate_in_event submission.
type Participation struct {
	EventID  uint64
	EnergyWh uint64
	Result   ledger.CallResult
}

// IterationReport is everything one pass of the loop observed and did.
type IterationReport struct {
	Iteration uint64
	StartedAt time.Time
	Duration  time.Duration

	// Snapshot is nil when the device read failed; SnapshotErr says why.
	Snapshot    *telemetry.EnergySnapshot
	SnapshotErr error

	Registered   bool
	Registration *ledger.CallResult

	Events         []ledger.GridEvent
	Participations []Participation

	// TokenBalance is nil when it was not read.
	TokenBalance *big.Int

	// Errors collects the recoverable read failures of the iteration.
	Errors []error
}

// Err summarizes the iteration's failures, nil when everything succeeded.
func (r IterationReport) Err() error {
	errs := append([]error{r.SnapshotErr}, r.Errors...)
	return errors.Join(errs...)
}

func (o *Oracle) nextIteration() (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.iteration++
	return o.iteration, o.registered
}

func (o *Oracle) setRegistered(v bool) {
	o.mu.Lock()
	o.registered = v
	o.mu.Unlock()
}

// runIteration executes one pass: snapshot, registration, events, balance.
// Nothing in here ends the loop.
func (o *Oracle) runIteration(ctx context.Context) (report IterationReport) {
	n, registered := o.nextIteration()
	report = IterationReport{Iteration: n, StartedAt: time.Now().UTC()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	log := o.logger.With("iteration", n)

	snap, err := o.telemetry.Snapshot(ctx)
	if err != nil {
		log.Warn("snapshot failed, skipping iteration", "error", err)
		report.SnapshotErr = err
		return report
	}
	report.Snapshot = &snap
	log.Info("snapshot",
		"power_watts", snap.PowerWatts,
		"today_energy_wh", snap.TodayEnergyWh,
		"today_runtime_min", snap.TodayRuntimeMin,
		"month_energy_wh", snap.MonthEnergyWh,
		"device_on", snap.DeviceOn,
	)

	if !registered {
		registered = o.ensureRegistered(ctx, &report)
	}
	report.Registered = registered

	events, err := o.ledger.ActiveEvents(ctx)
	if err != nil {
		log.Warn("could not read active events", "error", err)
		report.Errors = append(report.Errors, err)
	}
	report.Events = events
	if len(events) > 0 {
		log.Info("active grid events", "count", len(events))
	}

	for _, ev := range events {
		if !eligible(ev, snap) {
			log.Debug("not participating", "event_id", ev.EventID, "active", ev.Active, "today_energy_wh", snap.TodayEnergyWh)
			continue
		}

		log.Info("participating in grid event",
			"event_id", ev.EventID,
			"event_type", ev.EventType,
			"target_reduction_kw", ev.TargetReductionKw,
			"compensation_wei_per_kwh", ev.CompensationRateWeiPerKwh.String(),
			"energy_wh", snap.TodayEnergyWh,
		)
		res := o.ledger.Participate(ctx, ev.EventID, snap.TodayEnergyWh)
		report.Participations = append(report.Participations, Participation{
			EventID:  ev.EventID,
			EnergyWh: snap.TodayEnergyWh,
			Result:   res,
		})
		if res.OK() {
			o.mu.Lock()
			o.participations++
			o.mu.Unlock()
		}
	}

	bal, err := o.ledger.TokenBalance(ctx)
	if err != nil {
		log.Warn("could not read token balance", "error", err)
		report.Errors = append(report.Errors, err)
	} else {
		report.TokenBalance = bal
		log.Info("token balance", "raw", bal.String(), "balance", ledger.FormatUnits(bal, 18))
	}

	return report
}

// eligible reports whether a participation claim may be submitted: the event
// must be active and the device must have contributed energy.
func eligible(ev ledger.GridEvent, snap telemetry.EnergySnapshot) bool {
	return ev.Active && snap.TodayEnergyWh > 0
}

// ensureRegistered checks the registry and registers the device when needed.
// It returns the new latch value. A failed check never registers, and a
// failed registration leaves the latch open so the next iteration checks
// again.
func (o *Oracle) ensureRegistered(ctx context.Context, report *IterationReport) bool {
	registered, err := o.ledger.IsRegistered(ctx)
	if err != nil {
		o.logger.Warn("registration check failed", "error", err)
		report.Errors = append(report.Errors, err)
		return false
	}

	if registered {
		o.setRegistered(true)
		if rep, err := o.ledger.Reputation(ctx); err != nil {
			o.logger.Warn("could not read reputation", "error", err)
			report.Errors = append(report.Errors, err)
		} else {
			o.logger.Info("device registered", "reputation", rep)
		}
		return true
	}

	o.logger.Info("device not registered, registering")
	res := o.ledger.RegisterDevice(ctx, o.cfg.Metadata, o.cfg.Stake)
	report.Registration = &res
	if !res.OK() {
		o.logger.Warn("registration failed, will re-check next iteration", "result", res.String())
		return false
	}

	o.setRegistered(true)
	return true
}

// emit hands the report to the optional sinks. Their failures are logged only.
func (o *Oracle) emit(ctx context.Context, report IterationReport) {
	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	if o.opts.Observer != nil {
		o.opts.Observer.ObserveIteration(report)
	}
	if o.opts.Sink != nil {
		for _, rec := range o.records(report) {
			if err := o.opts.Sink.Publish(ctx, rec); err != nil {
				o.logger.Warn("relay failed", "kind", rec.Kind, "error", err)
			}
		}
	}
	o.publishStatus(ctx)
}

func (o *Oracle) records(report IterationReport) []relay.Record {
	base := relay.Record{
		RunID:     o.opts.RunID,
		Iteration: report.Iteration,
		Device:    o.cfg.Device,
		Account:   o.ledger.Account().Hex(),
		Timestamp: report.StartedAt,
	}

	var out []relay.Record
	if report.Snapshot != nil {
		rec := base
		rec.Kind = relay.KindSnapshot
		rec.Snapshot = report.Snapshot
		out = append(out, rec)
	}
	for _, p := range report.Participations {
		rec := base
		rec.Kind = relay.KindParticipation
		rec.EventID = p.EventID
		rec.EnergyWh = p.EnergyWh
		rec.Outcome = p.Result.Outcome.String()
		rec.Reason = p.Result.Reason
		if p.Result.OK() {
			rec.TxHash = p.Result.TxHash.Hex()
		}
		out = append(out, rec)
	}
	return out
}

func (o *Oracle) publishStatus(ctx context.Context) {
	if o.opts.Status == nil {
		return
	}

	o.mu.Lock()
	report := o.last
	hb := status.Heartbeat{
		RunID:          o.opts.RunID,
		State:          o.state.String(),
		Account:        o.ledger.Account().Hex(),
		Device:         o.cfg.Device,
		Iteration:      o.iteration,
		Registered:     o.registered,
		Participations: o.participations,
		UpdatedAt:      time.Now().UTC(),
	}
	o.mu.Unlock()

	hb.DeviceOnline = o.telemetry.Connected()
	hb.ActiveEvents = len(report.Events)
	if report.Snapshot != nil {
		hb.LastSnapshotAt = report.Snapshot.Timestamp
		hb.TodayEnergyWh = report.Snapshot.TodayEnergyWh
		hb.PowerWatts = report.Snapshot.PowerWatts
	}
	if report.TokenBalance != nil {
		hb.TokenBalance = report.TokenBalance.String()
	}
	if err := report.Err(); err != nil {
		hb.LastError = err.Error()
	}

	if err := o.opts.Status.Put(ctx, hb); err != nil {
		o.logger.Warn("status heartbeat failed", "error", err)
	}
}
