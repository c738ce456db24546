// Package oracle runs the polling loop that relays smart plug telemetry into
// grid event participation on chain.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/marko911/powergrid-oracle/internal/ledger"
	"github.com/marko911/powergrid-oracle/internal/relay"
	"github.com/marko911/powergrid-oracle/internal/status"
	"github.com/marko911/powergrid-oracle/internal/telemetry"
)

var (
	ErrNotInitialized = errors.New("oracle not initialized")
	ErrAlreadyStarted = errors.New("oracle already started")
)

// nativeDecimals is the precision of the chain's native unit.
const nativeDecimals = 12

// lowNativeBalance is 10 native tokens.
var lowNativeBalance = new(big.Int).Mul(big.NewInt(10), new(big.Int).Exp(big.NewInt(10), big.NewInt(nativeDecimals), nil))

// Telemetry is the device side the loop reads from.
type Telemetry interface {
	Connect(ctx context.Context) error
	Snapshot(ctx context.Context) (telemetry.EnergySnapshot, error)
	Connected() bool
}

// Ledger is the chain side the loop writes to.
type Ledger interface {
	Connect(ctx context.Context) error
	Bind(addrs ledger.ContractAddresses) error
	Account() common.Address
	IsRegistered(ctx context.Context) (bool, error)
	Reputation(ctx context.Context) (uint32, error)
	RegisterDevice(ctx context.Context, meta ledger.DeviceMetadata, stake *big.Int) ledger.CallResult
	ActiveEvents(ctx context.Context) ([]ledger.GridEvent, error)
	Participate(ctx context.Context, eventID, energyWh uint64) ledger.CallResult
	TokenBalance(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context) (*big.Int, error)
}

// StatusStore receives the heartbeat after every iteration.
type StatusStore interface {
	Put(ctx context.Context, hb status.Heartbeat) error
}

// Observer is notified of every finished iteration.
type Observer interface {
	ObserveIteration(report IterationReport)
	ObserveState(state State)
}

// Config is the loop's slice of the process configuration.
type Config struct {
	Interval  time.Duration
	Addresses ledger.ContractAddresses
	Metadata  ledger.DeviceMetadata
	Stake     *big.Int

	// Device names the plug in logs and relayed records.
	Device string
}

func (c Config) validate() error {
	var problems []string
	if c.Interval <= 0 {
		problems = append(problems, "interval must be positive")
	}
	if c.Stake == nil || c.Stake.Sign() < 0 {
		problems = append(problems, "stake must be a non-negative amount")
	}
	if c.Addresses.Registry == (common.Address{}) {
		problems = append(problems, "registry address missing")
	}
	if c.Addresses.GridService == (common.Address{}) {
		problems = append(problems, "grid service address missing")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid oracle config: %v", problems)
	}
	return nil
}

// Options wires optional collaborators. Nil fields are skipped.
type Options struct {
	Sink     relay.Sink
	Status   StatusStore
	Observer Observer
	RunID    string
}

// RunState is the process-local loop state. It resets on restart.
type RunState struct {
	State      State
	IsRunning  bool
	Registered bool
	Iteration  uint64
}

// Oracle drives one device through the loop.
type Oracle struct {
	cfg       Config
	telemetry Telemetry
	ledger    Ledger
	opts      Options
	logger    *slog.Logger

	mu             sync.Mutex
	state          State
	registered     bool
	iteration      uint64
	participations uint64
	last           IterationReport

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an oracle in the Uninitialized state.
func New(cfg Config, tel Telemetry, led Ledger, opts Options, logger *slog.Logger) *Oracle {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Oracle{
		cfg:       cfg,
		telemetry: tel,
		ledger:    led,
		opts:      opts,
		logger:    logger.With("component", "oracle", "run_id", opts.RunID),
		state:     StateUninitialized,
		stopCh:    make(chan struct{}),
	}
}

// RunState returns a copy of the loop state.
func (o *Oracle) RunState() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return RunState{
		State:      o.state,
		IsRunning:  o.state == StateRunning,
		Registered: o.registered,
		Iteration:  o.iteration,
	}
}

// State returns the current lifecycle state.
func (o *Oracle) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Oracle) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()

	if prev != s {
		o.logger.Info("state changed", "from", prev.String(), "to", s.String())
		if o.opts.Observer != nil {
			o.opts.Observer.ObserveState(s)
		}
	}
}

// Initialize validates the configuration, connects to the chain and binds
// the contracts. Any failure there moves the oracle to Stopped. A device that
// cannot be reached is only logged; the loop reconnects it later.
func (o *Oracle) Initialize(ctx context.Context) error {
	if o.State() != StateUninitialized {
		return ErrAlreadyStarted
	}
	o.setState(StateInitializing)

	if err := o.cfg.validate(); err != nil {
		o.setState(StateStopped)
		return err
	}

	if err := o.ledger.Connect(ctx); err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("connect chain: %w", err)
	}

	if err := o.ledger.Bind(o.cfg.Addresses); err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("bind contracts: %w", err)
	}

	if err := o.telemetry.Connect(ctx); err != nil {
		o.logger.Warn("device unavailable at startup, will retry during polling", "error", err)
	}

	o.checkNativeBalance(ctx)

	o.setState(StateRunning)
	o.logger.Info("oracle initialized",
		"account", o.ledger.Account().Hex(),
		"device", o.cfg.Device,
		"interval", o.cfg.Interval.String(),
	)
	o.publishStatus(ctx)
	return nil
}

func (o *Oracle) checkNativeBalance(ctx context.Context) {
	bal, err := o.ledger.NativeBalance(ctx)
	if err != nil {
		o.logger.Warn("could not read native balance", "error", err)
		return
	}
	attrs := []any{"raw", bal.String(), "balance", ledger.FormatUnits(bal, nativeDecimals)}
	if bal.Cmp(lowNativeBalance) < 0 {
		o.logger.Warn("native balance low, transactions may fail", attrs...)
		return
	}
	o.logger.Info("native balance", attrs...)
}

// Stop asks the loop to end. It takes effect at the top of the next
// iteration or during the sleep.
func (o *Oracle) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

func (o *Oracle) stopRequested(ctx context.Context) bool {
	select {
	case <-o.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run polls until Stop is called or ctx is cancelled. Errors inside an
// iteration are logged and never end the loop.
func (o *Oracle) Run(ctx context.Context) error {
	if o.State() != StateRunning {
		return ErrNotInitialized
	}
	defer func() {
		o.setState(StateStopped)
		o.publishStatus(context.WithoutCancel(ctx))
		o.logger.Info("oracle stopped", "iterations", o.RunState().Iteration)
	}()

	for {
		if o.stopRequested(ctx) {
			return nil
		}

		report := o.runIteration(ctx)
		o.emit(ctx, report)

		sleep := time.NewTimer(o.cfg.Interval)
		select {
		case <-ctx.Done():
			sleep.Stop()
			return nil
		case <-o.stopCh:
			sleep.Stop()
			return nil
		case <-sleep.C:
		}
	}
}
