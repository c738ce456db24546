// Package ledger maps the oracle's domain operations onto the power grid
// contracts and normalizes whatever shape the gateway returns for them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/powergrid-oracle/internal/chain"
)

// Caller is the chain capability the ledger needs. *chain.Client satisfies it.
type Caller interface {
	Connect(ctx context.Context) error
	Account() common.Address
	Read(ctx context.Context, contract common.Address, message string, args map[string]any) (any, error)
	Exec(ctx context.Context, call chain.Call) (*chain.Receipt, error)
	SystemAccount(ctx context.Context) (any, error)
}

// Options tune contract binding and decoding.
type Options struct {
	// ABIDir overrides the embedded interface files.
	ABIDir string

	// StrictDecoding disables string-pattern extraction of read results.
	StrictDecoding bool

	// GasLimit is attached to every write; zero means chain.DefaultGasLimit.
	GasLimit chain.GasLimit
}

// Ledger is the oracle's view of the contracts.
type Ledger struct {
	caller Caller
	opts   Options
	dec    decoder
	logger *slog.Logger

	mu        sync.RWMutex
	contracts *contractSet
}

// New creates a ledger adapter. Bind must succeed before any contract call.
func New(caller Caller, opts Options, logger *slog.Logger) *Ledger {
	if opts.GasLimit == (chain.GasLimit{}) {
		opts.GasLimit = chain.DefaultGasLimit
	}
	return &Ledger{
		caller: caller,
		opts:   opts,
		dec:    decoder{strict: opts.StrictDecoding},
		logger: logger.With("component", "ledger"),
	}
}

// Connect establishes the chain connection.
func (l *Ledger) Connect(ctx context.Context) error {
	return l.caller.Connect(ctx)
}

// Account is the address the oracle acts as.
func (l *Ledger) Account() common.Address {
	return l.caller.Account()
}

// Bind resolves the contract handles. Governance is optional.
func (l *Ledger) Bind(addrs ContractAddresses) error {
	fsys, err := interfaceFS(l.opts.ABIDir)
	if err != nil {
		return &LoadError{Contract: "interfaces", Err: err}
	}
	return l.bindFS(fsys, addrs)
}

func (l *Ledger) bindFS(fsys fs.FS, addrs ContractAddresses) error {
	set, err := bindContracts(fsys, addrs)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.contracts = set
	l.mu.Unlock()

	attrs := []any{
		"token", addrs.Token.Hex(),
		"registry", addrs.Registry.Hex(),
		"grid_service", addrs.GridService.Hex(),
	}
	if set.governance != nil {
		attrs = append(attrs, "governance", set.governance.address.Hex())
	}
	l.logger.Info("contracts bound", attrs...)
	return nil
}

// GovernanceBound reports whether a governance contract was configured.
func (l *Ledger) GovernanceBound() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.contracts != nil && l.contracts.governance != nil
}

func (l *Ledger) bound() (*contractSet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.contracts == nil {
		return nil, ErrNotBound
	}
	return l.contracts, nil
}

func (l *Ledger) read(ctx context.Context, c *boundContract, message string, args map[string]any) (any, error) {
	if err := c.checkArgs(message, args); err != nil {
		return nil, err
	}
	return l.caller.Read(ctx, c.address, message, args)
}

func (l *Ledger) exec(ctx context.Context, c *boundContract, message string, args map[string]any, value *big.Int) CallResult {
	if err := c.checkArgs(message, args); err != nil {
		return CallResult{Message: message, Outcome: OutcomeTransportFailure, Err: err}
	}

	call := chain.Call{
		Contract: c.address,
		Message:  message,
		Args:     args,
		GasLimit: l.opts.GasLimit,
	}
	if value != nil && value.Sign() > 0 {
		if !c.payable(message) {
			return CallResult{
				Message: message,
				Outcome: OutcomeTransportFailure,
				Err:     fmt.Errorf("%s.%s is not payable", c.name, message),
			}
		}
		call.Value = value.String()
	}

	receipt, err := l.caller.Exec(ctx, call)
	res := classify(message, receipt, err)

	switch res.Outcome {
	case OutcomeSuccess:
		l.logger.Info("call included", "message", message, "tx", res.TxHash.Hex(), "block", res.BlockHash.Hex())
	case OutcomeRejected:
		l.logger.Warn("call rejected", "message", message, "reason", res.Reason)
	default:
		l.logger.Error("call failed", "message", message, "outcome", res.Outcome.String(), "error", res.Err)
	}
	return res
}

// IsRegistered reports whether the oracle account has a registered device.
func (l *Ledger) IsRegistered(ctx context.Context) (bool, error) {
	set, err := l.bound()
	if err != nil {
		return false, err
	}
	raw, err := l.read(ctx, set.registry, "is_device_registered", map[string]any{"account": l.Account()})
	if err != nil {
		return false, fmt.Errorf("is_device_registered: %w", err)
	}
	v, err := l.dec.Bool(raw)
	if err != nil {
		return false, fmt.Errorf("is_device_registered: %w", err)
	}
	return v, nil
}

// Reputation returns the registry's reputation score for the oracle account.
func (l *Ledger) Reputation(ctx context.Context) (uint32, error) {
	set, err := l.bound()
	if err != nil {
		return 0, err
	}
	raw, err := l.read(ctx, set.registry, "get_device_reputation", map[string]any{"account": l.Account()})
	if err != nil {
		return 0, fmt.Errorf("get_device_reputation: %w", err)
	}
	v, err := l.dec.Uint32(raw)
	if err != nil {
		return 0, fmt.Errorf("get_device_reputation: %w", err)
	}
	return v, nil
}

// ActiveEvents returns the grid service's active events. Zero events is an
// empty slice, never an error. Items that cannot be decoded are logged and
// skipped.
func (l *Ledger) ActiveEvents(ctx context.Context) ([]GridEvent, error) {
	set, err := l.bound()
	if err != nil {
		return []GridEvent{}, err
	}
	raw, err := l.read(ctx, set.grid, "get_active_events", nil)
	if err != nil {
		return []GridEvent{}, fmt.Errorf("get_active_events: %w", err)
	}

	decoded, err := l.dec.decodeEvents(raw)
	if err != nil {
		return []GridEvent{}, fmt.Errorf("get_active_events: %w", err)
	}

	events := decoded.events
	for _, id := range decoded.ids {
		ev, err := l.Event(ctx, id)
		if err != nil {
			decoded.skipped = append(decoded.skipped, fmt.Errorf("event %d: %w", id, err))
			continue
		}
		events = append(events, ev)
	}
	for _, skipErr := range decoded.skipped {
		l.logger.Warn("skipping grid event", "error", skipErr)
	}

	if events == nil {
		events = []GridEvent{}
	}
	return events, nil
}

// Event fetches a single grid event by id.
func (l *Ledger) Event(ctx context.Context, id uint64) (GridEvent, error) {
	set, err := l.bound()
	if err != nil {
		return GridEvent{}, err
	}
	raw, err := l.read(ctx, set.grid, "get_event", map[string]any{"event_id": id})
	if err != nil {
		return GridEvent{}, fmt.Errorf("get_event: %w", err)
	}
	return l.dec.decodeEventData(id, raw)
}

// TokenBalance returns the oracle account's reward token balance in the
// token's smallest unit.
func (l *Ledger) TokenBalance(ctx context.Context) (*big.Int, error) {
	set, err := l.bound()
	if err != nil {
		return new(big.Int), err
	}
	raw, err := l.read(ctx, set.token, "balance_of", map[string]any{"owner": l.Account()})
	if err != nil {
		return new(big.Int), fmt.Errorf("balance_of: %w", err)
	}
	v, err := l.dec.BigInt(raw)
	if err != nil {
		return new(big.Int), fmt.Errorf("balance_of: %w", err)
	}
	return v, nil
}

// NativeBalance returns the free native balance of the oracle account.
func (l *Ledger) NativeBalance(ctx context.Context) (*big.Int, error) {
	raw, err := l.caller.SystemAccount(ctx)
	if err != nil {
		return new(big.Int), fmt.Errorf("system account: %w", err)
	}

	v, err := l.dec.unwrap(raw)
	if err != nil {
		return new(big.Int), fmt.Errorf("system account: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return new(big.Int), fmt.Errorf("system account: %w", malformed("expected record, got %T", v))
	}
	if data, ok := m["data"].(map[string]any); ok {
		m = data
	}
	free, ok := m["free"]
	if !ok {
		return new(big.Int), fmt.Errorf("system account: %w", malformed("no free balance"))
	}
	n, err := l.dec.BigInt(free)
	if err != nil {
		return new(big.Int), fmt.Errorf("system account: %w", err)
	}
	return n, nil
}

// IsMinter reports whether account may mint reward tokens.
func (l *Ledger) IsMinter(ctx context.Context, account common.Address) (bool, error) {
	set, err := l.bound()
	if err != nil {
		return false, err
	}
	raw, err := l.read(ctx, set.token, "is_minter", map[string]any{"account": account})
	if err != nil {
		return false, fmt.Errorf("is_minter: %w", err)
	}
	v, err := l.dec.Bool(raw)
	if err != nil {
		return false, fmt.Errorf("is_minter: %w", err)
	}
	return v, nil
}

// ProposalCount returns the number of governance proposals.
func (l *Ledger) ProposalCount(ctx context.Context) (uint64, error) {
	set, err := l.bound()
	if err != nil {
		return 0, err
	}
	if set.governance == nil {
		return 0, ErrGovernanceUnbound
	}
	raw, err := l.read(ctx, set.governance, "get_proposal_count", nil)
	if err != nil {
		return 0, fmt.Errorf("get_proposal_count: %w", err)
	}
	v, err := l.dec.Uint64(raw)
	if err != nil {
		return 0, fmt.Errorf("get_proposal_count: %w", err)
	}
	return v, nil
}

// RegisterDevice registers the oracle's device, transferring stake with the call.
func (l *Ledger) RegisterDevice(ctx context.Context, meta DeviceMetadata, stake *big.Int) CallResult {
	set, err := l.bound()
	if err != nil {
		return CallResult{Message: "register_device", Outcome: OutcomeTransportFailure, Err: err}
	}
	l.logger.Info("registering device",
		"device_type", meta.DeviceType,
		"capacity_watts", meta.CapacityWatts,
		"stake_wei", stake.String(),
		"stake", FormatUnits(stake, 18),
	)
	return l.exec(ctx, set.registry, "register_device", map[string]any{"metadata": meta.args()}, stake)
}

// Participate claims energyWh of reduction against a grid event.
func (l *Ledger) Participate(ctx context.Context, eventID, energyWh uint64) CallResult {
	set, err := l.bound()
	if err != nil {
		return CallResult{Message: "participate_in_event", Outcome: OutcomeTransportFailure, Err: err}
	}
	return l.exec(ctx, set.grid, "participate_in_event", map[string]any{
		"event_id":            eventID,
		"energy_reduction_wh": energyWh,
	}, nil)
}

// CreateGridEvent opens a new grid event. The caller must be authorized on
// the grid service.
func (l *Ledger) CreateGridEvent(ctx context.Context, spec EventSpec) CallResult {
	const message = "create_grid_event"
	set, err := l.bound()
	if err != nil {
		return CallResult{Message: message, Outcome: OutcomeTransportFailure, Err: err}
	}
	if spec.EventType == "" {
		spec.EventType = EventDemandResponse
	}
	if spec.CompensationRate == nil {
		return CallResult{Message: message, Outcome: OutcomeTransportFailure, Err: errors.New("compensation rate required")}
	}
	return l.exec(ctx, set.grid, message, map[string]any{
		"event_type":          map[string]any{spec.EventType: nil},
		"duration_minutes":    spec.DurationMinutes,
		"compensation_rate":   spec.CompensationRate.String(),
		"target_reduction_kw": spec.TargetReductionKw,
	}, nil)
}

// AuthorizeCaller allows account to create events and record participation
// on the grid service.
func (l *Ledger) AuthorizeCaller(ctx context.Context, account common.Address) CallResult {
	set, err := l.bound()
	if err != nil {
		return CallResult{Message: "add_authorized_caller", Outcome: OutcomeTransportFailure, Err: err}
	}
	return l.exec(ctx, set.grid, "add_authorized_caller", map[string]any{"caller": account}, nil)
}

// AddMinter grants account the token minter role.
func (l *Ledger) AddMinter(ctx context.Context, account common.Address) CallResult {
	set, err := l.bound()
	if err != nil {
		return CallResult{Message: "add_minter", Outcome: OutcomeTransportFailure, Err: err}
	}
	return l.exec(ctx, set.token, "add_minter", map[string]any{"account": account}, nil)
}

// GridServiceAddress returns the bound grid service address.
func (l *Ledger) GridServiceAddress() (common.Address, error) {
	set, err := l.bound()
	if err != nil {
		return common.Address{}, err
	}
	return set.grid.address, nil
}
