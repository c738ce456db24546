package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/powergrid-oracle/internal/bootstrap"
	"github.com/marko911/powergrid-oracle/internal/chain"
	"github.com/marko911/powergrid-oracle/internal/config"
	"github.com/marko911/powergrid-oracle/internal/ledger"
	"github.com/marko911/powergrid-oracle/internal/logging"
	"github.com/marko911/powergrid-oracle/internal/status"
)

const (
	tokenDecimals  = 18
	nativeDecimals = 12

	defaultEventRate = "750000000000000000"
)

type env struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func (e *env) Close() error { return e.closer.Close() }

func loadEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// CLI output goes to stdout and logs to stderr. The log file belongs to
	// the oracle daemon.
	level := cfg.Log.Level
	if envOrDefault("LOG_LEVEL", "") == "" {
		level = "warn"
	}
	logger, closer, err := logging.New(logging.Options{
		Level:  level,
		Format: "text",
		Stdout: os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, closer: closer}, nil
}

func (e *env) openLedger(ctx context.Context) (*ledger.Ledger, *chain.Client, error) {
	led, client := bootstrap.Ledger(e.cfg, e.logger)
	if err := led.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect chain: %w", err)
	}
	if err := led.Bind(e.cfg.Contracts.Addresses()); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("bind contracts: %w", err)
	}
	return led, client, nil
}

func statusCmd(ctx context.Context, w io.Writer) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := bootstrap.Status(ctx, e.cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("status store not configured (set REDIS_ADDR)")
	}
	defer store.Close()

	hb, err := store.Get(ctx)
	if err != nil {
		return err
	}
	ttl, err := store.TTL(ctx)
	if err != nil {
		return err
	}
	printHeartbeat(w, hb, ttl, time.Now())
	return nil
}

func printHeartbeat(w io.Writer, hb status.Heartbeat, ttl time.Duration, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", hb.RunID)
	fmt.Fprintf(tw, "State:\t%s\n", hb.State)
	fmt.Fprintf(tw, "Account:\t%s\n", hb.Account)
	fmt.Fprintf(tw, "Device:\t%s (online: %t)\n", hb.Device, hb.DeviceOnline)
	fmt.Fprintf(tw, "Registered:\t%t\n", hb.Registered)
	fmt.Fprintf(tw, "Iteration:\t%d\n", hb.Iteration)
	fmt.Fprintf(tw, "Power:\t%.2f W\n", hb.PowerWatts)
	fmt.Fprintf(tw, "Energy today:\t%d Wh\n", hb.TodayEnergyWh)
	fmt.Fprintf(tw, "Active events:\t%d\n", hb.ActiveEvents)
	fmt.Fprintf(tw, "Participations:\t%d\n", hb.Participations)
	if hb.TokenBalance != "" {
		fmt.Fprintf(tw, "Token balance:\t%s\n", hb.TokenBalance)
	}
	if !hb.LastSnapshotAt.IsZero() {
		fmt.Fprintf(tw, "Last snapshot:\t%s\n", hb.LastSnapshotAt.Format(time.RFC3339))
	}
	if !hb.UpdatedAt.IsZero() {
		fmt.Fprintf(tw, "Updated:\t%s (%s ago)\n", hb.UpdatedAt.Format(time.RFC3339), now.Sub(hb.UpdatedAt).Truncate(time.Second))
	}
	fmt.Fprintf(tw, "Expires in:\t%s\n", ttl)
	if hb.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", hb.LastError)
	}
	tw.Flush()
}

// rewardsReport is everything the rewards command prints.
type rewardsReport struct {
	Account       common.Address
	TokenBalance  *big.Int
	Registered    bool
	Reputation    uint32
	NativeBalance *big.Int
	Events        []ledger.GridEvent
	Proposals     *uint64
}

func rewardsCmd(ctx context.Context, w io.Writer) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	led, client, err := e.openLedger(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	r := collectRewards(ctx, led, e.logger)
	printRewards(w, r)
	return nil
}

// collectRewards reads every value independently; a failed read is logged
// and shown as its default.
func collectRewards(ctx context.Context, led *ledger.Ledger, logger *slog.Logger) rewardsReport {
	r := rewardsReport{Account: led.Account()}

	var err error
	if r.TokenBalance, err = led.TokenBalance(ctx); err != nil {
		logger.Warn("token balance read failed", "error", err)
	}
	if r.Registered, err = led.IsRegistered(ctx); err != nil {
		logger.Warn("registration read failed", "error", err)
	}
	if r.Reputation, err = led.Reputation(ctx); err != nil {
		logger.Warn("reputation read failed", "error", err)
	}
	if r.NativeBalance, err = led.NativeBalance(ctx); err != nil {
		logger.Warn("native balance read failed", "error", err)
	}
	if r.Events, err = led.ActiveEvents(ctx); err != nil {
		logger.Warn("active events read failed", "error", err)
	}
	if led.GovernanceBound() {
		n, err := led.ProposalCount(ctx)
		if err != nil {
			logger.Warn("proposal count read failed", "error", err)
		} else {
			r.Proposals = &n
		}
	}
	return r
}

func printRewards(w io.Writer, r rewardsReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Account:\t%s\n", r.Account.Hex())
	fmt.Fprintf(tw, "Token balance:\t%s (%s raw)\n", ledger.FormatUnits(r.TokenBalance, tokenDecimals), amountString(r.TokenBalance))
	fmt.Fprintf(tw, "Native balance:\t%s\n", ledger.FormatUnits(r.NativeBalance, nativeDecimals))
	fmt.Fprintf(tw, "Registered:\t%t\n", r.Registered)
	fmt.Fprintf(tw, "Reputation:\t%d\n", r.Reputation)
	if r.Proposals != nil {
		fmt.Fprintf(tw, "Proposals:\t%d\n", *r.Proposals)
	}
	fmt.Fprintf(tw, "Active events:\t%d\n", len(r.Events))
	tw.Flush()

	if len(r.Events) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTARGET KW\tRATE (WEI/KWH)\tDURATION\tPARTICIPANTS")
	for _, ev := range r.Events {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%dm\t%d\n",
			ev.EventID, ev.EventType, ev.TargetReductionKw,
			amountString(ev.CompensationRateWeiPerKwh), ev.DurationMinutes, ev.TotalParticipants)
	}
	tw.Flush()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseEventSpec(args []string) (ledger.EventSpec, error) {
	fs := flag.NewFlagSet("create-event", flag.ContinueOnError)
	eventType := fs.String("type", ledger.EventDemandResponse, "Event type")
	duration := fs.Uint64("duration", 60, "Duration in minutes")
	rate := fs.String("rate", defaultEventRate, "Compensation rate in wei per kWh")
	target := fs.Uint64("target", 100, "Target reduction in kW")
	if err := fs.Parse(args); err != nil {
		return ledger.EventSpec{}, err
	}

	if *duration == 0 {
		return ledger.EventSpec{}, errors.New("--duration must be positive")
	}
	r, ok := new(big.Int).SetString(*rate, 10)
	if !ok || r.Sign() < 0 {
		return ledger.EventSpec{}, fmt.Errorf("--rate: not a non-negative integer: %q", *rate)
	}
	return ledger.EventSpec{
		EventType:         *eventType,
		DurationMinutes:   *duration,
		CompensationRate:  r,
		TargetReductionKw: *target,
	}, nil
}

func createEventCmd(ctx context.Context, w io.Writer, args []string) error {
	spec, err := parseEventSpec(args)
	if err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	led, client, err := e.openLedger(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Fprintf(w, "Creating %s event: %d kW for %d minutes at %s wei/kWh\n",
		spec.EventType, spec.TargetReductionKw, spec.DurationMinutes, spec.CompensationRate)
	res := led.CreateGridEvent(ctx, spec)
	fmt.Fprintln(w, res.String())
	if !res.OK() {
		return fmt.Errorf("create_grid_event: %s", res.Outcome)
	}
	return nil
}

// authorizer is the slice of the ledger the authorize command needs.
type authorizer interface {
	Account() common.Address
	GridServiceAddress() (common.Address, error)
	AuthorizeCaller(ctx context.Context, account common.Address) ledger.CallResult
	IsMinter(ctx context.Context, account common.Address) (bool, error)
	AddMinter(ctx context.Context, account common.Address) ledger.CallResult
}

func authorizeCmd(ctx context.Context, w io.Writer) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	led, client, err := e.openLedger(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return authorize(ctx, w, led)
}

// authorize lets the owner account act on the grid service and lets the grid
// service mint reward tokens. Existing minter rights are left alone.
func authorize(ctx context.Context, w io.Writer, led authorizer) error {
	account := led.Account()
	res := led.AuthorizeCaller(ctx, account)
	fmt.Fprintf(w, "Authorize %s on grid service: %s\n", account.Hex(), res)
	if !res.OK() {
		return fmt.Errorf("add_authorized_caller: %s", res.Outcome)
	}

	grid, err := led.GridServiceAddress()
	if err != nil {
		return err
	}
	minter, err := led.IsMinter(ctx, grid)
	if err != nil {
		return fmt.Errorf("check minter: %w", err)
	}
	if minter {
		fmt.Fprintf(w, "Grid service %s is already a minter\n", grid.Hex())
		return nil
	}

	res = led.AddMinter(ctx, grid)
	fmt.Fprintf(w, "Add minter %s: %s\n", grid.Hex(), res)
	if !res.OK() {
		return fmt.Errorf("add_minter: %s", res.Outcome)
	}
	return nil
}

func plugCmd(ctx context.Context, w io.Writer, action string) error {
	switch action {
	case "on", "off", "snapshot":
	default:
		return fmt.Errorf("unknown plug action %q (want on, off or snapshot)", action)
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	mon := bootstrap.Monitor(e.cfg, e.logger)
	defer mon.Close()
	if err := mon.Connect(ctx); err != nil {
		return err
	}

	switch action {
	case "on":
		if err := mon.TurnOn(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, "Plug switched on")
	case "off":
		if err := mon.TurnOff(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, "Plug switched off")
	case "snapshot":
		snap, err := mon.Snapshot(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return nil
}
