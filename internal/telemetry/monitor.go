package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EnergySnapshot is one point-in-time read of the plug. Immutable once built.
type EnergySnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	PowerWatts      float64   `json:"power_watts"`
	PowerMilliwatts uint64    `json:"power_milliwatts"`
	TodayEnergyWh   uint64    `json:"today_energy_wh"`
	TodayRuntimeMin uint32    `json:"today_runtime_min"`
	MonthEnergyWh   uint64    `json:"month_energy_wh"`
	MonthRuntimeMin uint32    `json:"month_runtime_min"`
	DeviceOn        bool      `json:"device_on"`

	DeviceID string `json:"device_id,omitempty"`
	Model    string `json:"model,omitempty"`
	MAC      string `json:"mac,omitempty"`
}

// Monitor owns the plug handle and reconnects it on demand.
type Monitor struct {
	address string
	dial    DialFunc
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	device Device
}

// NewMonitor creates a monitor for the plug at address. No connection is made
// until Connect or Snapshot.
func NewMonitor(address string, dial DialFunc, logger *slog.Logger) *Monitor {
	return &Monitor{
		address: address,
		dial:    dial,
		logger:  logger.With("component", "telemetry", "device", address),
		now:     time.Now,
	}
}

// Connect binds a device handle and checks it with a device-info read.
func (m *Monitor) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Monitor) connectLocked(ctx context.Context) error {
	m.dropLocked()

	m.logger.Info("connecting to device")
	dev, err := m.dial(ctx)
	if err != nil {
		return &ConnectError{Address: m.address, Err: err}
	}

	info, err := dev.Info(ctx)
	if err != nil {
		_ = dev.Close()
		return &ConnectError{Address: m.address, Err: err}
	}

	m.device = dev
	m.logger.Info("connected to device", "model", info.Model, "mac", info.MAC)
	return nil
}

func (m *Monitor) dropLocked() {
	if m.device == nil {
		return
	}
	if err := m.device.Close(); err != nil {
		m.logger.Debug("close device handle", "error", err)
	}
	m.device = nil
}

// Connected reports whether a device handle is bound.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device != nil
}

// Snapshot reads device info, current power and energy usage. Without a bound
// handle it reconnects first. Any failed read fails the whole snapshot and
// drops the handle so the next call reconnects.
func (m *Monitor) Snapshot(ctx context.Context) (EnergySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		if err := m.connectLocked(ctx); err != nil {
			return EnergySnapshot{}, &ReadError{Op: "reconnect", Err: err}
		}
	}

	info, err := m.device.Info(ctx)
	if err != nil {
		m.dropLocked()
		return EnergySnapshot{}, &ReadError{Op: "device info", Err: err}
	}
	power, err := m.device.CurrentPower(ctx)
	if err != nil {
		m.dropLocked()
		return EnergySnapshot{}, &ReadError{Op: "current power", Err: err}
	}
	usage, err := m.device.EnergyUsage(ctx)
	if err != nil {
		m.dropLocked()
		return EnergySnapshot{}, &ReadError{Op: "energy usage", Err: err}
	}

	snap := EnergySnapshot{
		Timestamp:       m.now().UTC(),
		PowerWatts:      float64(power.Milliwatts) / 1000,
		PowerMilliwatts: power.Milliwatts,
		TodayEnergyWh:   usage.TodayEnergyWh,
		TodayRuntimeMin: usage.TodayRuntimeMin,
		MonthEnergyWh:   usage.MonthEnergyWh,
		MonthRuntimeMin: usage.MonthRuntimeMin,
		DeviceOn:        info.DeviceOn,
		DeviceID:        info.DeviceID,
		Model:           info.Model,
		MAC:             info.MAC,
	}
	m.logger.Debug("snapshot",
		"power_watts", snap.PowerWatts,
		"today_energy_wh", snap.TodayEnergyWh,
		"device_on", snap.DeviceOn,
	)
	return snap, nil
}

// TurnOn switches the plug's relay on.
func (m *Monitor) TurnOn(ctx context.Context) error {
	return m.setOn(ctx, true)
}

// TurnOff switches the plug's relay off.
func (m *Monitor) TurnOff(ctx context.Context) error {
	return m.setOn(ctx, false)
}

func (m *Monitor) setOn(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return ErrNotConnected
	}
	if err := m.device.SetOn(ctx, on); err != nil {
		return err
	}
	m.logger.Info("device switched", "on", on)
	return nil
}

// Close releases the device handle.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
	return nil
}
