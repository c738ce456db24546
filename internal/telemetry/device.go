// Package telemetry reads energy data from the smart plug and assembles it
// into snapshots for the oracle loop.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DeviceInfo is the plug's identity and relay state.
type DeviceInfo struct {
	DeviceID        string `json:"device_id"`
	Model           string `json:"model"`
	HardwareVersion string `json:"hw_ver"`
	FirmwareVersion string `json:"fw_ver"`
	MAC             string `json:"mac"`
	DeviceOn        bool   `json:"device_on"`
	RSSI            int    `json:"rssi"`
}

// CurrentPower is the instantaneous draw as reported by the plug.
type CurrentPower struct {
	Milliwatts uint64 `json:"current_power"`
}

// EnergyUsage holds the plug's accumulated counters.
type EnergyUsage struct {
	TodayEnergyWh   uint64    `json:"today_energy"`
	TodayRuntimeMin uint32    `json:"today_runtime"`
	MonthEnergyWh   uint64    `json:"month_energy"`
	MonthRuntimeMin uint32    `json:"month_runtime"`
	LocalTime       time.Time `json:"local_time"`
}

// Device is a bound handle to a smart plug.
type Device interface {
	Info(ctx context.Context) (DeviceInfo, error)
	CurrentPower(ctx context.Context) (CurrentPower, error)
	EnergyUsage(ctx context.Context) (EnergyUsage, error)
	SetOn(ctx context.Context, on bool) error
	Close() error
}

// DialFunc authenticates against a plug and returns a bound handle.
type DialFunc func(ctx context.Context) (Device, error)

// ErrNotConnected is returned by commands issued without a bound handle.
var ErrNotConnected = errors.New("device not connected")

// ConnectError means the plug could not be reached or refused the
// credentials. Retried at the next poll.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to device %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadError means a snapshot could not be assembled. No partial snapshot is
// ever returned alongside it.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
