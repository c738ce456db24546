package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ContractAddresses are the deployed contracts the oracle talks to.
// Governance is optional.
type ContractAddresses struct {
	Token       common.Address
	Registry    common.Address
	GridService common.Address
	Governance  *common.Address
}

// DeviceMetadata is the record submitted with register_device.
type DeviceMetadata struct {
	DeviceType      string `yaml:"device_type" json:"device_type"`
	CapacityWatts   uint64 `yaml:"capacity_watts" json:"capacity_watts"`
	Location        string `yaml:"location" json:"location"`
	Manufacturer    string `yaml:"manufacturer" json:"manufacturer"`
	Model           string `yaml:"model" json:"model"`
	FirmwareVersion string `yaml:"firmware_version" json:"firmware_version"`

	// InstallationDate is a unix timestamp in milliseconds.
	InstallationDate uint64 `yaml:"installation_date" json:"installation_date"`
}

// Device type variants known to the registry contract. Anything else is sent
// as Other(<name>).
var deviceTypes = map[string]bool{
	"SmartPlug":      true,
	"EV":             true,
	"WaterHeater":    true,
	"AirConditioner": true,
	"SolarPanel":     true,
	"Battery":        true,
}

func (m DeviceMetadata) args() map[string]any {
	var deviceType map[string]any
	if deviceTypes[m.DeviceType] {
		deviceType = map[string]any{m.DeviceType: nil}
	} else {
		deviceType = map[string]any{"Other": m.DeviceType}
	}
	return map[string]any{
		"device_type":       deviceType,
		"capacity_watts":    m.CapacityWatts,
		"location":          m.Location,
		"manufacturer":      m.Manufacturer,
		"model":             m.Model,
		"firmware_version":  m.FirmwareVersion,
		"installation_date": m.InstallationDate,
	}
}

// Grid event type tags.
const (
	EventDemandResponse      = "DemandResponse"
	EventFrequencyRegulation = "FrequencyRegulation"
	EventPeakShaving         = "PeakShaving"
	EventLoadBalancing       = "LoadBalancing"
	EventEmergency           = "Emergency"
	EventUnknown             = "Unknown"
)

// GridEvent is a demand-response window read from the grid service contract.
// It is never modified locally.
type GridEvent struct {
	EventID                   uint64
	EventType                 string
	TargetReductionKw         uint32
	CompensationRateWeiPerKwh *big.Int
	DurationMinutes           uint32
	Active                    bool

	// Optional fields, zero when the contract omits them.
	StartTime          uint64
	EndTime            uint64
	TotalParticipants  uint32
	TotalEnergyReduced uint64
	Completed          bool
}

// EventSpec describes a new grid event for create_grid_event.
type EventSpec struct {
	EventType         string
	DurationMinutes   uint64
	CompensationRate  *big.Int
	TargetReductionKw uint64
}
