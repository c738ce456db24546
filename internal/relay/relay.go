// Package relay fans oracle records out to optional downstream brokers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marko911/powergrid-oracle/internal/telemetry"
)

// Record kinds.
const (
	KindSnapshot      = "snapshot"
	KindParticipation = "participation"
)

// Record is one relayed fact about an oracle iteration.
type Record struct {
	Kind      string    `json:"kind"`
	RunID     string    `json:"run_id"`
	Iteration uint64    `json:"iteration"`
	Device    string    `json:"device"`
	Account   string    `json:"account"`
	Timestamp time.Time `json:"timestamp"`

	Snapshot *telemetry.EnergySnapshot `json:"snapshot,omitempty"`

	EventID  uint64 `json:"event_id,omitempty"`
	EnergyWh uint64 `json:"energy_wh,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Encode renders the record as published on the wire.
func (r Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", r.Kind, err)
	}
	return data, nil
}

// Decode parses a record published by Encode.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// Sink receives relayed records.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
