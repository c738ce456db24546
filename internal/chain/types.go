package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotConnected     = errors.New("chain client not connected")
	ErrConnectFailed    = errors.New("chain connect failed")
	ErrInclusionTimeout = errors.New("transaction not included before deadline")
	ErrEmptyTxHash      = errors.New("node returned empty transaction hash")
)

// DispatchError is an application error returned by contracts_submit, meaning
// the node processed the call and refused it. Codes in the range reserved by
// JSON-RPC 2.0 are server failures, not dispatch errors.
type DispatchError struct {
	Code    int
	Message string
}

// isDispatchCode reports whether code lies outside the reserved JSON-RPC range
// -32768..-32000.
func isDispatchCode(code int) bool {
	return code < -32768 || code > -32000
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch rejected (code %d): %s", e.Code, e.Message)
}

// Config holds chain RPC settings.
type Config struct {
	URL string

	// Timeout bounds each read request; zero leaves only the transport's own limits.
	Timeout time.Duration

	// InclusionTimeout bounds how long Exec waits for a receipt.
	InclusionTimeout    time.Duration
	ReceiptPollInterval time.Duration

	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultConfig returns sensible defaults for a local development node.
func DefaultConfig() Config {
	return Config{
		URL:                 "ws://127.0.0.1:9944",
		Timeout:             30 * time.Second,
		InclusionTimeout:    60 * time.Second,
		ReceiptPollInterval: time.Second,
		MaxRetries:          3,
		RetryInterval:       5 * time.Second,
	}
}

// GasLimit is the weight ceiling attached to every state-changing call.
type GasLimit struct {
	RefTime   uint64 `json:"ref_time"`
	ProofSize uint64 `json:"proof_size"`
}

// DefaultGasLimit is the fixed ceiling used for all oracle transactions.
var DefaultGasLimit = GasLimit{RefTime: 10_000_000_000, ProofSize: 1_000_000}

// ReadRequest is the params object of contracts_read.
type ReadRequest struct {
	Origin   common.Address `json:"origin"`
	Contract common.Address `json:"contract"`
	Message  string         `json:"message"`
	Args     map[string]any `json:"args,omitempty"`
}

// Call describes a state-changing contract message.
type Call struct {
	Contract common.Address
	Message  string
	Args     map[string]any

	// Value is the decimal amount transferred with the call, empty for none.
	Value    string
	GasLimit GasLimit
}

// CallPayload is the signed body submitted through contracts_submit.
type CallPayload struct {
	Origin   common.Address `json:"origin"`
	Contract common.Address `json:"contract"`
	Message  string         `json:"message"`
	Args     map[string]any `json:"args,omitempty"`
	Value    string         `json:"value,omitempty"`
	GasLimit GasLimit       `json:"gas_limit"`
	Nonce    uint64         `json:"nonce"`
}

// SubmitRequest is the params object of contracts_submit.
type SubmitRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Receipt reports the inclusion of a submitted call.
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockHash   common.Hash `json:"block_hash"`
	BlockNumber uint64      `json:"block_number"`
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
	GasConsumed uint64      `json:"gas_consumed"`
}
