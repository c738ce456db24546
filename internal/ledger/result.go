package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/powergrid-oracle/internal/chain"
)

var (
	// ErrMalformedResponse means a read result matched none of the known shapes.
	ErrMalformedResponse = errors.New("malformed contract response")

	// ErrContractRejected means the contract answered a read with Err.
	ErrContractRejected = errors.New("contract returned error")

	ErrNotBound          = errors.New("contracts not bound")
	ErrGovernanceUnbound = errors.New("governance contract not bound")
	ErrEventNotFound     = errors.New("grid event not found")
)

// LoadError reports a contract that could not be bound. Fatal at startup.
type LoadError struct {
	Contract string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s contract: %v", e.Contract, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// CallOutcome classifies the result of a state-changing call.
type CallOutcome int

const (
	OutcomeSuccess CallOutcome = iota
	OutcomeTransportFailure
	OutcomeRejected
	OutcomeTimeout
)

func (o CallOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// CallResult is the typed result of a write operation.
type CallResult struct {
	Message   string
	Outcome   CallOutcome
	TxHash    common.Hash
	BlockHash common.Hash

	// Reason carries the on-chain error for OutcomeRejected.
	Reason string
	Err    error
}

// OK reports whether the call was included and succeeded.
func (r CallResult) OK() bool {
	return r.Outcome == OutcomeSuccess
}

func (r CallResult) String() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("%s included in %s", r.Message, r.BlockHash.Hex())
	case OutcomeRejected:
		return fmt.Sprintf("%s rejected: %s", r.Message, r.Reason)
	default:
		return fmt.Sprintf("%s %s: %v", r.Message, r.Outcome, r.Err)
	}
}

func classify(message string, receipt *chain.Receipt, err error) CallResult {
	res := CallResult{Message: message, Err: err}

	if err != nil {
		var dispatchErr *chain.DispatchError
		switch {
		case errors.Is(err, chain.ErrInclusionTimeout), errors.Is(err, context.DeadlineExceeded):
			res.Outcome = OutcomeTimeout
		case errors.As(err, &dispatchErr):
			res.Outcome = OutcomeRejected
			res.Reason = dispatchErr.Message
		default:
			res.Outcome = OutcomeTransportFailure
		}
		return res
	}

	if receipt == nil {
		res.Outcome = OutcomeTransportFailure
		res.Err = errors.New("no receipt")
		return res
	}

	res.TxHash = receipt.TxHash
	res.BlockHash = receipt.BlockHash
	if receipt.Success {
		res.Outcome = OutcomeSuccess
		return res
	}

	res.Outcome = OutcomeRejected
	res.Reason = receipt.Error
	if res.Reason == "" {
		res.Reason = "receipt reports failure"
	}
	return res
}
