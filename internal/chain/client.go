// Package chain is the oracle's connection to the node's contracts gateway.
// It speaks JSON-RPC over ws or http, signs every state-changing call with the
// device owner's key and waits for inclusion receipts.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

type Client struct {
	cfg    Config
	signer *Signer
	logger *slog.Logger

	mu        sync.RWMutex
	rpcClient *rpc.Client
	connected bool
	chainName string
}

func NewClient(cfg Config, signer *Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		signer: signer,
		logger: logger.With("component", "chain-client"),
	}
}

// NewClientWithRPC wraps an already dialed RPC client. Connect still verifies
// the node before the client is used.
func NewClientWithRPC(cfg Config, rpcClient *rpc.Client, signer *Signer, logger *slog.Logger) *Client {
	c := NewClient(cfg, signer, logger)
	c.rpcClient = rpcClient
	return c
}

// Connect dials the node (unless a client was supplied) and checks it answers
// system_chain.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	c.logger.Info("connecting to chain RPC", "url", c.cfg.URL)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying connection", "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
		}

		if c.rpcClient == nil {
			client, err := rpc.DialContext(ctx, c.cfg.URL)
			if err != nil {
				c.logger.Warn("connection failed", "error", err, "attempt", attempt)
				lastErr = err
				continue
			}
			c.rpcClient = client
		}

		var name string
		if err := c.rpcClient.CallContext(ctx, &name, "system_chain"); err != nil {
			c.logger.Warn("system_chain check failed", "error", err, "attempt", attempt)
			c.rpcClient.Close()
			c.rpcClient = nil
			lastErr = err
			continue
		}

		c.chainName = name
		c.connected = true
		c.logger.Info("connected to chain", "chain", name, "account", c.signer.Address().Hex())
		return nil
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.connected = false
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ChainName returns the name reported by system_chain at connect time.
func (c *Client) ChainName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainName
}

// Account returns the address calls are made from.
func (c *Client) Account() common.Address {
	return c.signer.Address()
}

func (c *Client) client() (*rpc.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.rpcClient == nil {
		return nil, ErrNotConnected
	}
	return c.rpcClient, nil
}

// Read performs a read-only contract query and returns the decoded JSON result
// untouched: maps, slices, json.Number, strings, bools or nil.
func (c *Client) Read(ctx context.Context, contract common.Address, message string, args map[string]any) (any, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req := ReadRequest{
		Origin:   c.signer.Address(),
		Contract: contract,
		Message:  message,
		Args:     args,
	}

	var raw json.RawMessage
	if err := client.CallContext(ctx, &raw, "contracts_read", req); err != nil {
		return nil, fmt.Errorf("read %s: %w", message, err)
	}
	return decodeRaw(raw)
}

// SystemAccount returns the raw system account record of the oracle account.
func (c *Client) SystemAccount(ctx context.Context) (any, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var raw json.RawMessage
	if err := client.CallContext(ctx, &raw, "system_account", c.signer.Address()); err != nil {
		return nil, fmt.Errorf("system account: %w", err)
	}
	return decodeRaw(raw)
}

// Exec signs and submits a call, then blocks until the node reports its
// inclusion or InclusionTimeout elapses. A receipt with Success == false is
// returned without error.
func (c *Client) Exec(ctx context.Context, call Call) (*Receipt, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}

	var nonce uint64
	if err := client.CallContext(ctx, &nonce, "system_accountNextIndex", c.signer.Address()); err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	payload, err := json.Marshal(CallPayload{
		Origin:   c.signer.Address(),
		Contract: call.Contract,
		Message:  call.Message,
		Args:     call.Args,
		Value:    call.Value,
		GasLimit: call.GasLimit,
		Nonce:    nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}

	sig, err := c.signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	var txHash common.Hash
	err = client.CallContext(ctx, &txHash, "contracts_submit", SubmitRequest{
		Payload:   payload,
		Signature: hexutil.Encode(sig),
	})
	if err != nil {
		return nil, submitError(call.Message, err)
	}
	if txHash == (common.Hash{}) {
		return nil, ErrEmptyTxHash
	}

	c.logger.Debug("call submitted", "message", call.Message, "tx", txHash.Hex(), "nonce", nonce)

	return c.waitForReceipt(ctx, client, txHash)
}

func (c *Client) waitForReceipt(ctx context.Context, client *rpc.Client, txHash common.Hash) (*Receipt, error) {
	timeout := c.cfg.InclusionTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().InclusionTimeout
	}
	interval := c.cfg.ReceiptPollInterval
	if interval <= 0 {
		interval = DefaultConfig().ReceiptPollInterval
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The call is already submitted, so a failed poll is retried until the
	// deadline rather than reported.
	var lastErr error
	for {
		var receipt *Receipt
		err := client.CallContext(ctx, &receipt, "contracts_receipt", txHash)
		switch {
		case err != nil:
			lastErr = err
			c.logger.Warn("receipt poll failed", "tx", txHash.Hex(), "error", err)
		case receipt != nil:
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %s after %s, last receipt error: %v", ErrInclusionTimeout, txHash.Hex(), timeout, lastErr)
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrInclusionTimeout, txHash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// submitError turns an application error from contracts_submit into a
// DispatchError. Transport and server failures are wrapped unchanged.
func submitError(message string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && isDispatchCode(rpcErr.ErrorCode()) {
		return fmt.Errorf("submit %s: %w", message, &DispatchError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()})
	}
	return fmt.Errorf("submit %s: %w", message, err)
}

// decodeRaw keeps integers as json.Number so balances above 2^53 survive.
func decodeRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}
