// Package mqttdevice talks to a smart plug bridged onto MQTT. Requests are
// published to <topic>/rpc/request and answered on <topic>/rpc/response,
// correlated by request id.
package mqttdevice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/powergrid-oracle/internal/telemetry"
)

const (
	methodDeviceInfo   = "get_device_info"
	methodCurrentPower = "get_current_power"
	methodEnergyUsage  = "get_energy_usage"
	methodSetInfo      = "set_device_info"
)

var (
	ErrClosed         = errors.New("device client closed")
	ErrRequestTimeout = errors.New("device request timed out")
)

// RemoteError is an error answer from the plug.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("device error %d: %s", e.Code, e.Message)
}

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// Client is a telemetry.Device backed by an MQTT request/response bridge.
type Client struct {
	transport     Transport
	requestTopic  string
	responseTopic string
	timeout       time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[string]chan response
	closed  bool
	done    chan struct{}
}

// NewClient binds a client to topic over an already connected transport.
func NewClient(transport Transport, topic string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c := &Client{
		transport:     transport,
		requestTopic:  topic + "/rpc/request",
		responseTopic: topic + "/rpc/response",
		timeout:       timeout,
		logger:        logger.With("component", "mqttdevice", "topic", topic),
		pending:       make(map[string]chan response),
		done:          make(chan struct{}),
	}
	if err := transport.Subscribe(c.responseTopic, c.handleResponse); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.responseTopic, err)
	}
	return c, nil
}

// Dialer returns a telemetry.DialFunc that opens a broker connection per dial.
func Dialer(cfg Config, logger *slog.Logger) telemetry.DialFunc {
	return func(ctx context.Context) (telemetry.Device, error) {
		transport, err := DialPaho(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		client, err := NewClient(transport, cfg.Topic, cfg.RequestTimeout, logger)
		if err != nil {
			transport.Close()
			return nil, err
		}
		return client, nil
	}
}

func (c *Client) handleResponse(payload []byte) {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warn("discarding malformed response", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", "id", resp.ID)
		return
	}
	ch <- resp
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	if err := c.transport.Publish(c.requestTopic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s: %w", method, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w after %s", method, ErrRequestTimeout, c.timeout)
	case <-c.done:
		return fmt.Errorf("%s: %w", method, ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Info(ctx context.Context) (telemetry.DeviceInfo, error) {
	var info telemetry.DeviceInfo
	err := c.call(ctx, methodDeviceInfo, nil, &info)
	return info, err
}

func (c *Client) CurrentPower(ctx context.Context) (telemetry.CurrentPower, error) {
	var p telemetry.CurrentPower
	err := c.call(ctx, methodCurrentPower, nil, &p)
	return p, err
}

func (c *Client) EnergyUsage(ctx context.Context) (telemetry.EnergyUsage, error) {
	var u telemetry.EnergyUsage
	err := c.call(ctx, methodEnergyUsage, nil, &u)
	return u, err
}

func (c *Client) SetOn(ctx context.Context, on bool) error {
	return c.call(ctx, methodSetInfo, map[string]any{"device_on": on}, nil)
}

// Close fails outstanding requests with ErrClosed and releases the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.transport.Close()
	return nil
}
