package mqttdevice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback delivers published requests to a simulated plug which answers on
// the response topic.
type loopback struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	plug     func(req request) *response
	requests []request
	closed   bool
}

func newLoopback(plug func(req request) *response) *loopback {
	return &loopback{handlers: map[string]func([]byte){}, plug: plug}
}

func (l *loopback) Publish(topic string, payload []byte) error {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}

	l.mu.Lock()
	l.requests = append(l.requests, req)
	handler := l.handlers["plugs/test/rpc/response"]
	l.mu.Unlock()

	if topic != "plugs/test/rpc/request" {
		return errors.New("unexpected topic " + topic)
	}
	resp := l.plug(req)
	if resp == nil || handler == nil {
		return nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	go handler(out)
	return nil
}

func (l *loopback) Subscribe(topic string, handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[topic] = handler
	return nil
}

func (l *loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func result(t *testing.T, req request, v any) *response {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &response{ID: req.ID, Result: raw}
}

func newTestClient(t *testing.T, lb *loopback, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(lb, "plugs/test", timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestReads(t *testing.T) {
	lb := newLoopback(func(req request) *response {
		switch req.Method {
		case methodDeviceInfo:
			return result(t, req, map[string]any{
				"device_id": "8022A1", "model": "P110", "mac": "AA-BB-CC", "device_on": true, "rssi": -48,
			})
		case methodCurrentPower:
			return result(t, req, map[string]any{"current_power": 15300})
		case methodEnergyUsage:
			return result(t, req, map[string]any{
				"today_energy": 100, "today_runtime": 35, "month_energy": 4100, "month_runtime": 1200,
				"local_time": "2026-03-01T12:00:00Z",
			})
		}
		return &response{ID: req.ID, Error: &RemoteError{Code: -1, Message: "unknown method"}}
	})
	c := newTestClient(t, lb, time.Second)
	ctx := context.Background()

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "P110", info.Model)
	assert.True(t, info.DeviceOn)
	assert.Equal(t, -48, info.RSSI)

	power, err := c.CurrentPower(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(15300), power.Milliwatts)

	usage, err := c.EnergyUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), usage.TodayEnergyWh)
	assert.Equal(t, uint32(1200), usage.MonthRuntimeMin)

	ids := map[string]bool{}
	for _, req := range lb.requests {
		assert.NotEmpty(t, req.ID)
		ids[req.ID] = true
	}
	assert.Len(t, ids, 3)
}

func TestSetOn(t *testing.T) {
	var params map[string]any
	lb := newLoopback(func(req request) *response {
		raw, _ := json.Marshal(req.Params)
		_ = json.Unmarshal(raw, &params)
		return &response{ID: req.ID}
	})
	c := newTestClient(t, lb, time.Second)

	require.NoError(t, c.SetOn(context.Background(), false))
	assert.Equal(t, map[string]any{"device_on": false}, params)
	assert.Equal(t, methodSetInfo, lb.requests[0].Method)
}

func TestRemoteError(t *testing.T) {
	lb := newLoopback(func(req request) *response {
		return &response{ID: req.ID, Error: &RemoteError{Code: -1501, Message: "invalid credentials"}}
	})
	c := newTestClient(t, lb, time.Second)

	_, err := c.Info(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, -1501, remote.Code)
}

func TestRequestTimeout(t *testing.T) {
	lb := newLoopback(func(request) *response { return nil })
	c := newTestClient(t, lb, 20*time.Millisecond)

	_, err := c.CurrentPower(context.Background())
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Empty(t, c.pending)
}

func TestCancelledContext(t *testing.T) {
	lb := newLoopback(func(request) *response { return nil })
	c := newTestClient(t, lb, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.EnergyUsage(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnknownResponseIgnored(t *testing.T) {
	lb := newLoopback(func(req request) *response {
		return &response{ID: "someone-else", Result: json.RawMessage(`{}`)}
	})
	c := newTestClient(t, lb, 20*time.Millisecond)

	_, err := c.Info(context.Background())
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestClose(t *testing.T) {
	lb := newLoopback(func(req request) *response { return &response{ID: req.ID} })
	c := newTestClient(t, lb, time.Second)

	require.NoError(t, c.Close())
	assert.True(t, lb.closed)
	require.NoError(t, c.Close())

	_, err := c.Info(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseFailsInFlightRequest(t *testing.T) {
	published := make(chan struct{})
	lb := newLoopback(func(request) *response {
		close(published)
		return nil
	})
	c := newTestClient(t, lb, time.Minute)

	errc := make(chan error, 1)
	go func() {
		_, err := c.CurrentPower(context.Background())
		errc <- err
	}()

	<-published
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("request still waiting after Close")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}
