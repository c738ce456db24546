package mqttdevice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	DefaultRequestTimeout = 10 * time.Second

	qos            = 1
	connectTimeout = 15 * time.Second
	disconnectWait = 250 // milliseconds
)

// Config describes the broker and topic of one plug.
type Config struct {
	BrokerURL      string
	Topic          string
	Username       string
	Password       string
	ClientID       string
	RequestTimeout time.Duration
}

// Transport is the publish/subscribe surface the client needs.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
	Close()
}

type pahoTransport struct {
	client mqtt.Client
}

// DialPaho connects to the broker in cfg.
func DialPaho(ctx context.Context, cfg Config, logger *slog.Logger) (Transport, error) {
	logger = logger.With("component", "mqtt", "broker", cfg.BrokerURL)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "powergrid-oracle-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	if err := awaitConnect(ctx, client, client.Connect()); err != nil {
		return nil, err
	}
	return &pahoTransport{client: client}, nil
}

// awaitConnect waits for token. A cancelled ctx stops the connection attempt
// so the client does not keep retrying in the background.
func awaitConnect(ctx context.Context, client mqtt.Client, token mqtt.Token) error {
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(disconnectWait)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}
	return nil
}

func (t *pahoTransport) Publish(topic string, payload []byte) error {
	token := t.client.Publish(topic, qos, false, payload)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (t *pahoTransport) Subscribe(topic string, handler func(payload []byte)) error {
	token := t.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (t *pahoTransport) Close() {
	t.client.Disconnect(disconnectWait)
}
