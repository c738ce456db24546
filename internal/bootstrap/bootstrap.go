// Package bootstrap builds the oracle's components from a validated
// configuration. It is shared by the oracle daemon and gridctl.
package bootstrap

import (
	"context"
	"log/slog"
	"strings"

	"github.com/marko911/powergrid-oracle/internal/chain"
	"github.com/marko911/powergrid-oracle/internal/config"
	"github.com/marko911/powergrid-oracle/internal/ledger"
	"github.com/marko911/powergrid-oracle/internal/relay"
	"github.com/marko911/powergrid-oracle/internal/status"
	"github.com/marko911/powergrid-oracle/internal/telemetry"
	"github.com/marko911/powergrid-oracle/internal/telemetry/mqttdevice"
)

// ChainConfig maps the chain settings onto the client configuration.
func ChainConfig(cfg *config.Config) chain.Config {
	cc := chain.DefaultConfig()
	cc.URL = cfg.Chain.RPCURL
	if cfg.Chain.Timeout > 0 {
		cc.Timeout = cfg.Chain.Timeout
	}
	if cfg.Chain.InclusionTimeout > 0 {
		cc.InclusionTimeout = cfg.Chain.InclusionTimeout
	}
	if cfg.Chain.MaxRetries > 0 {
		cc.MaxRetries = cfg.Chain.MaxRetries
	}
	if cfg.Chain.RetryInterval > 0 {
		cc.RetryInterval = cfg.Chain.RetryInterval
	}
	return cc
}

// Ledger returns an unconnected ledger adapter and the chain client behind it.
func Ledger(cfg *config.Config, logger *slog.Logger) (*ledger.Ledger, *chain.Client) {
	signer := chain.NewSigner(cfg.OwnerKey())
	client := chain.NewClient(ChainConfig(cfg), signer, logger)
	led := ledger.New(client, ledger.Options{
		ABIDir:         cfg.Chain.ABIDir,
		StrictDecoding: cfg.Chain.StrictDecoding,
	}, logger)
	return led, client
}

// Monitor returns a telemetry monitor for the configured plug.
func Monitor(cfg *config.Config, logger *slog.Logger) *telemetry.Monitor {
	dial := mqttdevice.Dialer(mqttdevice.Config{
		BrokerURL:      cfg.Device.BrokerURL,
		Topic:          cfg.Device.Topic,
		Username:       cfg.Device.Email,
		Password:       cfg.Device.Password,
		RequestTimeout: cfg.Device.RequestTimeout,
	}, logger)
	return telemetry.NewMonitor(cfg.Device.IP, dial, logger)
}

// Relay connects every configured relay sink. Sinks that fail to connect are
// logged and left out; nil means relaying is off.
func Relay(ctx context.Context, cfg *config.Config, logger *slog.Logger) relay.Sink {
	var sinks relay.Multi

	if cfg.Relay.NATSURL != "" {
		sink, err := relay.NewNATSSink(ctx, cfg.Relay.NATSURL, logger)
		if err != nil {
			logger.Warn("nats relay disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}

	if len(cfg.Relay.KafkaBrokers) > 0 {
		sink, err := relay.NewKafkaSink(ctx, strings.Join(cfg.Relay.KafkaBrokers, ","), logger)
		if err != nil {
			logger.Warn("kafka relay disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}

	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

// Status connects the Redis heartbeat store, or returns nil when it is not
// configured.
func Status(ctx context.Context, cfg *config.Config) (*status.RedisStore, error) {
	if cfg.Status.RedisAddr == "" {
		return nil, nil
	}
	return status.NewRedisStore(ctx, status.RedisConfig{
		Addr:     cfg.Status.RedisAddr,
		Password: cfg.Status.RedisPassword,
		TTL:      cfg.Status.TTL,
	})
}
