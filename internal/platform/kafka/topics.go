// Package kafka provides Kafka/Redpanda client and topic utilities for the
// telemetry relay.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TelemetryTopic carries snapshots and participation outcomes.
const TelemetryTopic = "oracle-telemetry"

// TopicConfig describes a topic the oracle creates when it is missing.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
	CleanupPolicy     string
}

func (c TopicConfig) settings() map[string]*string {
	retention := strconv.FormatInt(c.Retention.Milliseconds(), 10)
	policy := c.CleanupPolicy
	return map[string]*string{
		"retention.ms":   &retention,
		"cleanup.policy": &policy,
	}
}

// DefaultTopicConfigs returns the topics the oracle publishes to. Records are
// keyed by device, so ordering holds per device across partitions.
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{
			Name:              TelemetryTopic,
			Partitions:        3,
			ReplicationFactor: 1,
			Retention:         7 * 24 * time.Hour,
			CleanupPolicy:     "delete",
		},
	}
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// NewClient creates a franz-go client for the given brokers. Extra options
// are appended after the seed brokers.
func NewClient(brokers string, opts ...kgo.Opt) (*kgo.Client, error) {
	list := ParseBrokers(brokers)
	if len(list) == 0 {
		return nil, fmt.Errorf("no kafka brokers in %q", brokers)
	}

	client, err := kgo.NewClient(append([]kgo.Opt{kgo.SeedBrokers(list...)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// TopicManager creates and checks topics over an existing client.
type TopicManager struct {
	admin *kadm.Client
}

// NewTopicManager wraps client with an admin client. The manager never closes
// client.
func NewTopicManager(client *kgo.Client) *TopicManager {
	return &TopicManager{admin: kadm.NewClient(client)}
}

// EnsureTopics creates every missing topic in configs.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if err := m.CreateTopic(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// CreateTopic creates one topic. A topic created concurrently by another
// oracle counts as success.
func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopic(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.settings(), cfg.Name)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Name, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", cfg.Name, resp.Err)
	}
	return nil
}

// WaitForTopic polls until topic has leaders for its partitions or timeout
// elapses.
func (m *TopicManager) WaitForTopic(ctx context.Context, topic string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		topics, err := m.admin.ListTopics(ctx, topic)
		if err == nil && topics.Has(topic) && topics[topic].Err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("topic %s not ready after %s: %w", topic, timeout, ctx.Err())
		case <-tick.C:
		}
	}
}
