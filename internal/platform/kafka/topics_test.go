package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBrokers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"localhost:9092", []string{"localhost:9092"}},
		{" a:9092, b:9092 ,", []string{"a:9092", "b:9092"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseBrokers(tt.in), tt.in)
	}
}

func TestNewClientRequiresBrokers(t *testing.T) {
	_, err := NewClient(" , ")
	assert.Error(t, err)
}

func TestDefaultTopicConfigs(t *testing.T) {
	cfgs := DefaultTopicConfigs()
	if assert.Len(t, cfgs, 1) {
		assert.Equal(t, TelemetryTopic, cfgs[0].Name)
		assert.Equal(t, "delete", cfgs[0].CleanupPolicy)
	}
}

func TestTopicSettings(t *testing.T) {
	cfg := TopicConfig{Name: "t", Retention: 7 * 24 * time.Hour, CleanupPolicy: "compact"}
	settings := cfg.settings()

	if assert.NotNil(t, settings["retention.ms"]) {
		assert.Equal(t, "604800000", *settings["retention.ms"])
	}
	if assert.NotNil(t, settings["cleanup.policy"]) {
		assert.Equal(t, "compact", *settings["cleanup.policy"])
	}
}
