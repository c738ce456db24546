// Package status publishes the oracle loop's run state to Redis so operators
// can inspect a running oracle.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultKey = "oracle:status"
	DefaultTTL = 5 * time.Minute
)

// ErrNoHeartbeat means no oracle has reported within the TTL.
var ErrNoHeartbeat = errors.New("no oracle heartbeat")

// Heartbeat is the run state of one oracle process.
type Heartbeat struct {
	RunID          string
	State          string
	Account        string
	Device         string
	Iteration      uint64
	Registered     bool
	DeviceOnline   bool
	LastSnapshotAt time.Time
	TodayEnergyWh  uint64
	PowerWatts     float64
	ActiveEvents   int
	Participations uint64
	TokenBalance   string
	LastError      string
	UpdatedAt      time.Time
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	Key string
	TTL time.Duration
}

type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.Key, cfg.TTL), nil
}

func NewRedisStoreWithClient(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

// Put replaces the heartbeat and refreshes its TTL.
func (s *RedisStore) Put(ctx context.Context, hb Heartbeat) error {
	fields := map[string]any{
		"run_id":          hb.RunID,
		"state":           hb.State,
		"account":         hb.Account,
		"device":          hb.Device,
		"iteration":       hb.Iteration,
		"registered":      strconv.FormatBool(hb.Registered),
		"device_online":   strconv.FormatBool(hb.DeviceOnline),
		"last_snapshot":   formatTime(hb.LastSnapshotAt),
		"today_energy_wh": hb.TodayEnergyWh,
		"power_watts":     strconv.FormatFloat(hb.PowerWatts, 'f', 3, 64),
		"active_events":   hb.ActiveEvents,
		"participations":  hb.Participations,
		"token_balance":   hb.TokenBalance,
		"last_error":      hb.LastError,
		"updated_at":      formatTime(hb.UpdatedAt),
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	pipe.HSet(ctx, s.key, fields)
	pipe.Expire(ctx, s.key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// Get returns the last heartbeat, or ErrNoHeartbeat when it has expired.
func (s *RedisStore) Get(ctx context.Context) (Heartbeat, error) {
	vals, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Heartbeat{}, fmt.Errorf("read heartbeat: %w", err)
	}
	if len(vals) == 0 {
		return Heartbeat{}, ErrNoHeartbeat
	}

	hb := Heartbeat{
		RunID:        vals["run_id"],
		State:        vals["state"],
		Account:      vals["account"],
		Device:       vals["device"],
		TokenBalance: vals["token_balance"],
		LastError:    vals["last_error"],
	}
	hb.Iteration, _ = strconv.ParseUint(vals["iteration"], 10, 64)
	hb.Registered, _ = strconv.ParseBool(vals["registered"])
	hb.DeviceOnline, _ = strconv.ParseBool(vals["device_online"])
	hb.LastSnapshotAt = parseTime(vals["last_snapshot"])
	hb.TodayEnergyWh, _ = strconv.ParseUint(vals["today_energy_wh"], 10, 64)
	hb.PowerWatts, _ = strconv.ParseFloat(vals["power_watts"], 64)
	hb.ActiveEvents, _ = strconv.Atoi(vals["active_events"])
	hb.Participations, _ = strconv.ParseUint(vals["participations"], 10, 64)
	hb.UpdatedAt = parseTime(vals["updated_at"])
	return hb, nil
}

// TTL reports the remaining lifetime of the heartbeat.
func (s *RedisStore) TTL(ctx context.Context) (time.Duration, error) {
	return s.client.TTL(ctx, s.key).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
