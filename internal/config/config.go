// Package config builds the oracle's explicit configuration object from
// defaults, an optional YAML file, a .env file and the process environment.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/marko911/powergrid-oracle/internal/ledger"
)

// DefaultStakeWei is 2 tokens at 18 decimals.
const DefaultStakeWei = "2000000000000000000"

// Config holds every setting the oracle binaries need. It is constructed once
// and handed to each component.
type Config struct {
	Device    DeviceConfig          `yaml:"device"`
	Chain     ChainConfig           `yaml:"chain"`
	Contracts ContractConfig        `yaml:"contracts"`
	Oracle    OracleConfig          `yaml:"oracle"`
	Metadata  ledger.DeviceMetadata `yaml:"metadata"`
	Log       LogConfig             `yaml:"log"`
	Relay     RelayConfig           `yaml:"relay"`
	Status    StatusConfig          `yaml:"status"`
	Metrics   MetricsConfig         `yaml:"metrics"`

	// populated by Validate
	stake    *big.Int
	ownerKey *ecdsa.PrivateKey

	// env values that could not be parsed, reported by Validate
	envErrs []string
}

// DeviceConfig describes how to reach the smart plug.
type DeviceConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	IP       string `yaml:"ip"`

	// BrokerURL defaults to tcp://<IP>:1883
	BrokerURL string `yaml:"broker_url"`

	// Topic defaults to plugs/<IP>
	Topic string `yaml:"topic"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ChainConfig holds the chain RPC and signing settings.
type ChainConfig struct {
	RPCURL   string `yaml:"rpc_url"`
	OwnerKey string `yaml:"owner_key"`

	// ABIDir overrides the embedded contract interface files.
	ABIDir string `yaml:"abi_dir"`

	Timeout          time.Duration `yaml:"timeout"`
	InclusionTimeout time.Duration `yaml:"inclusion_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryInterval    time.Duration `yaml:"retry_interval"`

	// StrictDecoding disables the string-pattern fallback when decoding
	// contract read results.
	StrictDecoding bool `yaml:"strict_decoding"`
}

// ContractConfig holds the deployed contract addresses.
type ContractConfig struct {
	Token       string `yaml:"token"`
	Registry    string `yaml:"registry"`
	GridService string `yaml:"grid_service"`
	Governance  string `yaml:"governance"`
}

// OracleConfig holds loop settings.
type OracleConfig struct {
	Interval    time.Duration `yaml:"interval"`
	StakeAmount string        `yaml:"stake_amount"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxBackups int    `yaml:"max_backups"`
}

// RelayConfig enables optional telemetry fan-out. Empty values disable a sink.
type RelayConfig struct {
	NATSURL      string   `yaml:"nats_url"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
}

// StatusConfig enables the optional Redis heartbeat.
type StatusConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	TTL           time.Duration `yaml:"ttl"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			RequestTimeout: 10 * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:           "ws://127.0.0.1:9944",
			Timeout:          30 * time.Second,
			InclusionTimeout: 60 * time.Second,
			MaxRetries:       3,
			RetryInterval:    5 * time.Second,
		},
		Oracle: OracleConfig{
			Interval:    30 * time.Second,
			StakeAmount: DefaultStakeWei,
		},
		Metadata: ledger.DeviceMetadata{
			DeviceType:       "SmartPlug",
			CapacityWatts:    2000,
			Location:         "Delhi, India",
			Manufacturer:     "TP-Link",
			Model:            "Tapo P110",
			FirmwareVersion:  "1.1.3",
			InstallationDate: 1640995200000,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			File:       "logs/oracle.log",
			MaxBackups: 5,
		},
		Status: StatusConfig{
			TTL: 5 * time.Minute,
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (optional),
// a .env file in the working directory (optional) and the environment.
// It does not validate; call Validate before starting components.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// a missing .env is not an error
	_ = godotenv.Load()

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Device.Email, "DEVICE_EMAIL")
	setString(&c.Device.Password, "DEVICE_PASSWORD")
	setString(&c.Device.IP, "DEVICE_IP")
	setString(&c.Device.BrokerURL, "DEVICE_BROKER_URL")
	setString(&c.Device.Topic, "DEVICE_TOPIC")
	c.setDuration(&c.Device.RequestTimeout, "DEVICE_REQUEST_TIMEOUT")

	setString(&c.Chain.RPCURL, "CHAIN_RPC_URL")
	setString(&c.Chain.OwnerKey, "DEVICE_OWNER_KEY")
	setString(&c.Chain.ABIDir, "ABI_DIR")
	c.setDuration(&c.Chain.InclusionTimeout, "CHAIN_INCLUSION_TIMEOUT")
	c.setBool(&c.Chain.StrictDecoding, "STRICT_DECODING")

	setString(&c.Contracts.Token, "TOKEN_CONTRACT_ADDRESS")
	setString(&c.Contracts.Registry, "REGISTRY_CONTRACT_ADDRESS")
	setString(&c.Contracts.GridService, "GRID_SERVICE_CONTRACT_ADDRESS")
	setString(&c.Contracts.Governance, "GOVERNANCE_CONTRACT_ADDRESS")

	if v := os.Getenv("MONITORING_INTERVAL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			c.envErrs = append(c.envErrs, fmt.Sprintf("MONITORING_INTERVAL_SECONDS: %v", err))
		} else {
			c.Oracle.Interval = time.Duration(secs) * time.Second
		}
	}
	setString(&c.Oracle.StakeAmount, "STAKE_AMOUNT")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Log.File, "LOG_FILE")
	c.setInt(&c.Log.MaxBackups, "LOG_MAX_BACKUPS")

	setString(&c.Relay.NATSURL, "NATS_URL")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Relay.KafkaBrokers = splitList(v)
	}

	setString(&c.Status.RedisAddr, "REDIS_ADDR")
	setString(&c.Status.RedisPassword, "REDIS_PASSWORD")
	c.setDuration(&c.Status.TTL, "STATUS_TTL")

	setString(&c.Metrics.Addr, "METRICS_ADDR")
}

// Validate checks required settings and parses derived values. It returns a
// *ConfigError describing every problem found.
func (c *Config) Validate() error {
	cerr := &ConfigError{}
	cerr.Invalid = append(cerr.Invalid, c.envErrs...)

	required := []struct {
		key   string
		value string
	}{
		{"DEVICE_EMAIL", c.Device.Email},
		{"DEVICE_PASSWORD", c.Device.Password},
		{"DEVICE_IP", c.Device.IP},
		{"REGISTRY_CONTRACT_ADDRESS", c.Contracts.Registry},
		{"GRID_SERVICE_CONTRACT_ADDRESS", c.Contracts.GridService},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			cerr.Missing = append(cerr.Missing, r.key)
		}
	}

	addrs := []struct {
		key   string
		value string
	}{
		{"TOKEN_CONTRACT_ADDRESS", c.Contracts.Token},
		{"REGISTRY_CONTRACT_ADDRESS", c.Contracts.Registry},
		{"GRID_SERVICE_CONTRACT_ADDRESS", c.Contracts.GridService},
		{"GOVERNANCE_CONTRACT_ADDRESS", c.Contracts.Governance},
	}
	for _, a := range addrs {
		if a.value != "" && !common.IsHexAddress(a.value) {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("%s: not a hex address: %q", a.key, a.value))
		}
	}

	if c.Oracle.Interval <= 0 {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("MONITORING_INTERVAL_SECONDS: must be positive, got %s", c.Oracle.Interval))
	}

	stake, ok := new(big.Int).SetString(strings.TrimSpace(c.Oracle.StakeAmount), 10)
	if !ok || stake.Sign() < 0 {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("STAKE_AMOUNT: not a non-negative integer: %q", c.Oracle.StakeAmount))
	} else {
		c.stake = stake
	}

	if c.Chain.OwnerKey == "" {
		c.ownerKey = DevOwnerKey()
	} else {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Chain.OwnerKey, "0x"))
		if err != nil {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("DEVICE_OWNER_KEY: %v", err))
		} else {
			c.ownerKey = key
		}
	}

	if c.Device.BrokerURL == "" && c.Device.IP != "" {
		c.Device.BrokerURL = fmt.Sprintf("tcp://%s:1883", c.Device.IP)
	}
	if c.Device.Topic == "" && c.Device.IP != "" {
		c.Device.Topic = "plugs/" + c.Device.IP
	}

	if len(cerr.Missing) > 0 || len(cerr.Invalid) > 0 {
		return cerr
	}
	return nil
}

// StakeWei returns the registration stake. Valid after Validate.
func (c *Config) StakeWei() *big.Int {
	if c.stake == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.stake)
}

// OwnerKey returns the signing key of the device owner. Valid after Validate.
func (c *Config) OwnerKey() *ecdsa.PrivateKey {
	return c.ownerKey
}

// UsingDevKey reports whether no owner key was configured.
func (c *Config) UsingDevKey() bool {
	return c.Chain.OwnerKey == ""
}

// Addresses converts the configured contract addresses for the ledger.
func (c ContractConfig) Addresses() ledger.ContractAddresses {
	out := ledger.ContractAddresses{
		Token:       common.HexToAddress(c.Token),
		Registry:    common.HexToAddress(c.Registry),
		GridService: common.HexToAddress(c.GridService),
	}
	if c.Governance != "" {
		gov := common.HexToAddress(c.Governance)
		out.Governance = &gov
	}
	return out
}

// DevOwnerKey returns the deterministic development key derived from the
// well-known "//Alice" URI.
func DevOwnerKey() *ecdsa.PrivateKey {
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte("//Alice")))
	if err != nil {
		panic(fmt.Sprintf("derive dev key: %v", err))
	}
	return key
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = d
}

func (c *Config) setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = n
}

func (c *Config) setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = b
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
