package gemledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverRPC      = "rpc"
)

// Usage log drivers.
const (
	UsageLogSQLite = "sqlite"
	UsageLogMemory = "memory"
	UsageLogNone   = "none"
)

// Config is the top-level ledger configuration.
type Config struct {
	DefaultPolicy string          `yaml:"default_policy"`
	Features      []FeatureConfig `yaml:"features"`
	Store         StoreConfig     `yaml:"store"`
	Status        StatusConfig    `yaml:"status"`
	Refresh       Backoff         `yaml:"refresh"`
	UsageLog      UsageLogConfig  `yaml:"usage_log"`
	Server        ServerConfig    `yaml:"server"`
	Reconcile     ReconcileConfig `yaml:"reconcile"`
}

// FeatureConfig overrides the static cost and spend policy of a feature.
type FeatureConfig struct {
	Key    string `yaml:"key"`
	Cost   int64  `yaml:"cost"`
	Policy string `yaml:"policy"`
}

// StoreConfig selects and configures the balance store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	RedisAddr   string `yaml:"redis_addr"`
	KeyPrefix   string `yaml:"key_prefix"`
	PostgresDSN string `yaml:"postgres_dsn"`
	TablePrefix string `yaml:"table_prefix"`
	RPCURL      string `yaml:"rpc_url"`
	RPCToken    string `yaml:"rpc_token"`
	AdminKey    string `yaml:"admin_key"` // hex secp256k1 private key for signed admin calls
}

// StatusConfig bounds account status checks.
type StatusConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Backoff Backoff       `yaml:"backoff"`
}

// UsageLogConfig selects the usage log sink.
type UsageLogConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// ServerConfig configures the RPC server.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	JWTSecret   string `yaml:"jwt_secret"`
	AdminPubKey string `yaml:"admin_pubkey"` // hex compressed secp256k1 public key
}

// ReconcileConfig configures the pending-spend sweep.
type ReconcileConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	Interval   time.Duration `yaml:"interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPolicy: "deduct_first",
		Store:         StoreConfig{Driver: DriverMemory},
		Status: StatusConfig{
			Timeout: DefaultStatusTimeout,
			Backoff: DefaultBackoff(),
		},
		Refresh:  DefaultBackoff(),
		UsageLog: UsageLogConfig{Driver: UsageLogMemory},
		Server:   ServerConfig{Listen: ":8080"},
		Reconcile: ReconcileConfig{
			StaleAfter: 15 * time.Minute,
			Interval:   time.Minute,
		},
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("gemledger: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("gemledger: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if _, err := ParsePolicy(c.DefaultPolicy); err != nil {
		return fmt.Errorf("gemledger: config: default_policy: %w", err)
	}

	keys := make(map[string]bool, len(c.Features))
	for i, f := range c.Features {
		if f.Key == "" {
			return fmt.Errorf("gemledger: config: features[%d]: key is required", i)
		}
		if keys[f.Key] {
			return fmt.Errorf("gemledger: config: duplicate feature key %q", f.Key)
		}
		keys[f.Key] = true

		if f.Cost < 0 {
			return fmt.Errorf("gemledger: config: features[%d] (%s): cost must not be negative", i, f.Key)
		}
		if _, err := ParsePolicy(f.Policy); err != nil {
			return fmt.Errorf("gemledger: config: features[%d] (%s): %w", i, f.Key, err)
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("gemledger: config: store.redis_addr is required for driver %q", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("gemledger: config: store.postgres_dsn is required for driver %q", c.Store.Driver)
		}
	case DriverRPC:
		if c.Store.RPCURL == "" {
			return fmt.Errorf("gemledger: config: store.rpc_url is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("gemledger: config: invalid store.driver %q", c.Store.Driver)
	}

	switch c.UsageLog.Driver {
	case UsageLogMemory, UsageLogNone:
	case UsageLogSQLite:
		if c.UsageLog.Path == "" {
			return fmt.Errorf("gemledger: config: usage_log.path is required for driver %q", c.UsageLog.Driver)
		}
	default:
		return fmt.Errorf("gemledger: config: invalid usage_log.driver %q", c.UsageLog.Driver)
	}

	if c.Status.Timeout <= 0 {
		return fmt.Errorf("gemledger: config: status.timeout must be positive")
	}

	return nil
}
