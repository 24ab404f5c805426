package gemledger_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gl "github.com/ineyio/gemledger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gemledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("GEM_REDIS", "localhost:6379")
	path := writeConfig(t, `
default_policy: deduct_after
features:
  - key: face-swap
    cost: 6
  - key: upscale-image
    policy: deduct_first
store:
  driver: redis
  redis_addr: ${GEM_REDIS}
status:
  timeout: 2s
reconcile:
  stale_after: 30m
`)

	cfg, err := gl.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "deduct_after", cfg.DefaultPolicy)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 2*time.Second, cfg.Status.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval, "defaults survive partial files")
	assert.Equal(t, gl.UsageLogMemory, cfg.UsageLog.Driver)

	costs := cfg.StaticCosts()
	assert.Equal(t, int64(6), costs[gl.FeatureFaceSwap])
	assert.Equal(t, int64(1), costs[gl.FeatureUpscale])
	assert.Equal(t, map[string]string{gl.FeatureUpscale: "deduct_first"}, cfg.PolicyOverrides())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := gl.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := gl.LoadConfig(writeConfig(t, "features: [unclosed"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*gl.Config)
		errMsg string
	}{
		{"default is valid", func(*gl.Config) {}, ""},
		{"bad policy", func(c *gl.Config) { c.DefaultPolicy = "deduct_never" }, "default_policy"},
		{"empty feature key", func(c *gl.Config) { c.Features = []gl.FeatureConfig{{Cost: 1}} }, "key is required"},
		{"duplicate feature", func(c *gl.Config) {
			c.Features = []gl.FeatureConfig{{Key: "a"}, {Key: "a"}}
		}, "duplicate"},
		{"negative cost", func(c *gl.Config) { c.Features = []gl.FeatureConfig{{Key: "a", Cost: -1}} }, "negative"},
		{"redis without addr", func(c *gl.Config) { c.Store.Driver = gl.DriverRedis }, "redis_addr"},
		{"postgres without dsn", func(c *gl.Config) { c.Store.Driver = gl.DriverPostgres }, "postgres_dsn"},
		{"rpc without url", func(c *gl.Config) { c.Store.Driver = gl.DriverRPC }, "rpc_url"},
		{"unknown driver", func(c *gl.Config) { c.Store.Driver = "etcd" }, "store.driver"},
		{"sqlite without path", func(c *gl.Config) { c.UsageLog.Driver = gl.UsageLogSQLite }, "usage_log.path"},
		{"zero status timeout", func(c *gl.Config) { c.Status.Timeout = 0 }, "status.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := gl.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
