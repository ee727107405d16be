package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Engine.MinFee.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, cfg.Engine.MaxFee.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, int64(20), cfg.Engine.PendingWaitEpochs)
	assert.Equal(t, int64(5), cfg.Engine.WorkingWaitEpochs)
	assert.True(t, cfg.Engine.FeeIncreasePercent.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "exponential", cfg.Engine.FeeMode)
	assert.Equal(t, 100, cfg.Stats.FeeWindowEpochs)
	assert.Equal(t, 100, cfg.Stats.AgeWindowEpochs)
	assert.Equal(t, 30*time.Second, cfg.Epoch.Interval)
	assert.Equal(t, 10*time.Second, cfg.Epoch.SyncPoll)
	assert.Equal(t, "http://127.0.0.1:1234/rpc/v0", cfg.Lotus.APIURL)
	assert.Empty(t, cfg.Lotus.APIToken)
	assert.Empty(t, cfg.State.DataDir)
	assert.Equal(t, 8080, cfg.Server.HealthPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Log.File)
	assert.False(t, cfg.Tracing.Enabled)
	assert.False(t, cfg.Redis.EventStreamEnabled)
	assert.Empty(t, cfg.DB.URL)
	assert.Equal(t, dbStatementTimeoutDefaultMS, cfg.DB.StatementTimeoutMS)
	assert.Equal(t, 30*time.Minute, cfg.Alert.Cooldown)
	assert.Equal(t, 5*time.Minute, cfg.Alert.UnsyncedAfter)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MIN_FEE", "0.25")
	t.Setenv("MAX_FEE", "2")
	t.Setenv("PENDING_WAIT_EPOCHS", "10")
	t.Setenv("WORKING_WAIT_EPOCHS", "3")
	t.Setenv("FEE_INCREASE_PERCENT", "12.5")
	t.Setenv("FEE_MODE", "linear")
	t.Setenv("STATS_FEE_WINDOW_EPOCHS", "50")
	t.Setenv("DATA_DIR", "/var/lib/mpool-replace")
	t.Setenv("LOG_FILE", "/var/log/mpool-replace.log")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("EPOCH_INTERVAL", "4s")
	t.Setenv("LOTUS_API_URL", "http://lotus:1234/rpc/v1")
	t.Setenv("LOTUS_API_TOKEN", "secret")
	t.Setenv("LOTUS_RPC_RPS", "2.5")
	t.Setenv("HEALTH_PORT", "9090")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_SAMPLE_RATIO", "0.1")
	t.Setenv("EVENT_STREAM_ENABLED", "true")
	t.Setenv("EVENT_STREAM_MAXLEN", "500")
	t.Setenv("HISTORY_DB_URL", "postgres://u:p@db:5432/history")
	t.Setenv("ALERT_COOLDOWN", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Engine.MinFee.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, cfg.Engine.MaxFee.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, int64(10), cfg.Engine.PendingWaitEpochs)
	assert.Equal(t, int64(3), cfg.Engine.WorkingWaitEpochs)
	assert.True(t, cfg.Engine.FeeIncreasePercent.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, "linear", cfg.Engine.FeeMode)
	assert.Equal(t, 50, cfg.Stats.FeeWindowEpochs)
	assert.Equal(t, "/var/lib/mpool-replace", cfg.State.DataDir)
	assert.Equal(t, "/var/log/mpool-replace.log", cfg.Log.File)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 4*time.Second, cfg.Epoch.Interval)
	assert.Equal(t, "http://lotus:1234/rpc/v1", cfg.Lotus.APIURL)
	assert.Equal(t, "secret", cfg.Lotus.APIToken)
	assert.Equal(t, 2.5, cfg.Lotus.RPCRPS)
	assert.Equal(t, 9090, cfg.Server.HealthPort)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 0.1, cfg.Tracing.SampleRatio)
	assert.True(t, cfg.Redis.EventStreamEnabled)
	assert.Equal(t, int64(500), cfg.Redis.EventStreamMaxLen)
	assert.Equal(t, "postgres://u:p@db:5432/history", cfg.DB.URL)
	assert.Equal(t, time.Minute, cfg.Alert.Cooldown)
}

func TestLoad_InvalidEnvFallsBack(t *testing.T) {
	t.Setenv("MIN_FEE", "half")
	t.Setenv("PENDING_WAIT_EPOCHS", "twenty")
	t.Setenv("EPOCH_INTERVAL", "30")
	t.Setenv("TRACING_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Engine.MinFee.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(20), cfg.Engine.PendingWaitEpochs)
	assert.Equal(t, 30*time.Second, cfg.Epoch.Interval)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mpool-replace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  minFee: "0.3"
  maxFee: "3"
  pendingWaitEpochs: 40
  feeMode: linear
stats:
  ageWindowEpochs: 10
lotus:
  apiURL: http://file:1234/rpc/v0
  rpcTimeout: 5s
dataDir: /data
log:
  level: warn
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MIN_FEE", "0.9")
	t.Setenv("WORKING_WAIT_EPOCHS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Engine.MinFee.Equal(decimal.RequireFromString("0.3")), "file overrides env")
	assert.True(t, cfg.Engine.MaxFee.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int64(40), cfg.Engine.PendingWaitEpochs)
	assert.Equal(t, int64(7), cfg.Engine.WorkingWaitEpochs, "keys absent from the file keep the env value")
	assert.Equal(t, "linear", cfg.Engine.FeeMode)
	assert.Equal(t, 10, cfg.Stats.AgeWindowEpochs)
	assert.Equal(t, 100, cfg.Stats.FeeWindowEpochs)
	assert.Equal(t, "http://file:1234/rpc/v0", cfg.Lotus.APIURL)
	assert.Equal(t, 5*time.Second, cfg.Lotus.RPCTimeout)
	assert.Equal(t, "/data", cfg.State.DataDir)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_ConfigFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"bad yaml", "engine: [", "parse config file"},
		{"bad decimal", "engine:\n  maxFee: lots\n", "engine.maxFee"},
		{"bad duration", "lotus:\n  rpcTimeout: soon\n", "lotus.rpcTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cfg.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			t.Setenv("CONFIG_FILE", path)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config file")
	})
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"negative min fee", func(c *Config) { c.Engine.MinFee = decimal.NewFromInt(-1) }, "MIN_FEE"},
		{"max below min", func(c *Config) { c.Engine.MaxFee = decimal.RequireFromString("0.1") }, "MAX_FEE"},
		{"zero max fee", func(c *Config) {
			c.Engine.MinFee = decimal.Zero
			c.Engine.MaxFee = decimal.Zero
		}, "MAX_FEE must be positive"},
		{"negative percent", func(c *Config) { c.Engine.FeeIncreasePercent = decimal.NewFromInt(-5) }, "FEE_INCREASE_PERCENT"},
		{"negative pending wait", func(c *Config) { c.Engine.PendingWaitEpochs = -1 }, "PENDING_WAIT_EPOCHS"},
		{"negative working wait", func(c *Config) { c.Engine.WorkingWaitEpochs = -1 }, "WORKING_WAIT_EPOCHS"},
		{"zero fee window", func(c *Config) { c.Stats.FeeWindowEpochs = 0 }, "statistics windows"},
		{"zero epoch interval", func(c *Config) { c.Epoch.Interval = 0 }, "EPOCH_INTERVAL"},
		{"relative lotus url", func(c *Config) { c.Lotus.APIURL = "lotus/rpc" }, "LOTUS_API_URL"},
		{"health port", func(c *Config) { c.Server.HealthPort = 70000 }, "HEALTH_PORT"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "TRACING_SAMPLE_RATIO"},
		{"stream without redis", func(c *Config) {
			c.Redis.EventStreamEnabled = true
			c.Redis.URL = ""
		}, "REDIS_URL"},
		{"statement timeout", func(c *Config) { c.DB.StatementTimeoutMS = dbStatementTimeoutMaxMS + 1 }, "HISTORY_DB_STATEMENT_TIMEOUT_MS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_UnknownFeeModeAccepted(t *testing.T) {
	cfg := validConfig(t)
	cfg.Engine.FeeMode = "quadratic"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.Epoch.Interval = 0
	cfg.Server.HealthPort = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EPOCH_INTERVAL")
	assert.Contains(t, err.Error(), "HEALTH_PORT")
}

func TestGetEnvInt_InvalidValue(t *testing.T) {
	t.Setenv("TEST_INT", "notanumber")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 42))
}

func TestGetEnvInt_ValidValue(t *testing.T) {
	t.Setenv("TEST_INT", "100")
	assert.Equal(t, 100, getEnvInt("TEST_INT", 42))
}

func TestGetEnvDecimal(t *testing.T) {
	t.Setenv("TEST_DEC", " 0.125 ")
	assert.True(t, getEnvDecimal("TEST_DEC", decimal.Zero).Equal(decimal.RequireFromString("0.125")))
	t.Setenv("TEST_DEC", "")
	assert.True(t, getEnvDecimal("TEST_DEC", decimal.NewFromInt(3)).Equal(decimal.NewFromInt(3)))
}
