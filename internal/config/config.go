package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine  EngineConfig
	Stats   StatsConfig
	Epoch   EpochConfig
	Lotus   LotusConfig
	State   StateConfig
	Server  ServerConfig
	Log     LogConfig
	Tracing TracingConfig
	Redis   RedisConfig
	DB      DBConfig
	Alert   AlertConfig
}

// EngineConfig holds the fee escalation parameters. Fees are in FIL.
type EngineConfig struct {
	MinFee             decimal.Decimal
	MaxFee             decimal.Decimal
	PendingWaitEpochs  int64
	WorkingWaitEpochs  int64
	FeeIncreasePercent decimal.Decimal
	FeeMode            string
}

type StatsConfig struct {
	FeeWindowEpochs int
	AgeWindowEpochs int
}

type EpochConfig struct {
	Interval     time.Duration
	SyncPoll     time.Duration
	CalibrateMax time.Duration
}

type LotusConfig struct {
	APIURL     string
	APIToken   string
	RPCTimeout time.Duration
	RPCRPS     float64
	RPCBurst   int
}

type StateConfig struct {
	// DataDir holds the state file. Empty keeps state in memory only.
	DataDir string
}

type ServerConfig struct {
	HealthPort int
}

type LogConfig struct {
	Level string
	File  string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type RedisConfig struct {
	URL                string
	EventStreamEnabled bool
	EventStreamKey     string
	EventStreamMaxLen  int64
}

type DBConfig struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	StatementTimeoutMS int
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
	UnsyncedAfter   time.Duration
}

const (
	dbStatementTimeoutDefaultMS = 30000
	dbStatementTimeoutMaxMS     = 10 * 60 * 1000
)

// Load builds the configuration from the environment, then applies the YAML
// file named by CONFIG_FILE if set. The result is not validated; callers
// apply command-line overrides first and then call Validate.
func Load() (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			MinFee:             getEnvDecimal("MIN_FEE", decimal.RequireFromString("0.5")),
			MaxFee:             getEnvDecimal("MAX_FEE", decimal.RequireFromString("1.5")),
			PendingWaitEpochs:  getEnvInt64("PENDING_WAIT_EPOCHS", 20),
			WorkingWaitEpochs:  getEnvInt64("WORKING_WAIT_EPOCHS", 5),
			FeeIncreasePercent: getEnvDecimal("FEE_INCREASE_PERCENT", decimal.NewFromInt(20)),
			FeeMode:            getEnv("FEE_MODE", "exponential"),
		},
		Stats: StatsConfig{
			FeeWindowEpochs: getEnvInt("STATS_FEE_WINDOW_EPOCHS", 100),
			AgeWindowEpochs: getEnvInt("STATS_AGE_WINDOW_EPOCHS", 100),
		},
		Epoch: EpochConfig{
			Interval:     getEnvDuration("EPOCH_INTERVAL", 30*time.Second),
			SyncPoll:     getEnvDuration("SYNC_POLL_INTERVAL", 10*time.Second),
			CalibrateMax: getEnvDuration("CALIBRATE_MAX_BACKOFF", 2*time.Minute),
		},
		Lotus: LotusConfig{
			APIURL:     getEnv("LOTUS_API_URL", "http://127.0.0.1:1234/rpc/v0"),
			APIToken:   getEnv("LOTUS_API_TOKEN", ""),
			RPCTimeout: getEnvDuration("LOTUS_RPC_TIMEOUT", 30*time.Second),
			RPCRPS:     getEnvFloat("LOTUS_RPC_RPS", 20),
			RPCBurst:   getEnvInt("LOTUS_RPC_BURST", 40),
		},
		State: StateConfig{
			DataDir: getEnv("DATA_DIR", ""),
		},
		Server: ServerConfig{
			HealthPort: getEnvInt("HEALTH_PORT", 8080),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Redis: RedisConfig{
			URL:                getEnv("REDIS_URL", "redis://localhost:6379"),
			EventStreamEnabled: getEnvBool("EVENT_STREAM_ENABLED", false),
			EventStreamKey:     getEnv("EVENT_STREAM_KEY", "mpool-replace:events"),
			EventStreamMaxLen:  getEnvInt64("EVENT_STREAM_MAXLEN", 10000),
		},
		DB: DBConfig{
			URL:                getEnv("HISTORY_DB_URL", ""),
			MaxOpenConns:       getEnvInt("HISTORY_DB_MAX_OPEN_CONNS", 5),
			MaxIdleConns:       getEnvInt("HISTORY_DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:    getEnvDuration("HISTORY_DB_CONN_MAX_LIFETIME", 30*time.Minute),
			StatementTimeoutMS: getEnvInt("HISTORY_DB_STATEMENT_TIMEOUT_MS", dbStatementTimeoutDefaultMS),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        getEnvDuration("ALERT_COOLDOWN", 30*time.Minute),
			UnsyncedAfter:   getEnvDuration("UNSYNCED_ALERT_AFTER", 5*time.Minute),
		},
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Validate checks option ranges. An unrecognized fee mode is not an error
// here: the daemon starts with escalation disabled and raises an alert.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MinFee.IsNegative() {
		errs = append(errs, fmt.Errorf("MIN_FEE must not be negative, got %s", c.Engine.MinFee))
	}
	if !c.Engine.MaxFee.IsPositive() {
		errs = append(errs, fmt.Errorf("MAX_FEE must be positive, got %s", c.Engine.MaxFee))
	}
	if c.Engine.MaxFee.LessThan(c.Engine.MinFee) {
		errs = append(errs, fmt.Errorf("MAX_FEE (%s) must be >= MIN_FEE (%s)", c.Engine.MaxFee, c.Engine.MinFee))
	}
	if c.Engine.FeeIncreasePercent.IsNegative() {
		errs = append(errs, fmt.Errorf("FEE_INCREASE_PERCENT must not be negative, got %s", c.Engine.FeeIncreasePercent))
	}
	if c.Engine.PendingWaitEpochs < 0 {
		errs = append(errs, fmt.Errorf("PENDING_WAIT_EPOCHS must not be negative, got %d", c.Engine.PendingWaitEpochs))
	}
	if c.Engine.WorkingWaitEpochs < 0 {
		errs = append(errs, fmt.Errorf("WORKING_WAIT_EPOCHS must not be negative, got %d", c.Engine.WorkingWaitEpochs))
	}
	if c.Stats.FeeWindowEpochs <= 0 || c.Stats.AgeWindowEpochs <= 0 {
		errs = append(errs, fmt.Errorf("statistics windows must be positive, got fee=%d age=%d", c.Stats.FeeWindowEpochs, c.Stats.AgeWindowEpochs))
	}
	if c.Epoch.Interval <= 0 {
		errs = append(errs, fmt.Errorf("EPOCH_INTERVAL must be positive, got %s", c.Epoch.Interval))
	}
	if c.Epoch.SyncPoll <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_POLL_INTERVAL must be positive, got %s", c.Epoch.SyncPoll))
	}
	if u, err := url.Parse(c.Lotus.APIURL); c.Lotus.APIURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("LOTUS_API_URL must be an absolute URL, got %q", c.Lotus.APIURL))
	}
	if c.Lotus.RPCRPS < 0 {
		errs = append(errs, fmt.Errorf("LOTUS_RPC_RPS must not be negative, got %v", c.Lotus.RPCRPS))
	}
	if c.Server.HealthPort <= 0 || c.Server.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("HEALTH_PORT out of range: %d", c.Server.HealthPort))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0,1], got %v", c.Tracing.SampleRatio))
	}
	if c.Redis.EventStreamEnabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL is required when EVENT_STREAM_ENABLED is set"))
	}
	if c.DB.StatementTimeoutMS < 0 || c.DB.StatementTimeoutMS > dbStatementTimeoutMaxMS {
		errs = append(errs, fmt.Errorf("HISTORY_DB_STATEMENT_TIMEOUT_MS out of range: %d", c.DB.StatementTimeoutMS))
	}
	return errors.Join(errs...)
}

// fileConfig is the YAML layout. Unset keys leave the environment value.
type fileConfig struct {
	Engine struct {
		MinFee             *string `yaml:"minFee"`
		MaxFee             *string `yaml:"maxFee"`
		PendingWaitEpochs  *int64  `yaml:"pendingWaitEpochs"`
		WorkingWaitEpochs  *int64  `yaml:"workingWaitEpochs"`
		FeeIncreasePercent *string `yaml:"feeIncreasePercent"`
		FeeMode            *string `yaml:"feeMode"`
	} `yaml:"engine"`
	Stats struct {
		FeeWindowEpochs *int `yaml:"feeWindowEpochs"`
		AgeWindowEpochs *int `yaml:"ageWindowEpochs"`
	} `yaml:"stats"`
	Lotus struct {
		APIURL     *string `yaml:"apiURL"`
		RPCTimeout *string `yaml:"rpcTimeout"`
	} `yaml:"lotus"`
	DataDir *string `yaml:"dataDir"`
	Log     struct {
		Level *string `yaml:"level"`
		File  *string `yaml:"file"`
	} `yaml:"log"`
}

// ApplyFile overlays the YAML file at path onto c.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	decimals := []struct {
		name string
		src  *string
		dst  *decimal.Decimal
	}{
		{"engine.minFee", fc.Engine.MinFee, &c.Engine.MinFee},
		{"engine.maxFee", fc.Engine.MaxFee, &c.Engine.MaxFee},
		{"engine.feeIncreasePercent", fc.Engine.FeeIncreasePercent, &c.Engine.FeeIncreasePercent},
	}
	for _, d := range decimals {
		if d.src == nil {
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(*d.src))
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.name, err)
		}
		*d.dst = v
	}

	setIf(fc.Engine.PendingWaitEpochs, &c.Engine.PendingWaitEpochs)
	setIf(fc.Engine.WorkingWaitEpochs, &c.Engine.WorkingWaitEpochs)
	setIf(fc.Engine.FeeMode, &c.Engine.FeeMode)
	setIf(fc.Stats.FeeWindowEpochs, &c.Stats.FeeWindowEpochs)
	setIf(fc.Stats.AgeWindowEpochs, &c.Stats.AgeWindowEpochs)
	setIf(fc.Lotus.APIURL, &c.Lotus.APIURL)
	setIf(fc.DataDir, &c.State.DataDir)
	setIf(fc.Log.Level, &c.Log.Level)
	setIf(fc.Log.File, &c.Log.File)

	if fc.Lotus.RPCTimeout != nil {
		d, err := time.ParseDuration(*fc.Lotus.RPCTimeout)
		if err != nil {
			return fmt.Errorf("config file %s: lotus.rpcTimeout: %w", path, err)
		}
		c.Lotus.RPCTimeout = d
	}
	return nil
}

func setIf[T any](src *T, dst *T) {
	if src != nil {
		*dst = *src
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}
