package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GatewayConfig holds REST gateway settings, used when store.driver is "rest".
type GatewayConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	ServiceKey  string `yaml:"service_key" mapstructure:"service_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	Concurrency      int     `yaml:"concurrency" mapstructure:"concurrency"`
	FetchTimeoutMs   int     `yaml:"fetch_timeout_ms" mapstructure:"fetch_timeout_ms"`
	ProbeTimeoutMs   int     `yaml:"probe_timeout_ms" mapstructure:"probe_timeout_ms"`
	WriteTimeoutMs   int     `yaml:"write_timeout_ms" mapstructure:"write_timeout_ms"`
	WritesPerSecond  float64 `yaml:"writes_per_second" mapstructure:"writes_per_second"`
	RetryAttempts    int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs   int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("gateway.timeout_secs", 30)
	v.SetDefault("reconcile.concurrency", 1)
	v.SetDefault("reconcile.fetch_timeout_ms", 30000)
	v.SetDefault("reconcile.probe_timeout_ms", 5000)
	v.SetDefault("reconcile.write_timeout_ms", 10000)
	v.SetDefault("reconcile.writes_per_second", 0)
	v.SetDefault("reconcile.retry_attempts", 3)
	v.SetDefault("reconcile.retry_backoff_ms", 500)
	v.SetDefault("reconcile.breaker_threshold", 5)
	v.SetDefault("reconcile.breaker_reset_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Bind keys with no default so AutomaticEnv picks them up on Unmarshal.
	for _, key := range []string{"store.database_url", "gateway.url", "gateway.service_key"} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the selected driver has what it needs to connect.
// Commands that open a store call it; Load does not, so commands like
// "jobs" work without database credentials.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			return eris.Errorf("config: store.database_url is required for driver %q (RECONCILE_STORE_DATABASE_URL)", c.Store.Driver)
		}
	case "rest":
		if c.Gateway.URL == "" || c.Gateway.ServiceKey == "" {
			return eris.New("config: gateway.url and gateway.service_key are required for driver \"rest\" (RECONCILE_GATEWAY_URL, RECONCILE_GATEWAY_SERVICE_KEY)")
		}
	default:
		return eris.Errorf("config: unsupported store driver: %s", c.Store.Driver)
	}
	if c.Reconcile.Concurrency < 1 {
		return eris.Errorf("config: reconcile.concurrency must be >= 1, got %d", c.Reconcile.Concurrency)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
