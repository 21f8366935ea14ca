package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid marks a configuration that must stop the process at startup.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Port      string `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MQTTBrokerURL      string        `mapstructure:"mqtt_broker_url"`
	MQTTClientID       string        `mapstructure:"mqtt_client_id"`
	MQTTTopic          string        `mapstructure:"mqtt_topic"`
	MQTTQoS            int           `mapstructure:"mqtt_qos"`
	MQTTBackoffInitial time.Duration `mapstructure:"mqtt_backoff_initial"`
	MQTTBackoffMax     time.Duration `mapstructure:"mqtt_backoff_max"`
	MQTTRetryCeiling   int           `mapstructure:"mqtt_retry_ceiling"`
	MQTTTLSCA          string        `mapstructure:"mqtt_tls_ca"`
	MQTTTLSInsecure    bool          `mapstructure:"mqtt_tls_insecure"`

	DBDriver   string   `mapstructure:"db_driver"`
	SQLitePath string   `mapstructure:"sqlite_path"`
	Postgres   DBConfig `mapstructure:"postgres"`
	HistoryCap int      `mapstructure:"history_cap"`

	IngestWorkers   int `mapstructure:"ingest_workers"`
	IngestQueueSize int `mapstructure:"ingest_queue_size"`

	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	StatusCacheTTL time.Duration `mapstructure:"status_cache_ttl"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type DBConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	RPS     int  `mapstructure:"rps"`
	Burst   int  `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8095")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("mqtt_broker_url", "mqtt://localhost:1883")
	v.SetDefault("mqtt_client_id", "telemetry-service")
	v.SetDefault("mqtt_topic", "bike/+/data")
	v.SetDefault("mqtt_qos", 1)
	v.SetDefault("mqtt_backoff_initial", 500*time.Millisecond)
	v.SetDefault("mqtt_backoff_max", 30*time.Second)
	v.SetDefault("mqtt_retry_ceiling", 10)
	v.SetDefault("mqtt_tls_ca", "")
	v.SetDefault("mqtt_tls_insecure", false)

	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("sqlite_path", "bike_data.db")
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db", "")
	v.SetDefault("postgres.host", "")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("history_cap", 1000)

	v.SetDefault("ingest_workers", 4)
	v.SetDefault("ingest_queue_size", 1024)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("status_cache_ttl", 10*time.Minute)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("otlp_endpoint", "")
}

// Load reads defaults, then the optional YAML file named by TELEMETRY_CONFIG,
// then environment variables (POSTGRES_HOST for postgres.host and so on).
func Load() (*Config, error) {
	return load(os.Getenv("TELEMETRY_CONFIG"))
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("telemetry-service config loaded",
		"port", cfg.Port,
		"mqtt", cfg.MQTTBrokerURL,
		"topic", cfg.MQTTTopic,
		"db_driver", cfg.DBDriver,
		"history_cap", cfg.HistoryCap,
		"redis", cfg.RedisAddr != "",
	)
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	switch c.DBDriver {
	case "sqlite":
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: sqlite_path is required", ErrInvalid)
		}
	case "postgres":
		for key, val := range map[string]string{
			"postgres.user": c.Postgres.User,
			"postgres.db":   c.Postgres.DBName,
			"postgres.host": c.Postgres.Host,
		} {
			if strings.TrimSpace(val) == "" {
				return fmt.Errorf("%w: %s is required for db_driver=postgres", ErrInvalid, key)
			}
		}
	default:
		return fmt.Errorf("%w: unknown db_driver %q", ErrInvalid, c.DBDriver)
	}
	if strings.TrimSpace(c.MQTTTopic) == "" {
		return fmt.Errorf("%w: mqtt_topic is required", ErrInvalid)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("%w: mqtt_qos must be 0, 1 or 2", ErrInvalid)
	}
	if c.HistoryCap <= 0 {
		return fmt.Errorf("%w: history_cap must be positive", ErrInvalid)
	}
	if c.IngestWorkers <= 0 || c.IngestQueueSize <= 0 {
		return fmt.Errorf("%w: ingest_workers and ingest_queue_size must be positive", ErrInvalid)
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("%w: rate_limit.rps must be positive", ErrInvalid)
	}
	return nil
}
