package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	Dispatcher     DispatcherConfig     `mapstructure:"dispatcher"`
	Limiter        LimiterConfig        `mapstructure:"limiter"`
	Saga           SagaConfig           `mapstructure:"saga"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	InstanceID     string               `mapstructure:"instance_id"`
}

// ServerConfig is the admin HTTP surface.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// RouteConfig forwards one event type to a broker destination.
type RouteConfig struct {
	EventType   string `mapstructure:"event_type"`
	Transport   string `mapstructure:"transport"`
	Destination string `mapstructure:"destination"`
}

type DispatcherConfig struct {
	WorkerID          string        `mapstructure:"worker_id"`
	BatchSize         int           `mapstructure:"batch_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HandlerTimeout    time.Duration `mapstructure:"handler_timeout"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff   time.Duration `mapstructure:"max_retry_backoff"`
	Retention         time.Duration `mapstructure:"retention"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	DeadLetterStream  string        `mapstructure:"dead_letter_stream"`
	Routes            []RouteConfig `mapstructure:"routes"`
}

type LimiterConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	BreakerThreshold  float64       `mapstructure:"breaker_threshold"`
	BreakerMinSamples uint32        `mapstructure:"breaker_min_samples"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
	MemoryThreshold   uint64        `mapstructure:"memory_threshold_bytes"`
	QueueThreshold    int           `mapstructure:"queue_threshold"`
	WatchdogInterval  time.Duration `mapstructure:"watchdog_interval"`
}

type SagaConfig struct {
	StepTimeout            time.Duration `mapstructure:"step_timeout"`
	StuckAfter             time.Duration `mapstructure:"stuck_after"`
	RecoveryInterval       time.Duration `mapstructure:"recovery_interval"`
	CompensationAttempts   uint          `mapstructure:"compensation_attempts"`
	CompensationBackoff    time.Duration `mapstructure:"compensation_backoff"`
	CompensationMaxBackoff time.Duration `mapstructure:"compensation_max_backoff"`
	IdempotencyTTL         time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencyRetention   time.Duration `mapstructure:"idempotency_retention"`
	IdempotencyPurge       time.Duration `mapstructure:"idempotency_purge_interval"`
}

type ReconciliationConfig struct {
	Enabled       bool             `mapstructure:"enabled"`
	Interval      time.Duration    `mapstructure:"interval"`
	StuckAfter    time.Duration    `mapstructure:"stuck_after"`
	SweepLimit    int              `mapstructure:"sweep_limit"`
	LockTTL       time.Duration    `mapstructure:"lock_ttl"`
	RetryAttempts uint             `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration    `mapstructure:"retry_backoff"`
	SumChecks     []SumCheckConfig `mapstructure:"sum_checks"`
}

// SumCheckConfig declares a consistency check as two queries returning
// (key, total) rows. Both receive the tenant filter as $1.
type SumCheckConfig struct {
	Name        string `mapstructure:"name"`
	ExpectedSQL string `mapstructure:"expected_sql"`
	ActualSQL   string `mapstructure:"actual_sql"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables, e.g. EVENTCORE_DATABASE_HOST
	v.SetEnvPrefix("EVENTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/eventcore")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka.brokers is required when kafka is enabled"))
	}

	if c.Dispatcher.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.batch_size must be positive"))
	}
	if c.Dispatcher.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.poll_interval must be positive"))
	}
	if c.Dispatcher.StaleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.stale_timeout must be positive"))
	}
	if c.Dispatcher.HeartbeatInterval >= c.Dispatcher.StaleTimeout {
		errs = append(errs, fmt.Errorf("dispatcher.heartbeat_interval must be shorter than dispatcher.stale_timeout"))
	}
	if c.Dispatcher.RetentionInterval <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.retention_interval must be positive"))
	}
	for i, r := range c.Dispatcher.Routes {
		if r.EventType == "" || r.Destination == "" {
			errs = append(errs, fmt.Errorf("dispatcher.routes[%d]: event_type and destination are required", i))
		}
		switch r.Transport {
		case "redis":
			if !c.Redis.Enabled {
				errs = append(errs, fmt.Errorf("dispatcher.routes[%d]: redis transport requires redis.enabled", i))
			}
		case "kafka":
			if !c.Kafka.Enabled {
				errs = append(errs, fmt.Errorf("dispatcher.routes[%d]: kafka transport requires kafka.enabled", i))
			}
		default:
			errs = append(errs, fmt.Errorf("dispatcher.routes[%d]: unknown transport %q", i, r.Transport))
		}
	}

	if c.Limiter.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("limiter.concurrency must be positive"))
	}
	if c.Limiter.BreakerThreshold <= 0 || c.Limiter.BreakerThreshold > 1 {
		errs = append(errs, fmt.Errorf("limiter.breaker_threshold must be in (0, 1], got %g", c.Limiter.BreakerThreshold))
	}

	if c.Saga.StuckAfter <= 0 {
		errs = append(errs, fmt.Errorf("saga.stuck_after must be positive"))
	}
	if c.Saga.RecoveryInterval <= 0 {
		errs = append(errs, fmt.Errorf("saga.recovery_interval must be positive"))
	}
	if c.Saga.IdempotencyPurge <= 0 {
		errs = append(errs, fmt.Errorf("saga.idempotency_purge_interval must be positive"))
	}
	if c.Saga.CompensationAttempts == 0 {
		errs = append(errs, fmt.Errorf("saga.compensation_attempts must be positive"))
	}
	if c.Reconciliation.Enabled && c.Reconciliation.Interval <= 0 {
		errs = append(errs, fmt.Errorf("reconciliation.interval must be positive"))
	}
	for i, sc := range c.Reconciliation.SumChecks {
		if sc.Name == "" || sc.ExpectedSQL == "" || sc.ActualSQL == "" {
			errs = append(errs, fmt.Errorf("reconciliation.sum_checks[%d]: name, expected_sql and actual_sql are required", i))
		}
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "eventcore")
	v.SetDefault("database.database", "eventcore")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.batch_timeout", "10ms")

	// Dispatcher defaults
	v.SetDefault("dispatcher.batch_size", 50)
	v.SetDefault("dispatcher.poll_interval", "1s")
	v.SetDefault("dispatcher.stale_timeout", "5m")
	v.SetDefault("dispatcher.heartbeat_interval", "30s")
	v.SetDefault("dispatcher.handler_timeout", "0s")
	v.SetDefault("dispatcher.retry_backoff", "1s")
	v.SetDefault("dispatcher.max_retry_backoff", "5m")
	v.SetDefault("dispatcher.retention", "168h")
	v.SetDefault("dispatcher.retention_interval", "1h")
	v.SetDefault("dispatcher.dead_letter_stream", "eventcore:dlq")

	// Limiter defaults
	v.SetDefault("limiter.concurrency", 10)
	v.SetDefault("limiter.breaker_threshold", 0.5)
	v.SetDefault("limiter.breaker_min_samples", 20)
	v.SetDefault("limiter.breaker_timeout", "30s")
	v.SetDefault("limiter.memory_threshold_bytes", 512<<20)
	v.SetDefault("limiter.queue_threshold", 1000)
	v.SetDefault("limiter.watchdog_interval", "10s")

	// Saga defaults
	v.SetDefault("saga.step_timeout", "0s")
	v.SetDefault("saga.stuck_after", "5m")
	v.SetDefault("saga.recovery_interval", "1m")
	v.SetDefault("saga.compensation_attempts", 5)
	v.SetDefault("saga.compensation_backoff", "200ms")
	v.SetDefault("saga.compensation_max_backoff", "10s")
	v.SetDefault("saga.idempotency_ttl", "24h")
	v.SetDefault("saga.idempotency_retention", "168h")
	v.SetDefault("saga.idempotency_purge_interval", "1h")

	// Reconciliation defaults
	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval", "5m")
	v.SetDefault("reconciliation.stuck_after", "10m")
	v.SetDefault("reconciliation.sweep_limit", 100)
	v.SetDefault("reconciliation.lock_ttl", "5m")
	v.SetDefault("reconciliation.retry_attempts", 3)
	v.SetDefault("reconciliation.retry_backoff", "500ms")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Instance ID
	v.SetDefault("instance_id", "")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL is the URL form golang-migrate expects.
func (c *DatabaseConfig) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
