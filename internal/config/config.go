package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lock      LockConfig      `mapstructure:"lock"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Provider  ProviderConfig  `mapstructure:"provider"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// PostgresConfig configures the relational store. Driver "sqlite3" runs the
// same schema against a local file, which is handy for single-node setups.
type PostgresConfig struct {
	Driver          string        `mapstructure:"driver"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthQuery     string        `mapstructure:"health_query"`
}

type ScyllaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	OutcomeTopic    string        `mapstructure:"outcome_topic"`
	FailureTopic    string        `mapstructure:"failure_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig drives the dispatch loop.
type SchedulerConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	TickTimeout        time.Duration `mapstructure:"tick_timeout"`
	WorkerCount        int           `mapstructure:"worker_count"`
	CampaignFetchLimit int           `mapstructure:"campaign_fetch_limit"`
	ClaimTTL           time.Duration `mapstructure:"claim_ttl"`
	StaleThreshold     time.Duration `mapstructure:"stale_threshold"`
}

// LockConfig configures the per-contact mutex.
type LockConfig struct {
	Backend          string        `mapstructure:"backend"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	TTL              time.Duration `mapstructure:"ttl"`
	AcquireAttempts  int           `mapstructure:"acquire_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type ThrottleConfig struct {
	DefaultPerCampaign int `mapstructure:"default_per_campaign"`
}

// ProviderConfig selects and tunes the telephony gateway.
type ProviderConfig struct {
	Name           string        `mapstructure:"name"`
	CallerName     string        `mapstructure:"caller_name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RejectRate     float64       `mapstructure:"reject_rate"`
	AnswerRate     float64       `mapstructure:"answer_rate"`
	MaxCallLength  time.Duration `mapstructure:"max_call_length"`
}

const (
	LockBackendRedis = "redis"
	LockBackendSQL   = "sql"

	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the dispatch engine cannot run safely with.
func (c *Config) Validate() error {
	switch c.Postgres.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if c.Postgres.SQLitePath == "" {
			return fmt.Errorf("config: postgres.sqlite_path is required for driver %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("config: unknown postgres.driver %q", c.Postgres.Driver)
	}

	switch c.Lock.Backend {
	case LockBackendRedis, LockBackendSQL:
	default:
		return fmt.Errorf("config: unknown lock.backend %q", c.Lock.Backend)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("config: lock.ttl must be positive")
	}
	if c.Lock.AcquireAttempts <= 0 {
		return fmt.Errorf("config: lock.acquire_attempts must be positive")
	}
	// The lock only covers the synchronous dispatch call.
	if c.Lock.TTL <= c.Provider.RequestTimeout {
		return fmt.Errorf("config: lock.ttl (%s) must exceed provider.request_timeout (%s)", c.Lock.TTL, c.Provider.RequestTimeout)
	}
	if c.Scheduler.ClaimTTL <= c.Provider.RequestTimeout {
		return fmt.Errorf("config: scheduler.claim_ttl (%s) must exceed provider.request_timeout (%s)", c.Scheduler.ClaimTTL, c.Provider.RequestTimeout)
	}
	if c.Scheduler.StaleThreshold <= c.Lock.TTL {
		return fmt.Errorf("config: scheduler.stale_threshold (%s) must exceed lock.ttl (%s)", c.Scheduler.StaleThreshold, c.Lock.TTL)
	}
	if c.Scheduler.TickInterval <= 0 || c.Scheduler.TickTimeout <= 0 {
		return fmt.Errorf("config: scheduler tick interval and timeout must be positive")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("config: retry.jitter must be in [0,1), got %v", c.Retry.Jitter)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "campaign-dispatch")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("postgres.driver", DriverPostgres)
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("postgres.health_query", "SELECT 1")

	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 2*time.Second)

	v.SetDefault("kafka.client_id", "campaign-dispatch")
	v.SetDefault("kafka.outcome_topic", "call-outcomes")
	v.SetDefault("kafka.failure_topic", "dispatch-failures")
	v.SetDefault("kafka.consumer_group_id", "campaign-dispatch")
	v.SetDefault("kafka.commit_interval", time.Duration(0))
	v.SetDefault("kafka.partitions", 12)

	v.SetDefault("redis.dial_timeout", time.Second)
	v.SetDefault("redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("redis.write_timeout", 500*time.Millisecond)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)

	v.SetDefault("scheduler.tick_interval", 2*time.Second)
	v.SetDefault("scheduler.tick_timeout", 10*time.Second)
	v.SetDefault("scheduler.worker_count", 8)
	v.SetDefault("scheduler.campaign_fetch_limit", 200)
	v.SetDefault("scheduler.claim_ttl", 30*time.Second)
	v.SetDefault("scheduler.stale_threshold", 15*time.Minute)

	v.SetDefault("lock.backend", LockBackendRedis)
	v.SetDefault("lock.key_prefix", "dispatch:lock:")
	v.SetDefault("lock.ttl", 15*time.Second)
	v.SetDefault("lock.acquire_attempts", 3)
	v.SetDefault("lock.retry_delay", 50*time.Millisecond)
	v.SetDefault("lock.operation_timeout", 500*time.Millisecond)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", 30*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Minute)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("throttle.default_per_campaign", 5)

	v.SetDefault("provider.name", "mock")
	v.SetDefault("provider.caller_name", "Campaign Dialer")
	v.SetDefault("provider.request_timeout", 5*time.Second)
	v.SetDefault("provider.reject_rate", 0.05)
	v.SetDefault("provider.answer_rate", 0.6)
	v.SetDefault("provider.max_call_length", 20*time.Second)
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
