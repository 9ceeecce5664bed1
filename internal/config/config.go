package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Callback   CallbackConfig   `mapstructure:"callback"`
	CallBridge CallBridgeConfig `mapstructure:"call_bridge"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
	BaseURL string `mapstructure:"base_url"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// OpsConfig configures the dispatcher's health and metrics listener.
type OpsConfig struct {
	Port int `mapstructure:"port"`
}

type PostgresConfig struct {
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
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers               []string      `mapstructure:"brokers"`
	ClientID              string        `mapstructure:"client_id"`
	CallTopic             string        `mapstructure:"call_topic"`
	StatusTopic           string        `mapstructure:"status_topic"`
	DeadLetterTopic       string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID       string        `mapstructure:"consumer_group_id"`
	StatusConsumerGroupID string        `mapstructure:"status_consumer_group_id"`
	CommitInterval        time.Duration `mapstructure:"commit_interval"`
	Partitions            int           `mapstructure:"partitions"`
	ReplicationFactor     int           `mapstructure:"replication_factor"`
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
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

// DispatchConfig drives admission, buffering and retry behaviour.
type DispatchConfig struct {
	MaxConcurrentCalls  int           `mapstructure:"max_concurrent_calls"`
	MaxRetryAttempts    int           `mapstructure:"max_retry_attempts"`
	BufferCheckInterval time.Duration `mapstructure:"buffer_check_interval"`
	BufferCapacity      int           `mapstructure:"buffer_capacity"`
	BufferMaxAge        time.Duration `mapstructure:"buffer_max_age"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	KeyPrefix           string        `mapstructure:"key_prefix"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	ReconcileAge        time.Duration `mapstructure:"reconcile_age"`
	ReconcileBatch      int           `mapstructure:"reconcile_batch"`
	StoreRetryAttempts  int           `mapstructure:"store_retry_attempts"`
	StoreRetryInterval  time.Duration `mapstructure:"store_retry_interval"`
}

type CallbackConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type CallBridgeConfig struct {
	ProviderName   string        `mapstructure:"provider_name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SuccessRate    float64       `mapstructure:"success_rate"`
}

// legacyEnv maps configuration keys to the bare variable names older deployments export.
var legacyEnv = map[string]string{
	"callback.api_key":              "API_KEY",
	"dispatch.max_concurrent_calls": "MAX_CONCURRENT_CALLS",
	"dispatch.max_retry_attempts":   "MAX_RETRY_ATTEMPTS",
	"kafka.brokers":                 "KAFKA_BROKERS",
	"kafka.client_id":               "KAFKA_CLIENT_ID",
	"kafka.consumer_group_id":       "KAFKA_GROUP_ID",
	"redis.address":                 "REDIS_ADDRESS",
	"app.base_url":                  "BASE_URL",
}

// Load reads configuration from defaults, an optional file and environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	for key, name := range legacyEnv {
		if err := v.BindEnv(key, "OUTBOUND_"+strings.ToUpper(NewEnvReplacer().Replace(key)), name); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", name, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: stat config file: %w", err)
		}
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

// Validate rejects settings the dispatcher cannot run with.
func (c *Config) Validate() error {
	d := c.Dispatch
	switch {
	case d.MaxConcurrentCalls <= 0:
		return fmt.Errorf("config: dispatch.max_concurrent_calls must be positive")
	case d.MaxRetryAttempts <= 0:
		return fmt.Errorf("config: dispatch.max_retry_attempts must be positive")
	case d.BufferCheckInterval <= 0:
		return fmt.Errorf("config: dispatch.buffer_check_interval must be positive")
	case d.BufferCapacity <= 0:
		return fmt.Errorf("config: dispatch.buffer_capacity must be positive")
	case c.Callback.APIKey == "":
		return fmt.Errorf("config: callback.api_key is required")
	}
	return nil
}

// CallbackURL is the webhook address handed to the provider.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.App.BaseURL, "/") + "/api/v1/callbacks/call-status"
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-call-dispatch")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.base_url", "http://localhost:3000")

	v.SetDefault("http.port", 3000)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("ops.port", 9090)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "password")
	v.SetDefault("postgres.database", "calls")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("postgres.max_conn_idle_time", 10*time.Minute)

	v.SetDefault("scylla.hosts", []string{"localhost"})
	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.keyspace", "outbound")
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "outbound-call-dispatch")
	v.SetDefault("kafka.call_topic", "calls")
	v.SetDefault("kafka.status_topic", "call-status")
	v.SetDefault("kafka.dead_letter_topic", "calls-dead-letter")
	v.SetDefault("kafka.consumer_group_id", "call-workers")
	v.SetDefault("kafka.status_consumer_group_id", "call-status-journal")
	v.SetDefault("kafka.commit_interval", time.Duration(0))
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 2*time.Second)
	v.SetDefault("redis.write_timeout", 2*time.Second)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 2)

	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.tracing_enabled", false)

	v.SetDefault("dispatch.max_concurrent_calls", 30)
	v.SetDefault("dispatch.max_retry_attempts", 3)
	v.SetDefault("dispatch.buffer_check_interval", 2*time.Second)
	v.SetDefault("dispatch.buffer_capacity", 10000)
	v.SetDefault("dispatch.buffer_max_age", 5*time.Minute)
	v.SetDefault("dispatch.lock_ttl", 10*time.Minute)
	v.SetDefault("dispatch.key_prefix", "outbound:")
	v.SetDefault("dispatch.reconcile_interval", time.Duration(0))
	v.SetDefault("dispatch.reconcile_age", 10*time.Minute)
	v.SetDefault("dispatch.reconcile_batch", 200)
	v.SetDefault("dispatch.store_retry_attempts", 3)
	v.SetDefault("dispatch.store_retry_interval", 50*time.Millisecond)

	v.SetDefault("callback.api_key", "secret")

	v.SetDefault("call_bridge.provider_name", "mock")
	v.SetDefault("call_bridge.request_timeout", 10*time.Second)
	v.SetDefault("call_bridge.success_rate", 0.9)
}
