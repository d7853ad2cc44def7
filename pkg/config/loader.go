package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader.
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "TILLSTREAM")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	l.setDefaults(v, defaults)

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))
	v.BindEnv("service.instance_id", l.prefixedEnv("INSTANCE_ID"))

	// Log
	v.BindEnv("log.level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("log.format", l.prefixedEnv("LOG_FORMAT"))

	// HTTP
	v.BindEnv("http.addr", l.prefixedEnv("HTTP_ADDR"))
	v.BindEnv("http.read_timeout", l.prefixedEnv("HTTP_READ_TIMEOUT"))
	v.BindEnv("http.write_timeout", l.prefixedEnv("HTTP_WRITE_TIMEOUT"))
	v.BindEnv("http.shutdown_timeout", l.prefixedEnv("HTTP_SHUTDOWN_TIMEOUT"))

	// Auth
	v.BindEnv("auth.jwt_secret", l.prefixedEnv("AUTH_JWT_SECRET"))
	v.BindEnv("auth.issuer", l.prefixedEnv("AUTH_ISSUER"))

	// Realtime
	v.BindEnv("realtime.retention_window", l.prefixedEnv("RETENTION_WINDOW"))
	v.BindEnv("realtime.ack_timeout", l.prefixedEnv("ACK_TIMEOUT"))
	v.BindEnv("realtime.retry_jitter", l.prefixedEnv("RETRY_JITTER"))
	v.BindEnv("realtime.max_retries_critical", l.prefixedEnv("MAX_RETRIES_CRITICAL"))
	v.BindEnv("realtime.max_retries_high", l.prefixedEnv("MAX_RETRIES_HIGH"))
	v.BindEnv("realtime.replay_batch_size", l.prefixedEnv("REPLAY_BATCH_SIZE"))
	v.BindEnv("realtime.trim_interval", l.prefixedEnv("TRIM_INTERVAL"))
	v.BindEnv("realtime.persist_unicast", l.prefixedEnv("PERSIST_UNICAST"))
	v.BindEnv("realtime.ghost_ttl", l.prefixedEnv("GHOST_TTL"))
	v.BindEnv("realtime.max_connections", l.prefixedEnv("MAX_CONNECTIONS"))
	v.BindEnv("realtime.heartbeat_interval", l.prefixedEnv("HEARTBEAT_INTERVAL"))

	// Store
	v.BindEnv("store.driver", l.prefixedEnv("STORE_DRIVER"))
	v.BindEnv("store.redis_url", l.prefixedEnv("STORE_REDIS_URL"))
	v.BindEnv("store.prefix", l.prefixedEnv("STORE_PREFIX"))
	v.BindEnv("store.operation_timeout", l.prefixedEnv("STORE_OPERATION_TIMEOUT"))
	v.BindEnv("store.max_conns", l.prefixedEnv("STORE_MAX_CONNS"))

	// Bridge
	v.BindEnv("bridge.driver", l.prefixedEnv("BRIDGE_DRIVER"))
	v.BindEnv("bridge.redis_url", l.prefixedEnv("BRIDGE_REDIS_URL"))
	v.BindEnv("bridge.channel", l.prefixedEnv("BRIDGE_CHANNEL"))
	v.BindEnv("bridge.kafka_brokers", l.prefixedEnv("BRIDGE_KAFKA_BROKERS"))
	v.BindEnv("bridge.kafka_topic", l.prefixedEnv("BRIDGE_KAFKA_TOPIC"))
	v.BindEnv("bridge.amqp_url", l.prefixedEnv("BRIDGE_AMQP_URL"))
	v.BindEnv("bridge.amqp_exchange", l.prefixedEnv("BRIDGE_AMQP_EXCHANGE"))
	v.BindEnv("bridge.operation_timeout", l.prefixedEnv("BRIDGE_OPERATION_TIMEOUT"))
}

func (l *ViperLoader) prefixedEnv(name string) string {
	if l.envPrefix == "" {
		return name
	}
	return l.envPrefix + "_" + name
}

// setDefaults seeds viper with DefaultConfig values
func (l *ViperLoader) setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("service.name", d.Service.Name)
	v.SetDefault("service.environment", d.Service.Environment)
	v.SetDefault("service.instance_id", d.Service.InstanceID)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)

	v.SetDefault("realtime.retention_window", d.Realtime.RetentionWindow)
	v.SetDefault("realtime.ack_timeout", d.Realtime.AckTimeout)
	v.SetDefault("realtime.retry_jitter", d.Realtime.RetryJitter)
	v.SetDefault("realtime.max_retries_critical", d.Realtime.MaxRetriesCritical)
	v.SetDefault("realtime.max_retries_high", d.Realtime.MaxRetriesHigh)
	v.SetDefault("realtime.replay_batch_size", d.Realtime.ReplayBatchSize)
	v.SetDefault("realtime.trim_interval", d.Realtime.TrimInterval)
	v.SetDefault("realtime.persist_unicast", d.Realtime.PersistUnicast)
	v.SetDefault("realtime.ghost_ttl", d.Realtime.GhostTTL)
	v.SetDefault("realtime.max_connections", d.Realtime.MaxConnections)
	v.SetDefault("realtime.heartbeat_interval", d.Realtime.HeartbeatInterval)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.redis_url", d.Store.RedisURL)
	v.SetDefault("store.prefix", d.Store.Prefix)
	v.SetDefault("store.operation_timeout", d.Store.OperationTimeout)
	v.SetDefault("store.max_conns", d.Store.MaxConns)

	v.SetDefault("bridge.driver", d.Bridge.Driver)
	v.SetDefault("bridge.redis_url", d.Bridge.RedisURL)
	v.SetDefault("bridge.channel", d.Bridge.Channel)
	v.SetDefault("bridge.kafka_brokers", d.Bridge.KafkaBrokers)
	v.SetDefault("bridge.kafka_topic", d.Bridge.KafkaTopic)
	v.SetDefault("bridge.amqp_url", d.Bridge.AMQPURL)
	v.SetDefault("bridge.amqp_exchange", d.Bridge.AMQPExchange)
	v.SetDefault("bridge.operation_timeout", d.Bridge.OperationTimeout)
}

// Validate checks configuration consistency before the daemon starts.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	if cfg.Realtime.RetentionWindow <= 0 {
		errs = append(errs, errors.New("realtime.retention_window must be positive"))
	}
	if cfg.Realtime.AckTimeout <= 0 {
		errs = append(errs, errors.New("realtime.ack_timeout must be positive"))
	}
	if cfg.Realtime.MaxRetriesCritical < 0 || cfg.Realtime.MaxRetriesHigh < 0 {
		errs = append(errs, errors.New("realtime retry budgets must not be negative"))
	}
	if cfg.Realtime.MaxRetriesCritical < cfg.Realtime.MaxRetriesHigh {
		errs = append(errs, errors.New("realtime.max_retries_critical must be >= realtime.max_retries_high"))
	}
	if cfg.Realtime.ReplayBatchSize <= 0 {
		errs = append(errs, errors.New("realtime.replay_batch_size must be positive"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Store.RedisURL) == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis store driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", cfg.Store.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Bridge.Driver)) {
	case "none", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Bridge.RedisURL) == "" {
			errs = append(errs, errors.New("bridge.redis_url is required for the redis bridge driver"))
		}
	case "kafka":
		if len(cfg.Bridge.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("bridge.kafka_brokers is required for the kafka bridge driver"))
		}
	case "rabbitmq":
		if strings.TrimSpace(cfg.Bridge.AMQPURL) == "" {
			errs = append(errs, errors.New("bridge.amqp_url is required for the rabbitmq bridge driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bridge driver %q", cfg.Bridge.Driver))
	}

	return errors.Join(errs...)
}
