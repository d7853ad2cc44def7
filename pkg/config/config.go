package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Config is the root configuration for a tillstream instance.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Store    StoreConfig    `mapstructure:"store"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// InstanceID tags bridge frames for origin de-duplication. Generated
	// when empty.
	InstanceID string `mapstructure:"instance_id"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig controls the daemon listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig controls terminal credential validation.
type AuthConfig struct {
	// JWTSecret is the HMAC key shared with the token issuer.
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// RealtimeConfig is the delivery-engine tuning surface.
type RealtimeConfig struct {
	// RetentionWindow bounds how long reliable events stay replayable.
	RetentionWindow time.Duration `mapstructure:"retention_window"`
	// AckTimeout is how long a reliable delivery waits for an ack before
	// re-sending.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// RetryJitter is the maximum random delay added to each retry timer.
	RetryJitter time.Duration `mapstructure:"retry_jitter"`
	// MaxRetriesCritical / MaxRetriesHigh are the per-tier retry budgets.
	MaxRetriesCritical int `mapstructure:"max_retries_critical"`
	MaxRetriesHigh     int `mapstructure:"max_retries_high"`
	// ReplayBatchSize bounds one sync batch.
	ReplayBatchSize int `mapstructure:"replay_batch_size"`
	// TrimInterval is how often tenant indexes are trimmed of expired
	// entries.
	TrimInterval time.Duration `mapstructure:"trim_interval"`
	// PersistUnicast durably queues unicast reliable events so an offline
	// terminal picks them up on replay.
	PersistUnicast bool `mapstructure:"persist_unicast"`
	// GhostTTL keeps a snapshot of a closed session for fast
	// terminal-offline reconciliation and cursor recovery.
	GhostTTL time.Duration `mapstructure:"ghost_ttl"`
	// MaxConnections caps live sessions on this instance.
	MaxConnections int `mapstructure:"max_connections"`
	// HeartbeatInterval paces transport-level pings.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// StoreConfig selects and configures the durable event store.
type StoreConfig struct {
	// Driver is "redis" or "memory".
	Driver           string        `mapstructure:"driver"`
	RedisURL         string        `mapstructure:"redis_url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	MaxConns         int           `mapstructure:"max_conns"`
}

// BridgeConfig selects and configures the cross-instance bridge.
type BridgeConfig struct {
	// Driver is "redis", "kafka", "rabbitmq", "memory" or "none".
	Driver           string        `mapstructure:"driver"`
	RedisURL         string        `mapstructure:"redis_url"`
	Channel          string        `mapstructure:"channel"`
	KafkaBrokers     []string      `mapstructure:"kafka_brokers"`
	KafkaTopic       string        `mapstructure:"kafka_topic"`
	AMQPURL          string        `mapstructure:"amqp_url"`
	AMQPExchange     string        `mapstructure:"amqp_exchange"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Service: ServiceConfig{
			Name:        "tillstream",
			Environment: "development",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			RetentionWindow:    24 * time.Hour,
			AckTimeout:         5 * time.Second,
			RetryJitter:        500 * time.Millisecond,
			MaxRetriesCritical: 5,
			MaxRetriesHigh:     3,
			ReplayBatchSize:    50,
			TrimInterval:       10 * time.Minute,
			PersistUnicast:     true,
			GhostTTL:           2 * time.Minute,
			MaxConnections:     10000,
			HeartbeatInterval:  20 * time.Second,
		},
		Store: StoreConfig{
			Driver:           "memory",
			Prefix:           "tillstream",
			OperationTimeout: 3 * time.Second,
		},
		Bridge: BridgeConfig{
			Driver:           "none",
			Channel:          "tillstream:events",
			KafkaTopic:       "tillstream.events",
			AMQPExchange:     "tillstream.events",
			OperationTimeout: 5 * time.Second,
		},
	}
}

// Normalize fills derived fields after loading.
func (c *Config) Normalize() {
	if c.Service.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "tillstream"
		}
		c.Service.InstanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
}
