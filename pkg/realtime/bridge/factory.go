package bridge

import (
	"fmt"
	"strings"

	"github.com/tillstream/tillstream/pkg/config"
	"github.com/tillstream/tillstream/pkg/observability/logger"
)

// New creates a bridge from configuration. A nil return with nil error
// means no bridge is configured (single-instance deployment).
func New(cfg config.BridgeConfig, instanceID string, log logger.Logger) (Bridge, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(RedisConfig{
			URL:              cfg.RedisURL,
			Channel:          cfg.Channel,
			OperationTimeout: cfg.OperationTimeout,
		})
	case "kafka":
		return NewKafka(KafkaConfig{
			Brokers:          cfg.KafkaBrokers,
			Topic:            cfg.KafkaTopic,
			GroupID:          "tillstream-" + instanceID,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case "rabbitmq":
		return NewAMQP(AMQPConfig{
			URL:              cfg.AMQPURL,
			Exchange:         cfg.AMQPExchange,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unknown bridge driver %q", cfg.Driver)
	}
}
