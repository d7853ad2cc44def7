package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tillstream/tillstream/pkg/observability/logger"
)

// KafkaConfig configures the Kafka-backed bridge.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID must be unique per instance so every instance observes every
	// frame (broadcast, not competing consumers).
	GroupID          string
	OperationTimeout time.Duration
}

// Kafka relays frames through a Kafka topic. Frames are keyed by tenant so
// per-tenant ordering is preserved within a partition.
type Kafka struct {
	writer *kafka.Writer
	config KafkaConfig
	log    logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewKafka creates a Kafka-backed bridge.
func NewKafka(cfg KafkaConfig, log logger.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "tillstream.events"
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("a per-instance kafka group id is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.OperationTimeout,
		ReadTimeout:  cfg.OperationTimeout,
	}

	log.Info("kafka bridge initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group_id", cfg.GroupID,
	)

	return &Kafka{
		writer: writer,
		config: cfg,
		log:    log,
	}, nil
}

// Publish writes one frame to the bridge topic.
func (b *Kafka) Publish(ctx context.Context, frame Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("kafka bridge is closed")
	}
	b.mu.Unlock()

	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, b.config.OperationTimeout)
	defer cancel()
	return b.writer.WriteMessages(cctx, kafka.Message{
		Key:   []byte(frame.TenantID),
		Value: raw,
		Headers: []kafka.Header{
			{Key: "origin", Value: []byte(frame.Origin)},
		},
	})
}

// Subscribe starts a reader with this instance's group id and forwards
// decoded frames until the subscription or context is closed.
func (b *Kafka) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.config.Brokers,
		Topic:   b.config.Topic,
		GroupID: b.config.GroupID,
	})

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		for {
			msg, err := reader.ReadMessage(subCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				b.log.Warn("kafka bridge read failed", "error", err)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			var frame Frame
			if err := json.Unmarshal(msg.Value, &frame); err != nil {
				b.log.Warn("kafka bridge frame decode failed", "error", err)
				continue
			}
			handler(frame)
		}
	}()

	return &kafkaSubscription{cancel: cancel, reader: reader}, nil
}

// Close shuts down the writer.
func (b *Kafka) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.writer.Close()
}

type kafkaSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	reader *kafka.Reader
}

func (s *kafkaSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.reader.Close()
	})
	return err
}
