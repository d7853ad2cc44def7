package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tillstream/tillstream/pkg/observability/logger"
)

// AMQPConfig configures the RabbitMQ-backed bridge.
type AMQPConfig struct {
	URL string
	// Exchange is declared as fanout: every instance binds its own
	// exclusive queue and observes every frame.
	Exchange         string
	OperationTimeout time.Duration
}

// AMQP relays frames through a RabbitMQ fanout exchange.
type AMQP struct {
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	config AMQPConfig
	log    logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewAMQP connects to RabbitMQ and declares the fanout exchange.
func NewAMQP(cfg AMQPConfig, log logger.Logger) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "tillstream.events"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}

	if err := pubCh.ExchangeDeclare(cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = pubCh.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info("rabbitmq bridge initialized", "exchange", cfg.Exchange)

	return &AMQP{
		conn:   conn,
		pubCh:  pubCh,
		config: cfg,
		log:    log,
	}, nil
}

// Publish sends one frame to the fanout exchange.
func (b *AMQP) Publish(ctx context.Context, frame Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("rabbitmq bridge is closed")
	}
	b.mu.Unlock()

	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, b.config.OperationTimeout)
	defer cancel()
	return b.pubCh.PublishWithContext(cctx, b.config.Exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   frame.Event.ID,
		Timestamp:   time.Now().UTC(),
		Headers:     amqp.Table{"origin": frame.Origin},
		Body:        raw,
	})
}

// Subscribe binds an exclusive auto-delete queue to the exchange and
// forwards decoded frames.
func (b *AMQP) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer channel: %w", err)
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", b.config.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		for {
			select {
			case <-subCtx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				var frame Frame
				if err := json.Unmarshal(delivery.Body, &frame); err != nil {
					b.log.Warn("rabbitmq bridge frame decode failed", "error", err)
					continue
				}
				handler(frame)
			}
		}
	}()

	return &amqpSubscription{cancel: cancel, channel: ch}, nil
}

// Close shuts down the publish channel and connection.
func (b *AMQP) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.pubCh.Close()
	return b.conn.Close()
}

type amqpSubscription struct {
	once    sync.Once
	cancel  context.CancelFunc
	channel *amqp.Channel
}

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.channel.Close()
	})
	return err
}
