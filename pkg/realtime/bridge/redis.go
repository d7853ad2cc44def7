package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub bridge.
type RedisConfig struct {
	URL              string
	Channel          string
	OperationTimeout time.Duration
	MaxConns         int
}

// Redis relays frames over one Redis pub/sub channel. Matches the source
// deployment shape: every instance subscribes to the same channel.
type Redis struct {
	client    *redis.Client
	channel   string
	opTimeout time.Duration
}

// NewRedis creates a Redis-backed bridge.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	client := redis.NewClient(opts)

	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "tillstream:events"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 3 * time.Second
	}

	return &Redis{
		client:    client,
		channel:   channel,
		opTimeout: cfg.OperationTimeout,
	}, nil
}

// Publish pushes one frame to the shared channel.
func (b *Redis) Publish(ctx context.Context, frame Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	return b.client.Publish(cctx, b.channel, raw).Err()
}

// Subscribe consumes the shared channel and forwards decoded frames.
func (b *Redis) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-subCtx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var frame Frame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					continue
				}
				handler(frame)
			}
		}
	}()

	return &redisSubscription{cancel: cancel, pubsub: pubsub}, nil
}

// Ping verifies the Redis connection is alive.
func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (b *Redis) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	pubsub *redis.PubSub
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}
