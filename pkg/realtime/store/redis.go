package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tillstream/tillstream/pkg/realtime/event"
)

// RedisConfig configures the Redis-backed event store.
type RedisConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	MaxConns         int
}

// RedisStore persists event bodies as TTL'd JSON strings and tenant
// indexes as sorted sets scored by creation time (unix millis).
type RedisStore struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

// NewRedisStore creates a Redis event store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
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

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "tillstream"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 3 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		opTimeout: cfg.OperationTimeout,
	}, nil
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Put upserts the event body with the given TTL. Ids are unique per
// publish, so overwriting is a no-op in practice.
func (s *RedisStore) Put(ctx context.Context, evt *event.Event, ttl time.Duration) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Set(cctx, s.eventKey(evt.ID), raw, ttl).Err()
}

// Get returns the stored event or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, eventID string) (*event.Event, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	raw, err := s.client.Get(cctx, s.eventKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var evt event.Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// GetMany fetches bodies with MGET, aligned to the input ids; absent or
// undecodable entries come back nil.
func (s *RedisStore) GetMany(ctx context.Context, eventIDs []string) ([]*event.Event, error) {
	out := make([]*event.Event, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		keys[i] = s.eventKey(id)
	}

	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	values, err := s.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var evt event.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		out[i] = &evt
	}
	return out, nil
}

// MarkAcked rewrites the body with the acked flag set, keeping the TTL.
// Safe to apply out of order: the record is otherwise immutable.
func (s *RedisStore) MarkAcked(ctx context.Context, eventID string) error {
	evt, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if evt.Acked {
		return nil
	}
	evt.Acked = true
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.SetArgs(cctx, s.eventKey(eventID), raw, redis.SetArgs{KeepTTL: true}).Err()
}

// AppendTenantIndex adds the event to the tenant's sorted set.
func (s *RedisStore) AppendTenantIndex(ctx context.Context, tenantID, eventID string, createdAt time.Time) error {
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.ZAdd(cctx, s.indexKey(tenantID), redis.Z{
		Score:  float64(createdAt.UnixMilli()),
		Member: eventID,
	}).Err()
}

// RangeTenantIndex returns up to limit event ids strictly after
// fromExclusive, oldest first.
func (s *RedisStore) RangeTenantIndex(ctx context.Context, tenantID string, fromExclusive time.Time, limit int) ([]string, error) {
	min := "-inf"
	if !fromExclusive.IsZero() {
		min = "(" + strconv.FormatInt(fromExclusive.UnixMilli(), 10)
	}

	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	ids, err := s.client.ZRangeByScore(cctx, s.indexKey(tenantID), &redis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// TrimTenantIndex removes index entries older than before.
func (s *RedisStore) TrimTenantIndex(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	max := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	return s.client.ZRemRangeByScore(cctx, s.indexKey(tenantID), "-inf", max).Result()
}

// IndexedTenants scans for tenant index keys. Indexes survive restarts,
// so this also surfaces tenants no publisher has seen yet.
func (s *RedisStore) IndexedTenants(ctx context.Context) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	keyPrefix := fmt.Sprintf("%s:index:", s.prefix)
	var (
		tenants []string
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(cctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			tenants = append(tenants, strings.TrimPrefix(key, keyPrefix))
		}
		if next == 0 {
			return tenants, nil
		}
		cursor = next
	}
}

// PutGhost stores a session snapshot for the grace period.
func (s *RedisStore) PutGhost(ctx context.Context, ghost *GhostSession, ttl time.Duration) error {
	raw, err := json.Marshal(ghost)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Set(cctx, s.ghostKey(ghost.TerminalID), raw, ttl).Err()
}

// GetGhost returns the snapshot for a terminal or ErrNotFound.
func (s *RedisStore) GetGhost(ctx context.Context, terminalID string) (*GhostSession, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	raw, err := s.client.Get(cctx, s.ghostKey(terminalID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ghost GhostSession
	if err := json.Unmarshal([]byte(raw), &ghost); err != nil {
		return nil, err
	}
	return &ghost, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) eventKey(eventID string) string {
	return fmt.Sprintf("%s:event:%s", s.prefix, eventID)
}

func (s *RedisStore) indexKey(tenantID string) string {
	return fmt.Sprintf("%s:index:%s", s.prefix, tenantID)
}

func (s *RedisStore) ghostKey(terminalID string) string {
	return fmt.Sprintf("%s:ghost:%s", s.prefix, terminalID)
}
