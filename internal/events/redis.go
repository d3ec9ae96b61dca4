package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/forge/internal/model"
)

// Redis keys and channels.
const (
	UpdateChannel      = "forge:task_updates"
	TaskKeyPrefix      = "forge:task:"
	DefaultSnapshotTTL = 24 * time.Hour
)

// RedisConfig holds connection settings for the Redis publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisPublisher stores the latest snapshot of each task under
// forge:task:<id> and announces the change on forge:task_updates.
type RedisPublisher struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisPublisher{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Publish implements Publisher. The snapshot write and the announcement go
// out in one transaction.
func (p *RedisPublisher) Publish(ctx context.Context, t model.Task) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	update, err := json.Marshal(UpdateFor(t))
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, TaskKeyPrefix+t.ID, snapshot, p.ttl)
	pipe.Publish(ctx, UpdateChannel, update)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish task %s: %w", t.ID, err)
	}
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
