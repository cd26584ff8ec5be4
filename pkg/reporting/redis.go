package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrCodeEU/examguard/pkg/config"
	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/supervision"
)

// redisClient is the subset of *redis.Client the reporter uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisReporter publishes every verdict on "<prefix>:<identity>" and keeps
// the latest snapshot under "<prefix>:last:<identity>".
type RedisReporter struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

// NewRedisReporter connects to Redis using cfg. An unreachable server is
// logged, not fatal; publishing will fail until it comes up.
func NewRedisReporter(cfg config.ReportingConfig) *RedisReporter {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	log := logging.Component("reporting")
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).Warn("Unable to reach redis")
	} else {
		log.Info("Connected to redis")
	}

	return newRedisReporter(client, cfg.ChannelPrefix, cfg.SnapshotTTLDuration())
}

func newRedisReporter(client redisClient, prefix string, ttl time.Duration) *RedisReporter {
	if prefix == "" {
		prefix = "examguard:supervision"
	}
	return &RedisReporter{client: client, prefix: prefix, ttl: ttl}
}

// Channel returns the pub/sub channel for identity.
func (r *RedisReporter) Channel(identity string) string {
	return r.prefix + ":" + identity
}

// SnapshotKey returns the key holding identity's latest results.
func (r *RedisReporter) SnapshotKey(identity string) string {
	return r.prefix + ":last:" + identity
}

// Report publishes r and refreshes the snapshot.
func (r *RedisReporter) Report(ctx context.Context, results supervision.Results) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	if err := r.client.Set(ctx, r.SnapshotKey(results.Identity), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(results.Identity), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish results: %w", err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (r *RedisReporter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisReporter) Close() error {
	return r.client.Close()
}
