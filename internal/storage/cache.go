// Package storage implements the shared stats cache on Redis. Entries
// are whole-value JSON blobs with last-writer-wins semantics; there are
// no cross-key transactions, so readers of related keys tolerate
// eventual consistency between them.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"github.com/lthn-network/lthn-pool/internal/config"
)

// KeyPrefix namespaces every cache key
const KeyPrefix = "lthn:"

// Well-known cache keys
const (
	KeyMinerList        = "minerList"
	KeyNetworkBlockInfo = "networkBlockInfo"
	KeyWalletStateInfo  = "walletStateInfo"
	KeyWalletHistory    = "walletHistory"
	KeyPoolServers      = "poolServers"
	KeyPoolPorts        = "poolPorts"
	KeyLastPaymentCycle = "lastPaymentCycle"
)

// ErrNotFound is returned when a cache key is absent
var ErrNotFound = errors.New("cache: key not found")

// Cache wraps the Redis client behind typed accessors
type Cache struct {
	client *redis.Client
}

// NewCache connects to Redis and verifies the connection
func NewCache(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Cache{client: client}, nil
}

// NewCacheFromClient wraps an existing client, used by tests
func NewCacheFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Get unmarshals the value at key into v
func (c *Cache) Get(ctx context.Context, key string, v interface{}) error {
	data, err := c.client.Get(ctx, KeyPrefix+key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}

// Set stores v at key, replacing any previous value
func (c *Cache) Set(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, KeyPrefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// BulkSet stores every entry of values in one pipelined round trip
func (c *Cache) BulkSet(ctx context.Context, values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for key, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("cache encode %s: %w", key, err)
		}
		pipe.Set(ctx, KeyPrefix+key, data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache bulk set: %w", err)
	}
	return nil
}

// Delete removes keys from the cache
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = KeyPrefix + k
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// SchemeStatsKey is the cache key of a scheme aggregate
func SchemeStatsKey(scheme string) string {
	return scheme + "_stats"
}

// PoolStatsKey is the cache key of a pool-wide rollup
func PoolStatsKey(scheme string) string {
	return "pool_stats_" + scheme
}

// IdentifiersKey is the cache key of a miner's recent worker names
func IdentifiersKey(minerKey string) string {
	return minerKey + "_identifiers"
}

// SchemeStats fetches a scheme aggregate, returning a zero value when
// the scheme has never been published.
func (c *Cache) SchemeStats(ctx context.Context, scheme string) (*SchemeStats, error) {
	var stats SchemeStats
	err := c.Get(ctx, SchemeStatsKey(scheme), &stats)
	if err == ErrNotFound {
		return &SchemeStats{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// MinerStats fetches a miner cache entry, zero-valued when absent
func (c *Cache) MinerStats(ctx context.Context, minerKey string) (*MinerStats, error) {
	var stats MinerStats
	err := c.Get(ctx, minerKey, &stats)
	if err == ErrNotFound {
		return &MinerStats{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// MinerList fetches the last published global miner list
func (c *Cache) MinerList(ctx context.Context) ([]string, error) {
	var list []string
	err := c.Get(ctx, KeyMinerList, &list)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

// NetworkBlockInfo fetches the cached chain tip
func (c *Cache) NetworkBlockInfo(ctx context.Context) (*NetworkBlockInfo, error) {
	var info NetworkBlockInfo
	if err := c.Get(ctx, KeyNetworkBlockInfo, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WalletHistory fetches the bounded wallet balance history
func (c *Cache) WalletHistory(ctx context.Context) ([]WalletHistoryPoint, error) {
	var hist []WalletHistoryPoint
	err := c.Get(ctx, KeyWalletHistory, &hist)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return hist, nil
}

// LastPaymentCycle fetches the settlement liveness marker
func (c *Cache) LastPaymentCycle(ctx context.Context) (int64, error) {
	var ts int64
	err := c.Get(ctx, KeyLastPaymentCycle, &ts)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ts, nil
}
