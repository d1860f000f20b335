// Package redis implements the broker.Client capability surface on Redis
// Streams. It supports single-instance, Sentinel and Cluster deployments
// behind one configuration struct.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/ag1-io/aetherbus/pkg/broker"
	"github.com/ag1-io/aetherbus/pkg/observability"
)

// StreamsConfig represents the configuration for the Redis Streams client
type StreamsConfig struct {
	// Connection settings
	Addresses    []string      `yaml:"addresses" json:"addresses" mapstructure:"addresses"`
	Username     string        `yaml:"username" json:"username" mapstructure:"username"` // Redis 6.0+ ACL username
	Password     string        `yaml:"password" json:"password" mapstructure:"password"`
	DB           int           `yaml:"db" json:"db" mapstructure:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff" mapstructure:"retry_backoff"`

	// Timeout settings for network operations
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`

	// TLS settings
	TLSEnabled bool        `yaml:"tls_enabled" json:"tls_enabled" mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `yaml:"-" json:"-" mapstructure:"-"`

	// Pool settings
	PoolSize     int           `yaml:"pool_size" json:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns" mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" json:"pool_timeout" mapstructure:"pool_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`

	// Cluster settings
	ClusterEnabled bool `yaml:"cluster_enabled" json:"cluster_enabled" mapstructure:"cluster_enabled"`
	ReadOnly       bool `yaml:"read_only" json:"read_only" mapstructure:"read_only"`
	RouteByLatency bool `yaml:"route_by_latency" json:"route_by_latency" mapstructure:"route_by_latency"`

	// Sentinel settings
	SentinelEnabled  bool     `yaml:"sentinel_enabled" json:"sentinel_enabled" mapstructure:"sentinel_enabled"`
	MasterName       string   `yaml:"master_name" json:"master_name" mapstructure:"master_name"`
	SentinelAddrs    []string `yaml:"sentinel_addrs" json:"sentinel_addrs" mapstructure:"sentinel_addrs"`
	SentinelPassword string   `yaml:"sentinel_password" json:"sentinel_password" mapstructure:"sentinel_password"`
}

// DefaultConfig returns a default configuration for the Redis Streams client
func DefaultConfig() *StreamsConfig {
	return &StreamsConfig{
		Addresses:      []string{"localhost:6379"},
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		DialTimeout:    10 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PoolSize:       10,
		MinIdleConns:   2,
		PoolTimeout:    4 * time.Second,
		IdleTimeout:    5 * time.Minute,
		RouteByLatency: true,
	}
}

// StreamsClient provides the bus broker operations on Redis with connection
// pooling and a background health check. It implements broker.Client.
type StreamsClient struct {
	client redis.UniversalClient
	config *StreamsConfig
	logger observability.Logger
	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	// Health check state
	healthy         bool
	healthMu        sync.RWMutex
	lastHealthCheck time.Time
}

// compile-time interface check
var _ broker.Client = (*StreamsClient)(nil)

// NewStreamsClient creates a new Redis Streams client and verifies the
// connection before returning.
func NewStreamsClient(config *StreamsConfig, logger observability.Logger) (*StreamsClient, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	client := &StreamsClient{
		config:  config,
		logger:  logger,
		healthy: true,
		done:    make(chan struct{}),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Start health check routine
	go client.healthCheckLoop()

	return client, nil
}

// connect establishes connection to Redis based on configuration
func (c *StreamsClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var client redis.UniversalClient

	if c.config.SentinelEnabled {
		// Sentinel mode for high availability
		if len(c.config.SentinelAddrs) == 0 {
			return fmt.Errorf("no Sentinel addresses configured")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       c.config.MasterName,
			SentinelAddrs:    c.config.SentinelAddrs,
			SentinelPassword: c.config.SentinelPassword,
			Username:         c.config.Username,
			Password:         c.config.Password,
			DB:               c.config.DB,
			MaxRetries:       c.config.MaxRetries,
			MinRetryBackoff:  c.config.RetryBackoff,
			DialTimeout:      c.config.DialTimeout,
			ReadTimeout:      c.config.ReadTimeout,
			WriteTimeout:     c.config.WriteTimeout,
			PoolSize:         c.config.PoolSize,
			MinIdleConns:     c.config.MinIdleConns,
			PoolTimeout:      c.config.PoolTimeout,
			ConnMaxIdleTime:  c.config.IdleTimeout,
			TLSConfig:        c.config.TLSConfig,
		})
	} else if c.config.ClusterEnabled {
		// Cluster mode for horizontal scaling
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           c.config.Addresses,
			Username:        c.config.Username,
			Password:        c.config.Password,
			MaxRetries:      c.config.MaxRetries,
			MinRetryBackoff: c.config.RetryBackoff,
			DialTimeout:     c.config.DialTimeout,
			ReadTimeout:     c.config.ReadTimeout,
			WriteTimeout:    c.config.WriteTimeout,
			PoolSize:        c.config.PoolSize,
			MinIdleConns:    c.config.MinIdleConns,
			PoolTimeout:     c.config.PoolTimeout,
			ConnMaxIdleTime: c.config.IdleTimeout,
			TLSConfig:       c.config.TLSConfig,
			ReadOnly:        c.config.ReadOnly,
			RouteByLatency:  c.config.RouteByLatency,
		})
	} else {
		// Single instance mode
		if len(c.config.Addresses) == 0 {
			return fmt.Errorf("no Redis addresses configured")
		}

		client = redis.NewClient(&redis.Options{
			Addr:            c.config.Addresses[0],
			Username:        c.config.Username,
			Password:        c.config.Password,
			DB:              c.config.DB,
			MaxRetries:      c.config.MaxRetries,
			MinRetryBackoff: c.config.RetryBackoff,
			DialTimeout:     c.config.DialTimeout,
			ReadTimeout:     c.config.ReadTimeout,
			WriteTimeout:    c.config.WriteTimeout,
			PoolSize:        c.config.PoolSize,
			MinIdleConns:    c.config.MinIdleConns,
			PoolTimeout:     c.config.PoolTimeout,
			ConnMaxIdleTime: c.config.IdleTimeout,
			TLSConfig:       c.config.TLSConfig,
		})
	}

	// Verify the connection with retries; transient failures during
	// startup are common when Redis and the service boot together.
	testTimeout := c.config.DialTimeout + c.config.ReadTimeout
	if testTimeout == 0 {
		testTimeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.config.RetryBackoff
	if expBackoff.InitialInterval == 0 {
		expBackoff.InitialInterval = 100 * time.Millisecond
	}
	ping := func() error {
		return client.Ping(ctx).Err()
	}
	retries := uint64(c.config.MaxRetries)
	if err := backoff.Retry(ping, backoff.WithContext(backoff.WithMaxRetries(expBackoff, retries), ctx)); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	c.client = client
	c.logger.Info("Connected to Redis", map[string]interface{}{
		"mode":      c.getMode(),
		"addresses": c.config.Addresses,
	})

	return nil
}

// getMode returns the current connection mode
func (c *StreamsClient) getMode() string {
	if c.config.SentinelEnabled {
		return "sentinel"
	}
	if c.config.ClusterEnabled {
		return "cluster"
	}
	return "single"
}

// healthCheckLoop runs periodic health checks until the client is closed
func (c *StreamsClient) healthCheckLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

// checkHealth performs a health check on the Redis connection
func (c *StreamsClient) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.client.Ping(ctx).Err()

	c.healthMu.Lock()
	c.healthy = err == nil
	c.lastHealthCheck = time.Now()
	c.healthMu.Unlock()

	if err != nil {
		c.logger.Error("Redis health check failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// IsHealthy returns the current health status
func (c *StreamsClient) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthy
}

// guard returns ErrClosed once Close has been called.
func (c *StreamsClient) guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return broker.ErrClosed
	}
	return nil
}

// Close stops the health check loop and releases the connections
func (c *StreamsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// GetClient returns the underlying Redis client for direct access
func (c *StreamsClient) GetClient() redis.UniversalClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Broker operations

// EnsureGroup creates the stream and consumer group if either is missing.
// An already-existing group is not an error.
func (c *StreamsClient) EnsureGroup(ctx context.Context, stream, group string) error {
	if err := c.guard(); err != nil {
		return err
	}

	// Start at "0" so entries published before the group existed are
	// still delivered to it.
	err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Append writes one entry and trims the stream to roughly maxLen entries
func (c *StreamsClient) Append(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return id, nil
}

// Exists reports whether the stream key is present
func (c *StreamsClient) Exists(ctx context.Context, stream string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}

	n, err := c.client.Exists(ctx, stream).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check stream %s: %w", stream, err)
	}
	return n > 0, nil
}

// ReadGroup returns never-before-delivered entries for the group, blocking
// up to block before returning empty. Pass block <= 0 for a non-blocking
// read.
func (c *StreamsClient) ReadGroup(ctx context.Context, group, consumer, stream, cursor string, count int64, block time.Duration) ([]broker.Entry, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if cursor == "" {
		cursor = ">"
	}

	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, cursor},
		Count:    count,
		Block:    blockArg(block),
	}

	streams, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read group %s on %s: %w", group, stream, err)
	}
	return flattenStreams(streams), nil
}

// Read tails the stream without a group, starting after fromID
func (c *StreamsClient) Read(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]broker.Entry, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if fromID == "" {
		fromID = "$"
	}

	args := &redis.XReadArgs{
		Streams: []string{stream, fromID},
		Count:   count,
		Block:   blockArg(block),
	}

	streams, err := c.client.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}
	return flattenStreams(streams), nil
}

// LastID returns the id of the newest entry on the stream, or "0-0" when
// the stream is empty or missing
func (c *StreamsClient) LastID(ctx context.Context, stream string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}

	msgs, err := c.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read tip of stream %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// Range returns entries between from and to in insertion order
func (c *StreamsClient) Range(ctx context.Context, stream, from, to string, count int64) ([]broker.Entry, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}

	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = c.client.XRangeN(ctx, stream, from, to, count).Result()
	} else {
		msgs, err = c.client.XRange(ctx, stream, from, to).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to range stream %s: %w", stream, err)
	}

	entries := make([]broker.Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, broker.Entry{ID: m.ID, Fields: m.Values})
	}
	return entries, nil
}

// Ack acknowledges delivered entries for the group
func (c *StreamsClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := c.guard(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := c.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack on stream %s: %w", stream, err)
	}
	return nil
}

// ScanKeys returns every key matching the glob pattern
func (c *StreamsClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// SetAdd adds member to a set, reporting whether it was newly added
func (c *StreamsClient) SetAdd(ctx context.Context, key, member string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}

	added, err := c.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to add to set %s: %w", key, err)
	}
	return added > 0, nil
}

// SetRemove removes member from a set
func (c *StreamsClient) SetRemove(ctx context.Context, key, member string) error {
	if err := c.guard(); err != nil {
		return err
	}

	if err := c.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("failed to remove from set %s: %w", key, err)
	}
	return nil
}

// SetContains reports whether member is in the set
func (c *StreamsClient) SetContains(ctx context.Context, key, member string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}

	ok, err := c.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check set %s: %w", key, err)
	}
	return ok, nil
}

// SetMembers returns all members of the set
func (c *StreamsClient) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list set %s: %w", key, err)
	}
	return members, nil
}

// MapSet writes fields into the hash at key
func (c *StreamsClient) MapSet(ctx context.Context, key string, fields map[string]string) error {
	if err := c.guard(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := c.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("failed to write hash %s: %w", key, err)
	}
	return nil
}

// MapGet returns all fields of the hash at key
func (c *StreamsClient) MapGet(ctx context.Context, key string) (map[string]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hash %s: %w", key, err)
	}
	return fields, nil
}

// MapDelete removes the hash at key
func (c *StreamsClient) MapDelete(ctx context.Context, key string) error {
	if err := c.guard(); err != nil {
		return err
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete hash %s: %w", key, err)
	}
	return nil
}

// blockArg translates the broker block contract into go-redis terms: any
// non-positive duration means "do not block". go-redis adds a BLOCK argument
// for every value >= 0, so non-positive maps to -1.
func blockArg(block time.Duration) time.Duration {
	if block <= 0 {
		return -1
	}
	return block
}

// flattenStreams merges per-stream read results into one entry list
func flattenStreams(streams []redis.XStream) []broker.Entry {
	var entries []broker.Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			entries = append(entries, broker.Entry{ID: m.ID, Fields: m.Values})
		}
	}
	return entries
}
