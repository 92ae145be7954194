package queryx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/seasbee/go-logx"
)

// Record is an opaque field map for a single entity row. The pool and cache
// never interpret its contents.
type Record map[string]any

// Client issues reads against named collections in the backing store.
// Implementations must be safe for use by a single goroutine at a time;
// the connection pool guarantees exclusive hand-out.
type Client interface {
	// FindByID fetches a single record from a collection. Returns ErrNotFound
	// (possibly wrapped) when no row matches.
	FindByID(ctx context.Context, collection, id string) (Record, error)

	// FindByIDs fetches multiple records in one round trip. Ids with no
	// matching row are simply absent from the result.
	FindByIDs(ctx context.Context, collection string, ids []string) (map[string]Record, error)

	// Ping verifies the client is still usable.
	Ping(ctx context.Context) error

	// Close releases the underlying link.
	Close() error
}

// ClientFactory yields store clients for the connection pool. The pool only
// manages the handles it is given; the factory owns its own lifecycle.
type ClientFactory interface {
	NewClient(ctx context.Context) (Client, error)
}

// ClientFactoryFunc adapts a function to the ClientFactory interface
type ClientFactoryFunc func(ctx context.Context) (Client, error)

// NewClient implements ClientFactory
func (f ClientFactoryFunc) NewClient(ctx context.Context) (Client, error) {
	return f(ctx)
}

// RedisClientFactoryConfig holds connection settings for the Redis-backed factory
type RedisClientFactoryConfig struct {
	Addr     string `yaml:"addr" json:"addr" validate:"required,max:256"`
	Password string `yaml:"password" json:"password" validate:"omitempty"`
	DB       int    `yaml:"db" json:"db" validate:"gte:0,lte:15"`

	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultRedisClientFactoryConfig returns a default configuration
func DefaultRedisClientFactoryConfig() *RedisClientFactoryConfig {
	return &RedisClientFactoryConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisClientFactory creates pooled store clients backed by Redis. Each
// collection maps to a hash-per-row keyspace: "{collection}:{id}".
type RedisClientFactory struct {
	config *RedisClientFactoryConfig
}

// NewRedisClientFactory creates a Redis-backed client factory
func NewRedisClientFactory(config *RedisClientFactoryConfig) (*RedisClientFactory, error) {
	if config == nil {
		config = DefaultRedisClientFactoryConfig()
	}
	if config.Addr == "" {
		return nil, fmt.Errorf("%w: address cannot be empty", ErrInvalidConfig)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 3 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 3 * time.Second
	}

	return &RedisClientFactory{config: config}, nil
}

// NewClient dials Redis and verifies the connection before handing it out
func (f *RedisClientFactory) NewClient(ctx context.Context) (Client, error) {
	opts := &redis.Options{
		Addr:         f.config.Addr,
		Password:     f.config.Password,
		DB:           f.config.DB,
		DialTimeout:  f.config.DialTimeout,
		ReadTimeout:  f.config.ReadTimeout,
		WriteTimeout: f.config.WriteTimeout,
		// The queryx pool owns connection reuse; keep the driver-side pool minimal
		PoolSize: 1,
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, f.config.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", f.config.Addr, err)
	}

	logx.Debug("Redis store client created",
		logx.String("addr", f.config.Addr),
		logx.Int("db", f.config.DB))

	return &redisClient{client: client}, nil
}

// redisClient implements Client on top of a go-redis connection
type redisClient struct {
	client *redis.Client
}

func rowKey(collection, id string) string {
	return collection + ":" + id
}

// FindByID reads a single hash row
func (c *redisClient) FindByID(ctx context.Context, collection, id string) (Record, error) {
	fields, err := c.client.HGetAll(ctx, rowKey(collection, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis hgetall: %s", ErrQueryFailed, err.Error())
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	rec := make(Record, len(fields))
	for k, v := range fields {
		rec[k] = v
	}
	return rec, nil
}

// FindByIDs reads multiple hash rows in a single pipelined round trip
func (c *redisClient) FindByIDs(ctx context.Context, collection string, ids []string) (map[string]Record, error) {
	if len(ids) == 0 {
		return map[string]Record{}, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, rowKey(collection, id))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: redis pipeline: %s", ErrQueryFailed, err.Error())
	}

	out := make(map[string]Record, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// Missing rows are absent from the result, not an error
			continue
		}
		rec := make(Record, len(fields))
		for k, v := range fields {
			rec[k] = v
		}
		out[ids[i]] = rec
	}
	return out, nil
}

// Ping verifies the Redis link
func (c *redisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *redisClient) Close() error {
	return c.client.Close()
}
