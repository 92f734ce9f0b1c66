package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avauthgw/internal/config"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
)

const storeTracerName = "avauthgw/store"

// delIfExistsScript atomically deletes a key and returns whether it existed.
// KEYS[1] = key
var delIfExistsScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		redis.call('DEL', KEYS[1])
		return 1
	end
	return 0
`)

// RedisStore implements KV using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger observability.Logger
}

// Option is a functional option for the RedisStore.
type Option func(*RedisStore)

// WithLogger sets the logger for the store.
func WithLogger(logger observability.Logger) Option {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore creates a new Redis-backed store from configuration and
// verifies connectivity with a ping.
func NewRedisStore(cfg *config.RedisConfig, opts ...Option) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.New("redis configuration is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("redis URL is required")
	}

	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.PoolSize > 0 {
		redisOpts.PoolSize = cfg.PoolSize
	}
	if cfg.ConnectTimeout > 0 {
		redisOpts.DialTimeout = cfg.ConnectTimeout.Duration()
	}
	if cfg.ReadTimeout > 0 {
		redisOpts.ReadTimeout = cfg.ReadTimeout.Duration()
	}
	if cfg.WriteTimeout > 0 {
		redisOpts.WriteTimeout = cfg.WriteTimeout.Duration()
	}
	if redisOpts.TLSConfig != nil && cfg.TLSInsecureSkipVerify {
		redisOpts.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // User-configurable
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger.Info("redis store initialized",
		observability.String("keyPrefix", s.prefix))

	return s, nil
}

// NewRedisStoreFromClient wraps an existing Redis client. Used in tests with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, opts ...Option) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: prefix,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key applies the store's key prefix.
func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// observe starts a span and a timer for an operation. The returned finish
// function records metrics and span status.
func (s *RedisStore) observe(ctx context.Context, op, key string) (context.Context, trace.Span, func(error)) {
	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", op),
			attribute.String("db.key", key),
		),
	)

	start := time.Now()
	finish := func(err error) {
		storeOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil && !errors.Is(err, ErrNotFound) {
			status = "error"
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			s.logger.Error("redis operation failed",
				observability.String("operation", op),
				observability.String("key", key),
				observability.Error(err))
		}
		storeOperationsTotal.WithLabelValues(op, status).Inc()
		span.End()
	}

	return ctx, span, finish
}

// HSetAll sets all fields of a hash.
func (s *RedisStore) HSetAll(ctx context.Context, key string, fields map[string]string) error {
	ctx, _, finish := s.observe(ctx, "hsetall", key)
	err := s.client.HSet(ctx, s.key(key), flatten(fields)...).Err()
	finish(err)
	return err
}

// HGetAll returns all fields of a hash.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, span, finish := s.observe(ctx, "hgetall", key)
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	finish(err)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.fields", len(fields)))
	return fields, nil
}

// HGet returns a single hash field.
func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	ctx, _, finish := s.observe(ctx, "hget", key)
	val, err := s.client.HGet(ctx, s.key(key), field).Result()
	if errors.Is(err, redis.Nil) {
		err = ErrNotFound
	}
	finish(err)
	if err != nil {
		return "", err
	}
	return val, nil
}

// HSet sets a single hash field.
func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	ctx, _, finish := s.observe(ctx, "hset", key)
	err := s.client.HSet(ctx, s.key(key), field, value).Err()
	finish(err)
	return err
}

// HDel deletes fields from a hash.
func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, _, finish := s.observe(ctx, "hdel", key)
	err := s.client.HDel(ctx, s.key(key), fields...).Err()
	finish(err)
	return err
}

// Del deletes keys.
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, _, finish := s.observe(ctx, "del", keys[0])
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	err := s.client.Del(ctx, prefixed...).Err()
	finish(err)
	return err
}

// DelIfExists atomically deletes a key and reports whether it existed.
func (s *RedisStore) DelIfExists(ctx context.Context, key string) (bool, error) {
	ctx, span, finish := s.observe(ctx, "delifexists", key)
	res, err := delIfExistsScript.Run(ctx, s.client, []string{s.key(key)}).Int()
	finish(err)
	if err != nil {
		return false, err
	}
	deleted := res == 1
	span.SetAttributes(attribute.Bool("db.deleted", deleted))
	return deleted, nil
}

// Exists reports whether a key exists.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, _, finish := s.observe(ctx, "exists", key)
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	finish(err)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SAdd adds members to a set.
func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	ctx, _, finish := s.observe(ctx, "sadd", key)
	err := s.client.SAdd(ctx, s.key(key), toAny(members)...).Err()
	finish(err)
	return err
}

// SRem removes members from a set.
func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	ctx, _, finish := s.observe(ctx, "srem", key)
	err := s.client.SRem(ctx, s.key(key), toAny(members)...).Err()
	finish(err)
	return err
}

// SMembers returns all members of a set.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, _, finish := s.observe(ctx, "smembers", key)
	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	finish(err)
	if err != nil {
		return nil, err
	}
	return members, nil
}

// SIsMember reports whether a value is a member of a set.
func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, _, finish := s.observe(ctx, "sismember", key)
	ok, err := s.client.SIsMember(ctx, s.key(key), member).Result()
	finish(err)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Scan returns all keys matching a glob pattern, unprefixed.
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, span, finish := s.observe(ctx, "scan", pattern)

	var keys []string
	var cursor uint64
	prefixLen := len(s.prefix)
	for {
		var batch []string
		var err error
		batch, cursor, err = s.client.Scan(ctx, cursor, s.prefix+pattern, 100).Result()
		if err != nil {
			finish(err)
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, k[prefixLen:])
		}
		if cursor == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("db.keys", len(keys)))
	finish(nil)
	return keys, nil
}

// redisPipe adapts a Redis transactional pipeline to the Pipe interface.
type redisPipe struct {
	pipe   redis.Pipeliner
	prefix string
}

func (p *redisPipe) HSetAll(key string, fields map[string]string) {
	p.pipe.HSet(context.Background(), p.prefix+key, flatten(fields)...)
}

func (p *redisPipe) HDel(key string, fields ...string) {
	p.pipe.HDel(context.Background(), p.prefix+key, fields...)
}

func (p *redisPipe) SAdd(key string, members ...string) {
	p.pipe.SAdd(context.Background(), p.prefix+key, toAny(members)...)
}

func (p *redisPipe) SRem(key string, members ...string) {
	p.pipe.SRem(context.Background(), p.prefix+key, toAny(members)...)
}

func (p *redisPipe) Del(keys ...string) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = p.prefix + k
	}
	p.pipe.Del(context.Background(), prefixed...)
}

// Batch executes all operations queued by fn as one MULTI/EXEC unit.
func (s *RedisStore) Batch(ctx context.Context, fn func(Pipe)) error {
	ctx, _, finish := s.observe(ctx, "batch", "")
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisPipe{pipe: pipe, prefix: s.prefix})
		return nil
	})
	finish(err)
	return err
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	s.logger.Info("redis store closing")
	return s.client.Close()
}

// flatten converts a field map to the alternating key/value form HSET expects.
func flatten(fields map[string]string) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

// toAny converts a string slice to []interface{} for variadic Redis commands.
func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// Ensure RedisStore implements KV.
var _ KV = (*RedisStore)(nil)
