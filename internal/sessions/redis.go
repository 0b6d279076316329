package sessions

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"
	"github.com/userhub/apiserver/config"
)

const (
	redisKeyPrefix   = "userhub:invalidated:"
	redisDialTimeout = 5 * time.Second
	minWatermarkTTL  = time.Minute
)

// RedisInvalidator stores watermarks in Redis so every API instance sees
// the same invalidation state. Keys expire once every token issued before
// the watermark has itself expired.
type RedisInvalidator struct {
	client *redislib.Client
	ttl    time.Duration
}

// NewRedisInvalidator dials Redis and verifies the connection. ttl should
// be at least the access-token lifetime.
func NewRedisInvalidator(cfg config.RedisConfig, ttl time.Duration) (*RedisInvalidator, error) {
	opts, err := redislib.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client := redislib.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	if ttl < minWatermarkTTL {
		ttl = minWatermarkTTL
	}
	return &RedisInvalidator{client: client, ttl: ttl}, nil
}

func (r *RedisInvalidator) Invalidate(ctx context.Context, userID uuid.UUID, at time.Time) error {
	existing, err := r.InvalidatedAt(ctx, userID)
	if err != nil {
		return err
	}
	if existing.After(at) {
		return nil
	}
	value := strconv.FormatInt(at.UnixNano(), 10)
	return r.client.Set(ctx, r.key(userID), value, r.ttl).Err()
}

func (r *RedisInvalidator) InvalidatedAt(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	result, err := r.client.Get(ctx, r.key(userID)).Result()
	if err != nil {
		if err == redislib.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(result, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}

// Close releases the underlying Redis connection.
func (r *RedisInvalidator) Close() error {
	return r.client.Close()
}

func (r *RedisInvalidator) key(userID uuid.UUID) string {
	return redisKeyPrefix + userID.String()
}
