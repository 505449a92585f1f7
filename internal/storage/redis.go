package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "fxalert/pkg/logx"
)

const defaultRedisPrefix = "fxalert:dedup:"

// redisDedup stores one key per fingerprint. Redis expires them itself, so
// PruneDedup has nothing to do.
type redisDedup struct {
	client *redis.Client
	prefix string
}

func openRedisDedup(ctx context.Context, cfg DedupConfig, log logx.Logger) (DedupStore, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("storage.dedup.redis_url is required for the redis driver")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	log.Info("dedup store opened", logx.String("driver", "redis"), logx.String("addr", opt.Addr), logx.String("prefix", prefix))
	return newRedisDedup(client, prefix), nil
}

func newRedisDedup(client *redis.Client, prefix string) *redisDedup {
	return &redisDedup{client: client, prefix: prefix}
}

func (r *redisDedup) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.prefix+key, strconv.FormatInt(until.UnixMilli(), 10), ttl).Err()
}

func (r *redisDedup) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dedup value %q: %w", v, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (r *redisDedup) PruneDedup(context.Context, time.Time) (int, error) { return 0, nil }

func (r *redisDedup) Close() error { return r.client.Close() }
