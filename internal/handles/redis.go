package handles

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/workflowlens/runner/internal/apperr"
)

const (
	redisKeyPrefix  = "handles:"
	DefaultRedisTTL = 24 * time.Hour
)

// RedisLedger keeps outstanding handles in a Redis set, one set per job.
// The set expires so abandoned ledgers do not accumulate.
type RedisLedger struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

var _ Ledger = (*RedisLedger)(nil)

// OpenRedis builds a client from a redis:// URL and pings it.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, apperr.E(apperr.KindNetwork, "redis ping", err)
	}
	return rdb, nil
}

func NewRedisLedger(rdb *redis.Client, key string, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLedger{rdb: rdb, key: redisKeyPrefix + key, ttl: ttl}
}

func (l *RedisLedger) Record(ctx context.Context, name string) error {
	pipe := l.rdb.TxPipeline()
	pipe.SAdd(ctx, l.key, name)
	pipe.Expire(ctx, l.key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.E(apperr.KindNetwork, "ledger record", err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, name string) error {
	if err := l.rdb.SRem(ctx, l.key, name).Err(); err != nil {
		return apperr.E(apperr.KindNetwork, "ledger release", err)
	}
	return nil
}

func (l *RedisLedger) Outstanding(ctx context.Context) ([]string, error) {
	names, err := l.rdb.SMembers(ctx, l.key).Result()
	if err != nil && err != redis.Nil {
		return nil, apperr.E(apperr.KindNetwork, "ledger outstanding", err)
	}
	sort.Strings(names)
	return names, nil
}
