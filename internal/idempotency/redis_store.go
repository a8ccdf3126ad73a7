package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const pendingPrefix = "pending:"

// completeScript swaps the pending marker for the response only if this caller still owns it.
var completeScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return false
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NewRedisClient creates a go-redis client for the idempotency cache.
func NewRedisClient(cfg RedisConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisStore keeps reservations and responses in Redis.
type RedisStore struct {
	client     goredis.Cmdable
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewRedisStore(client goredis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, pendingTTL: DefaultPendingTTL}
}

func (s *RedisStore) Reserve(ctx context.Context, key string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrEmptyKey
	}
	redisKey := KeyPrefix + key
	token := uuid.NewString()

	// The key can expire between SETNX and GET; a couple of rounds settles it.
	for i := 0; i < 3; i++ {
		ok, err := s.client.SetNX(ctx, redisKey, pendingPrefix+token, s.pendingTTL).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
		}
		if ok {
			return Reservation{Key: key, State: Reserved, Token: token}, nil
		}

		value, err := s.client.Get(ctx, redisKey).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("lookup %s: %w", key, err)
		}
		if strings.HasPrefix(value, pendingPrefix) {
			return Reservation{Key: key, State: InFlight}, nil
		}
		return Reservation{Key: key, State: Completed, Snapshot: []byte(value)}, nil
	}
	return Reservation{Key: key, State: InFlight}, nil
}

func (s *RedisStore) Complete(ctx context.Context, r Reservation, snapshot []byte) error {
	err := completeScript.Run(ctx, s.client, []string{KeyPrefix + r.Key},
		pendingPrefix+r.Token, string(snapshot), s.ttl.Milliseconds()).Err()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("complete %s: %w", r.Key, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, r Reservation) error {
	if err := releaseScript.Run(ctx, s.client, []string{KeyPrefix + r.Key}, pendingPrefix+r.Token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", r.Key, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
