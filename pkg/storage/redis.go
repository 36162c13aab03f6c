package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jdziat/simple-grid/pkg/config"
	"github.com/jdziat/simple-grid/pkg/core"
)

// Redis key prefixes.
const (
	redisCodePrefix = "grid:"
	redisLockPrefix = "grid:lock:"
)

// releaseScript deletes the lock key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisClient creates a client for cfg and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        20,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// RedisCodeStore keeps code archives under "grid:tar:{job_id}".
type RedisCodeStore struct {
	client *redis.Client
}

// NewRedisCodeStore creates a code store on client.
func NewRedisCodeStore(client *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

// PutIfAbsent stores data with SETNX.
func (s *RedisCodeStore) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	return s.client.SetNX(ctx, redisCodePrefix+key, data, 0).Result()
}

// Get returns the archive stored under key.
func (s *RedisCodeStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, redisCodePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrArchiveNotFound
	}
	return data, err
}

// RedisHostLocker implements core.HostLocker with SET NX PX and an owner
// token, so an expired holder cannot release a lock it lost.
type RedisHostLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisHostLocker creates a locker on client. A zero ttl uses DefaultLockTTL.
func NewRedisHostLocker(client *redis.Client, ttl time.Duration) *RedisHostLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisHostLocker{client: client, ttl: ttl, poll: DefaultLockPoll}
}

// Acquire polls until the lock is held or wait elapses.
func (l *RedisHostLocker) Acquire(ctx context.Context, scope string, wait time.Duration) (core.Lease, error) {
	key := redisLockPrefix + scope
	token := uuid.New().String()
	return pollAcquire(ctx, scope, wait, l.poll, func() (core.Lease, bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil || !ok {
			return nil, false, err
		}
		return &redisLease{client: l.client, key: key, token: token}, true, nil
	})
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err()
}

var (
	_ core.CodeStore  = (*RedisCodeStore)(nil)
	_ core.HostLocker = (*RedisHostLocker)(nil)
)
