package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parabit/memgate/internal/xerrors"
)

// keyPrefix namespaces gateway records inside a shared redis.
const keyPrefix = "memgate:idem:"

// RedisStore backs Record persistence with redis. SET NX provides the
// record-if-absent primitive.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "idempotency get")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, xerrors.Wrap(err, "idempotency record decode")
	}
	return &rec, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, rec *Record, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, xerrors.Wrap(err, "idempotency record encode")
	}
	stored, err := s.client.SetNX(ctx, keyPrefix+key, raw, ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(err, "idempotency put")
	}
	return stored, nil
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}
