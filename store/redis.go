package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"stressmonitor/state"
)

// RedisStore keeps the document under a single key, so several monitor
// nodes sharing one Redis see the same results.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (state.Results, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return state.NewResults(), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", s.key)
	}
	r, err := decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", s.key)
	}
	return r, nil
}

func (s *RedisStore) Save(ctx context.Context, r state.Results) error {
	data, err := encode(r)
	if err != nil {
		return errors.Wrap(err, "encode results")
	}
	return errors.Wrapf(s.client.Set(ctx, s.key, data, 0).Err(), "set %s", s.key)
}

func (s *RedisStore) Delete(ctx context.Context) error {
	return errors.Wrapf(s.client.Del(ctx, s.key).Err(), "del %s", s.key)
}
