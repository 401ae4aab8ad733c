package rediskv

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/dmakasi/mahudhurio/core"
	"github.com/dmakasi/mahudhurio/storage/keyvalue"
)

const opTimeout = 3 * time.Second

// Store persists keys in Redis under a common prefix so several
// applications can share one server.
type Store struct {
	client *redis.Client
	prefix string
}

var _ keyvalue.Store = (*Store)(nil)

func Open(conf *core.Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: conf.Storage.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "pinging redis")
	}
	return &Store{client: client, prefix: conf.Storage.RedisPrefix}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, keyvalue.ErrNotFound
		}
		return nil, errors.Wrap(err, "redis get")
	}
	return val, nil
}

func (s *Store) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (s *Store) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.prefix + key
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return errors.Wrap(err, "redis delete")
	}
	return nil
}
