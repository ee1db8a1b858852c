package kv

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store over a shared Redis instance, for deployments where
// several service processes observe the same runs.
type Redis struct {
	Client    *redis.Client
	Namespace string
}

func NewRedis(client *redis.Client, namespace string) Redis {
	return Redis{Client: client, Namespace: namespace}
}

func (r Redis) key(k string) string {
	if r.Namespace == "" {
		return k
	}
	return r.Namespace + ":" + k
}

func (r Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.Client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (r Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.Client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r Redis) Delete(ctx context.Context, key string) error {
	return r.Client.Del(ctx, r.key(key)).Err()
}

func (r Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	strip := len(r.key(""))
	iter := r.Client.Scan(ctx, 0, r.key(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if r.Namespace != "" {
			k = k[strip:]
		}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
