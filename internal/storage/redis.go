package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is a KeyValueStore backed by a redis database. The store assumes
// it owns the configured DB index; Clear deletes every key it can see.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) GetString(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) SetString(ctx context.Context, key, val string) error {
	// TTL stays zero: expiry is the cache manager's job, not redis's.
	return r.rdb.Set(ctx, key, val, 0).Err()
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.scan(ctx, globPrefix(prefix))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.scan(ctx, "*")
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += 200 {
		end := start + 200
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.rdb.Del(ctx, keys[start:end]...).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// globPrefix escapes redis MATCH glob characters in a key prefix.
func globPrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(prefix) + "*"
}
