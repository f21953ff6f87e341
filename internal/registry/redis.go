package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tunnel:"

// RedisStore implements Store on Redis so announcements are visible to every
// process sharing the database.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to addr and fails if the server does not answer PING.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: rdb, ttl: ttl}, nil
}

var _ Store = (*RedisStore)(nil)

func key(name string) string { return keyPrefix + name }

// expiration maps a non-positive ttl to "no expiry" for go-redis.
func (r *RedisStore) expiration() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	return r.ttl
}

func (r *RedisStore) Announce(ctx context.Context, a Announcement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if err := r.client.Set(ctx, key(a.Name), data, r.expiration()).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Refresh(ctx context.Context, name string) error {
	if r.ttl <= 0 {
		n, err := r.client.Exists(ctx, key(name)).Result()
		if err != nil {
			return fmt.Errorf("redis exists failed: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}
	ok, err := r.client.Expire(ctx, key(name), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis expire failed: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) Withdraw(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, key(name)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Lookup(ctx context.Context, name string) (Announcement, error) {
	val, err := r.client.Get(ctx, key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Announcement{}, ErrNotFound
		}
		return Announcement{}, fmt.Errorf("redis get failed: %w", err)
	}
	var a Announcement
	if err := json.Unmarshal(val, &a); err != nil {
		return Announcement{}, fmt.Errorf("unmarshal announcement: %w", err)
	}
	return a, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
