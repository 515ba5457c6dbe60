package cache

import (
	"context"
	"fmt"
	"time"

	"otp-dispatcher/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Cache namespaces keys as "<namespace>:<key>" on top of a go-redis client.
type Cache struct {
	client redis.UniversalClient
}

// Connect builds a client from config and pings it.
func Connect(ctx context.Context, config utils.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", config.Addr, err)
	}

	return rdb, nil
}

func New(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

func (c *Cache) key(namespace, key string) string {
	return namespace + ":" + key
}

// SetNX stores value only if the key is absent. Reports whether it was stored.
func (c *Cache) SetNX(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.key(namespace, key), value, ttl).Result()
}

// DeleteIfValue removes the key when its current value equals value.
func (c *Cache) DeleteIfValue(ctx context.Context, namespace, key, value string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.client, []string{c.key(namespace, key)}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
