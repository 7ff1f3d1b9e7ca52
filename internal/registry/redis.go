package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/p2psync/internal/model"
	"github.com/and161185/p2psync/internal/wire"
)

// DefaultRedisKey is the hash holding peerID -> encoded address.
const DefaultRedisKey = "p2psync:peers"

// hashClient is the subset of *redis.Client used by the registry.
type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// Redis is a Registry shared between tracker replicas through a Redis hash.
type Redis struct {
	rdb hashClient
	key string
}

var _ Registry = (*Redis)(nil)

// NewRedis constructs a registry on top of an existing client.
func NewRedis(rdb *redis.Client, key string) *Redis {
	return newRedis(rdb, key)
}

func newRedis(rdb hashClient, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{rdb: rdb, key: key}
}

// Put implements Registry.
func (r *Redis) Put(ctx context.Context, peerID string, addr model.Address) error {
	v, err := wire.Encode(addr)
	if err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, r.key, peerID, v).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// Get implements Registry.
func (r *Redis) Get(ctx context.Context, peerID string) (model.Address, bool, error) {
	v, err := r.rdb.HGet(ctx, r.key, peerID).Result()
	if errors.Is(err, redis.Nil) {
		return model.Address{}, false, nil
	}
	if err != nil {
		return model.Address{}, false, fmt.Errorf("redis hget: %w", err)
	}
	var a model.Address
	if err := wire.Decode(v, &a); err != nil {
		return model.Address{}, false, err
	}
	return a, true, nil
}
