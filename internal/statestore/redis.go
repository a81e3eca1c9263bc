package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "credstate:"

// RedisBackend stores credential state as JSON values in Redis, one key per
// credential. Used when multiple proxy instances share rotation state.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, addr string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisBackend{client: client}, nil
}

// NewRedisBackendFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, provider, credID string) (*CredentialState, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+stateKey(provider, credID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var state CredentialState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode credential state: %w", err)
	}
	return &state, nil
}

func (r *RedisBackend) Put(ctx context.Context, provider, credID string, state *CredentialState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode credential state: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+stateKey(provider, credID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, provider, credID string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+stateKey(provider, credID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisBackend) Close() error { return r.client.Close() }
