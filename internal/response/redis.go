package response

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared cooldown store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces cooldown keys; multiple deployments can share
	// one Redis.
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisCooldown coordinates cooldowns through Redis so multiple engine
// instances suppress duplicate responses. The window is claimed with SET NX
// and expires on its own.
type RedisCooldown struct {
	client *redis.Client
	prefix string
}

// NewRedisCooldown connects to Redis and verifies the connection.
func NewRedisCooldown(cfg RedisConfig) (*RedisCooldown, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "soar:cooldown"
	}
	return &RedisCooldown{client: client, prefix: prefix}, nil
}

// Acquire claims the cooldown window via SET NX with the cooldown as TTL. A
// zero cooldown always acquires without touching Redis.
func (r *RedisCooldown) Acquire(ctx context.Context, responseID string, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("%s:%s", r.prefix, responseID)
	ok, err := r.client.SetNX(ctx, key, time.Now().Unix(), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown acquire failed: %w", err)
	}
	return ok, nil
}

// Close releases the Redis connection.
func (r *RedisCooldown) Close() error {
	return r.client.Close()
}
