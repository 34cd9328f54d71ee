package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore keeps signals and locks in Redis
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisStore creates a store on client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// Dial connects to the Redis server at url
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Set(ctx context.Context, jobID string, sig Signal) error {
	if sig == SignalNone {
		return s.Clear(ctx, jobID)
	}
	if err := s.client.Set(ctx, Key(jobID), string(sig), SignalTTL).Err(); err != nil {
		return fmt.Errorf("failed to set job signal: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (Signal, error) {
	val, err := s.client.Get(ctx, Key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return SignalNone, nil
	}
	if err != nil {
		return SignalNone, fmt.Errorf("failed to read job signal: %w", err)
	}
	return Signal(val), nil
}

func (s *RedisStore) Clear(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, Key(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to clear job signal: %w", err)
	}
	return nil
}

func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return s.script.Run(ctx, s.client, []string{key}, token).Err()
}
