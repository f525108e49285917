package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"liveconsult/internal/config"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:user:"

// 仅当值仍为当前连接时才删除/续期，避免旧连接覆盖新连接
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// PresenceStore mirrors the connection registry into redis so other
// processes can tell whether a user is connected.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewClient builds a go-redis client from config.
func NewClient(rc config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", rc.Host, rc.Port),
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
	})
}

// NewPresenceStore 创建在线状态存储
func NewPresenceStore(client *redis.Client, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &PresenceStore{client: client, ttl: ttl}
}

// Key returns the redis key of userID.
func Key(userID uint) string {
	return keyPrefix + strconv.FormatUint(uint64(userID), 10)
}

func (s *PresenceStore) SetOnline(ctx context.Context, userID uint, connID string) error {
	if err := s.client.Set(ctx, Key(userID), connID, s.ttl).Err(); err != nil {
		return fmt.Errorf("presence online: %w", err)
	}
	return nil
}

func (s *PresenceStore) SetOffline(ctx context.Context, userID uint, connID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{Key(userID)}, connID).Err(); err != nil {
		return fmt.Errorf("presence offline: %w", err)
	}
	return nil
}

// Refresh extends the TTL while connID is still the user's connection.
func (s *PresenceStore) Refresh(ctx context.Context, userID uint, connID string) error {
	if err := refreshScript.Run(ctx, s.client, []string{Key(userID)}, connID, s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("presence refresh: %w", err)
	}
	return nil
}

func (s *PresenceStore) IsOnline(ctx context.Context, userID uint) (bool, error) {
	n, err := s.client.Exists(ctx, Key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return n > 0, nil
}

// ConnectionOf returns the connection id recorded for userID, or "" when offline.
func (s *PresenceStore) ConnectionOf(ctx context.Context, userID uint) (string, error) {
	v, err := s.client.Get(ctx, Key(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence lookup: %w", err)
	}
	return v, nil
}

// Ping checks connectivity; used by the readiness probe.
func (s *PresenceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *PresenceStore) Close() error {
	return s.client.Close()
}
