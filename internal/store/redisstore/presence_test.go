package redisstore

import (
	"context"
	"testing"
	"time"

	"liveconsult/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "presence:user:42", Key(42))
	assert.Equal(t, "presence:user:0", Key(0))
}

func TestNewPresenceStore_DefaultTTL(t *testing.T) {
	s := NewPresenceStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), 0)
	defer s.Close()
	assert.Equal(t, 90*time.Second, s.ttl)
}

func TestNewClient(t *testing.T) {
	rc := config.GetDefaultConfig().Redis
	c := NewClient(rc)
	defer c.Close()
	assert.Equal(t, "localhost:6379", c.Options().Addr)
	assert.Equal(t, rc.PoolSize, c.Options().PoolSize)
}

func TestPresenceStore_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewPresenceStore(client, time.Minute)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Error(t, s.SetOnline(ctx, 1, "c1"))
	assert.Error(t, s.SetOffline(ctx, 1, "c1"))
	assert.Error(t, s.Refresh(ctx, 1, "c1"))
	online, err := s.IsOnline(ctx, 1)
	assert.Error(t, err)
	assert.False(t, online)
	assert.Error(t, s.Ping(ctx))
}
