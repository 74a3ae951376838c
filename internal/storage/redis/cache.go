package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
)

// ErrCacheMiss 缓存未命中。
var ErrCacheMiss = errors.New("cache miss")

// Cache 基于 Redis 的会话缓存，减少热路径上的会话表查询。
//
// 缓存是纯加速层：未命中或 Redis 不可用时调用方必须回落到持久存储。
type Cache struct {
	rdb *goredis.Client
}

// NewCache 创建 Redis 缓存实例。
func NewCache(addr, password string, db int) (*Cache, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

func sessionKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

// CacheSession 按令牌缓存会话，TTL 对齐会话剩余有效期。
func (c *Cache) CacheSession(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sessionKey(session.SessionID), data, ttl).Err()
}

// GetCachedSession 获取缓存的会话。
func (c *Cache) GetCachedSession(ctx context.Context, token string) (*domain.Session, error) {
	data, err := c.rdb.Get(ctx, sessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DropCachedSession 删除缓存的会话（登出或停用时）。
func (c *Cache) DropCachedSession(ctx context.Context, token string) error {
	return c.rdb.Del(ctx, sessionKey(token)).Err()
}

// Ping 测试 Redis 连接。
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭 Redis 连接。
func (c *Cache) Close() error {
	return c.rdb.Close()
}
