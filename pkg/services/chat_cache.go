package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"pharmacy-ai-api/pkg/models"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

const chatCachePrefix = "pharmacy-ai:chat:"

// ChatCache は短時間のチャット応答キャッシュです。
type ChatCache interface {
	Get(ctx context.Context, pharmacyID int64, message string) (*models.ChatPayload, error)
	Set(ctx context.Context, pharmacyID int64, message string, payload *models.ChatPayload) error
	Invalidate(ctx context.Context, pharmacyID int64) error
	Close() error
}

// chatCacheKey は薬局IDと正規化済みメッセージから決定的なキーを作ります。
func chatCacheKey(pharmacyID int64, message string) string {
	sum := sha256.Sum256([]byte(normalizeText(message)))
	return pharmacyPrefix(pharmacyID) + hex.EncodeToString(sum[:16])
}

func pharmacyPrefix(pharmacyID int64) string {
	return chatCachePrefix + strconv.FormatInt(pharmacyID, 10) + ":"
}

// RedisChatCache stores payloads in Redis with a TTL.
type RedisChatCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisChatCache connects and pings Redis.
func NewRedisChatCache(addr, password string, ttl time.Duration) (*RedisChatCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisChatCache{client: client, ttl: ttl}, nil
}

func (c *RedisChatCache) Get(ctx context.Context, pharmacyID int64, message string) (*models.ChatPayload, error) {
	val, err := c.client.Get(ctx, chatCacheKey(pharmacyID, message)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var payload models.ChatPayload
	if err := json.Unmarshal(val, &payload); err != nil {
		return nil, ErrCacheMiss
	}
	return &payload, nil
}

func (c *RedisChatCache) Set(ctx context.Context, pharmacyID int64, message string, payload *models.ChatPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := c.client.Set(ctx, chatCacheKey(pharmacyID, message), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate removes cached answers of one pharmacy, or all pharmacies when pharmacyID is 0.
func (c *RedisChatCache) Invalidate(ctx context.Context, pharmacyID int64) error {
	pattern := chatCachePrefix + "*"
	if pharmacyID != 0 {
		pattern = pharmacyPrefix(pharmacyID) + "*"
	}
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete by prefix: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

func (c *RedisChatCache) Close() error {
	return c.client.Close()
}

// MemoryChatCache is the in-process fallback used when Redis is not configured.
type MemoryChatCache struct {
	mu      sync.Mutex
	data    map[string]memoryEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type memoryEntry struct {
	payload   *models.ChatPayload
	expiresAt time.Time
}

// NewMemoryChatCache creates a bounded in-memory cache.
func NewMemoryChatCache(ttl time.Duration, maxSize int) *MemoryChatCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryChatCache{
		data:    make(map[string]memoryEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *MemoryChatCache) Get(_ context.Context, pharmacyID int64, message string) (*models.ChatPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chatCacheKey(pharmacyID, message)
	e, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if c.now().After(e.expiresAt) {
		delete(c.data, key)
		return nil, ErrCacheMiss
	}
	return e.payload, nil
}

func (c *MemoryChatCache) Set(_ context.Context, pharmacyID int64, message string, payload *models.ChatPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.data) >= c.maxSize {
		// 期限切れを掃除し、それでも満杯なら最も古いものを捨てる
		var oldestKey string
		var oldest time.Time
		for k, e := range c.data {
			if now.After(e.expiresAt) {
				delete(c.data, k)
				continue
			}
			if oldestKey == "" || e.expiresAt.Before(oldest) {
				oldestKey, oldest = k, e.expiresAt
			}
		}
		if len(c.data) >= c.maxSize && oldestKey != "" {
			delete(c.data, oldestKey)
		}
	}
	c.data[chatCacheKey(pharmacyID, message)] = memoryEntry{payload: payload, expiresAt: now.Add(c.ttl)}
	return nil
}

func (c *MemoryChatCache) Invalidate(_ context.Context, pharmacyID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := chatCachePrefix
	if pharmacyID != 0 {
		prefix = pharmacyPrefix(pharmacyID)
	}
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
	return nil
}

func (c *MemoryChatCache) Close() error { return nil }
