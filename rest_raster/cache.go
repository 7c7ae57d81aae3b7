package rest_raster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProbeEntry 缓存的探测结果及实际使用的请求串（可能已切换为 exportImage）
type ProbeEntry struct {
	Meta  ServiceMetadata `json:"meta"`
	Query string          `json:"query"`
}

// MetadataCache 探测结果缓存，键为原始请求串
type MetadataCache interface {
	Get(ctx context.Context, key string) (*ProbeEntry, bool)
	Set(ctx context.Context, key string, entry ProbeEntry)
}

// cacheItem 缓存项
type cacheItem struct {
	entry     ProbeEntry
	expiresAt time.Time
}

// MemoryCache 进程内探测结果缓存
type MemoryCache struct {
	mu      sync.RWMutex
	items   map[string]*cacheItem
	maxSize int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryCache 创建进程内缓存并启动过期清理协程
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	c := &MemoryCache{
		items:   make(map[string]*cacheItem),
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

// Get 获取缓存
func (c *MemoryCache) Get(_ context.Context, key string) (*ProbeEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false
	}
	entry := item.entry
	return &entry, true
}

// Set 设置缓存
func (c *MemoryCache) Set(_ context.Context, key string, entry ProbeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 缓存已满时删除最早过期的项
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	c.items[key] = &cacheItem{
		entry:     entry,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// evictOldest 删除最早过期的缓存项
func (c *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.expiresAt
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

// cleanupLoop 定期清理过期缓存
func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

// cleanup 清理过期缓存
func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

// Size 获取缓存大小
func (c *MemoryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close 停止清理协程
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

// RedisCache 多实例共享的探测结果缓存
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache 基于已有redis客户端创建缓存
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "rest_raster:probe:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Get 读取缓存，redis不可用时视为未命中
func (c *RedisCache) Get(ctx context.Context, key string) (*ProbeEntry, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var entry ProbeEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

// Set 写入缓存，失败时忽略
func (c *RedisCache) Set(ctx context.Context, key string, entry ProbeEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// Ping 检查redis连接
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.Join(errors.New("rest_raster: redis ping failed"), err)
	}
	return nil
}

// Close 关闭redis连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}
