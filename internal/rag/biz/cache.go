package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

// QueryCacheConfig 查询缓存配置。
type QueryCacheConfig struct {
	// Enabled 是否启用缓存。
	Enabled bool
	// TTL 缓存过期时间。
	TTL time.Duration
	// KeyPrefix 缓存键前缀。
	KeyPrefix string
	// MaxEntryBytes 单条缓存的最大字节数，超出时不缓存。
	MaxEntryBytes int
}

// QueryCache 查询结果缓存。
// 缓存故障只记录日志，不影响查询主流程。
type QueryCache struct {
	redis  goredis.UniversalClient
	config *QueryCacheConfig
}

// NewQueryCache 创建查询缓存实例。
func NewQueryCache(redis goredis.UniversalClient, config *QueryCacheConfig) *QueryCache {
	if config == nil {
		config = &QueryCacheConfig{
			Enabled:   false,
			TTL:       1 * time.Hour,
			KeyPrefix: "rag:query:",
		}
	}
	return &QueryCache{
		redis:  redis,
		config: config,
	}
}

// Enabled 判断缓存是否可用。
func (c *QueryCache) Enabled() bool {
	return c != nil && c.config.Enabled && c.redis != nil
}

// QueryCacheKey 基于影响答案的全部参数生成缓存键。
// 查询文本去除首尾空白、合并连续空白并转小写；文档过滤列表排序去重。
func QueryCacheKey(q *model.RAGQuery) string {
	ids := make([]string, 0, len(q.DocumentIDs))
	seen := make(map[string]struct{}, len(q.DocumentIDs))
	for _, id := range q.DocumentIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(strings.ToLower(strings.Join(strings.Fields(q.Query), " ")))
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(q.TopK))
	b.WriteByte(0)
	b.WriteString(strconv.FormatFloat(q.ScoreThreshold, 'g', -1, 64))
	b.WriteByte(0)
	b.WriteString(strings.Join(ids, ","))
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(q.MaxContextLength))

	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

func (c *QueryCache) key(q *model.RAGQuery) string {
	return c.config.KeyPrefix + QueryCacheKey(q)
}

// Get 从缓存获取查询结果，未命中时返回 nil, nil。
func (c *QueryCache) Get(ctx context.Context, q *model.RAGQuery) (*model.RAGResponse, error) {
	if !c.Enabled() {
		return nil, nil
	}

	cacheKey := c.key(q)
	data, err := c.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err == goredis.Nil {
			logger.Debugw("query cache miss", "key", cacheKey)
			return nil, nil
		}
		logger.Warnw("failed to get from cache", "error", err.Error(), "key", cacheKey)
		return nil, err
	}

	var result model.RAGResponse
	if err := json.Unmarshal(data, &result); err != nil {
		logger.Warnw("failed to unmarshal cached result", "error", err.Error(), "key", cacheKey)
		// 删除损坏的缓存
		_ = c.redis.Del(ctx, cacheKey).Err()
		return nil, err
	}

	logger.Debugw("query cache hit", "key", cacheKey, "answer_length", len(result.Answer))
	return &result, nil
}

// Set 写入查询结果。降级答案不缓存。
func (c *QueryCache) Set(ctx context.Context, q *model.RAGQuery, result *model.RAGResponse) error {
	if !c.Enabled() || result == nil || result.Degraded {
		return nil
	}

	cacheKey := c.key(q)
	data, err := json.Marshal(result)
	if err != nil {
		logger.Warnw("failed to marshal result for caching", "error", err.Error())
		return err
	}
	if c.config.MaxEntryBytes > 0 && len(data) > c.config.MaxEntryBytes {
		logger.Debugw("query result too large to cache", "key", cacheKey, "bytes", len(data))
		return nil
	}

	if err := c.redis.Set(ctx, cacheKey, data, c.config.TTL).Err(); err != nil {
		logger.Warnw("failed to set cache", "error", err.Error(), "key", cacheKey)
		return err
	}

	logger.Debugw("cached query result", "key", cacheKey, "ttl", c.config.TTL)
	return nil
}

// Clear 清除所有查询缓存，索引内容变化后调用。
func (c *QueryCache) Clear(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}

	pattern := c.config.KeyPrefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()

	var batch []string
	deleted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.redis.Unlink(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := flush(); err != nil {
				logger.Warnw("failed to delete cache keys", "error", err.Error())
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		logger.Warnw("error during cache scan", "error", err.Error())
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	logger.Infow("cleared query cache", "deleted_count", deleted)
	return nil
}

// CacheStats 缓存统计信息。
type CacheStats struct {
	Enabled   bool   `json:"enabled"`
	KeyCount  int    `json:"key_count,omitempty"`
	TTL       string `json:"ttl,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// GetStats 获取缓存统计信息。
func (c *QueryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	if !c.Enabled() {
		return &CacheStats{Enabled: false}, nil
	}

	iter := c.redis.Scan(ctx, 0, c.config.KeyPrefix+"*", 100).Iterator()
	keyCount := 0
	for iter.Next(ctx) {
		keyCount++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cache keys: %w", err)
	}

	return &CacheStats{
		Enabled:   true,
		KeyCount:  keyCount,
		TTL:       c.config.TTL.String(),
		KeyPrefix: c.config.KeyPrefix,
	}, nil
}
