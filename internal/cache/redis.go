// Package cache 提供 Redis 缓存操作的封装
// 处理会话快照、预览地址登记、JWT 黑名单等需要快速访问的数据
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"kinecraft-server/internal/config"
)

// RedisCache 封装 Redis 客户端，提供业务相关的缓存操作
type RedisCache struct {
	client *redis.Client // Redis 客户端实例
}

// NewRedisCache 创建 RedisCache 实例
// 参数:
//   - cfg: 应用配置（包含 Redis 连接信息）
//
// 返回:
//   - *RedisCache: 缓存实例
//   - error: 连接错误
func NewRedisCache(cfg *config.Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Username: cfg.Redis.Username, // 阿里云 Redis 需要用户名
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// ==================== 会话快照缓存 ====================
// 客户端对账接口的热路径缓存，会话每次落库后刷新

// SetSessionSnapshot 缓存会话快照
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//   - snapshot: 快照内容（会被 JSON 序列化）
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) SetSessionSnapshot(ctx context.Context, sessionID int64, snapshot interface{}) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	// 快照是数据库的加速副本，短 TTL 保证最终一致
	return c.client.Set(ctx, fmt.Sprintf("session:%d:snapshot", sessionID), data, 5*time.Minute).Err()
}

// GetSessionSnapshot 读取会话快照
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//   - out: 反序列化目标
//
// 返回:
//   - bool: 是否命中
//   - error: Redis 操作错误
func (c *RedisCache) GetSessionSnapshot(ctx context.Context, sessionID int64, out interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("session:%d:snapshot", sessionID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// InvalidateSessionSnapshot 失效会话快照
// 会话状态落库后调用
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) InvalidateSessionSnapshot(ctx context.Context, sessionID int64) error {
	return c.client.Del(ctx, fmt.Sprintf("session:%d:snapshot", sessionID)).Err()
}

// ==================== 预览地址登记 ====================
// 预览代理按工作空间句柄查上游地址，O(1) 命中

// SetPreviewURL 登记工作空间的预览地址
// 参数:
//   - ctx: 上下文
//   - workspaceID: 工作空间句柄
//   - url: 预览服务的上游地址
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) SetPreviewURL(ctx context.Context, workspaceID, url string) error {
	return c.client.Set(ctx, fmt.Sprintf("workspace:%s:preview", workspaceID), url, 0).Err()
}

// GetPreviewURL 查询工作空间的预览地址
// 参数:
//   - ctx: 上下文
//   - workspaceID: 工作空间句柄
//
// 返回:
//   - string: 预览地址，未登记返回空串
//   - error: Redis 操作错误
func (c *RedisCache) GetPreviewURL(ctx context.Context, workspaceID string) (string, error) {
	url, err := c.client.Get(ctx, fmt.Sprintf("workspace:%s:preview", workspaceID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return url, err
}

// ClearPreviewURL 注销工作空间的预览地址
// 工作空间销毁时调用，之后代理对该句柄一律 404
// 参数:
//   - ctx: 上下文
//   - workspaceID: 工作空间句柄
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) ClearPreviewURL(ctx context.Context, workspaceID string) error {
	return c.client.Del(ctx, fmt.Sprintf("workspace:%s:preview", workspaceID)).Err()
}

// ==================== JWT 黑名单 ====================
// 用于实现 Token 强制失效（登出）功能

// BlacklistToken 将 Token 加入黑名单
// 登出时调用，使当前 Token 失效
// 参数:
//   - ctx: 上下文
//   - tokenHash: Token 的哈希值（不存储原始 Token）
//   - expireAt: Token 的原始过期时间
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) BlacklistToken(ctx context.Context, tokenHash string, expireAt time.Time) error {
	// 计算剩余有效时间
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		// Token 已过期，无需加入黑名单
		return nil
	}

	// TTL 设置为 Token 的剩余有效期，过期后自动删除（因为 Token 本身也过期了）
	return c.client.Set(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash), "1", ttl).Err()
}

// IsTokenBlacklisted 检查 Token 是否在黑名单中
// JWT 验证中间件调用
// 参数:
//   - ctx: 上下文
//   - tokenHash: Token 的哈希值
//
// 返回:
//   - bool: 是否在黑名单中
func (c *RedisCache) IsTokenBlacklisted(ctx context.Context, tokenHash string) bool {
	// EXISTS 命令返回存在的 Key 数量
	return c.client.Exists(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash)).Val() > 0
}

// ==================== 事件回放缓冲 ====================
// 客户端断线重连时先回放近期事件，再以会话快照对账

// AppendEvent 追加一条事件到回放缓冲
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//   - data: 已序列化的事件
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) AppendEvent(ctx context.Context, sessionID int64, data []byte) error {
	key := fmt.Sprintf("session:%d:events", sessionID)
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, data)
	// 只保留最近 512 条，回放不承诺完整历史
	pipe.LTrim(ctx, key, -512, -1)
	pipe.Expire(ctx, key, 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// GetRecentEvents 读取会话的近期事件
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//   - limit: 最多返回的条数
//
// 返回:
//   - [][]byte: 事件列表（按追加顺序）
//   - error: Redis 操作错误
func (c *RedisCache) GetRecentEvents(ctx context.Context, sessionID int64, limit int64) ([][]byte, error) {
	key := fmt.Sprintf("session:%d:events", sessionID)
	result, err := c.client.LRange(ctx, key, -limit, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([][]byte, 0, len(result))
	for _, s := range result {
		events = append(events, []byte(s))
	}
	return events, nil
}

// ClearEvents 清空会话的事件回放缓冲
// 参数:
//   - ctx: 上下文
//   - sessionID: 会话ID
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) ClearEvents(ctx context.Context, sessionID int64) error {
	return c.client.Del(ctx, fmt.Sprintf("session:%d:events", sessionID)).Err()
}

// ==================== 通用方法 ====================

// Ping 检查 Redis 连接
// 参数:
//   - ctx: 上下文
//
// 返回:
//   - error: 如果连接失败返回错误
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
