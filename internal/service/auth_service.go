// Package service 提供业务逻辑层的实现
// 服务层封装具体的业务逻辑，协调 Repository 和 Cache
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"kinecraft-server/internal/cache"
	"kinecraft-server/internal/config"
	"kinecraft-server/pkg/jwt"
	"kinecraft-server/pkg/util"
)

// 定义业务错误
var (
	ErrInvalidAccessKey = errors.New("访问密钥不正确")
)

// AuthService 认证服务
// 客户端用预共享的访问密钥换取 JWT，登出时把 Token 拉黑
type AuthService struct {
	config     *config.Config
	cache      *cache.RedisCache // Redis 缓存
	jwtService *jwt.JWTService   // JWT 服务
}

// NewAuthService 创建 AuthService 实例
func NewAuthService(cfg *config.Config, cache *cache.RedisCache, jwtService *jwt.JWTService) *AuthService {
	return &AuthService{
		config:     cfg,
		cache:      cache,
		jwtService: jwtService,
	}
}

// TokenRequest 换取 Token 的请求
type TokenRequest struct {
	AccessKey string `json:"access_key" binding:"required"` // 访问密钥
	ClientID  string `json:"client_id"`                     // 客户端标识（可选，留空则生成）
}

// TokenResponse 换取 Token 的响应
type TokenResponse struct {
	AccessToken string `json:"access_token"` // 访问令牌
	ClientID    string `json:"client_id"`    // 客户端标识
	ExpiresIn   int64  `json:"expires_in"`   // 过期时间（秒）
}

// IssueToken 用访问密钥换取 Access Token
// 参数:
//   - ctx: 上下文
//   - req: 换取请求
//
// 返回:
//   - *TokenResponse: 换取成功返回 Token
//   - error: 密钥不正确返回错误
func (s *AuthService) IssueToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	// 1. 校验访问密钥（常数时间比较，避免时序侧信道）
	if s.config.JWT.AccessKey == "" ||
		subtle.ConstantTimeCompare([]byte(req.AccessKey), []byte(s.config.JWT.AccessKey)) != 1 {
		return nil, ErrInvalidAccessKey
	}

	// 2. 确定客户端标识
	clientID := req.ClientID
	if clientID == "" {
		clientID = util.GenerateUUID()
	}

	// 3. 生成 Access Token
	accessToken, err := s.jwtService.GenerateAccessToken(clientID)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken: accessToken,
		ClientID:    clientID,
		ExpiresIn:   int64(s.jwtService.GetAccessExpire().Seconds()),
	}, nil
}

// Logout 登出
// 将 Token 加入黑名单，TTL 设为 Token 的剩余有效期
// 参数:
//   - ctx: 上下文
//   - token: 原始 Token 字符串
//
// 返回:
//   - error: 操作错误
func (s *AuthService) Logout(ctx context.Context, token string) error {
	claims, err := s.jwtService.ValidateToken(token)
	if err != nil {
		// 无效或已过期的 Token 无需拉黑
		return nil
	}
	expireAt := time.Now().Add(s.jwtService.GetAccessExpire())
	if claims.ExpiresAt != nil {
		expireAt = claims.ExpiresAt.Time
	}
	return s.cache.BlacklistToken(ctx, HashToken(token), expireAt)
}

// IsBlacklisted 检查 Token 是否已被拉黑
func (s *AuthService) IsBlacklisted(ctx context.Context, token string) bool {
	return s.cache.IsTokenBlacklisted(ctx, HashToken(token))
}

// HashToken 计算 Token 的哈希值
// 黑名单只存哈希，不存原始 Token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
