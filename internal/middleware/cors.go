// Package middleware 提供 HTTP 请求的中间件
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// 预检响应的固定头
var (
	corsAllowMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}, ", ")
	corsAllowHeaders = strings.Join([]string{
		"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With",
	}, ", ")
)

// CORSMiddleware 创建 CORS 跨域中间件
// 参数:
//   - allowOrigins: 允许的来源列表（配置项 server.cors）；
//     空列表或包含 "*" 时放行所有来源
//
// 来源不在名单内的请求不回 CORS 头，由浏览器拒绝；
// 预检请求（OPTIONS）直接以 204 短路
func CORSMiddleware(allowOrigins []string) gin.HandlerFunc {
	wildcard := len(allowOrigins) == 0
	allowed := make(map[string]struct{}, len(allowOrigins))
	for _, origin := range allowOrigins {
		if origin == "*" {
			wildcard = true
			continue
		}
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowOrigin := ""
		switch {
		case wildcard:
			allowOrigin = "*"
		case origin != "":
			if _, ok := allowed[origin]; ok {
				allowOrigin = origin
			}
		}

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Expose-Headers", "Content-Length")
			if allowOrigin != "*" {
				// 回显具体来源时响应随 Origin 变化，必须声明 Vary
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
		}

		if c.Request.Method == http.MethodOptions {
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Methods", corsAllowMethods)
				c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
				c.Header("Access-Control-Max-Age", "86400")
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
