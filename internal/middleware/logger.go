package middleware

import (
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"kinecraft-server/pkg/response"
)

// LoggerMiddleware 创建请求日志中间件
// 记录每个请求的状态码、耗时、来源 IP、方法和路径；
// 健康检查等高频噪声路径可通过 skipPaths 跳过
func LoggerMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		line := fmt.Sprintf("%3d | %13v | %15s | %-7s %s",
			status,
			time.Since(start).Truncate(time.Microsecond),
			c.ClientIP(),
			c.Request.Method,
			path,
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			line += " | " + errs
		}

		switch {
		case status >= 500:
			log.Printf("[ERROR] %s", line)
		case status >= 400:
			log.Printf("[WARN] %s", line)
		default:
			log.Printf("[INFO] %s", line)
		}
	}
}

// RecoveryMiddleware 创建 panic 恢复中间件
// 捕获处理器中的 panic，堆栈进日志，客户端只拿到统一错误响应
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %s %s: %v\n%s",
					c.Request.Method, c.Request.URL.Path, err, debug.Stack())
				response.InternalError(c, "服务器内部错误")
				c.Abort()
			}
		}()

		c.Next()
	}
}
