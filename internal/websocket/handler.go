// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kinecraft-server/internal/service"
	pkgJwt "kinecraft-server/pkg/jwt"
	"kinecraft-server/pkg/response"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	// 读缓冲区大小
	ReadBufferSize: 1024,
	// 写缓冲区大小
	WriteBufferSize: 1024,
	// 检查来源（生产环境应该验证）
	CheckOrigin: func(r *http.Request) bool {
		// TODO: 生产环境需要检查 Origin
		return true
	},
}

// Handler 处理 WebSocket 连接
type Handler struct {
	hub            *Hub
	sessionService *service.SessionService
	jwtSecret      string
}

// NewHandler 创建 WebSocket Handler
func NewHandler(hub *Hub, sessionService *service.SessionService, jwtSecret string) *Handler {
	return &Handler{
		hub:            hub,
		sessionService: sessionService,
		jwtSecret:      jwtSecret,
	}
}

// HandleSessionWS 处理会话观察者的 WebSocket 连接
// 路由: GET /ws/session
// 参数: token (query parameter) - JWT token
//
//	session_id (query parameter) - 观察的会话ID
func (h *Handler) HandleSessionWS(c *gin.Context) {
	// 从 query 参数获取 token
	token := c.Query("token")
	if token == "" {
		response.Unauthorized(c, "需要认证 token")
		return
	}

	// 验证 JWT token
	claims, err := pkgJwt.ParseClientToken(token, h.jwtSecret)
	if err != nil {
		response.Unauthorized(c, "无效的 token")
		return
	}

	// 解析会话ID
	sessionID, err := strconv.ParseInt(c.Query("session_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "无效的会话ID")
		return
	}

	// 校验会话存在
	session, err := h.sessionService.GetSessionByID(c.Request.Context(), sessionID)
	if err != nil {
		response.InternalError(c, "查询会话失败")
		return
	}
	if session == nil {
		response.SessionNotFound(c)
		return
	}

	// 升级 HTTP 连接为 WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	// 创建客户端
	client := NewClient(h.hub, conn, sessionID, claims.ClientID)

	// 注册客户端
	h.hub.Register(client)

	// 补发最近的事件（断线重连后恢复时间线）
	events, err := h.hub.Replay(c.Request.Context(), sessionID)
	if err != nil {
		log.Printf("Failed to replay events: session=%d, err=%v", sessionID, err)
	} else {
		for _, data := range events {
			client.SendRaw(data)
		}
	}

	// 启动读写协程
	go client.WritePump()
	go client.ReadPump()

	log.Printf("Session WebSocket connected: session=%d, client=%s", sessionID, claims.ClientID)
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// WebSocket 路由不需要中间件（token 在 query 中验证）
	ws := r.Group("/ws")
	{
		// 会话事件流
		ws.GET("/session", h.HandleSessionWS)
	}
}
