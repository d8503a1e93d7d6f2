// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"kinecraft-server/internal/cache"
	"kinecraft-server/internal/stream"
)

// Hub 管理所有 WebSocket 客户端连接
// 按会话ID组织观察者，实现 stream.Sink，
// 把编排器产生的事件实时广播给会话的所有观察者
type Hub struct {
	// 按会话ID组织的观察者
	sessions map[int64]map[*Client]bool

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	// Redis 缓存（事件回放缓冲）
	cache *cache.RedisCache

	// 保护客户端映射的读写锁
	mu sync.RWMutex
}

// 回放事件条数上限
const replayLimit = 512

// NewHub 创建新的 Hub
func NewHub(redisCache *cache.RedisCache) *Hub {
	return &Hub{
		sessions:   make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		cache:      redisCache,
	}
}

// Run 启动 Hub 的主循环
// 处理客户端的注册和注销
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// registerClient 处理客户端注册
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	observers, ok := h.sessions[client.sessionID]
	if !ok {
		observers = make(map[*Client]bool)
		h.sessions[client.sessionID] = observers
	}
	observers[client] = true

	log.Printf("WebSocket client registered: session=%d, client=%s", client.sessionID, client.clientID)
}

// unregisterClient 处理客户端注销
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	observers, ok := h.sessions[client.sessionID]
	if !ok {
		return
	}
	if _, ok := observers[client]; !ok {
		return
	}

	delete(observers, client)
	if len(observers) == 0 {
		delete(h.sessions, client.sessionID)
	}
	client.Close()

	log.Printf("WebSocket client unregistered: session=%d, client=%s", client.sessionID, client.clientID)
}

// Emit 实现 stream.Sink
// 把事件写入回放缓冲并广播给会话的所有观察者；
// 没有观察者时事件只进缓冲，不会丢失
func (h *Hub) Emit(sessionID int64, ev stream.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Failed to marshal event: %v", err)
		return
	}

	// 1. 写入回放缓冲（断线重连后可补齐）
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.cache.AppendEvent(ctx, sessionID, data); err != nil {
		log.Printf("Failed to append event to replay buffer: %v", err)
	}

	// 2. 广播给当前在线的观察者
	h.mu.RLock()
	observers := make([]*Client, 0, len(h.sessions[sessionID]))
	for client := range h.sessions[sessionID] {
		observers = append(observers, client)
	}
	h.mu.RUnlock()

	for _, client := range observers {
		client.SendRaw(data)
	}
}

// Replay 读取会话最近的事件用于重连补发
func (h *Hub) Replay(ctx context.Context, sessionID int64) ([][]byte, error) {
	return h.cache.GetRecentEvents(ctx, sessionID, replayLimit)
}

// ObserverCount 返回会话当前的观察者数量
func (h *Hub) ObserverCount(sessionID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// CloseSession 断开会话的所有观察者
// 会话结束时调用
func (h *Hub) CloseSession(sessionID int64) {
	h.mu.Lock()
	observers, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()

	for client := range observers {
		client.Close()
	}
}
