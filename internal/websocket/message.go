// Package websocket 提供 WebSocket 通信功能
// 把生成过程中的事件流实时推送给会话的观察者
package websocket

import (
	"time"
)

// MessageType 消息类型常量
const (
	// 客户端 → 服务端
	TypeHeartbeat = "heartbeat" // 心跳

	// 服务端 → 客户端
	TypePong  = "pong"  // 心跳响应
	TypeError = "error" // 错误消息
)

// Message 控制消息结构
// 事件流本身直接下发 stream.Event 的 JSON，
// 控制帧（心跳、错误）使用这个统一的结构
type Message struct {
	Type      string      `json:"type"`      // 消息类型
	Payload   interface{} `json:"payload"`   // 消息内容
	Timestamp int64       `json:"timestamp"` // 时间戳（毫秒）
}

// NewMessage 创建新消息
func NewMessage(msgType string, payload interface{}) *Message {
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ErrorPayload 错误消息 Payload
type ErrorPayload struct {
	Code    int    `json:"code"`    // 错误码
	Message string `json:"message"` // 错误信息
}
