// Package stream 实现工具调用事件总线
// 每个活跃轮次产生一条有序事件流：文本增量、推理增量、
// 工具调用的开始/结果对、阶段迁移以及终止事件，
// 由编排器推送给远端观察者（WebSocket）
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType 事件种类常量
const (
	EventTextDelta      = "text_delta"       // 助手文本增量（已按窗口合并）
	EventReasoningDelta = "reasoning_delta"  // 推理文本增量（已按窗口合并）
	EventThinkingStart  = "thinking_start"   // 思考块开启
	EventThinkingEnd    = "thinking_end"     // 思考块关闭
	EventToolCallStart  = "tool_call_start"  // 工具调用开始
	EventToolCallResult = "tool_call_result" // 工具调用结果
	EventPhaseChange    = "phase_change"     // 阶段迁移
	EventComplete       = "complete"         // 轮次正常结束
	EventError          = "error"            // 轮次异常结束
)

// Event 事件总线上的一条事件
// Sequence 在会话内严格递增；按 (Timestamp, Sequence) 排序
// 可得到与投递顺序无关的稳定时间线
type Event struct {
	Type       string          `json:"type"`                   // 事件种类
	Sequence   int64           `json:"sequence"`               // 会话内序号
	Timestamp  int64           `json:"timestamp"`              // 毫秒时间戳
	Text       string          `json:"text,omitempty"`         // 文本内容（delta / complete 的全文）
	Label      string          `json:"label,omitempty"`        // 思考块标签
	BlockID    string          `json:"block_id,omitempty"`     // 思考块标识
	ToolCallID string          `json:"tool_call_id,omitempty"` // 工具调用标识
	ToolName   string          `json:"tool_name,omitempty"`    // 工具名称
	Args       json.RawMessage `json:"args,omitempty"`         // 调用参数
	Result     json.RawMessage `json:"result,omitempty"`       // 调用结果
	IsError    bool            `json:"is_error,omitempty"`     // 结果是否为错误
	Phase      string          `json:"phase,omitempty"`        // 迁移后的阶段
	Message    string          `json:"message,omitempty"`      // 错误信息
}

// Sink 事件消费端
// WebSocket Hub 实现该接口，把事件广播给会话的观察者
type Sink interface {
	Emit(sessionID int64, ev Event)
}

// Counter 会话级序号计数器
// 注入到会话的所有事件生产者中，绝不做成进程级单例，
// 保证多个会话之间不会共享定序状态
type Counter struct {
	mu sync.Mutex
	n  int64
}

// NewCounter 创建计数器
// 参数:
//   - start: 起始值（恢复会话时传入已持久化的最大序号）
func NewCounter(start int64) *Counter {
	return &Counter{n: start}
}

// Next 返回下一个严格递增的序号
func (c *Counter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// Current 返回当前序号（用于持久化）
func (c *Counter) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// ThinkingBlock 思考块
// 同一时刻最多只有一个 EndedAt == nil 的活跃块；
// 无论正常结束还是错误路径，轮次关闭前必须闭合活跃块
type ThinkingBlock struct {
	ID        string     `json:"id"`                  // 块标识
	Label     string     `json:"label"`               // 展示标签
	StartedAt time.Time  `json:"started_at"`          // 开启时间
	EndedAt   *time.Time `json:"ended_at,omitempty"`  // 关闭时间
	Reasoning string     `json:"reasoning,omitempty"` // 累积的推理文本
}
