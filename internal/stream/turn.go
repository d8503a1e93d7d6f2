// Package stream 实现工具调用事件总线
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"kinecraft-server/pkg/util"
)

// Turn 一个活跃轮次的事件流
// 负责：
// 1. 文本/推理增量的合并（每个防抖窗口最多推送一次，限制高速流下的更新频率）
// 2. 思考块的记账（保证同一时刻至多一个活跃块）
// 3. 工具调用开始/结果事件
// 4. 轮次终止时的收尾（冲刷缓冲、闭合思考块）
type Turn struct {
	mu        sync.Mutex
	sessionID int64
	seq       *Counter
	sink      Sink
	window    time.Duration

	pendText   strings.Builder // 待冲刷的文本增量
	pendReason strings.Builder // 待冲刷的推理增量
	timer      *time.Timer     // 防抖定时器

	fullText strings.Builder // 本轮的全部助手文本
	active   *ThinkingBlock  // 当前活跃的思考块
	blocks   []ThinkingBlock // 本轮的全部思考块（含已闭合）
	closed   bool
}

// NewTurn 创建轮次事件流
// 参数:
//   - sessionID: 所属会话
//   - seq: 会话级序号计数器（注入，不共享）
//   - sink: 事件消费端
//   - window: 增量合并窗口（如 100ms），<= 0 时立即推送
func NewTurn(sessionID int64, seq *Counter, sink Sink, window time.Duration) *Turn {
	return &Turn{
		sessionID: sessionID,
		seq:       seq,
		sink:      sink,
		window:    window,
	}
}

// emit 发送一条事件（调用方需持锁）
func (t *Turn) emit(ev Event) {
	ev.Sequence = t.seq.Next()
	ev.Timestamp = time.Now().UnixMilli()
	t.sink.Emit(t.sessionID, ev)
}

// PushText 追加助手文本增量
// 增量先进入缓冲，窗口到期后合并为一条事件推送
func (t *Turn) PushText(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || delta == "" {
		return
	}
	t.fullText.WriteString(delta)
	t.pendText.WriteString(delta)
	t.scheduleFlush()
}

// PushReasoning 追加推理文本增量
// 推理文本同时累积到当前活跃思考块
func (t *Turn) PushReasoning(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || delta == "" {
		return
	}
	if t.active != nil {
		t.active.Reasoning += delta
	}
	t.pendReason.WriteString(delta)
	t.scheduleFlush()
}

// scheduleFlush 安排一次窗口到期冲刷（调用方需持锁）
func (t *Turn) scheduleFlush() {
	if t.window <= 0 {
		t.flushLocked()
		return
	}
	if t.timer != nil {
		// 窗口已在计时，等它到期合并推送
		return
	}
	t.timer = time.AfterFunc(t.window, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.timer = nil
		t.flushLocked()
	})
}

// flushLocked 冲刷缓冲的增量（调用方需持锁）
func (t *Turn) flushLocked() {
	if t.pendText.Len() > 0 {
		t.emit(Event{Type: EventTextDelta, Text: t.pendText.String()})
		t.pendText.Reset()
	}
	if t.pendReason.Len() > 0 {
		t.emit(Event{Type: EventReasoningDelta, Text: t.pendReason.String()})
		t.pendReason.Reset()
	}
}

// Flush 立即冲刷缓冲中的增量
// 取消轮次时必须调用，避免丢失已缓冲的文本
func (t *Turn) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.flushLocked()
}

// OpenThinking 开启一个思考块
// 若已有活跃块，先强制闭合它再开新块，保证至多一个活跃块
// 返回:
//   - string: 新块的标识
func (t *Turn) OpenThinking(label string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ""
	}
	t.closeThinkingLocked()
	block := &ThinkingBlock{
		ID:        util.GenerateUUID(),
		Label:     label,
		StartedAt: time.Now(),
	}
	t.active = block
	t.emit(Event{Type: EventThinkingStart, BlockID: block.ID, Label: label})
	return block.ID
}

// closeThinkingLocked 闭合当前活跃思考块（调用方需持锁）
func (t *Turn) closeThinkingLocked() {
	if t.active == nil {
		return
	}
	now := time.Now()
	t.active.EndedAt = &now
	t.blocks = append(t.blocks, *t.active)
	t.emit(Event{Type: EventThinkingEnd, BlockID: t.active.ID})
	t.active = nil
}

// CloseThinking 闭合当前活跃思考块（若有）
func (t *Turn) CloseThinking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeThinkingLocked()
}

// ToolCallStart 报告一次工具调用开始
// "正在调用工具"意味着本段思考结束，因此先闭合活跃思考块，
// 再冲刷缓冲增量，保证事件顺序与实际发生顺序一致
func (t *Turn) ToolCallStart(toolCallID, toolName string, args json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closeThinkingLocked()
	t.flushLocked()
	t.emit(Event{
		Type:       EventToolCallStart,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Args:       args,
	})
}

// ToolCallResult 报告一次工具调用结果
func (t *Turn) ToolCallResult(toolCallID string, result json.RawMessage, isError bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.emit(Event{
		Type:       EventToolCallResult,
		ToolCallID: toolCallID,
		Result:     result,
		IsError:    isError,
	})
}

// PhaseChange 报告一次阶段迁移
func (t *Turn) PhaseChange(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.emit(Event{Type: EventPhaseChange, Phase: phase})
}

// Complete 正常结束本轮
// 冲刷缓冲、闭合思考块、推送 complete（携带全文）
func (t *Turn) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.closeThinkingLocked()
	t.flushLocked()
	t.emit(Event{Type: EventComplete, Text: t.fullText.String()})
	t.closed = true
}

// Fail 异常结束本轮
// 错误路径同样必须冲刷缓冲并闭合思考块
func (t *Turn) Fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.closeThinkingLocked()
	t.flushLocked()
	t.emit(Event{Type: EventError, Message: message})
	t.closed = true
}

// ActiveThinking 返回当前活跃思考块（无则返回 nil）
func (t *Turn) ActiveThinking() *ThinkingBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return nil
	}
	cp := *t.active
	return &cp
}

// Blocks 返回本轮所有已闭合的思考块
func (t *Turn) Blocks() []ThinkingBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ThinkingBlock, len(t.blocks))
	copy(out, t.blocks)
	return out
}

// Closed 返回轮次是否已结束
func (t *Turn) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
