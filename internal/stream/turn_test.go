package stream

import (
	"sync"
	"testing"
	"time"
)

// captureSink 收集事件供断言
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Emit(sessionID int64, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *captureSink) byType(typ string) []Event {
	var out []Event
	for _, ev := range s.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestCounterMonotonic(t *testing.T) {
	c := NewCounter(5)
	if got := c.Next(); got != 6 {
		t.Fatalf("Next after start 5 = %d, want 6", got)
	}
	if got := c.Next(); got != 7 {
		t.Fatalf("Next = %d, want 7", got)
	}
	if got := c.Current(); got != 7 {
		t.Fatalf("Current = %d, want 7", got)
	}
}

func TestSequenceStrictlyIncreasing(t *testing.T) {
	sink := &captureSink{}
	turn := NewTurn(1, NewCounter(0), sink, 0)

	turn.PushText("a")
	turn.OpenThinking("analyze")
	turn.PushReasoning("hmm")
	turn.CloseThinking()
	turn.Complete()

	events := sink.all()
	if len(events) < 4 {
		t.Fatalf("expected at least 4 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("sequence not strictly increasing: %d then %d",
				events[i-1].Sequence, events[i].Sequence)
		}
	}
}

func TestDebounceMergesDeltas(t *testing.T) {
	sink := &captureSink{}
	turn := NewTurn(1, NewCounter(0), sink, 30*time.Millisecond)

	// 窗口内的多个增量必须合并为一条事件
	turn.PushText("hel")
	turn.PushText("lo ")
	turn.PushText("world")

	time.Sleep(80 * time.Millisecond)

	deltas := sink.byType(EventTextDelta)
	if len(deltas) != 1 {
		t.Fatalf("expected 1 merged delta, got %d", len(deltas))
	}
	if deltas[0].Text != "hello world" {
		t.Fatalf("merged delta = %q, want %q", deltas[0].Text, "hello world")
	}
}

func TestFlushDrainsPending(t *testing.T) {
	sink := &captureSink{}
	turn := NewTurn(1, NewCounter(0), sink, time.Hour)

	turn.PushText("buffered")
	if len(sink.byType(EventTextDelta)) != 0 {
		t.Fatalf("delta emitted before window expiry")
	}

	turn.Flush()
	deltas := sink.byType(EventTextDelta)
	if len(deltas) != 1 || deltas[0].Text != "buffered" {
		t.Fatalf("flush did not drain pending delta: %+v", deltas)
	}
}

func TestSingleActiveThinkingBlock(t *testing.T) {
	sink := &captureSink{}
	turn := NewTurn(1, NewCounter(0), sink, 0)

	first := turn.OpenThinking("analyze")
	second := turn.OpenThinking("generate")
	if first == second {
		t.Fatalf("expected distinct block ids")
	}

	// 开第二个块必须先闭合第一个
	ends := sink.byType(EventThinkingEnd)
	if len(ends) != 1 || ends[0].BlockID != first {
		t.Fatalf("expected first block closed before second opened: %+v", ends)
	}
	active := turn.ActiveThinking()
	if active == nil || active.ID != second {
		t.Fatalf("active block = %+v, want id %s", active, second)
	}

	blocks := turn.Blocks()
	if len(blocks) != 1 || blocks[0].EndedAt == nil {
		t.Fatalf("closed blocks = %+v", blocks)
	}
}

func TestToolCallStartClosesThinking(t *testing.T) {
	sink := &captureSink{}
	turn := NewTurn(1, NewCounter(0), sink, time.Hour)

	blockID := turn.OpenThinking("generate")
	turn.PushText("writing files")
	turn.ToolCallStart("tc-1", "write_file", nil)

	events := sink.all()
	// 顺序必须是：thinking_start → thinking_end → text_delta → tool_call_start
	var order []string
	for _, ev := range events {
		order = append(order, ev.Type)
	}
	want := []string{EventThinkingStart, EventThinkingEnd, EventTextDelta, EventToolCallStart}
	if len(order) != len(want) {
		t.Fatalf("events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("events = %v, want %v", order, want)
		}
	}
	if events[1].BlockID != blockID {
		t.Fatalf("wrong block closed: %s", events[1].BlockID)
	}
}

func TestCompleteClosesEverything(t *testing.T) {
	sink := &captureSink{}
	turn := NewTurn(1, NewCounter(0), sink, time.Hour)

	turn.OpenThinking("analyze")
	turn.PushText("part one ")
	turn.PushText("part two")
	turn.Complete()

	if !turn.Closed() {
		t.Fatalf("turn not closed after Complete")
	}
	if turn.ActiveThinking() != nil {
		t.Fatalf("thinking block left open after Complete")
	}
	completes := sink.byType(EventComplete)
	if len(completes) != 1 {
		t.Fatalf("expected 1 complete event, got %d", len(completes))
	}
	if completes[0].Text != "part one part two" {
		t.Fatalf("complete full text = %q", completes[0].Text)
	}

	// 结束后的推送是空操作
	turn.PushText("late")
	turn.Complete()
	if len(sink.byType(EventComplete)) != 1 {
		t.Fatalf("Complete emitted twice")
	}
}

func TestFailClosesThinkingAndFlushes(t *testing.T) {
	sink := &captureSink{}
	turn := NewTurn(1, NewCounter(0), sink, time.Hour)

	turn.OpenThinking("generate")
	turn.PushText("partial")
	turn.Fail("生成失败")

	if !turn.Closed() {
		t.Fatalf("turn not closed after Fail")
	}
	if len(sink.byType(EventThinkingEnd)) != 1 {
		t.Fatalf("thinking block not closed on error path")
	}
	deltas := sink.byType(EventTextDelta)
	if len(deltas) != 1 || deltas[0].Text != "partial" {
		t.Fatalf("buffered delta lost on error path: %+v", deltas)
	}
	errs := sink.byType(EventError)
	if len(errs) != 1 || errs[0].Message != "生成失败" {
		t.Fatalf("error event = %+v", errs)
	}
}
