// Package orchestrator 实现生成管线的编排循环
package orchestrator

import (
	"context"
	"sync"
	"time"

	"kinecraft-server/internal/pipeline"
)

// ResolveStore 轮次内的上下文解析存储
// 指挥模型发出的工具调用可能引用尚未就绪的产物
// （如并行场景生成的输出）；调用方通过 Resolve 做有界等待，
// 生产方通过 Put 写入并广播唤醒全部等待者
type ResolveStore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	values  map[string]interface{}
	maxWait time.Duration
}

// NewResolveStore 创建解析存储
// 参数:
//   - maxWait: 单次解析的最长等待时间（如 30s）
func NewResolveStore(maxWait time.Duration) *ResolveStore {
	s := &ResolveStore{
		values:  make(map[string]interface{}),
		maxWait: maxWait,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Put 写入一个键值并唤醒等待者
func (s *ResolveStore) Put(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.cond.Broadcast()
}

// Get 非阻塞读取
func (s *ResolveStore) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Resolve 解析一个键，未就绪时做有界等待
// 等待由条件变量驱动，取消或超时通过看门狗广播提前退出
//
// 返回:
//   - interface{}: 键对应的值
//   - error: 超时返回 TimeoutError，取消返回 StreamAbort
func (s *ResolveStore) Resolve(ctx context.Context, key string) (interface{}, error) {
	deadline := time.Now().Add(s.maxWait)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(s.maxWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-stop:
			return
		}
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if v, ok := s.values[key]; ok {
			return v, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, pipeline.New(pipeline.KindStreamAbort, "解析等待已取消").WithDetail(err.Error())
		}
		if time.Now().After(deadline) {
			return nil, pipeline.Newf(pipeline.KindTimeout, "解析 %q 超过 %s 未就绪", key, s.maxWait)
		}
		s.cond.Wait()
	}
}
