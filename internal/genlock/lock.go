// Package genlock 实现按工作空间计数的生成互斥锁
// 指挥模型可以合法地并行发起多个生成调用，
// 但工作空间的文件树不允许并发写入者——
// 正确性要求把它们串行化，而不是并行化
package genlock

import (
	"context"
	"sync"
	"time"

	"kinecraft-server/internal/pipeline"
)

// gate 单个工作空间的计数闸门
type gate struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int // 持有者计数，> 0 表示有生成调用在进行
}

// Registry 生成锁注册表
// 锁的作用域是一个工作空间；工作空间销毁后闸门随之丢弃
type Registry struct {
	mu      sync.Mutex
	gates   map[string]*gate
	maxWait time.Duration // 获取锁的最长等待时间
}

// NewRegistry 创建注册表
// 参数:
//   - maxWait: 等待计数归零的上限（如 60s）
func NewRegistry(maxWait time.Duration) *Registry {
	return &Registry{
		gates:   make(map[string]*gate),
		maxWait: maxWait,
	}
}

// gateFor 取出或创建工作空间的闸门
func (r *Registry) gateFor(workspaceID string) *gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[workspaceID]
	if !ok {
		g = &gate{}
		g.cond = sync.NewCond(&g.mu)
		r.gates[workspaceID] = g
	}
	return g
}

// Acquire 获取工作空间的生成锁
// 若已有持有者，等待计数归零；等待由条件变量驱动
// （释放时广播唤醒），超时或上层流被取消时提前放弃，
// 而不是傻等完整个窗口
//
// 返回:
//   - func(): 释放函数。调用方必须用 defer 保证释放，
//     这样抛出的错误也不会泄漏锁
//   - error: 超时返回 TimeoutError，取消返回 StreamAbort
func (r *Registry) Acquire(ctx context.Context, workspaceID string) (func(), error) {
	g := r.gateFor(workspaceID)
	deadline := time.Now().Add(r.maxWait)

	// 看门狗：超时或取消时广播，把 Wait 中的等待者唤醒去自检
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(r.maxWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-stop:
			return
		}
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.count > 0 {
		if err := ctx.Err(); err != nil {
			return nil, pipeline.New(pipeline.KindStreamAbort, "生成已取消").WithDetail(err.Error())
		}
		if time.Now().After(deadline) {
			return nil, pipeline.Newf(pipeline.KindTimeout, "等待生成锁超过 %s", r.maxWait)
		}
		g.cond.Wait()
	}

	// 进入临界区：计数加一
	g.count++

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			g.count--
			g.cond.Broadcast()
			g.mu.Unlock()
		})
	}
	return release, nil
}

// Holders 返回工作空间当前的持有者计数（用于观测与测试）
func (r *Registry) Holders(workspaceID string) int {
	g := r.gateFor(workspaceID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Drop 丢弃工作空间的闸门
// 工作空间销毁后调用，避免注册表无限增长
func (r *Registry) Drop(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gates, workspaceID)
}
