// Package workspace 实现工作空间提供者
package workspace

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kinecraft-server/internal/pipeline"
)

// tailBuffer 有界的行缓冲
// 捕获预览进程的输出，失败时把最后 N 行附到错误里供诊断
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string
	part  string // 未换行的残片
}

// Write 实现 io.Writer
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := b.part + string(p)
	parts := strings.Split(text, "\n")
	b.part = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		b.lines = append(b.lines, line)
	}
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
	return len(p), nil
}

// Tail 返回缓冲中的全部行
func (b *tailBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// previewProcess 一个正在运行的预览进程
type previewProcess struct {
	cmd  *exec.Cmd
	port int
	url  string
	tail *tailBuffer
}

// stop 杀掉预览进程并等待退出
func (p *previewProcess) stop() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
}

// StartPreview 启动工作空间的预览服务
// 步骤：
// 1. 杀掉旧的预览进程（若有）
// 2. 校验前置文件与依赖是否就绪
// 3. 启动进程并捕获输出
// 4. 按固定间隔轮询 HTTP 健康检查，次数用尽即判定失败
// 失败时把进程输出的最后 N 行附到错误里——绝不静默失败
//
// 返回:
//   - string: 预览地址
//   - error: ProvisionError（前置缺失）/ TimeoutError（健康检查超时）
func (m *Manager) StartPreview(ctx context.Context, workspaceID string) (string, error) {
	ws, err := m.live(workspaceID)
	if err != nil {
		return "", err
	}

	// 1. 踢掉旧进程
	m.mu.Lock()
	old := ws.preview
	ws.preview = nil
	port := m.nextPort
	m.nextPort++
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}

	// 2. 前置校验：项目清单和依赖必须就位
	if _, err := os.Stat(filepath.Join(ws.Root, "package.json")); err != nil {
		return "", pipeline.New(pipeline.KindProvision, "预览启动失败：缺少 package.json")
	}
	if _, err := os.Stat(filepath.Join(ws.Root, "node_modules")); err != nil {
		return "", pipeline.New(pipeline.KindProvision, "预览启动失败：依赖尚未安装")
	}

	// 3. 启动预览进程
	tail := &tailBuffer{limit: m.cfg.Preview.LogTailLines}
	cmd := exec.Command("sh", "-c", m.cfg.Preview.Command)
	cmd.Dir = ws.Root
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))
	cmd.Stdout = tail
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return "", pipeline.New(pipeline.KindProvision, "预览进程启动失败").WithDetail(err.Error())
	}
	proc := &previewProcess{
		cmd:  cmd,
		port: port,
		url:  fmt.Sprintf("http://127.0.0.1:%d", port),
		tail: tail,
	}

	// 4. 有界的健康检查轮询
	client := &http.Client{Timeout: m.cfg.Preview.HealthInterval}
	healthy := false
	for i := 0; i < m.cfg.Preview.HealthAttempts; i++ {
		if ctx.Err() != nil {
			proc.stop()
			return "", pipeline.New(pipeline.KindStreamAbort, "预览启动已取消").WithDetail(ctx.Err().Error())
		}
		resp, err := client.Get(proc.url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				healthy = true
				break
			}
		}
		time.Sleep(m.cfg.Preview.HealthInterval)
	}
	if !healthy {
		proc.stop()
		return "", pipeline.Newf(pipeline.KindTimeout,
			"预览服务在 %d 次检查内未就绪", m.cfg.Preview.HealthAttempts).
			WithDetail(tail.Tail())
	}

	m.mu.Lock()
	ws.preview = proc
	m.mu.Unlock()
	return proc.url, nil
}

// PreviewURL 返回工作空间的预览地址
// 返回:
//   - string: 预览地址
//   - bool: 预览是否在运行
func (m *Manager) PreviewURL(workspaceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok || ws.Status != StatusReady || ws.preview == nil {
		return "", false
	}
	return ws.preview.url, true
}

// Screenshot 对预览页面截取单帧
// 通过 URL 上的 seek 参数向页面分发确定性的"跳到指定帧"信号，
// 不依赖真实时间等待，保证截帧可复现
// 返回:
//   - string: 截图的工作空间相对路径
//   - error: ProvisionError / TimeoutError / IOError
func (m *Manager) Screenshot(ctx context.Context, workspaceID string, seekTime float64) (string, error) {
	ws, err := m.live(workspaceID)
	if err != nil {
		return "", err
	}
	url, ok := m.PreviewURL(workspaceID)
	if !ok {
		return "", pipeline.New(pipeline.KindProvision, "预览服务未运行，无法截图")
	}

	rel := filepath.Join("shots", fmt.Sprintf("frame-%dms.png", int64(seekTime*1000)))
	abs := filepath.Join(ws.Root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", pipeline.New(pipeline.KindIO, "创建截图目录失败").WithDetail(err.Error())
	}

	seekURL := fmt.Sprintf("%s/?seek=%d", url, int64(seekTime*1000))
	command := strings.NewReplacer("{url}", seekURL, "{output}", abs).
		Replace(m.cfg.Preview.ScreenshotCmd)

	if _, err := m.RunCommand(ctx, workspaceID, command, RunOptions{Timeout: m.cfg.Workspace.CommandTimeout}); err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", pipeline.New(pipeline.KindIO, "截图文件未生成").WithDetail(err.Error())
	}
	return rel, nil
}

// Render 执行渲染并返回产物的相对路径
// 渲染器是工作空间内的外部工具，本方法只负责调用与产物校验
// 返回:
//   - string: 渲染产物的工作空间相对路径
//   - error: VerificationError / TimeoutError
func (m *Manager) Render(ctx context.Context, workspaceID string) (string, error) {
	ws, err := m.live(workspaceID)
	if err != nil {
		return "", err
	}
	result, err := m.RunCommand(ctx, workspaceID, m.cfg.Render.Command, RunOptions{Timeout: m.cfg.Render.Timeout})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", pipeline.New(pipeline.KindVerification, "渲染命令执行失败").
			WithDetail(lastLines(result.Stderr, m.cfg.Preview.LogTailLines))
	}
	out := m.cfg.Render.Output
	if _, err := os.Stat(filepath.Join(ws.Root, out)); err != nil {
		return "", pipeline.New(pipeline.KindVerification, "渲染产物未生成").WithDetail(err.Error())
	}
	return out, nil
}
