// Package workspace 实现工作空间提供者
// 工作空间是一个隔离的临时执行环境（文件树 + 进程运行器），
// 由创建它的会话独占，生命周期内绝不跨会话共享；
// 销毁是终态且幂等的
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kinecraft-server/internal/config"
	"kinecraft-server/internal/pipeline"
	"kinecraft-server/pkg/util"
)

// WorkspaceStatus 工作空间状态常量
const (
	StatusCreating  = "creating"  // 创建中
	StatusReady     = "ready"     // 可用
	StatusError     = "error"     // 创建失败
	StatusDestroyed = "destroyed" // 已销毁（终态）
)

// Workspace 一个工作空间的运行时记录
type Workspace struct {
	ID      string    // 对外句柄（UUID）
	OwnerID int64     // 所属会话ID
	Root    string    // 文件系统根目录
	Status  string    // 当前状态
	Created time.Time // 创建时间

	preview    *previewProcess // 预览进程（可为 nil）
	background []*exec.Cmd     // 后台命令进程，销毁时统一回收
}

// CommandResult 命令执行结果
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// RunOptions 命令执行选项
type RunOptions struct {
	Timeout    time.Duration // 超时，<= 0 使用配置默认值
	Background bool          // 后台执行：立即返回且不捕获输出
}

// Manager 工作空间管理器
// 所有协调状态（进程句柄、端口分配）都按工作空间隔离
type Manager struct {
	mu         sync.Mutex
	cfg        *config.Config
	workspaces map[string]*Workspace
	byOwner    map[int64]string // 会话 → 活跃工作空间，同一会话至多一个
	nextPort   int
}

// NewManager 创建工作空间管理器
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:        cfg,
		workspaces: make(map[string]*Workspace),
		byOwner:    make(map[int64]string),
		nextPort:   cfg.Preview.PortBase,
	}
}

// Init 初始化工作空间根目录，并清理上次进程遗留的孤儿目录
// 工作空间不跨进程重启存活，重启后遗留目录一律删除
func (m *Manager) Init() error {
	if err := os.MkdirAll(m.cfg.Workspace.BaseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace base dir: %w", err)
	}
	entries, err := os.ReadDir(m.cfg.Workspace.BaseDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "ws-") {
			orphan := filepath.Join(m.cfg.Workspace.BaseDir, e.Name())
			if err := os.RemoveAll(orphan); err != nil {
				log.Printf("Failed to remove orphan workspace %s: %v", orphan, err)
			}
		}
	}
	return nil
}

// Create 为会话创建工作空间
// 同一会话已有活跃工作空间时是调用方错误，不做静默容忍——
// 需要全新环境时编排器必须先销毁再创建
// 返回:
//   - *Workspace: 新工作空间
//   - error: ProvisionError
func (m *Manager) Create(ctx context.Context, ownerID int64) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byOwner[ownerID]; ok {
		return nil, pipeline.Newf(pipeline.KindProvision,
			"会话已有活跃的工作空间").WithDetail(fmt.Sprintf("owner=%d workspace=%s", ownerID, existing))
	}
	if err := ctx.Err(); err != nil {
		return nil, pipeline.New(pipeline.KindStreamAbort, "创建已取消").WithDetail(err.Error())
	}

	ws := &Workspace{
		ID:      "ws-" + util.GenerateUUID(),
		OwnerID: ownerID,
		Status:  StatusCreating,
		Created: time.Now(),
	}
	ws.Root = filepath.Join(m.cfg.Workspace.BaseDir, ws.ID)
	if err := os.MkdirAll(ws.Root, 0o755); err != nil {
		ws.Status = StatusError
		return nil, pipeline.New(pipeline.KindProvision, "工作空间创建失败").WithDetail(err.Error())
	}
	ws.Status = StatusReady

	m.workspaces[ws.ID] = ws
	m.byOwner[ownerID] = ws.ID
	log.Printf("Workspace created: id=%s owner=%d root=%s", ws.ID, ownerID, ws.Root)
	return ws, nil
}

// Get 按句柄取出工作空间
// 已销毁或不存在的句柄返回 nil
func (m *Manager) Get(workspaceID string) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok || ws.Status == StatusDestroyed {
		return nil
	}
	return ws
}

// live 取出活跃工作空间（加锁版，供内部使用）
func (m *Manager) live(workspaceID string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok || ws.Status != StatusReady {
		return nil, pipeline.Newf(pipeline.KindIO, "工作空间不存在或已销毁")
	}
	return ws, nil
}

// ValidatePath 校验工作空间内的相对路径
// 拒绝目录穿越、绝对路径和空字节；返回清理后的相对路径
// 供生成器在写入前做整批校验（任何一个文件非法则整批拒绝）
func ValidatePath(path string) (string, error) {
	return validateRelPath(path)
}

// validateRelPath 校验工作空间内的相对路径
// 拒绝目录穿越、绝对路径和空字节；返回清理后的相对路径
func validateRelPath(path string) (string, error) {
	if path == "" {
		return "", pipeline.New(pipeline.KindIO, "文件路径不能为空")
	}
	if strings.ContainsRune(path, 0) {
		return "", pipeline.New(pipeline.KindIO, "文件路径含有非法字符")
	}
	if filepath.IsAbs(path) {
		return "", pipeline.Newf(pipeline.KindIO, "不允许绝对路径: %s", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", pipeline.Newf(pipeline.KindIO, "路径越出工作空间: %s", path)
	}
	return clean, nil
}

// WriteFile 向工作空间写入文件
// 超过大小上限直接拒绝，不做截断
// 返回:
//   - error: IOError
func (m *Manager) WriteFile(workspaceID, path string, content []byte) error {
	ws, err := m.live(workspaceID)
	if err != nil {
		return err
	}
	rel, err := validateRelPath(path)
	if err != nil {
		return err
	}
	if len(content) > m.cfg.Workspace.MaxFileSize {
		return pipeline.Newf(pipeline.KindIO, "文件 %s 超过大小上限 %d 字节", path, m.cfg.Workspace.MaxFileSize)
	}

	abs := filepath.Join(ws.Root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return pipeline.New(pipeline.KindIO, "创建目录失败").WithDetail(err.Error())
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return pipeline.New(pipeline.KindIO, "写入文件失败").WithDetail(err.Error())
	}
	return nil
}

// ReadFile 读取工作空间内的文件
// 读操作不经过生成锁，调用方需容忍读到写入中途的内容
func (m *Manager) ReadFile(workspaceID, path string) ([]byte, error) {
	ws, err := m.live(workspaceID)
	if err != nil {
		return nil, err
	}
	rel, err := validateRelPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(ws.Root, rel))
	if err != nil {
		return nil, pipeline.Newf(pipeline.KindIO, "读取文件失败: %s", path).WithDetail(err.Error())
	}
	return data, nil
}

// ListFiles 列出工作空间内的所有文件（相对路径）
func (m *Manager) ListFiles(workspaceID string) ([]string, error) {
	ws, err := m.live(workspaceID)
	if err != nil {
		return nil, err
	}
	var files []string
	walkErr := filepath.Walk(ws.Root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			// node_modules 之类的依赖目录不进清单
			if info.Name() == "node_modules" || strings.HasPrefix(info.Name(), ".") && p != ws.Root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(ws.Root, p)
		if relErr != nil {
			return relErr
		}
		files = append(files, rel)
		return nil
	})
	if walkErr != nil {
		return nil, pipeline.New(pipeline.KindIO, "列出文件失败").WithDetail(walkErr.Error())
	}
	return files, nil
}

// RunCommand 在工作空间内执行命令
// 前台命令阻塞到结束或超时；后台命令启动后立即返回且不捕获输出，
// 调用方自行轮询它的副作用（如日志文件）
// 返回:
//   - *CommandResult: 前台命令的输出与退出码
//   - error: TimeoutError / IOError
func (m *Manager) RunCommand(ctx context.Context, workspaceID, command string, opts RunOptions) (*CommandResult, error) {
	ws, err := m.live(workspaceID)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Workspace.CommandTimeout
	}

	if opts.Background {
		// 后台命令不参与超时控制，由销毁流程统一回收
		cmd := exec.Command("sh", "-c", command)
		cmd.Dir = ws.Root
		if err := cmd.Start(); err != nil {
			return nil, pipeline.New(pipeline.KindIO, "后台命令启动失败").WithDetail(err.Error())
		}
		m.mu.Lock()
		ws.background = append(ws.background, cmd)
		m.mu.Unlock()
		return &CommandResult{}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = ws.Root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, pipeline.Newf(pipeline.KindTimeout, "命令执行超过 %s", timeout).
				WithDetail(lastLines(stderr.String(), m.cfg.Preview.LogTailLines))
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, pipeline.New(pipeline.KindIO, "命令执行失败").WithDetail(runErr.Error())
	}
	return result, nil
}

// Destroy 销毁工作空间
// 幂等：对已销毁或不存在的句柄调用是安全的空操作
func (m *Manager) Destroy(workspaceID string) {
	m.mu.Lock()
	ws, ok := m.workspaces[workspaceID]
	if !ok || ws.Status == StatusDestroyed {
		m.mu.Unlock()
		return
	}
	ws.Status = StatusDestroyed
	delete(m.byOwner, ws.OwnerID)
	preview := ws.preview
	ws.preview = nil
	background := ws.background
	ws.background = nil
	m.mu.Unlock()

	// 1. 停掉预览进程
	if preview != nil {
		preview.stop()
	}

	// 2. 回收后台进程
	for _, cmd := range background {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}

	// 3. 删除文件树
	if err := os.RemoveAll(ws.Root); err != nil {
		log.Printf("Failed to remove workspace dir %s: %v", ws.Root, err)
	}
	log.Printf("Workspace destroyed: id=%s owner=%d", workspaceID, ws.OwnerID)
}

// Sweep 销毁所有活跃工作空间（进程退出前调用）
func (m *Manager) Sweep() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workspaces))
	for id, ws := range m.workspaces {
		if ws.Status != StatusDestroyed {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Destroy(id)
	}
}

// lastLines 返回文本的最后 n 行（诊断信息用）
func lastLines(s string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
