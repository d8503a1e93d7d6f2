package workspace

import (
	"context"
	"strings"
	"testing"
	"time"

	"kinecraft-server/internal/config"
	"kinecraft-server/internal/pipeline"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &config.Config{}
	cfg.Workspace.BaseDir = t.TempDir()
	cfg.Workspace.MaxFileSize = 1024
	cfg.Workspace.CommandTimeout = 5 * time.Second
	cfg.Preview.PortBase = 42000
	cfg.Preview.LogTailLines = 5
	m := NewManager(cfg)
	if err := m.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return m
}

func TestCreateWriteReadList(t *testing.T) {
	m := testManager(t)
	ws, err := m.Create(context.Background(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ws.Status != StatusReady || !strings.HasPrefix(ws.ID, "ws-") {
		t.Fatalf("workspace = %+v", ws)
	}

	if err := m.WriteFile(ws.ID, "src/scene.tsx", []byte("export default 1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := m.ReadFile(ws.ID, "src/scene.tsx")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "export default 1" {
		t.Fatalf("content = %q", data)
	}

	files, err := m.ListFiles(ws.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 || files[0] != "src/scene.tsx" {
		t.Fatalf("files = %v", files)
	}
}

func TestCreateDuplicateOwnerRejected(t *testing.T) {
	m := testManager(t)
	if _, err := m.Create(context.Background(), 7); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := m.Create(context.Background(), 7)
	if err == nil {
		t.Fatalf("expected error for second workspace on same session")
	}
	if pipeline.Kind(err) != pipeline.KindProvision {
		t.Fatalf("error kind = %s", pipeline.Kind(err))
	}
}

func TestWriteFileTraversalRejected(t *testing.T) {
	m := testManager(t)
	ws, err := m.Create(context.Background(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bad := []string{"../escape.txt", "/etc/passwd", "a/../../b", "has\x00null"}
	for _, p := range bad {
		err := m.WriteFile(ws.ID, p, []byte("x"))
		if err == nil {
			t.Fatalf("expected rejection for %q", p)
		}
		if pipeline.Kind(err) != pipeline.KindIO {
			t.Fatalf("error kind for %q = %s", p, pipeline.Kind(err))
		}
	}
	// 内部的 .. 归一化后仍在工作空间内则放行
	if err := m.WriteFile(ws.ID, "a/../b.txt", []byte("x")); err != nil {
		t.Fatalf("normalizable path rejected: %v", err)
	}
}

func TestWriteFileSizeCeiling(t *testing.T) {
	m := testManager(t)
	ws, err := m.Create(context.Background(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = m.WriteFile(ws.ID, "big.txt", make([]byte, 2048))
	if err == nil {
		t.Fatalf("expected oversize rejection")
	}
	if pipeline.Kind(err) != pipeline.KindIO {
		t.Fatalf("error kind = %s", pipeline.Kind(err))
	}
	// 拒绝即零写入，不截断
	if _, err := m.ReadFile(ws.ID, "big.txt"); err == nil {
		t.Fatalf("oversize file must not be written")
	}
}

func TestRunCommand(t *testing.T) {
	m := testManager(t)
	ws, err := m.Create(context.Background(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := m.RunCommand(context.Background(), ws.ID, "echo hello", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "hello" || result.ExitCode != 0 {
		t.Fatalf("result = %+v", result)
	}

	// 非零退出码不是错误，通过 ExitCode 报告
	result, err = m.RunCommand(context.Background(), ws.ID, "exit 3", RunOptions{})
	if err != nil {
		t.Fatalf("run exit 3: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	m := testManager(t)
	ws, err := m.Create(context.Background(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = m.RunCommand(context.Background(), ws.ID, "sleep 5", RunOptions{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected timeout")
	}
	if pipeline.Kind(err) != pipeline.KindTimeout {
		t.Fatalf("error kind = %s", pipeline.Kind(err))
	}
}

func TestDestroyIdempotent(t *testing.T) {
	m := testManager(t)
	ws, err := m.Create(context.Background(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	m.Destroy(ws.ID)
	if got := m.Get(ws.ID); got != nil {
		t.Fatalf("destroyed workspace still visible: %+v", got)
	}
	// 重复销毁与未知句柄都是安全的空操作
	m.Destroy(ws.ID)
	m.Destroy("ws-unknown")

	// 销毁后的操作报 IO 错误
	if err := m.WriteFile(ws.ID, "a.txt", []byte("x")); err == nil {
		t.Fatalf("write after destroy must fail")
	}

	// 同一会话可以再建新工作空间
	if _, err := m.Create(context.Background(), 1); err != nil {
		t.Fatalf("create after destroy: %v", err)
	}
}

func TestValidatePath(t *testing.T) {
	if _, err := ValidatePath(""); err == nil {
		t.Fatalf("empty path must be rejected")
	}
	clean, err := ValidatePath("./src/./a.ts")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if clean != "src/a.ts" {
		t.Fatalf("clean = %q", clean)
	}
}
