package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"kinecraft-server/internal/config"
	"kinecraft-server/internal/generator"
	"kinecraft-server/internal/genlock"
	"kinecraft-server/internal/model"
	"kinecraft-server/internal/phase"
	"kinecraft-server/internal/verifier"
	"kinecraft-server/internal/workspace"
)

// fakeWorkspaces 内存版工作空间
// 新建工作空间预置一个入口文件，修改轮据此筛出目标；
// 读不到的路径返回占位内容而不是报错，生成结果不走真实写入
type fakeWorkspaces struct {
	mu        sync.Mutex
	nextID    int
	files     map[string]string
	destroyed []string
	previews  int
	renders   int
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{files: map[string]string{"src/main.ts": "// 入口"}}
}

func (w *fakeWorkspaces) Create(ctx context.Context, ownerID int64) (*workspace.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	return &workspace.Workspace{ID: fmt.Sprintf("ws-test-%d", w.nextID), OwnerID: ownerID}, nil
}

func (w *fakeWorkspaces) Destroy(workspaceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = append(w.destroyed, workspaceID)
}

func (w *fakeWorkspaces) WriteFile(workspaceID, path string, content []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = string(content)
	return nil
}

func (w *fakeWorkspaces) ReadFile(workspaceID, path string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if content, ok := w.files[path]; ok {
		return []byte(content), nil
	}
	return []byte("// 占位内容"), nil
}

func (w *fakeWorkspaces) ListFiles(workspaceID string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for p := range w.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (w *fakeWorkspaces) RunCommand(ctx context.Context, workspaceID, command string, opts workspace.RunOptions) (*workspace.CommandResult, error) {
	return &workspace.CommandResult{ExitCode: 0}, nil
}

func (w *fakeWorkspaces) StartPreview(ctx context.Context, workspaceID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.previews++
	return "http://127.0.0.1:42001", nil
}

func (w *fakeWorkspaces) Screenshot(ctx context.Context, workspaceID string, seekTime float64) (string, error) {
	return fmt.Sprintf("shots/frame-%.1f.png", seekTime), nil
}

func (w *fakeWorkspaces) Render(ctx context.Context, workspaceID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.renders++
	return "out/video.mp4", nil
}

func (w *fakeWorkspaces) renderCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.renders
}

// fakeGenerator 记录请求并为每次调用编造一个产出文件
type fakeGenerator struct {
	mu   sync.Mutex
	reqs []generator.Request
}

func (g *fakeGenerator) Generate(ctx context.Context, workspaceID string, req generator.Request) (*generator.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	p := fmt.Sprintf("src/gen-%d.ts", len(g.reqs))
	return &generator.Result{
		Files:   []generator.WrittenFile{{Path: p, Size: 64}},
		Summary: "生成完成",
	}, nil
}

func (g *fakeGenerator) byTask(task string) []generator.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []generator.Request
	for _, req := range g.reqs {
		if req.Task == task {
			out = append(out, req)
		}
	}
	return out
}

// fakeVerifier 按预排的报告队列依次返回，耗尽后一律通过
type fakeVerifier struct {
	mu      sync.Mutex
	reports []*verifier.Report
}

func (v *fakeVerifier) Verify(ctx context.Context, req verifier.Request) (*verifier.Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.reports) == 0 {
		return &verifier.Report{Pass: true, Score: 9}, nil
	}
	r := v.reports[0]
	v.reports = v.reports[1:]
	return r, nil
}

// fakePreviews 内存版预览地址登记表
type fakePreviews struct {
	mu      sync.Mutex
	urls    map[string]string
	cleared []string
}

func newFakePreviews() *fakePreviews {
	return &fakePreviews{urls: make(map[string]string)}
}

func (p *fakePreviews) SetPreviewURL(ctx context.Context, workspaceID, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls[workspaceID] = url
	return nil
}

func (p *fakePreviews) ClearPreviewURL(ctx context.Context, workspaceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.urls, workspaceID)
	p.cleared = append(p.cleared, workspaceID)
	return nil
}

func (p *fakePreviews) urlOf(workspaceID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.urls[workspaceID]
}

// execRig 执行轮次的完整测试装配
type execRig struct {
	store      *fakeStore
	sink       *fakeSink
	workspaces *fakeWorkspaces
	generator  *fakeGenerator
	verifier   *fakeVerifier
	previews   *fakePreviews
	orc        *Orchestrator
}

func newExecRig(session *model.Session, ver *fakeVerifier) *execRig {
	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{CreateTimeout: time.Second},
		Render:    config.RenderConfig{Output: "out/video.mp4"},
		Pipeline: config.PipelineConfig{
			MaxFixIterations: 2,
			PassScore:        7,
			LockWait:         time.Second,
			ResolveWait:      time.Second,
			DebounceWindow:   time.Millisecond,
			Affirmatives:     []string{"yes", "ok", "好的"},
		},
	}
	rig := &execRig{
		store:      newFakeStore(session),
		sink:       newFakeSink(),
		workspaces: newFakeWorkspaces(),
		generator:  &fakeGenerator{},
		verifier:   ver,
		previews:   newFakePreviews(),
	}
	rig.orc = New(Deps{
		Store:      rig.store,
		Workspaces: rig.workspaces,
		Locks:      genlock.NewRegistry(cfg.Pipeline.LockWait),
		Generator:  rig.generator,
		Verifier:   rig.verifier,
		Previews:   rig.previews,
		Analyst:    &fakeAnalyst{},
		Director:   &PlanDirector{},
		Sink:       rig.sink,
		Machine:    phase.NewMachine(cfg.Pipeline.Affirmatives),
		Cfg:        cfg,
	})
	return rig
}

func TestAcceptPlanRunsExecutionToPreview(t *testing.T) {
	_, planJSON := samplePlan(t)
	rig := newExecRig(&model.Session{
		ID:       1,
		Phase:    string(phase.Plan),
		Prompt:   "做一个小球弹跳的动画",
		PlanJSON: &planJSON,
	}, &fakeVerifier{})

	if err := rig.orc.Accept(1); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitDone(t, rig.sink)

	sess, _ := rig.store.Session(1)
	if sess.Phase != string(phase.Preview) {
		t.Fatalf("phase = %s, want preview", sess.Phase)
	}
	if !sess.PlanAccepted {
		t.Fatal("plan must be marked accepted")
	}
	if sess.ExecutionJSON != nil {
		t.Fatal("execution state must be cleared on preview")
	}
	if sess.WorkspaceID == nil || *sess.WorkspaceID != "ws-test-1" {
		t.Fatalf("workspace not registered: %v", sess.WorkspaceID)
	}

	// setup + 两个场景，校验通过则没有修改轮
	if n := len(rig.generator.byTask(generator.TaskInitialSetup)); n != 1 {
		t.Fatalf("setup generations = %d", n)
	}
	if n := len(rig.generator.byTask(generator.TaskCreateScene)); n != 2 {
		t.Fatalf("scene generations = %d", n)
	}
	if n := rig.workspaces.renderCount(); n != 1 {
		t.Fatalf("renders = %d, want 1", n)
	}

	// 版本追加：产物路径走解析存储，评分来自校验报告
	if len(rig.store.versions) != 1 {
		t.Fatalf("versions = %d", len(rig.store.versions))
	}
	v := rig.store.versions[0]
	if !strings.Contains(v.URL, "ws-test-1") || !strings.Contains(v.URL, "out/video.mp4") {
		t.Fatalf("version URL = %q", v.URL)
	}
	if v.Score != 9 {
		t.Fatalf("version score = %d, want 9", v.Score)
	}

	// 预览地址在启动时登记
	if got := rig.previews.urlOf("ws-test-1"); got != "http://127.0.0.1:42001" {
		t.Fatalf("preview URL not registered: %q", got)
	}
}

func TestRegenerateFromPreviewReexecutes(t *testing.T) {
	_, planJSON := samplePlan(t)
	wsID := "ws-test-held"
	rig := newExecRig(&model.Session{
		ID:           1,
		Phase:        string(phase.Preview),
		Prompt:       "做一个小球弹跳的动画",
		PlanJSON:     &planJSON,
		PlanAccepted: true,
		WorkspaceID:  &wsID,
	}, &fakeVerifier{})

	if err := rig.orc.Regenerate(1); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	waitDone(t, rig.sink)

	// 重新执行从 preview 迁入 executing，绝不途经 complete
	trail := rig.store.phaseTrail()
	if len(trail) == 0 || trail[0] != string(phase.Executing) {
		t.Fatalf("phase trail = %v, first must be executing", trail)
	}
	for _, p := range trail {
		if p == string(phase.Complete) {
			t.Fatalf("regenerate must not pass through complete: %v", trail)
		}
	}

	sess, _ := rig.store.Session(1)
	if sess.Phase != string(phase.Preview) {
		t.Fatalf("phase = %s, want preview after re-execution", sess.Phase)
	}
	if len(rig.store.versions) != 1 {
		t.Fatalf("versions = %d, re-execution must append one", len(rig.store.versions))
	}
	// 已有工作空间直接复用
	if rig.workspaces.nextID != 0 {
		t.Fatal("regenerate must not create a new workspace")
	}
}

func TestPreviewFeedbackRunsModifyRound(t *testing.T) {
	_, planJSON := samplePlan(t)
	wsID := "ws-test-held"
	rig := newExecRig(&model.Session{
		ID:           1,
		Phase:        string(phase.Preview),
		Prompt:       "做一个小球弹跳的动画",
		PlanJSON:     &planJSON,
		PlanAccepted: true,
		WorkspaceID:  &wsID,
	}, &fakeVerifier{})

	if err := rig.orc.SubmitText(1, "小球改成蓝色"); err != nil {
		t.Fatalf("submit feedback: %v", err)
	}
	waitDone(t, rig.sink)

	// 修改轮的待办只有 modify/render，不残留上一轮的场景待办
	for _, raw := range rig.store.executionTrail() {
		exec, err := model.UnmarshalExecution(raw)
		if err != nil {
			t.Fatalf("unmarshal execution: %v", err)
		}
		for _, todo := range exec.Todos {
			if strings.HasPrefix(todo.ID, "scene-") || todo.ID == "setup" {
				t.Fatalf("stale todo %q in modify round", todo.ID)
			}
		}
	}

	// 只发一次 modify_existing，携带目标文件的当前内容
	reqs := rig.generator.byTask(generator.TaskModifyExisting)
	if len(reqs) != 1 {
		t.Fatalf("modify generations = %d", len(reqs))
	}
	if reqs[0].Description != "小球改成蓝色" {
		t.Fatalf("modify description = %q", reqs[0].Description)
	}
	if got := reqs[0].CurrentContent["src/main.ts"]; got != "// 入口" {
		t.Fatalf("current content not loaded: %q", got)
	}

	sess, _ := rig.store.Session(1)
	if sess.Phase != string(phase.Preview) {
		t.Fatalf("phase = %s, want preview", sess.Phase)
	}
	if sess.ExecutionJSON != nil {
		t.Fatal("execution state must be cleared after modify round")
	}
}

func TestVerifyFixLoopModifiesAndRerenders(t *testing.T) {
	_, planJSON := samplePlan(t)
	rig := newExecRig(&model.Session{
		ID:       1,
		Phase:    string(phase.Plan),
		Prompt:   "做一个小球弹跳的动画",
		PlanJSON: &planJSON,
	}, &fakeVerifier{reports: []*verifier.Report{
		{Pass: false, Score: 5, FixInstructions: "小球颜色与设计稿不符，改为红色"},
		{Pass: true, Score: 8},
	}})

	if err := rig.orc.Accept(1); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitDone(t, rig.sink)

	// 一次修复轮：修复指引回灌给 modify_existing，随后重渲染
	reqs := rig.generator.byTask(generator.TaskModifyExisting)
	if len(reqs) != 1 {
		t.Fatalf("fix generations = %d", len(reqs))
	}
	if reqs[0].Description != "小球颜色与设计稿不符，改为红色" {
		t.Fatalf("fix description = %q", reqs[0].Description)
	}
	if n := rig.workspaces.renderCount(); n != 2 {
		t.Fatalf("renders = %d, want 2", n)
	}
	if len(rig.store.versions) != 1 || rig.store.versions[0].Score != 8 {
		t.Fatalf("versions = %+v", rig.store.versions)
	}
	sess, _ := rig.store.Session(1)
	if sess.Phase != string(phase.Preview) {
		t.Fatalf("phase = %s, want preview", sess.Phase)
	}
}

func TestAcceptPreviewDestroysAndClearsRegistration(t *testing.T) {
	_, planJSON := samplePlan(t)
	wsID := "ws-test-held"
	rig := newExecRig(&model.Session{
		ID:           1,
		Phase:        string(phase.Preview),
		PlanJSON:     &planJSON,
		PlanAccepted: true,
		WorkspaceID:  &wsID,
	}, &fakeVerifier{})
	rig.previews.urls[wsID] = "http://127.0.0.1:42001"

	if err := rig.orc.Accept(1); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sess, _ := rig.store.Session(1)
	if sess.Phase != string(phase.Complete) {
		t.Fatalf("phase = %s, want complete", sess.Phase)
	}
	rig.workspaces.mu.Lock()
	destroyed := append([]string(nil), rig.workspaces.destroyed...)
	rig.workspaces.mu.Unlock()
	if len(destroyed) != 1 || destroyed[0] != wsID {
		t.Fatalf("destroyed = %v", destroyed)
	}
	rig.previews.mu.Lock()
	cleared := append([]string(nil), rig.previews.cleared...)
	rig.previews.mu.Unlock()
	if len(cleared) != 1 || cleared[0] != wsID {
		t.Fatalf("cleared = %v", cleared)
	}
}
