package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"kinecraft-server/internal/config"
	"kinecraft-server/internal/generator"
	"kinecraft-server/internal/genlock"
	"kinecraft-server/internal/model"
	"kinecraft-server/internal/phase"
	"kinecraft-server/internal/pipeline"
	"kinecraft-server/internal/stream"
	"kinecraft-server/internal/verifier"
	"kinecraft-server/internal/workspace"
	"kinecraft-server/pkg/util"
)

// ErrRunActive 会话已有活跃轮次，拒绝并发驱动
var ErrRunActive = pipeline.New(pipeline.KindGeneration, "会话已有生成在进行中")

// Store 编排循环依赖的持久化接口（由 service 层实现）
type Store interface {
	// Session 加载会话
	Session(id int64) (*model.Session, error)
	// Save 持久化会话的阶段与附属字段
	Save(s *model.Session) error
	// AppendMessage 追加一条消息
	AppendMessage(m *model.Message) error
	// AddVersion 追加一个渲染版本
	AddVersion(v *model.Version) error
	// CountVersions 统计会话的渲染版本数
	CountVersions(sessionID int64) (int64, error)
	// CreateToolCall 登记工具调用开始
	CreateToolCall(rec *model.ToolCallRecord) error
	// FinishToolCall 写入工具调用结果（恰好一次）
	FinishToolCall(toolCallID, status string, output *string, errText *string) error
	// LastSequence 返回会话已持久化的最大序号（无记录返回 0）
	LastSequence(sessionID int64) (int64, error)
}

// AnalyzeRequest 一次需求分析的输入
type AnalyzeRequest struct {
	Prompt   string          // 用户的动画描述
	History  []model.Message // 会话历史
	Plan     *model.Plan     // 当前计划（无则为 nil）
	Feedback string          // 对计划的修改意见（可为空）
}

// Analysis 需求分析的结论
// 二选一：要么需要澄清（携带问题），要么产出计划
type Analysis struct {
	NeedsClarification bool        // 是否需要向用户提问
	Question           string      // 澄清问题
	Plan               *model.Plan // 结构化分镜计划
	Reply              string      // 面向用户的助手文本
}

// Analyst 需求分析模型的接口（由 AI service 实现）
// 流式增量直接推入 turn，结论通过返回值给出
type Analyst interface {
	Analyze(ctx context.Context, req AnalyzeRequest, turn *stream.Turn) (*Analysis, error)
}

// Director 执行指挥接口
// 拿到已接受的计划后，决定发出哪些工具调用以及它们的并发关系
type Director interface {
	Direct(ctx context.Context, run *Run, plan *model.Plan, feedback string) error
}

// Workspaces 工作空间操作接口（由 workspace.Manager 实现）
type Workspaces interface {
	Create(ctx context.Context, ownerID int64) (*workspace.Workspace, error)
	Destroy(workspaceID string)
	WriteFile(workspaceID, path string, content []byte) error
	ReadFile(workspaceID, path string) ([]byte, error)
	ListFiles(workspaceID string) ([]string, error)
	RunCommand(ctx context.Context, workspaceID, command string, opts workspace.RunOptions) (*workspace.CommandResult, error)
	StartPreview(ctx context.Context, workspaceID string) (string, error)
	Screenshot(ctx context.Context, workspaceID string, seekTime float64) (string, error)
	Render(ctx context.Context, workspaceID string) (string, error)
}

// FileGenerator 代码生成接口（由 generator.Generator 实现）
type FileGenerator interface {
	Generate(ctx context.Context, workspaceID string, req generator.Request) (*generator.Result, error)
}

// RenderVerifier 渲染产物校验接口（由 verifier.Verifier 实现）
type RenderVerifier interface {
	Verify(ctx context.Context, req verifier.Request) (*verifier.Report, error)
}

// PreviewRegistry 预览地址登记接口（由 cache.RedisCache 实现）
// 预览启动后登记地址，工作空间销毁时清除
type PreviewRegistry interface {
	SetPreviewURL(ctx context.Context, workspaceID, url string) error
	ClearPreviewURL(ctx context.Context, workspaceID string) error
}

// Deps 编排器的全部依赖
type Deps struct {
	Store      Store
	Workspaces Workspaces
	Locks      *genlock.Registry
	Generator  FileGenerator
	Verifier   RenderVerifier
	Previews   PreviewRegistry
	Analyst    Analyst
	Director   Director
	Sink       stream.Sink
	Machine    *phase.Machine
	Cfg        *config.Config
}

// Run 一次活跃的编排轮次
// 会话同一时刻至多一个活跃轮次；轮次结束后从注册表摘除
type Run struct {
	sessionID   int64
	workspaceID string
	session     *model.Session
	turn        *stream.Turn
	store       *ResolveStore
	seq         *stream.Counter
	deps        *Deps
	cancel      context.CancelFunc

	mu   sync.Mutex
	exec *model.Execution
}

// Orchestrator 生成管线的编排器
// 负责把用户输入路由为状态机迁移，并驱动分析/执行轮次
type Orchestrator struct {
	deps Deps

	mu       sync.Mutex
	runs     map[int64]*Run            // 活跃轮次，按会话索引
	counters map[int64]*stream.Counter // 会话级序号计数器
}

// New 创建编排器
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:     deps,
		runs:     make(map[int64]*Run),
		counters: make(map[int64]*stream.Counter),
	}
}

// counterFor 取出会话的序号计数器（惰性创建）
// 事件、消息、工具调用共用同一个计数器，
// 保证 (created_at, sequence) 排序稳定可复现；
// 首次取用时从已持久化的最大序号续接，进程重启不回绕
func (o *Orchestrator) counterFor(sessionID int64) *stream.Counter {
	o.mu.Lock()
	c, ok := o.counters[sessionID]
	o.mu.Unlock()
	if ok {
		return c
	}

	last, err := o.deps.Store.LastSequence(sessionID)
	if err != nil {
		log.Printf("Failed to load last sequence for session %d: %v", sessionID, err)
		last = 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[sessionID]; ok {
		return c
	}
	c = stream.NewCounter(last)
	o.counters[sessionID] = c
	return c
}

// Busy 返回会话是否有活跃轮次
func (o *Orchestrator) Busy(sessionID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[sessionID]
	return ok
}

// Cancel 取消会话的活跃轮次
// 取消会冲刷已缓冲的增量并把会话回退到上一个稳定阶段，
// 不会进入 error 阶段
// 返回:
//   - bool: 是否存在可取消的轮次
func (o *Orchestrator) Cancel(sessionID int64) bool {
	o.mu.Lock()
	run, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	log.Printf("Cancelling run for session %d", sessionID)
	run.cancel()
	return true
}

// begin 登记一个新轮次
// 会话已有活跃轮次时拒绝（生成进行中不接受并发驱动）
func (o *Orchestrator) begin(session *model.Session) (*Run, context.Context, error) {
	seq := o.counterFor(session.ID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.runs[session.ID]; ok {
		return nil, nil, ErrRunActive
	}

	// 轮次的生命周期不跟随 HTTP 请求，取消只能通过显式 Cancel
	ctx, cancel := context.WithCancel(context.Background())
	run := &Run{
		sessionID: session.ID,
		session:   session,
		turn:      stream.NewTurn(session.ID, seq, o.deps.Sink, o.deps.Cfg.Pipeline.DebounceWindow),
		store:     NewResolveStore(o.deps.Cfg.Pipeline.ResolveWait),
		seq:       seq,
		deps:      &o.deps,
		cancel:    cancel,
	}
	if session.WorkspaceID != nil {
		run.workspaceID = *session.WorkspaceID
	}
	o.runs[session.ID] = run
	return run, ctx, nil
}

// end 摘除轮次
func (o *Orchestrator) end(run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run.cancel()
	delete(o.runs, run.sessionID)
}

// SubmitText 处理用户自由文本
// 文本先按当前阶段归类为状态机输入，再路由到对应流程：
// 确认词在 plan/preview 阶段短路为 accept，
// 计划接受后的文本永远按反馈处理
func (o *Orchestrator) SubmitText(sessionID int64, text string) error {
	session, err := o.deps.Store.Session(sessionID)
	if err != nil {
		return err
	}
	current := phase.Phase(session.Phase)
	in := o.deps.Machine.ClassifyText(current, text)

	// 用户消息先落库，无论后续驱动是否成功
	if err := o.appendMessage(sessionID, model.MessageRoleUser, text); err != nil {
		return err
	}

	switch in {
	case phase.InputSubmit:
		session.Prompt = text
		return o.startAnalysis(session, AnalyzeRequest{Prompt: text}, in)

	case phase.InputAnswer:
		return o.startAnalysis(session, AnalyzeRequest{Prompt: session.Prompt, Feedback: text}, in)

	case phase.InputAccept:
		return o.accept(session)

	case phase.InputFeedback:
		switch current {
		case phase.Plan:
			// 计划接受前的反馈触发重新分析
			req := AnalyzeRequest{Prompt: session.Prompt, Plan: sessionPlan(session), Feedback: text}
			return o.startAnalysis(session, req, in)
		case phase.Preview:
			// 验收阶段的反馈触发一轮修改执行
			return o.startExecution(session, text, in)
		case phase.Executing:
			// continue 边：反馈并入进行中的执行
			o.mu.Lock()
			run := o.runs[sessionID]
			o.mu.Unlock()
			if run != nil {
				run.store.Put("user_feedback", text)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: phase=%s", phase.ErrIllegalInput, current)
}

// Accept 处理显式的接受动作（结构化按钮）
func (o *Orchestrator) Accept(sessionID int64) error {
	session, err := o.deps.Store.Session(sessionID)
	if err != nil {
		return err
	}
	return o.accept(session)
}

// accept 按当前阶段路由接受动作
func (o *Orchestrator) accept(session *model.Session) error {
	current := phase.Phase(session.Phase)
	next, err := o.deps.Machine.Next(current, phase.InputAccept, session.PlanJSON != nil)
	if err != nil {
		return err
	}

	switch current {
	case phase.Plan:
		// 1. 计划落定：置位后自由文本不再被解释为重新生成
		session.PlanAccepted = true
		if err := o.deps.Store.Save(session); err != nil {
			return err
		}
		// 2. 进入执行
		return o.startExecution(session, "", phase.InputAccept)

	case phase.Preview:
		// 验收通过：会话完成，销毁工作空间
		session.Phase = string(next)
		if err := o.deps.Store.Save(session); err != nil {
			return err
		}
		if session.WorkspaceID != nil {
			o.deps.Workspaces.Destroy(*session.WorkspaceID)
			o.deps.Locks.Drop(*session.WorkspaceID)
			if o.deps.Previews != nil {
				if err := o.deps.Previews.ClearPreviewURL(context.Background(), *session.WorkspaceID); err != nil {
					log.Printf("Failed to clear preview URL for workspace %s: %v", *session.WorkspaceID, err)
				}
			}
		}
		o.emitPhase(session.ID, next)
		return nil
	}
	return fmt.Errorf("%w: phase=%s", phase.ErrIllegalInput, current)
}

// Regenerate 显式要求重新生成
// plan 阶段：重新分析产出新计划（整体替换旧计划）
// preview 阶段：从已接受的计划重新执行，不再询问确认
func (o *Orchestrator) Regenerate(sessionID int64) error {
	session, err := o.deps.Store.Session(sessionID)
	if err != nil {
		return err
	}
	current := phase.Phase(session.Phase)
	if _, err := o.deps.Machine.Next(current, phase.InputRegenerate, session.PlanJSON != nil); err != nil {
		return err
	}
	switch current {
	case phase.Plan:
		req := AnalyzeRequest{Prompt: session.Prompt, Plan: sessionPlan(session), Feedback: "重新生成计划"}
		return o.startAnalysis(session, req, phase.InputRegenerate)
	case phase.Preview:
		return o.startExecution(session, "", phase.InputRegenerate)
	}
	return fmt.Errorf("%w: phase=%s", phase.ErrIllegalInput, current)
}

// Retry 错误后重试
// 有计划回到 plan，无计划回到 idle；错误详情随迁移清空
func (o *Orchestrator) Retry(sessionID int64) error {
	session, err := o.deps.Store.Session(sessionID)
	if err != nil {
		return err
	}
	if session.ErrorJSON != nil {
		if se, err := model.UnmarshalSessionError(*session.ErrorJSON); err == nil && !se.CanRetry {
			return pipeline.New(pipeline.KindGeneration, "该错误不允许重试")
		}
	}
	next, err := o.deps.Machine.Next(phase.Phase(session.Phase), phase.InputRetry, session.PlanJSON != nil)
	if err != nil {
		return err
	}
	session.Phase = string(next)
	session.ErrorJSON = nil
	session.ExecutionJSON = nil
	if err := o.deps.Store.Save(session); err != nil {
		return err
	}
	o.emitPhase(sessionID, next)
	return nil
}

// startAnalysis 启动一轮需求分析
// 迁移到 executing 后在后台驱动，结果通过事件流推送
func (o *Orchestrator) startAnalysis(session *model.Session, req AnalyzeRequest, in phase.Input) error {
	next, err := o.deps.Machine.Next(phase.Phase(session.Phase), in, session.PlanJSON != nil)
	if err != nil {
		return err
	}
	resume := phase.Phase(session.Phase)
	run, ctx, err := o.begin(session)
	if err != nil {
		return err
	}
	session.Phase = string(next)
	if err := o.deps.Store.Save(session); err != nil {
		o.end(run)
		return err
	}
	run.turn.PhaseChange(string(next))

	go o.driveAnalysis(ctx, run, req, resume)
	return nil
}

// driveAnalysis 分析轮次的主体
func (o *Orchestrator) driveAnalysis(ctx context.Context, run *Run, req AnalyzeRequest, resume phase.Phase) {
	defer o.end(run)
	session := run.session

	run.turn.OpenThinking("分析需求")
	result, err := o.deps.Analyst.Analyze(ctx, req, run.turn)
	if err != nil {
		o.failRun(run, resume, err)
		return
	}

	// 分析结论二选一：澄清问题 或 计划
	var next phase.Phase
	if result == nil {
		err = pipeline.New(pipeline.KindGeneration, "分析既未产出计划也未提出问题")
	} else if result.NeedsClarification {
		next, err = o.deps.Machine.Next(phase.Executing, phase.InputNeedClar, session.PlanJSON != nil)
		if err == nil {
			session.Phase = string(next)
		}
	} else if result.Plan != nil {
		planJSON, mErr := model.MarshalPlan(result.Plan)
		if mErr != nil {
			o.failRun(run, resume, pipeline.New(pipeline.KindGeneration, "计划序列化失败").WithDetail(mErr.Error()))
			return
		}
		next, err = o.deps.Machine.Next(phase.Executing, phase.InputPlanReady, true)
		if err == nil {
			// 新计划整体替换旧计划
			session.PlanJSON = &planJSON
			session.PlanAccepted = false
			session.Phase = string(next)
		}
	} else {
		err = pipeline.New(pipeline.KindGeneration, "分析既未产出计划也未提出问题")
	}
	if err != nil {
		o.failRun(run, resume, err)
		return
	}

	if err := o.deps.Store.Save(session); err != nil {
		o.failRun(run, resume, err)
		return
	}

	reply := result.Reply
	if reply == "" && result.NeedsClarification {
		reply = result.Question
	}
	if reply != "" {
		if err := o.appendMessage(session.ID, model.MessageRoleAssistant, reply); err != nil {
			log.Printf("Failed to persist assistant message for session %d: %v", session.ID, err)
		}
	}
	run.turn.PhaseChange(string(next))
	run.turn.Complete()
	log.Printf("Analysis finished for session %d: phase=%s", session.ID, next)
}

// startExecution 启动一轮执行
// 覆盖三种入口：计划被接受（accept）、验收阶段的反馈（feedback）、
// 显式重新执行（regenerate）；输入由调用方给定，不从反馈内容反推
func (o *Orchestrator) startExecution(session *model.Session, feedback string, in phase.Input) error {
	plan := sessionPlan(session)
	if plan == nil {
		return pipeline.New(pipeline.KindGeneration, "会话尚无可执行的计划")
	}
	next, err := o.deps.Machine.Next(phase.Phase(session.Phase), in, true)
	if err != nil {
		return err
	}
	resume := phase.Phase(session.Phase)
	run, ctx, err := o.begin(session)
	if err != nil {
		return err
	}
	session.Phase = string(next)
	if err := o.deps.Store.Save(session); err != nil {
		o.end(run)
		return err
	}
	run.turn.PhaseChange(string(next))

	go o.driveExecution(ctx, run, plan, feedback, resume)
	return nil
}

// driveExecution 执行轮次的主体
// 步骤：
// 1. 确保工作空间（无则创建并登记到会话）
// 2. 建立执行期待办并落库
// 3. 交给指挥器发出生成工具调用
// 4. 启动预览、渲染视频
// 5. 视觉校验，不通过则修改重渲染（最多两轮）
// 6. 追加渲染版本，迁移到 preview
func (o *Orchestrator) driveExecution(ctx context.Context, run *Run, plan *model.Plan, feedback string, resume phase.Phase) {
	defer o.end(run)
	session := run.session

	// 1. 工作空间（创建有独立超时，不占用整轮预算）
	if run.workspaceID == "" {
		createCtx := ctx
		if d := o.deps.Cfg.Workspace.CreateTimeout; d > 0 {
			var cancel context.CancelFunc
			createCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		ws, err := o.deps.Workspaces.Create(createCtx, session.ID)
		if err != nil {
			o.failRun(run, resume, err)
			return
		}
		run.workspaceID = ws.ID
		session.WorkspaceID = &ws.ID
		if err := o.deps.Store.Save(session); err != nil {
			o.failRun(run, resume, err)
			return
		}
	}

	// 2. 执行期待办
	run.initExecution(plan, feedback)
	if err := run.saveExecution(); err != nil {
		o.failRun(run, resume, err)
		return
	}

	// 3. 生成
	run.turn.OpenThinking("生成场景代码")
	if err := o.deps.Director.Direct(ctx, run, plan, feedback); err != nil {
		o.failRun(run, resume, err)
		return
	}

	// 4. 预览与渲染
	run.MarkTodo("render", model.TodoStatusActive)
	run.setThinking("启动预览")
	if _, err := run.Tool(ctx, ToolStartPreview, struct{}{}); err != nil {
		o.failRun(run, resume, err)
		return
	}
	run.setThinking("渲染视频")
	if _, err := run.Tool(ctx, ToolRender, struct{}{}); err != nil {
		o.failRun(run, resume, err)
		return
	}

	// 5. 校验与修复循环
	report, err := o.verifyAndFix(ctx, run, plan)
	if err != nil {
		o.failRun(run, resume, err)
		return
	}
	run.MarkTodo("render", model.TodoStatusDone)

	// 6. 版本追加与迁移
	// 渲染工具可能由指挥模型并行发出，产物路径走有界等待解析
	artifact, err := run.store.Resolve(ctx, "rendered_artifact")
	if err != nil {
		o.failRun(run, resume, err)
		return
	}
	artifactPath, _ := artifact.(string)
	version := &model.Version{
		VersionID: util.GenerateUUID(),
		SessionID: session.ID,
		URL:       fmt.Sprintf("/artifacts/%s/%s", run.workspaceID, artifactPath),
		Duration:  plan.TotalDuration(),
	}
	if report != nil {
		version.Score = report.Score
	}
	if err := o.deps.Store.AddVersion(version); err != nil {
		o.failRun(run, resume, err)
		return
	}

	next, err := o.deps.Machine.Next(phase.Executing, phase.InputRenderOK, true)
	if err != nil {
		o.failRun(run, resume, err)
		return
	}
	session.Phase = string(next)
	session.ExecutionJSON = nil
	if err := o.deps.Store.Save(session); err != nil {
		o.failRun(run, resume, err)
		return
	}
	run.turn.PhaseChange(string(next))
	run.turn.Complete()
	log.Printf("Execution finished for session %d: version=%s score=%d", session.ID, version.VersionID, version.Score)
}

// verifyAndFix 视觉校验与修复循环
// 不通过时把修复指引回灌给 modify_existing 再渲染，
// 轮数封顶后带着最后一次评分继续，不无限打磨
func (o *Orchestrator) verifyAndFix(ctx context.Context, run *Run, plan *model.Plan) (*verifier.Report, error) {
	session := run.session
	var report *verifier.Report
	for iter := 0; ; iter++ {
		run.setThinking("视觉校验")
		var err error
		report, err = o.deps.Verifier.Verify(ctx, verifier.Request{
			WorkspaceID:      run.workspaceID,
			ArtifactPath:     run.artifactPath(),
			UserIntent:       session.Prompt,
			DesignSpec:       plan.DesignSpec,
			ExpectedDuration: plan.TotalDuration(),
		})
		if err != nil {
			// 校验本身失败不阻塞交付，记录后继续
			log.Printf("Verification failed for session %d: %v", session.ID, err)
			return nil, nil
		}
		if report.Pass || iter >= o.deps.Cfg.Pipeline.MaxFixIterations {
			return report, nil
		}

		log.Printf("Verification below threshold for session %d: score=%d iter=%d", session.ID, report.Score, iter)
		run.setThinking("按校验意见修改")
		args := generateArgs{
			Task:        generator.TaskModifyExisting,
			Description: report.FixInstructions,
			DesignSpec:  plan.DesignSpec,
			Targets:     run.writtenFiles(),
		}
		if _, err := run.Tool(ctx, ToolGenerate, args); err != nil {
			return report, err
		}
		if _, err := run.Tool(ctx, ToolRender, struct{}{}); err != nil {
			return report, err
		}
	}
}

// failRun 轮次异常收尾
// 取消（StreamAbort）回退到进入轮次前的稳定阶段；
// 其余错误迁移到 error 阶段并持久化用户可读的错误详情
func (o *Orchestrator) failRun(run *Run, resume phase.Phase, err error) {
	session := run.session
	kind := pipeline.Kind(err)
	log.Printf("Run failed for session %d: kind=%s err=%v", session.ID, kind, err)

	if kind == pipeline.KindStreamAbort {
		run.turn.Flush()
		session.Phase = string(resume)
		session.ExecutionJSON = nil
		if saveErr := o.deps.Store.Save(session); saveErr != nil {
			log.Printf("Failed to restore phase for session %d: %v", session.ID, saveErr)
		}
		run.turn.PhaseChange(string(resume))
		run.turn.Complete()
		return
	}

	se := &model.SessionError{
		Message:  userMessage(err),
		Code:     kind,
		CanRetry: canRetry(err),
	}
	errJSON, mErr := model.MarshalSessionError(se)
	if mErr == nil {
		session.ErrorJSON = &errJSON
	}
	session.Phase = string(phase.Error)
	session.ExecutionJSON = nil
	if saveErr := o.deps.Store.Save(session); saveErr != nil {
		log.Printf("Failed to persist error state for session %d: %v", session.ID, saveErr)
	}
	run.turn.PhaseChange(string(phase.Error))
	run.turn.Fail(se.Message)
}

// appendMessage 追加一条消息（带会话级序号）
func (o *Orchestrator) appendMessage(sessionID int64, role, content string) error {
	return o.deps.Store.AppendMessage(&model.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Sequence:  o.counterFor(sessionID).Next(),
	})
}

// emitPhase 在无活跃轮次时直接推送阶段迁移事件
func (o *Orchestrator) emitPhase(sessionID int64, p phase.Phase) {
	o.deps.Sink.Emit(sessionID, stream.Event{
		Type:      stream.EventPhaseChange,
		Sequence:  o.counterFor(sessionID).Next(),
		Timestamp: nowMillis(),
		Phase:     string(p),
	})
}

// Tool 执行一个工具调用并完整走事件与审计流程
// 开始时登记 running 记录并推送 tool_call_start（会闭合思考块），
// 结束时恰好更新一次记录并推送结果事件；
// 原始错误只进日志，事件里只带用户可读信息
func (r *Run) Tool(ctx context.Context, name string, args interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, pipeline.New(pipeline.KindGeneration, "工具参数序列化失败").WithDetail(err.Error())
	}
	toolCallID := util.GenerateUUID()
	rec := &model.ToolCallRecord{
		SessionID:  r.sessionID,
		ToolCallID: toolCallID,
		ToolName:   name,
		Status:     model.ToolCallStatusRunning,
		ArgsJSON:   string(raw),
		Sequence:   r.seq.Next(),
	}
	if err := r.deps.Store.CreateToolCall(rec); err != nil {
		return nil, err
	}
	r.turn.ToolCallStart(toolCallID, name, raw)

	out, err := dispatchTool(ctx, r, name, raw)
	if err != nil {
		msg := err.Error()
		if fErr := r.deps.Store.FinishToolCall(toolCallID, model.ToolCallStatusFailed, nil, &msg); fErr != nil {
			log.Printf("Failed to finish tool call %s: %v", toolCallID, fErr)
		}
		r.turn.ToolCallResult(toolCallID, marshalResult(map[string]string{"error": userMessage(err)}), true)
		return nil, err
	}

	data := marshalResult(out)
	output := string(data)
	if fErr := r.deps.Store.FinishToolCall(toolCallID, model.ToolCallStatusDone, &output, nil); fErr != nil {
		log.Printf("Failed to finish tool call %s: %v", toolCallID, fErr)
	}
	r.turn.ToolCallResult(toolCallID, data, false)
	return data, nil
}

// initExecution 建立执行期待办列表
func (r *Run) initExecution(plan *model.Plan, feedback string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec := &model.Execution{Thinking: "准备执行"}
	if feedback != "" {
		exec.Todos = []model.Todo{
			{ID: "modify", Label: "按反馈修改动画", Status: model.TodoStatusPending},
			{ID: "render", Label: "渲染与校验", Status: model.TodoStatusPending},
		}
	} else {
		exec.Todos = append(exec.Todos, model.Todo{ID: "setup", Label: "初始化项目", Status: model.TodoStatusPending})
		for i, scene := range plan.Scenes {
			exec.Todos = append(exec.Todos, model.Todo{
				ID:     fmt.Sprintf("scene-%d", i+1),
				Label:  scene.Title,
				Status: model.TodoStatusPending,
			})
		}
		exec.Todos = append(exec.Todos, model.Todo{ID: "render", Label: "渲染与校验", Status: model.TodoStatusPending})
	}
	r.exec = exec
}

// saveExecution 持久化执行期状态
func (r *Run) saveExecution() error {
	r.mu.Lock()
	execJSON, err := model.MarshalExecution(r.exec)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.session.ExecutionJSON = &execJSON
	r.mu.Unlock()
	return r.deps.Store.Save(r.session)
}

// MarkTodo 更新一个待办项的状态并持久化
// 场景生成是并发的，这里用锁保证更新不互相覆盖
func (r *Run) MarkTodo(id, status string) {
	r.mu.Lock()
	for i := range r.exec.Todos {
		if r.exec.Todos[i].ID == id {
			r.exec.Todos[i].Status = status
			break
		}
	}
	r.mu.Unlock()
	if err := r.saveExecution(); err != nil {
		log.Printf("Failed to save execution for session %d: %v", r.sessionID, err)
	}
}

// setThinking 更新执行期状态标签
func (r *Run) setThinking(label string) {
	r.turn.OpenThinking(label)
	r.mu.Lock()
	if r.exec != nil {
		r.exec.Thinking = label
	}
	r.mu.Unlock()
	if r.exec != nil {
		if err := r.saveExecution(); err != nil {
			log.Printf("Failed to save execution for session %d: %v", r.sessionID, err)
		}
	}
}

// addFiles 登记已写入的工作空间路径
func (r *Run) addFiles(paths []string) {
	r.mu.Lock()
	r.exec.Files = append(r.exec.Files, paths...)
	r.mu.Unlock()
	if err := r.saveExecution(); err != nil {
		log.Printf("Failed to save execution for session %d: %v", r.sessionID, err)
	}
}

// writtenFiles 返回本轮已写入的文件列表
func (r *Run) writtenFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec == nil {
		return nil
	}
	out := make([]string, len(r.exec.Files))
	copy(out, r.exec.Files)
	return out
}

// artifactPath 返回渲染产物的相对路径（渲染前为空串）
func (r *Run) artifactPath() string {
	if v, ok := r.store.Get("rendered_artifact"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return r.deps.Cfg.Render.Output
}

// sessionPlan 解析会话的当前计划（无或损坏返回 nil）
func sessionPlan(s *model.Session) *model.Plan {
	if s.PlanJSON == nil {
		return nil
	}
	plan, err := model.UnmarshalPlan(*s.PlanJSON)
	if err != nil {
		log.Printf("Failed to parse plan for session %d: %v", s.ID, err)
		return nil
	}
	return plan
}

// userMessage 提取错误的用户可读信息
// 管线错误只取 Message（Detail 进日志），其余给兜底文案
func userMessage(err error) string {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return "生成过程中出现内部错误"
}

// canRetry 提取错误的可重试性
func canRetry(err error) bool {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return pe.CanRetry
	}
	return true
}
