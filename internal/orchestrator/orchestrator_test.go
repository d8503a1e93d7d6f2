package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"kinecraft-server/internal/config"
	"kinecraft-server/internal/model"
	"kinecraft-server/internal/phase"
	"kinecraft-server/internal/pipeline"
	"kinecraft-server/internal/stream"
)

// fakeStore 内存版 Store 实现
type fakeStore struct {
	mu         sync.Mutex
	sessions   map[int64]*model.Session
	messages   []*model.Message
	versions   []*model.Version
	phases     []string // Save 时记录的阶段轨迹
	executions []string // Save 时记录的执行期状态快照
	lastSeq    int64    // LastSequence 的返回值
}

func newFakeStore(sessions ...*model.Session) *fakeStore {
	s := &fakeStore{sessions: make(map[int64]*model.Session)}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *fakeStore) Session(id int64) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d not found", id)
	}
	return sess, nil
}

func (s *fakeStore) Save(sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.phases = append(s.phases, sess.Phase)
	if sess.ExecutionJSON != nil {
		s.executions = append(s.executions, *sess.ExecutionJSON)
	}
	return nil
}

func (s *fakeStore) AppendMessage(m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *fakeStore) AddVersion(v *model.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, v)
	return nil
}

func (s *fakeStore) CountVersions(sessionID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, v := range s.versions {
		if v.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CreateToolCall(rec *model.ToolCallRecord) error { return nil }

func (s *fakeStore) FinishToolCall(toolCallID, status string, output *string, errText *string) error {
	return nil
}

func (s *fakeStore) LastSequence(sessionID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq, nil
}

func (s *fakeStore) phaseTrail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.phases))
	copy(out, s.phases)
	return out
}

func (s *fakeStore) executionTrail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.executions))
	copy(out, s.executions)
	return out
}

func (s *fakeStore) messageContents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Role+":"+m.Content)
	}
	return out
}

// fakeAnalyst 可编程的分析模型
// block 非 nil 时阻塞直到被关闭或轮次被取消
type fakeAnalyst struct {
	mu     sync.Mutex
	result *Analysis
	err    error
	block  chan struct{}
	reqs   []AnalyzeRequest
}

func (a *fakeAnalyst) Analyze(ctx context.Context, req AnalyzeRequest, turn *stream.Turn) (*Analysis, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	block := a.block
	a.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, pipeline.New(pipeline.KindStreamAbort, "生成已取消")
		}
	}
	return a.result, a.err
}

func (a *fakeAnalyst) lastRequest() AnalyzeRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reqs[len(a.reqs)-1]
}

// fakeSink 记录事件，轮次终止事件发出信号
type fakeSink struct {
	mu     sync.Mutex
	events []stream.Event
	done   chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{done: make(chan struct{}, 4)}
}

func (s *fakeSink) Emit(sessionID int64, ev stream.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if ev.Type == stream.EventComplete || ev.Type == stream.EventError {
		select {
		case s.done <- struct{}{}:
		default:
		}
	}
}

func (s *fakeSink) byType(typ string) []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stream.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func waitDone(t *testing.T, sink *fakeSink) {
	t.Helper()
	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not terminate in time")
	}
}

func testOrchestrator(analyst Analyst, store Store, sink stream.Sink) *Orchestrator {
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			MaxFixIterations: 2,
			PassScore:        7,
			ResolveWait:      time.Second,
			DebounceWindow:   time.Millisecond,
			Affirmatives:     []string{"yes", "ok", "好的"},
		},
	}
	return New(Deps{
		Store:   store,
		Analyst: analyst,
		Sink:    sink,
		Machine: phase.NewMachine(cfg.Pipeline.Affirmatives),
		Cfg:     cfg,
	})
}

func samplePlan(t *testing.T) (*model.Plan, string) {
	t.Helper()
	plan := &model.Plan{
		DesignSpec: "一个红色小球在画面中弹跳",
		Scenes: []model.Scene{
			{Title: "入场", Description: "小球从左侧滚入", Duration: 3},
			{Title: "弹跳", Description: "小球原地弹跳三次", Duration: 5},
		},
	}
	planJSON, err := model.MarshalPlan(plan)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	return plan, planJSON
}

func TestSubmitTextIdleProducesPlan(t *testing.T) {
	plan, _ := samplePlan(t)
	analyst := &fakeAnalyst{result: &Analysis{Plan: plan, Reply: "计划已生成，请确认"}}
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "做一个小球弹跳的动画"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, sink)

	sess, _ := store.Session(1)
	if sess.Phase != string(phase.Plan) {
		t.Fatalf("phase = %s, want plan", sess.Phase)
	}
	if sess.PlanJSON == nil {
		t.Fatal("plan not persisted")
	}
	if sess.PlanAccepted {
		t.Fatal("fresh plan must not be pre-accepted")
	}
	if sess.Prompt != "做一个小球弹跳的动画" {
		t.Fatalf("prompt = %q", sess.Prompt)
	}

	msgs := store.messageContents()
	if len(msgs) != 2 || msgs[0] != "user:做一个小球弹跳的动画" || msgs[1] != "assistant:计划已生成，请确认" {
		t.Fatalf("messages = %v", msgs)
	}

	changes := sink.byType(stream.EventPhaseChange)
	if len(changes) != 2 || changes[0].Phase != "executing" || changes[1].Phase != "plan" {
		t.Fatalf("phase changes = %v", changes)
	}
	if got := sink.byType(stream.EventComplete); len(got) != 1 {
		t.Fatalf("complete events = %d", len(got))
	}
}

func TestSubmitTextNeedsClarification(t *testing.T) {
	analyst := &fakeAnalyst{result: &Analysis{NeedsClarification: true, Question: "动画大概需要多长？"}}
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "做个动画"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, sink)

	sess, _ := store.Session(1)
	if sess.Phase != string(phase.Question) {
		t.Fatalf("phase = %s, want question", sess.Phase)
	}
	// 无独立回复时，澄清问题本身作为助手消息落库
	msgs := store.messageContents()
	if len(msgs) != 2 || msgs[1] != "assistant:动画大概需要多长？" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestSubmitTextBusyRejected(t *testing.T) {
	plan, _ := samplePlan(t)
	analyst := &fakeAnalyst{result: &Analysis{Plan: plan}, block: make(chan struct{})}
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "第一条需求"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !o.Busy(1) {
		t.Fatal("session should be busy")
	}
	// question 阶段不存在，文本被归类为 feedback 并入执行，不报忙；
	// 这里显式走 Regenerate 触发并发驱动
	err := o.Regenerate(1)
	if err == nil || !errors.Is(err, phase.ErrIllegalInput) {
		// executing 阶段不接受 regenerate
		t.Fatalf("regenerate during run: %v", err)
	}

	close(analyst.block)
	waitDone(t, sink)
	if o.Busy(1) {
		t.Fatal("run not removed after completion")
	}
}

func TestBeginRejectsConcurrentRun(t *testing.T) {
	store := newFakeStore()
	sink := newFakeSink()
	o := testOrchestrator(&fakeAnalyst{}, store, sink)

	sess := &model.Session{ID: 7, Phase: string(phase.Idle)}
	run, _, err := o.begin(sess)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := o.begin(sess); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second begin: %v, want ErrRunActive", err)
	}
	o.end(run)
	if run2, _, err := o.begin(sess); err != nil {
		t.Fatalf("begin after end: %v", err)
	} else {
		o.end(run2)
	}
}

func TestAnalysisErrorEntersErrorPhase(t *testing.T) {
	analyst := &fakeAnalyst{err: pipeline.New(pipeline.KindGeneration, "模型响应无法解析")}
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "做个动画"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, sink)

	sess, _ := store.Session(1)
	if sess.Phase != string(phase.Error) {
		t.Fatalf("phase = %s, want error", sess.Phase)
	}
	if sess.ErrorJSON == nil {
		t.Fatal("error detail not persisted")
	}
	se, err := model.UnmarshalSessionError(*sess.ErrorJSON)
	if err != nil {
		t.Fatalf("unmarshal error detail: %v", err)
	}
	if se.Message != "模型响应无法解析" || se.Code != pipeline.KindGeneration || !se.CanRetry {
		t.Fatalf("error detail = %+v", se)
	}
	if got := sink.byType(stream.EventError); len(got) != 1 || got[0].Message != "模型响应无法解析" {
		t.Fatalf("error events = %v", got)
	}
}

func TestAnalysisNilResultEntersErrorPhase(t *testing.T) {
	// 分析模型返回 (nil, nil) 属于协议违例，按生成错误收尾而不是崩溃
	analyst := &fakeAnalyst{}
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "做个动画"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, sink)

	sess, _ := store.Session(1)
	if sess.Phase != string(phase.Error) {
		t.Fatalf("phase = %s, want error", sess.Phase)
	}
	se, err := model.UnmarshalSessionError(*sess.ErrorJSON)
	if err != nil {
		t.Fatalf("unmarshal error detail: %v", err)
	}
	if se.Message != "分析既未产出计划也未提出问题" {
		t.Fatalf("error message = %q", se.Message)
	}
}

func TestSequenceResumesFromPersisted(t *testing.T) {
	// 进程重启后计数器从已持久化的最大序号续接，不回绕
	plan, _ := samplePlan(t)
	analyst := &fakeAnalyst{result: &Analysis{Plan: plan, Reply: "计划已生成"}}
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	store.lastSeq = 41
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "做个动画"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, sink)

	store.mu.Lock()
	first := store.messages[0].Sequence
	store.mu.Unlock()
	if first != 42 {
		t.Fatalf("first message sequence = %d, want 42", first)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, ev := range sink.events {
		if ev.Sequence <= 41 {
			t.Fatalf("event sequence %d not after persisted maximum", ev.Sequence)
		}
	}
}

func TestCancelRestoresPreviousPhase(t *testing.T) {
	analyst := &fakeAnalyst{block: make(chan struct{})}
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "做个动画"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !o.Cancel(1) {
		t.Fatal("cancel should find an active run")
	}
	waitDone(t, sink)

	sess, _ := store.Session(1)
	if sess.Phase != string(phase.Idle) {
		t.Fatalf("phase = %s, want idle after cancel", sess.Phase)
	}
	if sess.ErrorJSON != nil {
		t.Fatal("cancel must not enter error phase")
	}
	if o.Cancel(1) {
		t.Fatal("second cancel should find nothing")
	}
}

func TestPlanFeedbackTriggersReanalysis(t *testing.T) {
	oldPlan, oldJSON := samplePlan(t)
	newPlan := &model.Plan{
		DesignSpec: oldPlan.DesignSpec + "，背景为蓝色",
		Scenes:     oldPlan.Scenes,
	}
	analyst := &fakeAnalyst{result: &Analysis{Plan: newPlan, Reply: "已按意见调整计划"}}
	store := newFakeStore(&model.Session{
		ID:       1,
		Phase:    string(phase.Plan),
		Prompt:   "做一个小球弹跳的动画",
		PlanJSON: &oldJSON,
	})
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "把背景改成蓝色"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, sink)

	req := analyst.lastRequest()
	if req.Feedback != "把背景改成蓝色" {
		t.Fatalf("feedback = %q", req.Feedback)
	}
	if req.Plan == nil || req.Plan.DesignSpec != "一个红色小球在画面中弹跳" {
		t.Fatalf("current plan not passed to analyst: %+v", req.Plan)
	}

	sess, _ := store.Session(1)
	got, err := model.UnmarshalPlan(*sess.PlanJSON)
	if err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if got.DesignSpec != "一个红色小球在画面中弹跳，背景为蓝色" {
		t.Fatalf("plan not replaced: %s", got.DesignSpec)
	}
}

func TestSubmitTextFeedbackDuringExecution(t *testing.T) {
	analyst := &fakeAnalyst{block: make(chan struct{})}
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "做个动画"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// executing 阶段的文本并入当前执行，不开新轮次也不报错
	if err := o.SubmitText(1, "小球用红色"); err != nil {
		t.Fatalf("feedback during execution: %v", err)
	}

	o.mu.Lock()
	run := o.runs[1]
	o.mu.Unlock()
	v, ok := run.store.Get("user_feedback")
	if !ok || v.(string) != "小球用红色" {
		t.Fatalf("feedback not merged into run: %v %v", v, ok)
	}

	close(analyst.block)
	waitDone(t, sink)
}

func TestSubmitTextCompletePhaseRejected(t *testing.T) {
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Complete)})
	o := testOrchestrator(&fakeAnalyst{}, store, newFakeSink())

	err := o.SubmitText(1, "再来一个")
	if !errors.Is(err, phase.ErrIllegalInput) {
		t.Fatalf("err = %v, want ErrIllegalInput", err)
	}
}

func TestRetryWithPlanReturnsToPlan(t *testing.T) {
	_, planJSON := samplePlan(t)
	errJSON, _ := model.MarshalSessionError(&model.SessionError{
		Message: "渲染超时", Code: pipeline.KindTimeout, CanRetry: true,
	})
	store := newFakeStore(&model.Session{
		ID:        1,
		Phase:     string(phase.Error),
		PlanJSON:  &planJSON,
		ErrorJSON: &errJSON,
	})
	sink := newFakeSink()
	o := testOrchestrator(&fakeAnalyst{}, store, sink)

	if err := o.Retry(1); err != nil {
		t.Fatalf("retry: %v", err)
	}
	sess, _ := store.Session(1)
	if sess.Phase != string(phase.Plan) {
		t.Fatalf("phase = %s, want plan", sess.Phase)
	}
	if sess.ErrorJSON != nil {
		t.Fatal("error detail must be cleared on retry")
	}
	changes := sink.byType(stream.EventPhaseChange)
	if len(changes) != 1 || changes[0].Phase != "plan" {
		t.Fatalf("phase changes = %v", changes)
	}
}

func TestRetryWithoutPlanReturnsToIdle(t *testing.T) {
	errJSON, _ := model.MarshalSessionError(&model.SessionError{
		Message: "工作空间创建失败", Code: pipeline.KindProvision, CanRetry: true,
	})
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Error), ErrorJSON: &errJSON})
	o := testOrchestrator(&fakeAnalyst{}, store, newFakeSink())

	if err := o.Retry(1); err != nil {
		t.Fatalf("retry: %v", err)
	}
	sess, _ := store.Session(1)
	if sess.Phase != string(phase.Idle) {
		t.Fatalf("phase = %s, want idle", sess.Phase)
	}
}

func TestRetryNonRetryableRejected(t *testing.T) {
	errJSON, _ := model.MarshalSessionError(&model.SessionError{
		Message: "生成已取消", Code: pipeline.KindStreamAbort, CanRetry: false,
	})
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Error), ErrorJSON: &errJSON})
	o := testOrchestrator(&fakeAnalyst{}, store, newFakeSink())

	if err := o.Retry(1); err == nil {
		t.Fatal("non-retryable error must reject retry")
	}
	sess, _ := store.Session(1)
	if sess.Phase != string(phase.Error) {
		t.Fatalf("phase = %s, must stay error", sess.Phase)
	}
}

func TestAcceptPreviewCompletesSession(t *testing.T) {
	_, planJSON := samplePlan(t)
	store := newFakeStore(&model.Session{
		ID:           1,
		Phase:        string(phase.Preview),
		PlanJSON:     &planJSON,
		PlanAccepted: true,
	})
	sink := newFakeSink()
	o := testOrchestrator(&fakeAnalyst{}, store, sink)

	if err := o.Accept(1); err != nil {
		t.Fatalf("accept: %v", err)
	}
	sess, _ := store.Session(1)
	if sess.Phase != string(phase.Complete) {
		t.Fatalf("phase = %s, want complete", sess.Phase)
	}
	changes := sink.byType(stream.EventPhaseChange)
	if len(changes) != 1 || changes[0].Phase != "complete" {
		t.Fatalf("phase changes = %v", changes)
	}
}

func TestAcceptIdleRejected(t *testing.T) {
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	o := testOrchestrator(&fakeAnalyst{}, store, newFakeSink())

	if err := o.Accept(1); !errors.Is(err, phase.ErrIllegalInput) {
		t.Fatalf("err = %v, want ErrIllegalInput", err)
	}
}

func TestEventSequenceStrictlyIncreasing(t *testing.T) {
	plan, _ := samplePlan(t)
	analyst := &fakeAnalyst{result: &Analysis{Plan: plan, Reply: "计划已生成"}}
	store := newFakeStore(&model.Session{ID: 1, Phase: string(phase.Idle)})
	sink := newFakeSink()
	o := testOrchestrator(analyst, store, sink)

	if err := o.SubmitText(1, "做个动画"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, sink)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var last int64
	for _, ev := range sink.events {
		if ev.Sequence <= last {
			t.Fatalf("sequence not increasing: %d after %d (type=%s)", ev.Sequence, last, ev.Type)
		}
		last = ev.Sequence
	}
}
