// Package service 提供业务逻辑层的实现
package service

import (
	"context"
	"errors"
	"log"
	"time"

	"kinecraft-server/internal/cache"
	"kinecraft-server/internal/model"
	"kinecraft-server/internal/phase"
	"kinecraft-server/internal/repository"
	"kinecraft-server/internal/workspace"
)

// RunCanceller 活跃轮次取消接口（由编排器实现）
type RunCanceller interface {
	Cancel(sessionID int64) bool
	Busy(sessionID int64) bool
}

// SessionObservers 会话观察者的断连接口（由 websocket.Hub 实现）
type SessionObservers interface {
	CloseSession(sessionID int64)
}

// 会话服务相关错误
var (
	ErrSessionNotFound = errors.New("会话不存在")
	ErrSessionEnded    = errors.New("会话已结束")
)

// SessionService 会话服务
// 处理动画生成会话的生命周期与对账快照，
// 同时作为编排器的持久化出口
type SessionService struct {
	sessionRepo  *repository.SessionRepository  // 会话数据访问层
	messageRepo  *repository.MessageRepository  // 消息数据访问层
	versionRepo  *repository.VersionRepository  // 版本数据访问层
	toolCallRepo *repository.ToolCallRepository // 工具调用数据访问层
	cache        *cache.RedisCache              // Redis 缓存
	workspaces   *workspace.Manager             // 工作空间管理器
	canceller    RunCanceller                   // 活跃轮次取消器
	observers    SessionObservers               // 会话观察者断连器
}

// NewSessionService 创建 SessionService 实例
func NewSessionService(
	sessionRepo *repository.SessionRepository,
	messageRepo *repository.MessageRepository,
	versionRepo *repository.VersionRepository,
	toolCallRepo *repository.ToolCallRepository,
	cache *cache.RedisCache,
	workspaces *workspace.Manager,
) *SessionService {
	return &SessionService{
		sessionRepo:  sessionRepo,
		messageRepo:  messageRepo,
		versionRepo:  versionRepo,
		toolCallRepo: toolCallRepo,
		cache:        cache,
		workspaces:   workspaces,
	}
}

// SetCanceller 设置活跃轮次取消器
// 编排器在服务之后构建，通过 setter 反向注入
func (s *SessionService) SetCanceller(c RunCanceller) {
	s.canceller = c
}

// SetObservers 设置会话观察者断连器
// Hub 与服务相互引用，同样走 setter 反向注入
func (s *SessionService) SetObservers(obs SessionObservers) {
	s.observers = obs
}

// SessionSnapshot 会话对账快照
// 客户端重连后以这份快照为准重建本地状态
type SessionSnapshot struct {
	ID           int64               `json:"id"`
	Phase        string              `json:"phase"`
	Prompt       string              `json:"prompt,omitempty"`
	Plan         *model.Plan         `json:"plan,omitempty"`
	PlanAccepted bool                `json:"plan_accepted"`
	Execution    *model.Execution    `json:"execution,omitempty"`
	Error        *model.SessionError `json:"error,omitempty"`
	WorkspaceID  *string             `json:"workspace_id,omitempty"`
	Busy         bool                `json:"busy"` // 是否有生成在进行
	Status       string              `json:"status"`
	Versions     []model.Version     `json:"versions,omitempty"`
	Messages     []model.Message     `json:"messages,omitempty"`
	CreatedAt    string              `json:"created_at"`
	EndedAt      *string             `json:"ended_at,omitempty"`
}

// SessionSummary 会话列表项
type SessionSummary struct {
	ID        int64  `json:"id"`
	Phase     string `json:"phase"`
	Prompt    string `json:"prompt,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// CreateSession 创建新会话
// 新会话从 idle 阶段开始，第一条自由文本即初始需求
func (s *SessionService) CreateSession(ctx context.Context) (*SessionSummary, error) {
	session := &model.Session{
		Phase:  string(phase.Idle),
		Status: model.SessionStatusActive,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}
	log.Printf("Session created: id=%d", session.ID)
	return s.toSummary(session), nil
}

// ListSessions 分页获取会话列表
func (s *SessionService) ListSessions(ctx context.Context, page, pageSize int) ([]SessionSummary, int64, error) {
	sessions, total, err := s.sessionRepo.GetWithPagination(ctx, page, pageSize)
	if err != nil {
		return nil, 0, err
	}
	result := make([]SessionSummary, len(sessions))
	for i := range sessions {
		result[i] = *s.toSummary(&sessions[i])
	}
	return result, total, nil
}

// GetSnapshot 获取会话对账快照
// 热路径先查 Redis，未命中再回源数据库并回填
func (s *SessionService) GetSnapshot(ctx context.Context, sessionID int64) (*SessionSnapshot, error) {
	// 1. 缓存命中直接返回
	var cached SessionSnapshot
	if hit, err := s.cache.GetSessionSnapshot(ctx, sessionID, &cached); err == nil && hit {
		// busy 是进程内状态，不进缓存
		if s.canceller != nil {
			cached.Busy = s.canceller.Busy(sessionID)
		}
		return &cached, nil
	}

	// 2. 回源数据库
	session, err := s.sessionRepo.GetByIDWithHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	snapshot := s.toSnapshot(session)

	// 3. 回填缓存（失败不影响主流程）
	if err := s.cache.SetSessionSnapshot(ctx, sessionID, snapshot); err != nil {
		log.Printf("Failed to cache session snapshot %d: %v", sessionID, err)
	}
	if s.canceller != nil {
		snapshot.Busy = s.canceller.Busy(sessionID)
	}
	return snapshot, nil
}

// EndSession 结束会话
// 取消活跃轮次、销毁工作空间、软删除会话
func (s *SessionService) EndSession(ctx context.Context, sessionID int64) error {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if session.Status == model.SessionStatusEnded {
		return nil // 已经结束，无需重复操作
	}

	// 1. 取消进行中的生成
	if s.canceller != nil {
		s.canceller.Cancel(sessionID)
	}

	// 2. 销毁工作空间（幂等）
	if session.WorkspaceID != nil {
		s.workspaces.Destroy(*session.WorkspaceID)
		_ = s.cache.ClearPreviewURL(ctx, *session.WorkspaceID)
		if err := s.sessionRepo.ClearWorkspace(ctx, sessionID); err != nil {
			return err
		}
	}

	// 3. 软删除
	if err := s.sessionRepo.EndSession(ctx, sessionID); err != nil {
		return err
	}
	_ = s.cache.InvalidateSessionSnapshot(ctx, sessionID)
	_ = s.cache.ClearEvents(ctx, sessionID)

	// 4. 断开会话的所有观察者连接
	if s.observers != nil {
		s.observers.CloseSession(sessionID)
	}
	log.Printf("Session ended: id=%d", sessionID)
	return nil
}

// ListMessages 分页获取会话消息
func (s *SessionService) ListMessages(ctx context.Context, sessionID int64, page, pageSize int) ([]model.Message, int64, error) {
	return s.messageRepo.GetBySessionIDWithPagination(ctx, sessionID, page, pageSize)
}

// ListVersions 获取会话的全部渲染版本
func (s *SessionService) ListVersions(ctx context.Context, sessionID int64) ([]model.Version, error) {
	return s.versionRepo.GetBySessionID(ctx, sessionID)
}

// ListToolCalls 获取会话的工具调用审计记录
func (s *SessionService) ListToolCalls(ctx context.Context, sessionID int64) ([]model.ToolCallRecord, error) {
	return s.toolCallRepo.GetBySessionID(ctx, sessionID)
}

// GetSessionByID 获取会话（内部使用）
func (s *SessionService) GetSessionByID(ctx context.Context, sessionID int64) (*model.Session, error) {
	return s.sessionRepo.GetByID(ctx, sessionID)
}

// GetSessionByWorkspaceID 根据工作空间句柄反查会话（内部使用）
func (s *SessionService) GetSessionByWorkspaceID(ctx context.Context, workspaceID string) (*model.Session, error) {
	return s.sessionRepo.GetByWorkspaceID(ctx, workspaceID)
}

// ==================== 编排器持久化出口 ====================
// 以下方法实现 orchestrator.Store；
// 编排轮次在后台 goroutine 驱动，不携带请求上下文

// Session 加载会话
func (s *SessionService) Session(id int64) (*model.Session, error) {
	session, err := s.sessionRepo.GetByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.Status == model.SessionStatusEnded {
		return nil, ErrSessionEnded
	}
	return session, nil
}

// Save 持久化会话并失效快照缓存
// 落库前校验阶段与附属字段的组合，违例记录告警但不阻塞主流程
func (s *SessionService) Save(session *model.Session) error {
	ctx := context.Background()
	if count, err := s.versionRepo.CountBySessionID(ctx, session.ID); err == nil {
		if vErr := sessionInvariant(session, count); vErr != nil {
			log.Printf("[WARN] Session %d phase state violation: %v", session.ID, vErr)
		}
	}
	if err := s.sessionRepo.Update(ctx, session); err != nil {
		return err
	}
	if err := s.cache.InvalidateSessionSnapshot(ctx, session.ID); err != nil {
		log.Printf("Failed to invalidate snapshot for session %d: %v", session.ID, err)
	}
	return nil
}

// AppendMessage 追加一条消息
func (s *SessionService) AppendMessage(m *model.Message) error {
	ctx := context.Background()
	if err := s.messageRepo.Create(ctx, m); err != nil {
		return err
	}
	_ = s.cache.InvalidateSessionSnapshot(ctx, m.SessionID)
	return nil
}

// AddVersion 追加一个渲染版本
func (s *SessionService) AddVersion(v *model.Version) error {
	ctx := context.Background()
	if err := s.versionRepo.Create(ctx, v); err != nil {
		return err
	}
	_ = s.cache.InvalidateSessionSnapshot(ctx, v.SessionID)
	return nil
}

// CountVersions 统计会话的渲染版本数
func (s *SessionService) CountVersions(sessionID int64) (int64, error) {
	return s.versionRepo.CountBySessionID(context.Background(), sessionID)
}

// CreateToolCall 登记工具调用开始
func (s *SessionService) CreateToolCall(rec *model.ToolCallRecord) error {
	return s.toolCallRepo.Create(context.Background(), rec)
}

// FinishToolCall 写入工具调用结果
func (s *SessionService) FinishToolCall(toolCallID, status string, output, errText *string) error {
	return s.toolCallRepo.Finish(context.Background(), toolCallID, status, output, errText)
}

// LastSequence 返回会话已持久化的最大序号
// 消息和工具调用共用会话级计数器，两边取较大者
func (s *SessionService) LastSequence(sessionID int64) (int64, error) {
	ctx := context.Background()
	msgSeq, err := s.messageRepo.MaxSequence(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	toolSeq, err := s.toolCallRepo.MaxSequence(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if toolSeq > msgSeq {
		return toolSeq, nil
	}
	return msgSeq, nil
}

// sessionInvariant 校验会话阶段与附属字段的组合
func sessionInvariant(session *model.Session, versionCount int64) error {
	return phase.ValidateState(
		phase.Phase(session.Phase),
		session.PlanJSON != nil,
		session.ExecutionJSON != nil,
		session.ErrorJSON != nil,
		int(versionCount),
	)
}

// ==================== 转换函数 ====================

// toSummary 将会话模型转换为列表项
func (s *SessionService) toSummary(session *model.Session) *SessionSummary {
	return &SessionSummary{
		ID:        session.ID,
		Phase:     session.Phase,
		Prompt:    session.Prompt,
		Status:    session.Status,
		CreatedAt: session.CreatedAt.Format(time.RFC3339),
	}
}

// toSnapshot 将会话模型展开为对账快照
// plan/execution/error 从 JSON 列解包为结构化字段
func (s *SessionService) toSnapshot(session *model.Session) *SessionSnapshot {
	snapshot := &SessionSnapshot{
		ID:           session.ID,
		Phase:        session.Phase,
		Prompt:       session.Prompt,
		PlanAccepted: session.PlanAccepted,
		WorkspaceID:  session.WorkspaceID,
		Status:       session.Status,
		Versions:     session.Versions,
		Messages:     session.Messages,
		CreatedAt:    session.CreatedAt.Format(time.RFC3339),
	}
	if session.EndedAt != nil {
		formatted := session.EndedAt.Format(time.RFC3339)
		snapshot.EndedAt = &formatted
	}
	if session.PlanJSON != nil {
		if plan, err := model.UnmarshalPlan(*session.PlanJSON); err == nil {
			snapshot.Plan = plan
		}
	}
	if session.ExecutionJSON != nil {
		if exec, err := model.UnmarshalExecution(*session.ExecutionJSON); err == nil {
			snapshot.Execution = exec
		}
	}
	if session.ErrorJSON != nil {
		if se, err := model.UnmarshalSessionError(*session.ErrorJSON); err == nil {
			snapshot.Error = se
		}
	}
	return snapshot
}
