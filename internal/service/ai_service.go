package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"kinecraft-server/internal/config"
	"kinecraft-server/internal/generator"
	"kinecraft-server/internal/model"
	"kinecraft-server/internal/orchestrator"
	"kinecraft-server/internal/pipeline"
	"kinecraft-server/internal/stream"
	"kinecraft-server/internal/verifier"
)

const (
	// DashScope API Endpoint
	QwenEndpoint = "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation"
)

// AIService 提供模型调用能力
// 同一个客户端承担三类调用：需求分析、文件生成、视觉校验
type AIService struct {
	config *config.Config
	client *http.Client
}

// NewAIService 创建 AIService 实例
func NewAIService(cfg *config.Config) *AIService {
	return &AIService{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.AI.Timeout,
		},
	}
}

// DashScopeRequest 阿里云 API 请求结构
type DashScopeRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []DashScopeMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		ResultFormat string `json:"result_format"` // "message"
	} `json:"parameters"`
}

type DashScopeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DashScopeResponse 阿里云 API 响应结构
type DashScopeResponse struct {
	Output struct {
		Choices []struct {
			Message DashScopeMessage `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// chat 执行一次对话调用，返回助手的原始文本
func (s *AIService) chat(ctx context.Context, messages []DashScopeMessage) (string, error) {
	if s.config.AI.QwenAPIKey == "" {
		return "", errors.New("AI service not configured (missing API Key)")
	}

	endpoint := s.config.AI.Endpoint
	if endpoint == "" {
		endpoint = QwenEndpoint
	}

	// 1. 构造请求 Body
	dashReq := DashScopeRequest{
		Model: s.config.AI.Model,
	}
	dashReq.Input.Messages = messages
	dashReq.Parameters.ResultFormat = "message"

	jsonData, err := json.Marshal(dashReq)
	if err != nil {
		return "", err
	}

	// 2. 发送 HTTP 请求
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.AI.QwenAPIKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call AI service: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("AI service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	// 3. 解析响应
	var dashResp DashScopeResponse
	if err := json.Unmarshal(bodyBytes, &dashResp); err != nil {
		return "", fmt.Errorf("failed to parse AI response: %w", err)
	}

	if dashResp.Code != "" {
		return "", fmt.Errorf("AI service error: %s - %s", dashResp.Code, dashResp.Message)
	}

	if len(dashResp.Output.Choices) == 0 {
		return "", errors.New("AI returned no content")
	}

	return strings.TrimSpace(dashResp.Output.Choices[0].Message.Content), nil
}

// ==================== 需求分析 ====================

// analysisSystemPrompt 分析调用的系统提示词
const analysisSystemPrompt = `你是一个动画需求分析助手。用户会用自然语言描述希望得到的动画。
你的任务：要么提出一个澄清问题，要么产出一份结构化的分镜计划。
规则：
1. 只输出一个 JSON 对象，放在 ` + "```json" + ` 代码块中。
2. 结构：{"needs_clarification": bool, "question": "...", "reply": "...",
   "plan": {"scenes": [{"title": "...", "duration": 秒, "description": "..."}], "design_spec": "..."}}
3. needs_clarification 为 true 时只填 question 和 reply；否则只填 plan 和 reply。
4. 每个场景的 duration 是正数，整段动画的总时长控制在 60 秒以内。
5. design_spec 描述配色、字体、节奏等贯穿全片的设计决定。`

// Analyze 执行一次需求分析
// 结论二选一：澄清问题或分镜计划；面向用户的文本推入事件流
func (s *AIService) Analyze(ctx context.Context, req orchestrator.AnalyzeRequest, turn *stream.Turn) (*orchestrator.Analysis, error) {
	// 1. 构建对话上下文
	messages := []DashScopeMessage{{Role: "system", Content: analysisSystemPrompt}}
	for _, m := range req.History {
		role := m.Role
		if role != model.MessageRoleUser && role != model.MessageRoleAssistant {
			continue
		}
		messages = append(messages, DashScopeMessage{Role: role, Content: m.Content})
	}
	var b strings.Builder
	b.WriteString("需求：" + req.Prompt)
	if req.Plan != nil {
		planJSON, err := model.MarshalPlan(req.Plan)
		if err == nil {
			b.WriteString("\n当前计划：" + planJSON)
		}
	}
	if req.Feedback != "" {
		b.WriteString("\n用户意见：" + req.Feedback)
	}
	messages = append(messages, DashScopeMessage{Role: "user", Content: b.String()})

	// 2. 调用模型
	raw, err := s.chat(ctx, messages)
	if err != nil {
		return nil, pipeline.As(err, pipeline.KindGeneration, "需求分析调用失败")
	}

	// 3. 防御式解析
	data, err := generator.ExtractJSON(raw)
	if err != nil {
		return nil, pipeline.New(pipeline.KindGeneration, "分析输出无法解析").WithDetail(err.Error())
	}
	var parsed struct {
		NeedsClarification bool        `json:"needs_clarification"`
		Question           string      `json:"question"`
		Reply              string      `json:"reply"`
		Plan               *model.Plan `json:"plan"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, pipeline.New(pipeline.KindGeneration, "分析结论结构不符合预期").WithDetail(err.Error())
	}
	if parsed.Plan != nil && len(parsed.Plan.Scenes) == 0 {
		return nil, pipeline.New(pipeline.KindGeneration, "计划不包含任何场景")
	}

	result := &orchestrator.Analysis{
		NeedsClarification: parsed.NeedsClarification,
		Question:           strings.TrimSpace(parsed.Question),
		Reply:              strings.TrimSpace(parsed.Reply),
	}
	if !parsed.NeedsClarification {
		result.Plan = parsed.Plan
	}

	// 4. 面向用户的文本推入事件流
	if result.Reply != "" {
		turn.PushText(result.Reply)
	} else if result.Question != "" {
		turn.PushText(result.Question)
	}
	return result, nil
}

// ==================== 文件生成 ====================

// generateSystemPrompt 生成调用的系统提示词
const generateSystemPrompt = `你是一个动画代码生成器，目标项目是一个浏览器内渲染的 TypeScript 动画工程。
规则：
1. 只输出一个 JSON 对象，放在 ` + "```json" + ` 代码块中。
2. 结构：{"files": [{"path": "相对路径", "content": "完整文件内容"}], "summary": "一句话说明"}
3. path 必须是工作空间内的相对路径，不允许 .. 和绝对路径。
4. 每个文件给出完整内容，不要输出省略号或 diff。
5. 单个文件不超过 100KB。`

// GenerateFiles 执行一次文件生成调用
// 返回模型的原始文本，JSON 提取与整批校验由生成器负责
func (s *AIService) GenerateFiles(ctx context.Context, req generator.Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "任务类型：%s\n任务描述：%s\n", req.Task, req.Description)
	if req.DesignSpec != "" {
		b.WriteString("设计规格：" + req.DesignSpec + "\n")
	}
	if len(req.MediaRefs) > 0 {
		b.WriteString("可引用的媒体文件：" + strings.Join(req.MediaRefs, ", ") + "\n")
	}
	for path, content := range req.CurrentContent {
		fmt.Fprintf(&b, "\n=== 当前文件 %s ===\n%s\n", path, content)
	}

	raw, err := s.chat(ctx, []DashScopeMessage{
		{Role: "system", Content: generateSystemPrompt},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return "", pipeline.As(err, pipeline.KindGeneration, "生成调用失败")
	}
	return raw, nil
}

// ==================== 视觉校验 ====================

// reviewSystemPrompt 校验调用的系统提示词
const reviewSystemPrompt = `你是一个动画质量评审员。根据采样帧和用户意图给动画打分。
规则：
1. 只输出一个 JSON 对象，放在 ` + "```json" + ` 代码块中。
2. 结构：{"checks": [{"name": "...", "score": 1-10, "note": "..."}], "fix_instructions": "..."}
3. checks 必须恰好覆盖六个维度：motion_present, palette_match, legible_typography,
   polish_effects, duration_match, overall_quality。
4. 任何维度低于 7 分时，fix_instructions 给出具体可执行的修改指引。`

// ReviewRender 执行一次视觉校验调用
// 返回模型的原始文本，评分解析由校验器负责
func (s *AIService) ReviewRender(ctx context.Context, req verifier.Request, frameRefs []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "用户意图：%s\n", req.UserIntent)
	if req.DesignSpec != "" {
		fmt.Fprintf(&b, "设计规格：%s\n", req.DesignSpec)
	}
	fmt.Fprintf(&b, "期望时长：%.1f 秒\n", req.ExpectedDuration)
	fmt.Fprintf(&b, "渲染产物：%s\n", req.ArtifactPath)
	b.WriteString("采样帧：" + strings.Join(frameRefs, ", ") + "\n")

	raw, err := s.chat(ctx, []DashScopeMessage{
		{Role: "system", Content: reviewSystemPrompt},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return "", pipeline.As(err, pipeline.KindVerification, "校验调用失败")
	}
	return raw, nil
}
