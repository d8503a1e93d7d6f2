// Package verifier 实现视觉校验器
// 把工作空间当前状态渲染出的视频按固定评分标准打分，
// 返回 通过/不通过 以及自然语言的修复指引；
// 修复指引会回灌给 modify_existing 生成调用，形成闭环
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"kinecraft-server/internal/generator"
	"kinecraft-server/internal/pipeline"
)

// 六个固定的评分维度
const (
	CheckMotion     = "motion_present"     // 画面存在运动
	CheckPalette    = "palette_match"      // 配色符合设计规格
	CheckTypography = "legible_typography" // 文字可读
	CheckPolish     = "polish_effects"     // 存在润色效果
	CheckDuration   = "duration_match"     // 时长匹配
	CheckOverall    = "overall_quality"    // 整体质量（通过与否的闸门）
)

// requiredChecks 校验报告必须覆盖的维度
var requiredChecks = []string{
	CheckMotion, CheckPalette, CheckTypography,
	CheckPolish, CheckDuration, CheckOverall,
}

// CheckResult 单个维度的评分
type CheckResult struct {
	Name  string `json:"name"`  // 维度名
	Score int    `json:"score"` // 1-10
	Note  string `json:"note"`  // 评语
}

// Report 校验报告
type Report struct {
	Pass            bool          `json:"pass"`             // 整体评分 >= 阈值
	Score           int           `json:"score"`            // 整体评分（overall_quality）
	Checks          []CheckResult `json:"checks"`           // 各维度评分
	FixInstructions string        `json:"fix_instructions"` // 不通过时的修复指引
}

// Request 一次校验的输入
type Request struct {
	WorkspaceID      string  // 工作空间句柄
	ArtifactPath     string  // 渲染产物的相对路径
	UserIntent       string  // 用户的原始意图
	DesignSpec       string  // 设计规格
	ExpectedDuration float64 // 期望时长（秒）
}

// Model 校验模型的传输层接口
type Model interface {
	ReviewRender(ctx context.Context, req Request, frameRefs []string) (string, error)
}

// Capturer 帧捕获接口（由 workspace.Manager 实现）
type Capturer interface {
	Screenshot(ctx context.Context, workspaceID string, seekTime float64) (string, error)
}

// Verifier 视觉校验器
type Verifier struct {
	model     Model
	capturer  Capturer
	passScore int // 通过阈值（如 7）
}

// New 创建校验器
func New(model Model, capturer Capturer, passScore int) *Verifier {
	return &Verifier{
		model:     model,
		capturer:  capturer,
		passScore: passScore,
	}
}

// Verify 执行一次视觉校验
// 步骤：
// 1. 在片头/中段/片尾各捕获一帧（确定性 seek，不靠真实时间等待）
// 2. 调用校验模型对照评分标准打分
// 3. 防御式解析评分 JSON，六个维度缺一不可
//
// 返回:
//   - *Report: 校验报告
//   - error: VerificationError
func (v *Verifier) Verify(ctx context.Context, req Request) (*Report, error) {
	// 1. 捕获采样帧
	seeks := []float64{0, req.ExpectedDuration / 2, req.ExpectedDuration * 0.95}
	frames := make([]string, 0, len(seeks))
	for _, at := range seeks {
		frame, err := v.capturer.Screenshot(ctx, req.WorkspaceID, at)
		if err != nil {
			return nil, pipeline.As(err, pipeline.KindVerification, "采样帧捕获失败")
		}
		frames = append(frames, frame)
	}

	// 2. 调用校验模型
	raw, err := v.model.ReviewRender(ctx, req, frames)
	if err != nil {
		return nil, pipeline.As(err, pipeline.KindVerification, "校验调用失败")
	}

	// 3. 解析评分
	data, err := generator.ExtractJSON(raw)
	if err != nil {
		return nil, pipeline.New(pipeline.KindVerification, "校验模型输出无法解析").
			WithDetail(err.Error())
	}
	var parsed struct {
		Checks          []CheckResult `json:"checks"`
		FixInstructions string        `json:"fix_instructions"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, pipeline.New(pipeline.KindVerification, "校验评分结构不符合预期").
			WithDetail(err.Error())
	}

	byName := make(map[string]CheckResult, len(parsed.Checks))
	for _, c := range parsed.Checks {
		c.Score = clampScore(c.Score)
		byName[c.Name] = c
	}
	var missing []string
	checks := make([]CheckResult, 0, len(requiredChecks))
	for _, name := range requiredChecks {
		c, ok := byName[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		checks = append(checks, c)
	}
	if len(missing) > 0 {
		return nil, pipeline.Newf(pipeline.KindVerification,
			"校验评分缺少维度: %s", strings.Join(missing, ", "))
	}

	overall := byName[CheckOverall].Score
	report := &Report{
		Pass:            overall >= v.passScore,
		Score:           overall,
		Checks:          checks,
		FixInstructions: strings.TrimSpace(parsed.FixInstructions),
	}
	if !report.Pass && report.FixInstructions == "" {
		// 不通过却没有修复指引时给出兜底文案，保证修复循环有输入
		report.FixInstructions = fmt.Sprintf("整体评分 %d 低于 %d，请优化动画质量", overall, v.passScore)
	}
	return report, nil
}

// clampScore 把评分钳制到 1-10
func clampScore(s int) int {
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}
