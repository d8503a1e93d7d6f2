// Package phase 实现会话的阶段状态机
// 阶段是客户端对账后唯一可信的状态来源：
// idle → question → plan → executing → preview → complete，
// error 可从 question/plan/executing/preview 到达
package phase

import (
	"errors"
	"fmt"
	"strings"
)

// Phase 会话阶段
type Phase string

// 阶段常量
const (
	Idle      Phase = "idle"      // 尚未提交需求
	Question  Phase = "question"  // 等待用户澄清
	Plan      Phase = "plan"      // 等待用户确认计划
	Executing Phase = "executing" // 正在执行生成
	Preview   Phase = "preview"   // 渲染完成，等待用户验收
	Complete  Phase = "complete"  // 已完成
	Error     Phase = "error"     // 出错，可能允许重试
)

// Input 用户或管线输入的种类
// 状态机根据当前阶段决定每种输入是否合法、迁移到哪里
type Input string

// 输入常量
const (
	InputSubmit     Input = "submit"      // 提交初始需求
	InputAnswer     Input = "answer"      // 回答澄清问题
	InputAccept     Input = "accept"      // 接受计划 / 验收预览
	InputFeedback   Input = "feedback"    // 对当前执行的反馈（不离开当前阶段）
	InputRegenerate Input = "regenerate"  // 显式要求重新执行 / 重新生成计划
	InputRetry      Input = "retry"       // 错误后重试
	InputPlanReady  Input = "plan_ready"  // 管线：分析完成并产出计划
	InputNeedClar   Input = "need_clarif" // 管线：分析认为需要澄清
	InputRenderOK   Input = "render_ok"   // 管线：渲染工具成功
	InputFail       Input = "fail"        // 管线：不可恢复的工具失败
)

// 状态机错误
var (
	ErrIllegalInput = errors.New("输入在当前阶段不合法")
)

// transitions 各阶段允许到达的阶段集合
// feedback 属于"continue"边，不出现在这里（不改变阶段）
var transitions = map[Phase][]Phase{
	Idle:      {Executing},
	Question:  {Executing, Error},
	Plan:      {Executing, Error},
	Executing: {Question, Plan, Preview, Executing, Error},
	Preview:   {Complete, Executing, Error},
	Error:     {Plan, Idle},
	Complete:  {},
}

// Machine 阶段状态机
// affirmatives 是被识别为"确认"的用户回复集合，
// 属于尽力而为的分类器而非正确性边界，因此做成可配置项
type Machine struct {
	affirmatives []string
}

// NewMachine 创建状态机
// 参数:
//   - affirmatives: 确认词表（大小写不敏感，比较前会 Trim）
func NewMachine(affirmatives []string) *Machine {
	norm := make([]string, 0, len(affirmatives))
	for _, a := range affirmatives {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			norm = append(norm, a)
		}
	}
	return &Machine{affirmatives: norm}
}

// CanTransition 判断从 from 到 to 的迁移是否合法
func (m *Machine) CanTransition(from, to Phase) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Next 根据当前阶段和输入计算下一个阶段
// 参数:
//   - current: 当前阶段
//   - in: 输入种类
//   - hasPlan: 会话是否已有计划（决定 error 重试的去向）
//
// 返回:
//   - Phase: 下一个阶段（feedback 返回当前阶段）
//   - error: 输入不合法时返回 ErrIllegalInput
func (m *Machine) Next(current Phase, in Input, hasPlan bool) (Phase, error) {
	switch current {
	case Idle:
		if in == InputSubmit {
			// 提交后立刻进入分析（executing 阶段承载分析步骤）
			return Executing, nil
		}

	case Question:
		switch in {
		case InputAnswer:
			return Executing, nil
		case InputFail:
			return Error, nil
		}

	case Plan:
		switch in {
		case InputAccept:
			return Executing, nil
		case InputRegenerate:
			// 显式要求重新生成计划：重新进入分析
			return Executing, nil
		case InputFeedback:
			// 计划接受前的自由文本视为对计划的修改意见，
			// 触发重新分析
			return Executing, nil
		case InputFail:
			return Error, nil
		}

	case Executing:
		switch in {
		case InputNeedClar:
			return Question, nil
		case InputPlanReady:
			return Plan, nil
		case InputRenderOK:
			return Preview, nil
		case InputFeedback:
			// continue 边：反馈并入当前执行，不重置阶段
			return Executing, nil
		case InputFail:
			return Error, nil
		}

	case Preview:
		switch in {
		case InputAccept:
			return Complete, nil
		case InputRegenerate:
			// 从已接受的计划重新执行，不再询问确认
			return Executing, nil
		case InputFeedback:
			// 反馈触发一轮修改执行
			return Executing, nil
		case InputFail:
			return Error, nil
		}

	case Error:
		if in == InputRetry {
			if hasPlan {
				return Plan, nil
			}
			return Idle, nil
		}

	case Complete:
		// 终态，不接受任何输入
	}

	return current, fmt.Errorf("%w: phase=%s input=%s", ErrIllegalInput, current, in)
}

// IsAffirmative 判断用户自由文本是否为"确认"
// 对常见的 yes/ok/好的 变体做大小写不敏感的整串匹配，
// 避免强迫用户为一句"好的"去点结构化按钮
func (m *Machine) IsAffirmative(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, "!！.。")
	if t == "" {
		return false
	}
	for _, a := range m.affirmatives {
		if t == a {
			return true
		}
	}
	return false
}

// ClassifyText 将用户自由文本归类为状态机输入
// 规则：
//   - idle 阶段的文本是初始需求提交
//   - question 阶段的文本是澄清回答
//   - plan / preview 阶段的确认词短路为 accept，其余是反馈
//   - executing 阶段的文本一律是对当前执行的反馈；
//     计划一旦接受，自由文本永远不会被隐式解释为重新生成计划
func (m *Machine) ClassifyText(current Phase, text string) Input {
	switch current {
	case Idle:
		return InputSubmit
	case Question:
		return InputAnswer
	case Plan:
		if m.IsAffirmative(text) {
			return InputAccept
		}
		return InputFeedback
	case Preview:
		if m.IsAffirmative(text) {
			return InputAccept
		}
		return InputFeedback
	default:
		return InputFeedback
	}
}

// ValidateState 校验阶段与附属字段的组合是否合法
// 不变式：
//   - execution 仅存在于 executing
//   - error 详情仅存在于 error
//   - complete 必须已有至少一个渲染版本
//   - idle 不得残留 plan / execution / error
//
// versions 和 messages 属于累积历史，不受阶段约束
func ValidateState(p Phase, hasPlan, hasExecution, hasError bool, versionCount int) error {
	if hasExecution && p != Executing {
		return fmt.Errorf("phase %s 不允许存在 execution 状态", p)
	}
	if hasError && p != Error {
		return fmt.Errorf("phase %s 不允许存在 error 详情", p)
	}
	if p == Error && !hasError {
		return errors.New("error 阶段必须携带错误详情")
	}
	if p == Complete && versionCount == 0 {
		return errors.New("complete 阶段必须已有渲染版本")
	}
	if p == Idle && (hasPlan || hasExecution || hasError) {
		return errors.New("idle 阶段不允许残留上一阶段的字段")
	}
	return nil
}
