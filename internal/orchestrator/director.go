package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"kinecraft-server/internal/generator"
	"kinecraft-server/internal/model"
)

// PlanDirector 基于已接受计划的执行指挥器
// 从计划确定性地派生工具调用：先初始化项目，
// 再并行发起各场景的生成（生成锁负责把实际写入串行化），
// 最后合并执行中途收到的用户反馈
type PlanDirector struct {
	// InstallCommand 场景生成前的依赖安装命令（空则跳过）
	InstallCommand string
}

// Direct 执行指挥
// feedback 非空时是对已渲染结果的修改轮：
// 不重建项目，只对现有文件做一次 modify_existing
func (d *PlanDirector) Direct(ctx context.Context, run *Run, plan *model.Plan, feedback string) error {
	if feedback != "" {
		return d.directModify(ctx, run, plan, feedback)
	}

	// 1. 初始化项目骨架
	run.MarkTodo("setup", model.TodoStatusActive)
	setupArgs := generateArgs{
		Task:        generator.TaskInitialSetup,
		Description: setupDescription(plan),
		DesignSpec:  plan.DesignSpec,
		ResultKey:   "setup",
	}
	if _, err := run.Tool(ctx, ToolGenerate, setupArgs); err != nil {
		return err
	}
	if d.InstallCommand != "" {
		if _, err := run.Tool(ctx, ToolRunCommand, runCommandArgs{Command: d.InstallCommand}); err != nil {
			return err
		}
	}
	run.MarkTodo("setup", model.TodoStatusDone)

	// 2. 并行生成各场景
	// 并发发起是合法的；工作空间写入的串行化由生成锁保证
	var wg sync.WaitGroup
	errs := make([]error, len(plan.Scenes))
	for i, scene := range plan.Scenes {
		wg.Add(1)
		go func(i int, scene model.Scene) {
			defer wg.Done()
			todoID := fmt.Sprintf("scene-%d", i+1)
			run.MarkTodo(todoID, model.TodoStatusActive)
			args := generateArgs{
				Task:        generator.TaskCreateScene,
				Description: sceneDescription(i, scene),
				DesignSpec:  plan.DesignSpec,
				ResultKey:   todoID,
			}
			if _, err := run.Tool(ctx, ToolGenerate, args); err != nil {
				errs[i] = err
				return
			}
			run.MarkTodo(todoID, model.TodoStatusDone)
		}(i, scene)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	// 3. 执行中途收到的用户反馈并入一次修改轮
	if v, ok := run.store.Get("user_feedback"); ok {
		if text, _ := v.(string); text != "" {
			if err := d.directModify(ctx, run, plan, text); err != nil {
				return err
			}
		}
	}
	return nil
}

// directModify 对现有工作空间做一次修改轮
func (d *PlanDirector) directModify(ctx context.Context, run *Run, plan *model.Plan, feedback string) error {
	run.MarkTodo("modify", model.TodoStatusActive)
	files, err := run.deps.Workspaces.ListFiles(run.workspaceID)
	if err != nil {
		return err
	}
	args := generateArgs{
		Task:        generator.TaskModifyExisting,
		Description: feedback,
		DesignSpec:  plan.DesignSpec,
		Targets:     sourceFiles(files),
	}
	if _, err := run.Tool(ctx, ToolGenerate, args); err != nil {
		return err
	}
	run.MarkTodo("modify", model.TodoStatusDone)
	return nil
}

// setupDescription 拼出项目初始化的任务描述
func setupDescription(plan *model.Plan) string {
	var b strings.Builder
	b.WriteString("初始化动画项目骨架，包含以下场景的占位与总编排：\n")
	for i, s := range plan.Scenes {
		fmt.Fprintf(&b, "%d. %s（%.1f 秒）\n", i+1, s.Title, s.Duration)
	}
	fmt.Fprintf(&b, "总时长 %.1f 秒。", plan.TotalDuration())
	return b.String()
}

// sceneDescription 拼出单场景的任务描述
func sceneDescription(i int, s model.Scene) string {
	return fmt.Sprintf("场景 %d「%s」（%.1f 秒）：%s", i+1, s.Title, s.Duration, s.Description)
}

// sourceFiles 从文件清单中筛出可供修改的源码文件
// 媒体与锁文件不进修改轮的上下文
func sourceFiles(files []string) []string {
	var out []string
	for _, f := range files {
		switch strings.ToLower(path.Ext(f)) {
		case ".ts", ".tsx", ".js", ".jsx", ".css", ".html", ".json":
			if path.Base(f) == "package-lock.json" {
				continue
			}
			out = append(out, f)
		}
	}
	return out
}
