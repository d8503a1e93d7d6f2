// Package generator 实现产物生成器
// 给定任务描述和设计规格，调用专门的生成模型得到一组命名文件，
// 整批校验后直接写入工作空间；返回给编排器的只有 {path, size}，
// 绝不回传文件内容——这让编排记录保持小巧，也避免大负载的重复传输
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"kinecraft-server/internal/pipeline"
	"kinecraft-server/internal/workspace"
)

// Task 生成任务种类常量
const (
	TaskInitialSetup    = "initial_setup"    // 初始化项目骨架
	TaskCreateComponent = "create_component" // 新建组件
	TaskCreateScene     = "create_scene"     // 新建场景
	TaskModifyExisting  = "modify_existing"  // 修改现有文件
)

// Request 一次生成调用的输入
type Request struct {
	Task           string            // 任务种类（见上方常量）
	Description    string            // 任务描述
	DesignSpec     string            // 设计规格
	MediaRefs      []string          // 可引用的媒体文件
	CurrentContent map[string]string // modify_existing 必填：目标文件的当前内容
}

// WrittenFile 已写入的文件摘要（不含内容）
type WrittenFile struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

// Result 一次生成调用的输出
type Result struct {
	Files   []WrittenFile `json:"files"`
	Summary string        `json:"summary"`
}

// Model 生成模型的传输层接口
// 具体实现在 service.AIService；这里只关心拿到原始文本
type Model interface {
	GenerateFiles(ctx context.Context, req Request) (string, error)
}

// Writer 工作空间写入接口（由 workspace.Manager 实现）
type Writer interface {
	WriteFile(workspaceID, path string, content []byte) error
}

// payload 模型响应里期望的 JSON 结构
type payload struct {
	Files []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
	Summary string `json:"summary"`
}

// Generator 产物生成器
type Generator struct {
	model       Model
	writer      Writer
	maxFileSize int // 单文件大小上限（字节）
}

// New 创建生成器
func New(model Model, writer Writer, maxFileSize int) *Generator {
	return &Generator{
		model:       model,
		writer:      writer,
		maxFileSize: maxFileSize,
	}
}

// Generate 执行一次生成调用
// 关键约束：
//   - modify_existing 必须携带目标文件的当前内容，
//     缺失时由调用方先从工作空间读取，绝不允许编造"当前内容"
//   - 任何一个文件非法（穿越路径 / 绝对路径 / 超限）都使整个调用失败，
//     零文件落盘——半套文件会留下不一致的工作空间
//
// 调用方需持有该工作空间的生成锁
func (g *Generator) Generate(ctx context.Context, workspaceID string, req Request) (*Result, error) {
	if req.Task == TaskModifyExisting && len(req.CurrentContent) == 0 {
		return nil, pipeline.New(pipeline.KindGeneration,
			"modify_existing 缺少目标文件的当前内容")
	}

	// 1. 调用生成模型
	raw, err := g.model.GenerateFiles(ctx, req)
	if err != nil {
		return nil, pipeline.As(err, pipeline.KindGeneration, "生成调用失败")
	}

	// 2. 防御式解析模型输出
	data, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, pipeline.New(pipeline.KindGeneration, "模型输出的 JSON 结构不符合预期").
			WithDetail(err.Error())
	}
	if len(p.Files) == 0 {
		return nil, pipeline.New(pipeline.KindGeneration, "模型未返回任何文件")
	}

	// 3. 整批校验：先全部通过，再开始写入
	type validated struct {
		path    string
		content []byte
	}
	files := make([]validated, 0, len(p.Files))
	for _, f := range p.Files {
		clean, err := workspace.ValidatePath(f.Path)
		if err != nil {
			return nil, err
		}
		if len(f.Content) > g.maxFileSize {
			return nil, pipeline.Newf(pipeline.KindIO,
				"文件 %s 超过大小上限 %d 字节", f.Path, g.maxFileSize)
		}
		files = append(files, validated{path: clean, content: []byte(f.Content)})
	}

	// 4. 写入工作空间
	result := &Result{Summary: p.Summary}
	for _, f := range files {
		if err := g.writer.WriteFile(workspaceID, f.path, f.content); err != nil {
			return nil, err
		}
		result.Files = append(result.Files, WrittenFile{Path: f.path, Size: len(f.content)})
	}

	// 5. 修改任务附带变更摘要（基于旧内容的差异统计）
	if req.Task == TaskModifyExisting {
		changes := diffSummary(req.CurrentContent, p.Files)
		if changes != "" {
			result.Summary = strings.TrimSpace(result.Summary + "\n" + changes)
		}
	}
	return result, nil
}

// diffSummary 统计修改任务的增删行数
// 只用于摘要展示，不参与任何正确性判断
func diffSummary(current map[string]string, files []struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}) string {
	dmp := diffmatchpatch.New()
	var parts []string
	for _, f := range files {
		old, ok := current[f.Path]
		if !ok {
			parts = append(parts, fmt.Sprintf("%s: 新增", f.Path))
			continue
		}
		diffs := dmp.DiffMain(old, f.Content, false)
		ins, del := 0, 0
		for _, d := range diffs {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				ins += len(d.Text)
			case diffmatchpatch.DiffDelete:
				del += len(d.Text)
			}
		}
		parts = append(parts, fmt.Sprintf("%s: +%d/-%d 字符", f.Path, ins, del))
	}
	return strings.Join(parts, "；")
}
