package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"kinecraft-server/internal/generator"
	"kinecraft-server/internal/pipeline"
	"kinecraft-server/internal/workspace"
)

// 工具名称常量
const (
	ToolWriteFile    = "write_file"    // 向工作空间写入单个文件
	ToolRunCommand   = "run_command"   // 在工作空间内执行命令
	ToolStartPreview = "start_preview" // 启动预览服务
	ToolScreenshot   = "screenshot"    // 捕获指定时间点的帧
	ToolGenerate     = "generate"      // 发起一次受锁保护的代码生成
	ToolRender       = "render"        // 渲染最终视频
)

// toolHandler 单个工具的执行函数
// 入参是已通过严格解码的类型化参数；
// 错误在此边界被上层捕获并转换为结构化工具结果
type toolHandler func(ctx context.Context, run *Run, args json.RawMessage) (interface{}, error)

// decodeArgs 严格解码工具参数
// 未知字段直接拒绝，避免模型拼错字段名被静默吞掉
func decodeArgs(raw json.RawMessage, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return pipeline.New(pipeline.KindGeneration, "工具参数不合法").WithDetail(err.Error())
	}
	return nil
}

// writeFileArgs write_file 的参数
type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// runCommandArgs run_command 的参数
type runCommandArgs struct {
	Command    string `json:"command"`
	Background bool   `json:"background,omitempty"`
}

// screenshotArgs screenshot 的参数
type screenshotArgs struct {
	SeekTime float64 `json:"seek_time"`
}

// generateArgs generate 的参数
type generateArgs struct {
	Task        string   `json:"task"`
	Description string   `json:"description"`
	DesignSpec  string   `json:"design_spec,omitempty"`
	MediaRefs   []string `json:"media_refs,omitempty"`
	Targets     []string `json:"targets,omitempty"` // modify_existing 的目标文件
	ResultKey   string   `json:"result_key,omitempty"`
}

// toolRegistry 工具注册表
// 指挥模型只能调用这里登记过的工具，未登记的名字一律拒绝
var toolRegistry = map[string]toolHandler{
	ToolWriteFile:    execWriteFile,
	ToolRunCommand:   execRunCommand,
	ToolStartPreview: execStartPreview,
	ToolScreenshot:   execScreenshot,
	ToolGenerate:     execGenerate,
	ToolRender:       execRender,
}

// execWriteFile 写入单个文件
func execWriteFile(ctx context.Context, run *Run, raw json.RawMessage) (interface{}, error) {
	var args writeFileArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, pipeline.New(pipeline.KindGeneration, "write_file 缺少 path 字段")
	}
	if err := run.deps.Workspaces.WriteFile(run.workspaceID, args.Path, []byte(args.Content)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": args.Path, "size": len(args.Content)}, nil
}

// execRunCommand 执行命令
func execRunCommand(ctx context.Context, run *Run, raw json.RawMessage) (interface{}, error) {
	var args runCommandArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Command == "" {
		return nil, pipeline.New(pipeline.KindGeneration, "run_command 缺少 command 字段")
	}
	return run.deps.Workspaces.RunCommand(ctx, run.workspaceID, args.Command, workspace.RunOptions{
		Background: args.Background,
	})
}

// execStartPreview 启动预览服务
func execStartPreview(ctx context.Context, run *Run, raw json.RawMessage) (interface{}, error) {
	var args struct{}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	url, err := run.deps.Workspaces.StartPreview(ctx, run.workspaceID)
	if err != nil {
		return nil, err
	}
	run.store.Put("preview_url", url)
	// 登记到缓存，预览路由重启后仍可反查
	if run.deps.Previews != nil {
		if err := run.deps.Previews.SetPreviewURL(ctx, run.workspaceID, url); err != nil {
			log.Printf("Failed to register preview URL for workspace %s: %v", run.workspaceID, err)
		}
	}
	return map[string]string{"url": url}, nil
}

// execScreenshot 捕获指定时间点的帧
func execScreenshot(ctx context.Context, run *Run, raw json.RawMessage) (interface{}, error) {
	var args screenshotArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	path, err := run.deps.Workspaces.Screenshot(ctx, run.workspaceID, args.SeekTime)
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": path}, nil
}

// execGenerate 发起一次代码生成
// 生成调用必须持有工作空间的生成锁；
// 指挥模型合法地并行发出多个 generate 时，这里把它们串行化
func execGenerate(ctx context.Context, run *Run, raw json.RawMessage) (interface{}, error) {
	var args generateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Task == "" || args.Description == "" {
		return nil, pipeline.New(pipeline.KindGeneration, "generate 缺少 task 或 description 字段")
	}

	req := generator.Request{
		Task:        args.Task,
		Description: args.Description,
		DesignSpec:  args.DesignSpec,
		MediaRefs:   args.MediaRefs,
	}
	// modify_existing 必须携带目标文件的当前内容
	if args.Task == generator.TaskModifyExisting {
		req.CurrentContent = make(map[string]string, len(args.Targets))
		for _, target := range args.Targets {
			data, err := run.deps.Workspaces.ReadFile(run.workspaceID, target)
			if err != nil {
				return nil, err
			}
			req.CurrentContent[target] = string(data)
		}
	}

	release, err := run.deps.Locks.Acquire(ctx, run.workspaceID)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := run.deps.Generator.Generate(ctx, run.workspaceID, req)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(result.Files))
	for _, f := range result.Files {
		paths = append(paths, f.Path)
	}
	run.addFiles(paths)
	if args.ResultKey != "" {
		run.store.Put(args.ResultKey, result)
	}
	return result, nil
}

// execRender 渲染最终视频
func execRender(ctx context.Context, run *Run, raw json.RawMessage) (interface{}, error) {
	var args struct{}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	path, err := run.deps.Workspaces.Render(ctx, run.workspaceID)
	if err != nil {
		return nil, err
	}
	run.store.Put("rendered_artifact", path)
	return map[string]string{"path": path}, nil
}

// dispatchTool 查表并执行一个工具
// 返回:
//   - interface{}: 工具结果（可 JSON 序列化）
//   - error: 管线错误
func dispatchTool(ctx context.Context, run *Run, name string, raw json.RawMessage) (interface{}, error) {
	handler, ok := toolRegistry[name]
	if !ok {
		return nil, pipeline.Newf(pipeline.KindGeneration, "未知工具: %s", name)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	out, err := handler(ctx, run, raw)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// marshalResult 把工具结果序列化为 JSON
func marshalResult(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return data
}

// nowMillis 当前 Unix 毫秒时间戳
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
