package verifier

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"kinecraft-server/internal/pipeline"
)

// fakeModel 返回预设的评分响应
type fakeModel struct {
	response string
	err      error
	frames   []string
}

func (m *fakeModel) ReviewRender(ctx context.Context, req Request, frameRefs []string) (string, error) {
	m.frames = frameRefs
	return m.response, m.err
}

// fakeCapturer 记录采样点
type fakeCapturer struct {
	seeks []float64
	err   error
}

func (c *fakeCapturer) Screenshot(ctx context.Context, workspaceID string, seekTime float64) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.seeks = append(c.seeks, seekTime)
	return fmt.Sprintf("/tmp/frame-%.2f.png", seekTime), nil
}

// scoreResponse 构造六维度齐全的评分 JSON
func scoreResponse(overall int, fix string) string {
	return fmt.Sprintf(`{
		"checks": [
			{"name": "motion_present", "score": 8, "note": "ok"},
			{"name": "palette_match", "score": 7, "note": "ok"},
			{"name": "legible_typography", "score": 9, "note": "ok"},
			{"name": "polish_effects", "score": 6, "note": "ok"},
			{"name": "duration_match", "score": 8, "note": "ok"},
			{"name": "overall_quality", "score": %d, "note": "ok"}
		],
		"fix_instructions": %q
	}`, overall, fix)
}

func TestVerifyPass(t *testing.T) {
	model := &fakeModel{response: scoreResponse(8, "")}
	capt := &fakeCapturer{}
	v := New(model, capt, 7)

	report, err := v.Verify(context.Background(), Request{
		WorkspaceID:      "ws-1",
		ArtifactPath:     "out/video.mp4",
		ExpectedDuration: 10,
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Pass || report.Score != 8 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Checks) != 6 {
		t.Fatalf("expected 6 checks, got %d", len(report.Checks))
	}
	// 片头 / 中段 / 片尾三个确定性采样点
	if len(capt.seeks) != 3 || capt.seeks[0] != 0 || capt.seeks[1] != 5 || capt.seeks[2] != 9.5 {
		t.Fatalf("seeks = %v", capt.seeks)
	}
	if len(model.frames) != 3 {
		t.Fatalf("frames passed to model = %d, want 3", len(model.frames))
	}
}

func TestVerifyFailCarriesFixInstructions(t *testing.T) {
	model := &fakeModel{response: scoreResponse(4, "把标题放大，延长第二个场景")}
	v := New(model, &fakeCapturer{}, 7)

	report, err := v.Verify(context.Background(), Request{ExpectedDuration: 6})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Pass {
		t.Fatalf("score 4 must not pass threshold 7")
	}
	if report.FixInstructions != "把标题放大，延长第二个场景" {
		t.Fatalf("fix instructions = %q", report.FixInstructions)
	}
}

func TestVerifyFailFallbackInstructions(t *testing.T) {
	// 不通过但模型没给修复指引：兜底文案保证修复循环有输入
	model := &fakeModel{response: scoreResponse(3, "")}
	v := New(model, &fakeCapturer{}, 7)

	report, err := v.Verify(context.Background(), Request{ExpectedDuration: 6})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Pass || report.FixInstructions == "" {
		t.Fatalf("report = %+v", report)
	}
}

func TestVerifyMissingDimensionRejected(t *testing.T) {
	// 缺少 duration_match 维度
	model := &fakeModel{response: `{
		"checks": [
			{"name": "motion_present", "score": 8},
			{"name": "palette_match", "score": 7},
			{"name": "legible_typography", "score": 9},
			{"name": "polish_effects", "score": 6},
			{"name": "overall_quality", "score": 8}
		],
		"fix_instructions": ""
	}`}
	v := New(model, &fakeCapturer{}, 7)

	_, err := v.Verify(context.Background(), Request{ExpectedDuration: 6})
	if err == nil {
		t.Fatalf("expected error for missing dimension")
	}
	if pipeline.Kind(err) != pipeline.KindVerification {
		t.Fatalf("error kind = %s", pipeline.Kind(err))
	}
	if !strings.Contains(err.Error(), "duration_match") {
		t.Fatalf("error does not name missing dimension: %v", err)
	}
}

func TestVerifyScoreClamped(t *testing.T) {
	model := &fakeModel{response: strings.Replace(scoreResponse(15, ""), `"score": 8, "note": "ok"`, `"score": -3, "note": "ok"`, 1)}
	v := New(model, &fakeCapturer{}, 7)

	report, err := v.Verify(context.Background(), Request{ExpectedDuration: 6})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Score != 10 {
		t.Fatalf("overall not clamped to 10: %d", report.Score)
	}
	for _, c := range report.Checks {
		if c.Score < 1 || c.Score > 10 {
			t.Fatalf("check %s score %d out of range", c.Name, c.Score)
		}
	}
}

func TestVerifyCaptureErrorClassified(t *testing.T) {
	capt := &fakeCapturer{err: pipeline.New(pipeline.KindIO, "截图失败")}
	v := New(&fakeModel{}, capt, 7)

	_, err := v.Verify(context.Background(), Request{ExpectedDuration: 6})
	if err == nil {
		t.Fatalf("expected error")
	}
	// 已是管线错误则保留原分类
	if pipeline.Kind(err) != pipeline.KindIO {
		t.Fatalf("error kind = %s", pipeline.Kind(err))
	}
}

func TestVerifyGarbageOutputRejected(t *testing.T) {
	model := &fakeModel{response: "这个视频很不错！"}
	v := New(model, &fakeCapturer{}, 7)

	_, err := v.Verify(context.Background(), Request{ExpectedDuration: 6})
	if err == nil {
		t.Fatalf("expected error for unparseable output")
	}
	if pipeline.Kind(err) != pipeline.KindVerification {
		t.Fatalf("error kind = %s", pipeline.Kind(err))
	}
}
