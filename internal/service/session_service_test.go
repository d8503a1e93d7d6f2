package service

import (
	"testing"

	"kinecraft-server/internal/model"
	"kinecraft-server/internal/phase"
)

func TestSessionInvariant(t *testing.T) {
	planJSON := `{"scenes":[],"design_spec":"测试"}`
	execJSON := `{"todos":[],"thinking":"准备执行"}`
	errJSON := `{"message":"渲染超时","code":"TimeoutError","can_retry":true}`

	tests := []struct {
		name     string
		session  *model.Session
		versions int64
		wantErr  bool
	}{
		{
			name:    "空白会话",
			session: &model.Session{Phase: string(phase.Idle)},
		},
		{
			name:    "执行中携带执行状态",
			session: &model.Session{Phase: string(phase.Executing), PlanJSON: &planJSON, ExecutionJSON: &execJSON},
		},
		{
			name:    "执行状态泄漏到 preview",
			session: &model.Session{Phase: string(phase.Preview), PlanJSON: &planJSON, ExecutionJSON: &execJSON},
			wantErr: true,
		},
		{
			name:    "错误详情泄漏到 plan",
			session: &model.Session{Phase: string(phase.Plan), PlanJSON: &planJSON, ErrorJSON: &errJSON},
			wantErr: true,
		},
		{
			name:    "error 阶段缺少错误详情",
			session: &model.Session{Phase: string(phase.Error), PlanJSON: &planJSON},
			wantErr: true,
		},
		{
			name:     "complete 无渲染版本",
			session:  &model.Session{Phase: string(phase.Complete), PlanJSON: &planJSON},
			versions: 0,
			wantErr:  true,
		},
		{
			name:     "complete 已有渲染版本",
			session:  &model.Session{Phase: string(phase.Complete), PlanJSON: &planJSON},
			versions: 2,
		},
		{
			name:    "idle 残留旧计划",
			session: &model.Session{Phase: string(phase.Idle), PlanJSON: &planJSON},
			wantErr: true,
		},
		{
			name:    "idle 残留错误详情",
			session: &model.Session{Phase: string(phase.Idle), ErrorJSON: &errJSON},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sessionInvariant(tt.session, tt.versions)
			if (err != nil) != tt.wantErr {
				t.Fatalf("sessionInvariant() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
