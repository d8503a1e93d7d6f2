package phase

import (
	"errors"
	"testing"
)

func newTestMachine() *Machine {
	return NewMachine([]string{"yes", "ok", "好的", " Sure "})
}

func TestNextHappyPath(t *testing.T) {
	m := newTestMachine()
	steps := []struct {
		from Phase
		in   Input
		want Phase
	}{
		{Idle, InputSubmit, Executing},
		{Executing, InputNeedClar, Question},
		{Question, InputAnswer, Executing},
		{Executing, InputPlanReady, Plan},
		{Plan, InputAccept, Executing},
		{Executing, InputRenderOK, Preview},
		{Preview, InputAccept, Complete},
	}
	for _, s := range steps {
		got, err := m.Next(s.from, s.in, true)
		if err != nil {
			t.Fatalf("Next(%s, %s): %v", s.from, s.in, err)
		}
		if got != s.want {
			t.Fatalf("Next(%s, %s) = %s, want %s", s.from, s.in, got, s.want)
		}
	}
}

func TestNextIllegalInput(t *testing.T) {
	m := newTestMachine()
	cases := []struct {
		from Phase
		in   Input
	}{
		{Idle, InputAccept},
		{Idle, InputRetry},
		{Question, InputAccept},
		{Plan, InputAnswer},
		{Preview, InputSubmit},
		{Complete, InputSubmit},
		{Complete, InputFeedback},
		{Error, InputSubmit},
	}
	for _, s := range cases {
		got, err := m.Next(s.from, s.in, true)
		if !errors.Is(err, ErrIllegalInput) {
			t.Fatalf("Next(%s, %s): expected ErrIllegalInput, got %v", s.from, s.in, err)
		}
		if got != s.from {
			t.Fatalf("Next(%s, %s): illegal input must not move phase, got %s", s.from, s.in, got)
		}
	}
}

func TestNextRetryDependsOnPlan(t *testing.T) {
	m := newTestMachine()
	got, err := m.Next(Error, InputRetry, true)
	if err != nil || got != Plan {
		t.Fatalf("retry with plan = (%s, %v), want plan", got, err)
	}
	got, err = m.Next(Error, InputRetry, false)
	if err != nil || got != Idle {
		t.Fatalf("retry without plan = (%s, %v), want idle", got, err)
	}
}

func TestFeedbackKeepsExecuting(t *testing.T) {
	m := newTestMachine()
	got, err := m.Next(Executing, InputFeedback, true)
	if err != nil {
		t.Fatalf("feedback during executing: %v", err)
	}
	if got != Executing {
		t.Fatalf("feedback must not leave executing, got %s", got)
	}
}

func TestIsAffirmative(t *testing.T) {
	m := newTestMachine()
	yes := []string{"yes", "YES", " ok ", "Ok!", "好的", "好的。", "sure"}
	for _, s := range yes {
		if !m.IsAffirmative(s) {
			t.Fatalf("expected %q to be affirmative", s)
		}
	}
	no := []string{"", "   ", "yes please", "не", "make it blue", "好的吗"}
	for _, s := range no {
		if m.IsAffirmative(s) {
			t.Fatalf("expected %q to not be affirmative", s)
		}
	}
}

func TestClassifyText(t *testing.T) {
	m := newTestMachine()
	cases := []struct {
		phase Phase
		text  string
		want  Input
	}{
		{Idle, "make a logo animation", InputSubmit},
		{Question, "3 seconds, blue palette", InputAnswer},
		{Plan, "ok", InputAccept},
		{Plan, "make scene 2 longer", InputFeedback},
		{Preview, "好的", InputAccept},
		{Preview, "the text is too small", InputFeedback},
		{Executing, "ok", InputFeedback}, // 确认词只在 plan/preview 短路
		{Executing, "add a star", InputFeedback},
	}
	for _, s := range cases {
		if got := m.ClassifyText(s.phase, s.text); got != s.want {
			t.Fatalf("ClassifyText(%s, %q) = %s, want %s", s.phase, s.text, got, s.want)
		}
	}
}

func TestValidateState(t *testing.T) {
	if err := ValidateState(Executing, true, true, false, 0); err != nil {
		t.Fatalf("executing with execution state: %v", err)
	}
	if err := ValidateState(Plan, true, true, false, 0); err == nil {
		t.Fatalf("execution state outside executing must be rejected")
	}
	if err := ValidateState(Plan, true, false, true, 0); err == nil {
		t.Fatalf("error detail outside error phase must be rejected")
	}
	if err := ValidateState(Error, true, false, false, 0); err == nil {
		t.Fatalf("error phase without detail must be rejected")
	}
	if err := ValidateState(Complete, true, false, false, 0); err == nil {
		t.Fatalf("complete without versions must be rejected")
	}
	if err := ValidateState(Complete, true, false, false, 2); err != nil {
		t.Fatalf("complete with versions: %v", err)
	}
	if err := ValidateState(Idle, true, false, false, 0); err == nil {
		t.Fatalf("idle with leftover plan must be rejected")
	}
}
