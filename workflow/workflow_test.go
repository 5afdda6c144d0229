package workflow

import (
	"errors"
	"testing"

	"github.com/Boykai/runwire"
)

func TestPlanValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{"valid", Plan{Steps: []StepSpec{{Name: "a"}, {Name: "b"}}}, false},
		{"empty", Plan{}, true},
		{"blank name", Plan{Steps: []StepSpec{{Name: ""}}}, true},
		{"duplicate name", Plan{Steps: []StepSpec{{Name: "a"}, {Name: "a"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr {
				if !errors.Is(err, runwire.ErrInvalidPlan) {
					t.Errorf("Validate() = %v, want ErrInvalidPlan", err)
				}
			} else if err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	wf, err := New(Plan{Steps: []StepSpec{{Name: "fetch"}, {Name: "transform"}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if wf.ID.IsNil() {
		t.Error("workflow ID should be assigned")
	}
	if wf.Status != StatusQueued {
		t.Errorf("Status = %q, want %q", wf.Status, StatusQueued)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(wf.Steps))
	}
	for i, s := range wf.Steps {
		if s.Status != StepPending {
			t.Errorf("step %d status = %q, want pending", i, s.Status)
		}
		if s.Index != i {
			t.Errorf("step %d index = %d", i, s.Index)
		}
	}
	if wf.CreatedAt.IsZero() || wf.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
	if wf.CreatedAt.Location() != wf.CreatedAt.UTC().Location() {
		t.Error("timestamps should be UTC")
	}
}

func TestNewRejectsInvalidPlan(t *testing.T) {
	t.Parallel()

	if _, err := New(Plan{}); !errors.Is(err, runwire.ErrInvalidPlan) {
		t.Errorf("New(empty plan) = %v, want ErrInvalidPlan", err)
	}
}

func TestWorkflowClone(t *testing.T) {
	t.Parallel()

	wf, err := New(Plan{Steps: []StepSpec{{Name: "a", Spec: []byte("spec")}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wf.Steps[0].Result = []byte("result")

	cp := wf.Clone()
	cp.Status = StatusRunning
	cp.Steps[0].Status = StepRunning
	cp.Steps[0].Result[0] = 'X'

	if wf.Status != StatusQueued {
		t.Error("clone mutation leaked into original status")
	}
	if wf.Steps[0].Status != StepPending {
		t.Error("clone mutation leaked into original step")
	}
	if string(wf.Steps[0].Result) != "result" {
		t.Error("clone mutation leaked into original result payload")
	}
}

func TestStepByName(t *testing.T) {
	t.Parallel()

	wf, err := New(Plan{Steps: []StepSpec{{Name: "a"}, {Name: "b"}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if s := wf.StepByName("b"); s == nil || s.Index != 1 {
		t.Errorf("StepByName(b) = %+v", s)
	}
	if s := wf.StepByName("missing"); s != nil {
		t.Errorf("StepByName(missing) = %+v, want nil", s)
	}
}
