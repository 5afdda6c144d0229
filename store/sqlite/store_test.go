package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open("file:" + dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.New(workflow.Plan{Steps: []workflow.StepSpec{
		{Name: "stepA", Spec: []byte(`{"cmd":"build"}`)},
		{Name: "stepB"},
	}})
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	return wf
}

func stepEvent(wfID id.WorkflowID, step string, seq int64, old, new workflow.StepStatus) *workflow.Event {
	return &workflow.Event{
		WorkflowID:     wfID,
		StepName:       step,
		OldStatus:      string(old),
		NewStatus:      string(new),
		WorkflowStatus: workflow.StatusRunning,
		Sequence:       seq,
		Timestamp:      time.Now().UTC(),
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	wf := newTestWorkflow(t)

	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	got, err := st.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.ID.String() != wf.ID.String() {
		t.Errorf("ID = %s, want %s", got.ID, wf.ID)
	}
	if got.Status != workflow.StatusQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(got.Steps))
	}
	if got.Steps[0].Name != "stepA" || got.Steps[1].Name != "stepB" {
		t.Errorf("step order = %s,%s, want stepA,stepB", got.Steps[0].Name, got.Steps[1].Name)
	}
	if string(got.Steps[0].Spec) != `{"cmd":"build"}` {
		t.Errorf("Spec = %s", got.Steps[0].Spec)
	}
}

func TestGetUnknownWorkflow(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	if _, err := st.GetWorkflow(context.Background(), id.NewWorkflowID()); !errors.Is(err, runwire.ErrWorkflowNotFound) {
		t.Errorf("GetWorkflow = %v, want ErrWorkflowNotFound", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	wf := newTestWorkflow(t)

	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := st.CreateWorkflow(ctx, wf); !errors.Is(err, runwire.ErrConflict) {
		t.Errorf("duplicate create = %v, want ErrConflict", err)
	}
}

func TestUpdatePersistsSnapshotAndEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	wf := newTestWorkflow(t)

	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	now := time.Now().UTC()
	wf.Steps[0].Status = workflow.StepRunning
	wf.Steps[0].StartedAt = &now
	wf.Status = workflow.StatusRunning
	wf.LastSequence = 1
	evt := stepEvent(wf.ID, "stepA", 1, workflow.StepPending, workflow.StepRunning)

	if err := st.UpdateWorkflow(ctx, wf, []*workflow.Event{evt}); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}

	got, err := st.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.Status != workflow.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.LastSequence != 1 {
		t.Errorf("LastSequence = %d, want 1", got.LastSequence)
	}
	stepA := got.StepByName("stepA")
	if stepA.Status != workflow.StepRunning {
		t.Errorf("stepA = %q, want running", stepA.Status)
	}
	if stepA.StartedAt == nil {
		t.Error("stepA.StartedAt not persisted")
	}

	events, err := st.ListEventsSince(ctx, wf.ID, 0)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Sequence != 1 || events[0].StepName != "stepA" {
		t.Errorf("event = %+v", events[0])
	}
	if events[0].WorkflowStatus != workflow.StatusRunning {
		t.Errorf("WorkflowStatus = %q, want running", events[0].WorkflowStatus)
	}
}

func TestUpdateRejectsSequenceGap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	wf := newTestWorkflow(t)

	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	evt := stepEvent(wf.ID, "stepA", 2, workflow.StepPending, workflow.StepRunning)
	if err := st.UpdateWorkflow(ctx, wf, []*workflow.Event{evt}); !errors.Is(err, runwire.ErrConflict) {
		t.Errorf("gap append = %v, want ErrConflict", err)
	}

	events, err := st.ListEventsSince(ctx, wf.ID, 0)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("rejected write must leave no partial state, got %d events", len(events))
	}
}

func TestUpdateUnknownWorkflow(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	wf := newTestWorkflow(t)
	if err := st.UpdateWorkflow(context.Background(), wf, nil); !errors.Is(err, runwire.ErrWorkflowNotFound) {
		t.Errorf("UpdateWorkflow = %v, want ErrWorkflowNotFound", err)
	}
}

func TestListEventsSinceCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	wf := newTestWorkflow(t)

	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	events := []*workflow.Event{
		stepEvent(wf.ID, "stepA", 1, workflow.StepPending, workflow.StepRunning),
		stepEvent(wf.ID, "stepA", 2, workflow.StepRunning, workflow.StepSucceeded),
		stepEvent(wf.ID, "stepB", 3, workflow.StepPending, workflow.StepRunning),
		stepEvent(wf.ID, "stepB", 4, workflow.StepRunning, workflow.StepSucceeded),
	}
	wf.LastSequence = 4
	if err := st.UpdateWorkflow(ctx, wf, events); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}

	got, err := st.ListEventsSince(ctx, wf.ID, 2)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Sequence != 3 || got[1].Sequence != 4 {
		t.Errorf("sequences = %d,%d, want 3,4", got[0].Sequence, got[1].Sequence)
	}

	if _, err := st.ListEventsSince(ctx, id.NewWorkflowID(), 0); !errors.Is(err, runwire.ErrWorkflowNotFound) {
		t.Errorf("unknown workflow = %v, want ErrWorkflowNotFound", err)
	}
}

func TestListWorkflows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)

	var first *workflow.Workflow
	for i := 0; i < 3; i++ {
		wf := newTestWorkflow(t)
		if first == nil {
			first = wf
		}
		if err := st.CreateWorkflow(ctx, wf); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
	}

	all, err := st.ListWorkflows(ctx, workflow.ListOpts{})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID.String() != first.ID.String() {
		t.Errorf("first listed = %s, want %s (creation order)", all[0].ID, first.ID)
	}
	if len(all[0].Steps) != 2 {
		t.Errorf("listed workflow missing steps")
	}

	queued, err := st.ListWorkflows(ctx, workflow.ListOpts{Status: workflow.StatusQueued, Limit: 2})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(queued) != 2 {
		t.Errorf("len = %d, want 2", len(queued))
	}

	none, err := st.ListWorkflows(ctx, workflow.ListOpts{Status: workflow.StatusFailed})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want 0", len(none))
	}
}

func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := Open("file:" + dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	wf := newTestWorkflow(t)
	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	wf.LastSequence = 1
	if err := st.UpdateWorkflow(ctx, wf, []*workflow.Event{
		stepEvent(wf.ID, "stepA", 1, workflow.StepPending, workflow.StepRunning),
	}); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open("file:" + dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Migrate(ctx); err != nil {
		t.Fatalf("Migrate after reopen: %v", err)
	}

	got, err := reopened.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow after reopen: %v", err)
	}
	if got.LastSequence != 1 {
		t.Errorf("LastSequence = %d, want 1", got.LastSequence)
	}
	events, err := reopened.ListEventsSince(ctx, wf.ID, 0)
	if err != nil {
		t.Fatalf("ListEventsSince after reopen: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("len(events) = %d, want 1", len(events))
	}
}

// Any backend failure must be matchable as ErrStoreUnavailable so
// callers can apply their retry policy. A closed database stands in
// for the whole family of I/O failures.
func TestClosedDatabaseUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := Open("file:" + dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	wf := newTestWorkflow(t)
	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := st.GetWorkflow(ctx, wf.ID); !errors.Is(err, runwire.ErrStoreUnavailable) {
		t.Errorf("GetWorkflow = %v, want ErrStoreUnavailable", err)
	}
	if err := st.CreateWorkflow(ctx, newTestWorkflow(t)); !errors.Is(err, runwire.ErrStoreUnavailable) {
		t.Errorf("CreateWorkflow = %v, want ErrStoreUnavailable", err)
	}
	evt := stepEvent(wf.ID, "stepA", 1, workflow.StepPending, workflow.StepRunning)
	if err := st.UpdateWorkflow(ctx, wf, []*workflow.Event{evt}); !errors.Is(err, runwire.ErrStoreUnavailable) {
		t.Errorf("UpdateWorkflow = %v, want ErrStoreUnavailable", err)
	}
	if _, err := st.ListEventsSince(ctx, wf.ID, 0); !errors.Is(err, runwire.ErrStoreUnavailable) {
		t.Errorf("ListEventsSince = %v, want ErrStoreUnavailable", err)
	}
	if _, err := st.ListWorkflows(ctx, workflow.ListOpts{}); !errors.Is(err, runwire.ErrStoreUnavailable) {
		t.Errorf("ListWorkflows = %v, want ErrStoreUnavailable", err)
	}
}
