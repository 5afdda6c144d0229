// Package memory provides a fully in-memory runwire store. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/store"
	"github.com/Boykai/runwire/workflow"
)

// Ensure Store implements the composite contract at compile time.
var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store. All reads return
// deep copies so callers can never mutate stored state, and all writes
// store deep copies so callers can keep mutating their own records.
type Store struct {
	mu sync.RWMutex

	workflows map[string]*workflow.Workflow
	events    map[string][]*workflow.Event // workflow ID → events ordered by sequence

	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		workflows: make(map[string]*workflow.Workflow),
		events:    make(map[string][]*workflow.Event),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close marks the store closed; further operations fail.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CreateWorkflow persists a new workflow with its steps.
func (m *Store) CreateWorkflow(_ context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return runwire.ErrStoreClosed
	}

	key := wf.ID.String()
	if _, exists := m.workflows[key]; exists {
		return fmt.Errorf("%w: workflow %s already exists", runwire.ErrConflict, key)
	}
	m.workflows[key] = wf.Clone()
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (m *Store) GetWorkflow(_ context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, runwire.ErrStoreClosed
	}

	wf, ok := m.workflows[wfID.String()]
	if !ok {
		return nil, runwire.ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

// UpdateWorkflow atomically replaces the workflow snapshot and appends
// events to its log. The event sequences must continue the stored log
// without a gap; a mismatch means two writers raced, which the engine's
// per-workflow serialization is supposed to prevent.
func (m *Store) UpdateWorkflow(_ context.Context, wf *workflow.Workflow, events []*workflow.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return runwire.ErrStoreClosed
	}

	key := wf.ID.String()
	stored, ok := m.workflows[key]
	if !ok {
		return runwire.ErrWorkflowNotFound
	}

	next := stored.LastSequence + 1
	for i, evt := range events {
		if evt.Sequence != next+int64(i) {
			return fmt.Errorf("%w: event sequence %d, log expects %d",
				runwire.ErrConflict, evt.Sequence, next+int64(i))
		}
	}

	m.workflows[key] = wf.Clone()
	for _, evt := range events {
		m.events[key] = append(m.events[key], evt.Clone())
	}
	return nil
}

// ListWorkflows returns workflows matching the given options, ordered by
// creation time (TypeIDs are K-sortable, so ID order is creation order).
func (m *Store) ListWorkflows(_ context.Context, opts workflow.ListOpts) ([]*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, runwire.ErrStoreClosed
	}

	out := make([]*workflow.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if opts.Status != "" && wf.Status != opts.Status {
			continue
		}
		out = append(out, wf.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListEventsSince returns all events with sequence > afterSeq in
// increasing order.
func (m *Store) ListEventsSince(_ context.Context, wfID id.WorkflowID, afterSeq int64) ([]*workflow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, runwire.ErrStoreClosed
	}

	key := wfID.String()
	if _, ok := m.workflows[key]; !ok {
		return nil, runwire.ErrWorkflowNotFound
	}

	var out []*workflow.Event
	for _, evt := range m.events[key] {
		if evt.Sequence > afterSeq {
			out = append(out, evt.Clone())
		}
	}
	return out, nil
}
