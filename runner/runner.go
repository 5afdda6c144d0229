package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/workflow"
)

// Reporter is the engine surface the runner drives. *engine.Engine
// satisfies it.
type Reporter interface {
	Get(ctx context.Context, wfID id.WorkflowID) (*workflow.Workflow, error)
	ReportStep(ctx context.Context, wfID id.WorkflowID, stepName string, status workflow.StepStatus, result []byte) (*workflow.Event, error)
}

// Runner drives workflows through their steps in plan order. Steps of
// one workflow run sequentially; distinct workflows run concurrently up
// to the configured limit.
type Runner struct {
	reporter    Reporter
	registry    *Registry
	logger      *slog.Logger
	concurrency int
	stepTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithConcurrency caps how many workflows execute at once in RunMany.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithStepTimeout bounds each handler invocation. Zero means no bound.
func WithStepTimeout(d time.Duration) Option {
	return func(r *Runner) { r.stepTimeout = d }
}

// New creates a Runner reporting into the given engine.
func New(reporter Reporter, registry *Registry, opts ...Option) *Runner {
	r := &Runner{
		reporter:    reporter,
		registry:    registry,
		logger:      slog.Default(),
		concurrency: 10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every pending step of one workflow in plan order,
// reporting running and terminal statuses as it goes. It stops at the
// first failed step (the engine fail-fast skips the rest), when the
// workflow is paused or cancelled underneath it, or when ctx ends.
// A nil return means the workflow ran to a terminal status.
func (r *Runner) Run(ctx context.Context, wfID id.WorkflowID) error {
	wf, err := r.reporter.Get(ctx, wfID)
	if err != nil {
		return err
	}

	for _, step := range wf.Steps {
		if step.Status != workflow.StepPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		stop, err := r.report(ctx, wfID, step.Name, workflow.StepRunning, nil)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}

		result, execErr := r.execute(ctx, step)
		if execErr != nil {
			failure, _ := json.Marshal(map[string]string{"error": execErr.Error()})
			if _, err := r.report(ctx, wfID, step.Name, workflow.StepFailed, failure); err != nil {
				return err
			}
			// Fail-fast: the engine has skipped the remaining steps.
			return nil
		}

		stop, err = r.report(ctx, wfID, step.Name, workflow.StepSucceeded, result)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// RunMany executes several workflows concurrently, each sequentially
// within itself. The first hard error cancels the rest.
func (r *Runner) RunMany(ctx context.Context, ids []id.WorkflowID) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for _, wfID := range ids {
		group.Go(func() error {
			return r.Run(ctx, wfID)
		})
	}
	return group.Wait()
}

// report submits one step transition. A conflict means the workflow was
// paused, cancelled, or raced by another reporter; the runner stops
// quietly rather than fighting the authoritative state.
func (r *Runner) report(ctx context.Context, wfID id.WorkflowID, stepName string, status workflow.StepStatus, result []byte) (stop bool, err error) {
	if _, err := r.reporter.ReportStep(ctx, wfID, stepName, status, result); err != nil {
		if errors.Is(err, runwire.ErrConflict) {
			r.logger.Info("stopping run",
				slog.String("workflow_id", wfID.String()),
				slog.String("step", stepName),
				slog.String("reason", err.Error()),
			)
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// execute invokes the handler for one step, converting panics to errors
// and applying the step timeout.
func (r *Runner) execute(ctx context.Context, step *workflow.Step) (result []byte, retErr error) {
	handler, ok := r.registry.Get(step.Name)
	if !ok {
		return nil, fmt.Errorf("no handler registered for step %q", step.Name)
	}

	if r.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.stepTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("step handler panicked",
				slog.String("step", step.Name),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			retErr = fmt.Errorf("panic in step %s: %v", step.Name, rec)
		}
	}()

	return handler(ctx, step.Spec)
}
