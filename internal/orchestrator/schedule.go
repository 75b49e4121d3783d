package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentgrid/internal/allocator"
	"github.com/aristath/agentgrid/internal/checkpoint"
	"github.com/aristath/agentgrid/internal/config"
	"github.com/aristath/agentgrid/internal/dispatch"
	"github.com/aristath/agentgrid/internal/events"
	"github.com/aristath/agentgrid/internal/registry"
	"github.com/aristath/agentgrid/internal/scheduler"
)

// Tick runs one scheduling pass: it reclaims subtasks of offline workers,
// propagates failures, finishes tasks whose graph is exhausted, allocates
// ready subtasks and dispatches them in parallel.
func (e *Engine) Tick(ctx context.Context) error {
	if e.opts.LivenessPolicy == config.LivenessReallocate {
		e.reclaimOrphans(ctx)
	}

	tasks, err := e.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	var batch []dispatch.Assignment
	for _, task := range tasks {
		if task.Status != scheduler.TaskInProgress {
			continue
		}
		assignments, err := e.advance(ctx, task.ID)
		if err != nil {
			e.logger.Error("failed to advance task", "task", task.ID, "err", err)
			continue
		}
		batch = append(batch, assignments...)
	}

	e.dispatchBatch(ctx, batch)
	return ctx.Err()
}

// advance brings one task up to date and allocates its ready subtasks.
// It returns the assignments still to be dispatched.
func (e *Engine) advance(ctx context.Context, taskID string) ([]dispatch.Assignment, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != scheduler.TaskInProgress {
		return nil, nil
	}

	subtasks, err := e.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.propagateFailures(ctx, subtasks); err != nil {
		return nil, err
	}
	e.updateProgress(ctx, task, subtasks)

	if allTerminal(subtasks) {
		return nil, e.finishTask(ctx, task, subtasks)
	}

	dag, err := scheduler.Build(subtasks)
	if err != nil {
		return nil, err
	}
	return e.allocate(ctx, task, dag.Ready())
}

// propagateFailures fails every schedulable subtask behind a failed
// predecessor and cancels those behind a cancelled one. Subtasks are visited
// in dependency order, so one pass covers transitive dependents.
func (e *Engine) propagateFailures(ctx context.Context, subtasks []*scheduler.Subtask) error {
	dag, err := scheduler.Build(subtasks)
	if err != nil {
		return err
	}
	if len(dag.Blocked()) == 0 {
		return nil
	}
	order, err := dag.Validate()
	if err != nil {
		return err
	}

	byID := make(map[string]*scheduler.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}

	for _, id := range order {
		st := byID[id]
		if !st.Status.Schedulable() {
			continue
		}

		var failedDep, cancelledDep string
		for _, depID := range st.DependsOn {
			switch byID[depID].Status {
			case scheduler.SubtaskFailed:
				failedDep = depID
			case scheduler.SubtaskCancelled:
				cancelledDep = depID
			}
		}

		switch {
		case failedDep != "":
			st.Status = scheduler.SubtaskFailed
			st.Error = fmt.Errorf("%w: %s", scheduler.ErrHardDependencyFailed, byID[failedDep].Name).Error()
		case cancelledDep != "":
			st.Status = scheduler.SubtaskCancelled
		default:
			continue
		}

		st.UpdatedAt = e.now()
		if err := e.store.UpdateSubtask(ctx, st); err != nil {
			return fmt.Errorf("failed to propagate to %s: %w", st.ID, err)
		}
		e.logger.Info("subtask blocked by predecessor", "task", st.TaskID, "subtask", st.ID, "status", st.Status)
		if st.Status == scheduler.SubtaskFailed {
			e.bus.Publish(events.SubtaskFailedEvent{
				Task:      st.TaskID,
				Subtask:   st.ID,
				Err:       st.Error,
				Timestamp: e.now(),
			})
		}
	}
	return nil
}

// allocate binds each ready subtask to the best eligible worker. A subtask
// with no eligible worker stays ready and is retried on the next tick.
func (e *Engine) allocate(ctx context.Context, task *scheduler.Task, ready []*scheduler.Subtask) ([]dispatch.Assignment, error) {
	if len(ready) == 0 {
		return nil, nil
	}

	workers := e.registry.List(registry.FilterOnline)
	var assignments []dispatch.Assignment

	for _, st := range ready {
		if st.Status == scheduler.SubtaskPending {
			st.Status = scheduler.SubtaskReady
			st.UpdatedAt = e.now()
			if err := e.store.UpdateSubtask(ctx, st); err != nil {
				return assignments, fmt.Errorf("failed to mark %s ready: %w", st.ID, err)
			}
		}

		req := allocator.Request{Subtask: st, Privacy: task.PrivacyLevel}
		switch st.Origin {
		case scheduler.OriginReview:
			if st.ProducerID != "" {
				req.Exclude = []string{st.ProducerID}
			}
		case scheduler.OriginFix, scheduler.OriginCorrection:
			req.Prefer = st.ProducerID
		}

		worker, score, err := e.bind(ctx, st, req, workers)
		if err != nil {
			if !errors.Is(err, allocator.ErrAllocationDeferred) {
				return assignments, err
			}
			e.logger.Info("allocation deferred", "task", task.ID, "subtask", st.ID, "tool", st.Tool)
			e.bus.Publish(events.SubtaskDeferredEvent{
				Task:      task.ID,
				Subtask:   st.ID,
				Reason:    "no eligible worker",
				Timestamp: e.now(),
			})
			continue
		}

		workers = without(workers, worker.ID)
		e.bus.Publish(events.SubtaskAllocatedEvent{
			Task:      task.ID,
			Subtask:   st.ID,
			Worker:    worker.ID,
			Score:     score,
			Timestamp: e.now(),
		})
		assignments = append(assignments, dispatch.Assignment{
			TaskID:       task.ID,
			SubtaskID:    st.ID,
			WorkerID:     worker.ID,
			Type:         st.Type,
			Tool:         st.Tool,
			Description:  st.Description,
			Instructions: st.Instructions,
			Expect:       scheduler.KindFor(st.Type),
		})
	}
	return assignments, nil
}

// bind tries candidates best first. The registry compare-and-set and the
// subtask write happen together or not at all.
func (e *Engine) bind(ctx context.Context, st *scheduler.Subtask, req allocator.Request, workers []*registry.Worker) (*registry.Worker, float64, error) {
	for _, c := range e.allocator.Rank(req, workers) {
		if err := e.registry.Assign(c.Worker.ID, st.ID); err != nil {
			e.logger.Debug("candidate unavailable", "worker", c.Worker.ID, "subtask", st.ID, "err", err)
			continue
		}

		st.Status = scheduler.SubtaskAllocated
		st.WorkerID = c.Worker.ID
		st.UpdatedAt = e.now()
		if err := e.store.UpdateSubtask(ctx, st); err != nil {
			e.release(c.Worker.ID, st.ID)
			return nil, 0, fmt.Errorf("failed to allocate %s: %w", st.ID, err)
		}
		return c.Worker, c.Score, nil
	}
	return nil, 0, allocator.ErrAllocationDeferred
}

// dispatchBatch sends assignments in parallel, bounded by Concurrency.
func (e *Engine) dispatchBatch(ctx context.Context, batch []dispatch.Assignment) {
	if len(batch) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, a := range batch {
		g.Go(func() error {
			a.DispatchedAt = e.now()
			err := dispatchWithRetry(gctx, e.dispatcher, a, e.breakers.Get(a.WorkerID), e.opts.Retry)
			if err != nil {
				e.dispatchFailed(ctx, a, err)
				return nil
			}
			e.dispatched(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
}

// dispatched moves the subtask to in_progress unless its result already
// arrived or the task changed underneath.
func (e *Engine) dispatched(ctx context.Context, a dispatch.Assignment) {
	unlock := e.lockTask(a.TaskID)
	defer unlock()

	st, err := e.store.GetSubtask(ctx, a.SubtaskID)
	if err != nil {
		e.logger.Error("failed to reload dispatched subtask", "subtask", a.SubtaskID, "err", err)
		return
	}
	if st.Status != scheduler.SubtaskAllocated || st.WorkerID != a.WorkerID {
		return
	}
	st.Status = scheduler.SubtaskInProgress
	st.UpdatedAt = e.now()
	if err := e.store.UpdateSubtask(ctx, st); err != nil {
		e.logger.Error("failed to mark subtask in progress", "subtask", st.ID, "err", err)
		return
	}
	e.bus.Publish(events.SubtaskDispatchedEvent{
		Task:      a.TaskID,
		Subtask:   a.SubtaskID,
		Worker:    a.WorkerID,
		Timestamp: e.now(),
	})
}

// dispatchFailed undoes an allocation whose dispatch gave up. The subtask
// becomes ready again.
func (e *Engine) dispatchFailed(ctx context.Context, a dispatch.Assignment, cause error) {
	unlock := e.lockTask(a.TaskID)
	defer unlock()

	e.logger.Warn("dispatch failed, returning subtask to the queue", "task", a.TaskID, "subtask", a.SubtaskID, "worker", a.WorkerID, "err", cause)

	st, err := e.store.GetSubtask(ctx, a.SubtaskID)
	if err != nil {
		e.logger.Error("failed to reload subtask", "subtask", a.SubtaskID, "err", err)
		return
	}
	if st.Status.InFlight() && st.WorkerID == a.WorkerID {
		st.Status = scheduler.SubtaskReady
		st.WorkerID = ""
		st.UpdatedAt = e.now()
		if err := e.store.UpdateSubtask(ctx, st); err != nil {
			e.logger.Error("failed to reset subtask", "subtask", st.ID, "err", err)
			return
		}
	}
	e.release(a.WorkerID, a.SubtaskID)
}

// finishTask settles a task whose subtasks are all terminal. A failed primary
// subtask fails the task. A rejected one fails it only when other primary
// work depended on it or no primary subtask completed, so a rejected leaf
// next to completed branches still lets the task complete. Low-frequency
// tasks pass one completion checkpoint before they complete.
func (e *Engine) finishTask(ctx context.Context, task *scheduler.Task, subtasks []*scheduler.Subtask) error {
	dag, err := scheduler.Build(subtasks)
	if err != nil {
		return err
	}

	var failed, rejected, blocking []string
	completed := 0
	for _, st := range subtasks {
		if !st.IsPrimary() {
			continue
		}
		switch st.Status {
		case scheduler.SubtaskCompleted:
			completed++
		case scheduler.SubtaskFailed:
			failed = append(failed, st.Name)
		case scheduler.SubtaskCancelled:
			rejected = append(rejected, st.Name)
			if hasPrimaryDescendant(dag, st.ID) {
				blocking = append(blocking, st.Name)
			}
		}
	}

	switch {
	case len(failed) > 0:
		e.setTaskStatus(ctx, task, scheduler.TaskFailed, "subtasks failed: "+strings.Join(failed, ", "))
		return nil
	case len(blocking) > 0:
		e.setTaskStatus(ctx, task, scheduler.TaskFailed, "subtasks rejected: "+strings.Join(blocking, ", "))
		return nil
	case len(rejected) > 0 && completed == 0:
		e.setTaskStatus(ctx, task, scheduler.TaskFailed, "subtasks rejected: "+strings.Join(rejected, ", "))
		return nil
	case len(rejected) > 0:
		e.logger.Info("task finishing without rejected subtasks", "task", task.ID, "rejected", rejected)
	}

	if checkpoint.CompletionDue(task.CheckpointFrequency) {
		approved, err := e.completionApproved(ctx, task)
		if err != nil {
			return err
		}
		if !approved {
			_, err := e.raise(ctx, task, nil, checkpoint.ReasonCompletion)
			return err
		}
	}

	e.setTaskStatus(ctx, task, scheduler.TaskCompleted, "")
	e.logger.Info("task completed", "task", task.ID)
	return nil
}

// completionApproved reports whether the completion checkpoint was accepted.
// It raises nothing; a missing checkpoint counts as not approved.
func (e *Engine) completionApproved(ctx context.Context, task *scheduler.Task) (bool, error) {
	cps, err := e.gate.List(ctx, task.ID)
	if err != nil {
		return false, err
	}
	for _, cp := range cps {
		if cp.Reason == checkpoint.ReasonCompletion && cp.Status == checkpoint.StatusApproved {
			return true, nil
		}
	}
	return false, nil
}

// updateProgress recomputes progress from primary subtasks and publishes it
// when it changed.
func (e *Engine) updateProgress(ctx context.Context, task *scheduler.Task, subtasks []*scheduler.Subtask) {
	ev := events.TaskProgressEvent{ID: task.ID, Timestamp: e.now()}
	for _, st := range subtasks {
		if !st.IsPrimary() {
			continue
		}
		ev.Total++
		switch {
		case st.Status == scheduler.SubtaskCompleted:
			ev.Completed++
		case st.Status == scheduler.SubtaskFailed:
			ev.Failed++
		case st.Status.InFlight():
			ev.Running++
		case st.Status.Schedulable():
			ev.Pending++
		}
	}
	if ev.Total > 0 {
		ev.Progress = 100 * ev.Completed / ev.Total
	}
	if ev.Progress == task.Progress {
		return
	}

	task.Progress = ev.Progress
	task.UpdatedAt = e.now()
	if err := e.store.UpdateTask(ctx, task); err != nil {
		e.logger.Error("failed to update progress", "task", task.ID, "err", err)
		return
	}
	e.bus.Publish(ev)
}

func hasPrimaryDescendant(dag *scheduler.DAG, id string) bool {
	for _, d := range dag.Descendants(id) {
		if st, ok := dag.Get(d); ok && st.IsPrimary() {
			return true
		}
	}
	return false
}

func allTerminal(subtasks []*scheduler.Subtask) bool {
	if len(subtasks) == 0 {
		return false
	}
	for _, st := range subtasks {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

func without(workers []*registry.Worker, id string) []*registry.Worker {
	out := workers[:0:0]
	for _, w := range workers {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}
