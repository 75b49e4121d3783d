package orchestrator

import (
	"context"
	"errors"

	"github.com/aristath/agentgrid/internal/config"
	"github.com/aristath/agentgrid/internal/events"
	"github.com/aristath/agentgrid/internal/persistence"
	"github.com/aristath/agentgrid/internal/registry"
	"github.com/aristath/agentgrid/internal/scheduler"
)

// HandleOffline reacts to workers the registry swept offline. Under the
// reallocate policy their subtasks go back to pending right away; under wait
// they stay bound until the worker returns.
func (e *Engine) HandleOffline(ctx context.Context, workerIDs []string) {
	for _, id := range workerIDs {
		e.breakers.Forget(id)
		e.bus.Publish(events.WorkerOfflineEvent{Worker: id, Timestamp: e.now()})
	}
	if e.opts.LivenessPolicy == config.LivenessReallocate {
		e.reclaimOrphans(ctx)
	}
	e.trigger()
}

// reclaimOrphans frees every subtask still held by an offline worker.
func (e *Engine) reclaimOrphans(ctx context.Context) {
	for _, w := range e.registry.List(registry.FilterAll) {
		if w.Status != registry.StatusOffline || w.CurrentAssignment == "" {
			continue
		}
		e.reclaim(ctx, w.ID, w.CurrentAssignment)
	}
}

func (e *Engine) reclaim(ctx context.Context, workerID, subtaskID string) {
	st, err := e.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			e.release(workerID, subtaskID)
			return
		}
		e.logger.Error("failed to load orphaned subtask", "subtask", subtaskID, "err", err)
		return
	}

	unlock := e.lockTask(st.TaskID)
	defer unlock()

	st, err = e.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		e.logger.Error("failed to load orphaned subtask", "subtask", subtaskID, "err", err)
		return
	}
	if st.Status.InFlight() && st.WorkerID == workerID {
		st.Status = scheduler.SubtaskPending
		st.WorkerID = ""
		st.UpdatedAt = e.now()
		if err := e.store.UpdateSubtask(ctx, st); err != nil {
			e.logger.Error("failed to reset orphaned subtask", "subtask", st.ID, "err", err)
			return
		}
		e.logger.Warn("worker offline, subtask returned to the queue", "task", st.TaskID, "subtask", st.ID, "worker", workerID)
		e.bus.Publish(events.SubtaskDeferredEvent{
			Task:      st.TaskID,
			Subtask:   st.ID,
			Reason:    "worker offline",
			Timestamp: e.now(),
		})
	}
	e.release(workerID, subtaskID)
}
