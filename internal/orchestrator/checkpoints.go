package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/agentgrid/internal/checkpoint"
	"github.com/aristath/agentgrid/internal/events"
	"github.com/aristath/agentgrid/internal/persistence"
	"github.com/aristath/agentgrid/internal/scheduler"
)

// raise pauses task on a checkpoint about st, or about the whole task when
// st is nil.
func (e *Engine) raise(ctx context.Context, task *scheduler.Task, st *scheduler.Subtask, reason string) (*checkpoint.Checkpoint, error) {
	snap := checkpoint.Snapshot{Progress: task.Progress}
	var subtaskID string
	if st != nil {
		subtaskID = st.ID
		if err := e.fillSnapshot(ctx, &snap, st); err != nil {
			return nil, err
		}
	}

	cp, err := e.gate.Raise(ctx, task.ID, subtaskID, reason, snap)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.CheckpointRaisedEvent{
		Task:       task.ID,
		Checkpoint: cp.ID,
		Subtask:    subtaskID,
		Reason:     reason,
		Timestamp:  e.now(),
	})
	if !task.Status.Terminal() && task.Status != scheduler.TaskPaused {
		task.Status = scheduler.TaskPaused
		e.publishStatus(task, reason)
	}
	return cp, nil
}

func (e *Engine) fillSnapshot(ctx context.Context, snap *checkpoint.Snapshot, st *scheduler.Subtask) error {
	snap.SubtaskName = st.Name
	snap.SubtaskType = st.Type
	snap.Result = st.Result
	snap.Score = st.Score

	ev, err := e.store.GetLatestEvaluation(ctx, st.ID)
	switch {
	case err == nil:
		overall := ev.Overall
		snap.Score = &overall
		snap.Band = string(ev.Band)
		snap.Issues = ev.Issues
	case !errors.Is(err, persistence.ErrNotFound):
		return err
	}

	subtasks, err := e.store.ListSubtasks(ctx, st.TaskID)
	if err != nil {
		return err
	}
	for _, node := range subtasks {
		if node.TargetID != st.ID || node.Status != scheduler.SubtaskCompleted {
			continue
		}
		if node.Origin == scheduler.OriginReview && node.Result != nil && node.Result.Review != nil {
			snap.Review = node.Result.Review
		}
		if node.ProducesArtifact() && node.Result != nil {
			snap.Result = node.Result
		}
	}
	return nil
}

// ResolveCheckpoint records a human decision exactly once and applies it:
// accept resumes the task, correct spawns a correction subtask carrying the
// feedback, reject cancels the subtask and its unstarted descendants.
// The task resumes once no other checkpoint of it is pending.
func (e *Engine) ResolveCheckpoint(ctx context.Context, id string, decision checkpoint.Decision, feedback string) (*checkpoint.Checkpoint, error) {
	cp, err := e.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := e.lockTask(cp.TaskID)
	defer unlock()

	if cp.Status == checkpoint.StatusPending && decision == checkpoint.DecisionCorrect && cp.SubtaskID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNothingToCorrect, id)
	}

	resolved, err := e.gate.Resolve(ctx, id, decision, feedback)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(events.CheckpointResolvedEvent{
		Task:       resolved.TaskID,
		Checkpoint: resolved.ID,
		Decision:   string(decision),
		Timestamp:  e.now(),
	})

	task, err := e.store.GetTask(ctx, resolved.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return resolved, nil
	}

	switch decision {
	case checkpoint.DecisionAccept:
		err = e.acceptCheckpoint(ctx, resolved)
	case checkpoint.DecisionCorrect:
		err = e.correctCheckpoint(ctx, resolved)
	case checkpoint.DecisionReject:
		if resolved.SubtaskID == "" {
			e.setTaskStatus(ctx, task, scheduler.TaskFailed, "rejected at checkpoint: "+resolved.Reason)
			return resolved, nil
		}
		err = e.rejectCheckpoint(ctx, resolved)
	}
	if err != nil {
		return resolved, err
	}

	if err := e.resume(ctx, task); err != nil {
		return resolved, err
	}
	e.trigger()
	return resolved, nil
}

func (e *Engine) acceptCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp.SubtaskID == "" {
		return nil
	}
	target, err := e.store.GetSubtask(ctx, cp.SubtaskID)
	if err != nil {
		return err
	}
	return e.settleUnderReview(ctx, target)
}

// correctCheckpoint appends a correction after the newest completed node of
// the artifact's chain, so it revises the latest version. Review and fix
// rounds still open on the artifact are cancelled: they work on a version
// the correction replaces.
func (e *Engine) correctCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	target, err := e.store.GetSubtask(ctx, cp.SubtaskID)
	if err != nil {
		return err
	}
	if target.TargetID != "" {
		// A checkpoint on a fix corrects the artifact the fix belongs to
		if target, err = e.store.GetSubtask(ctx, target.TargetID); err != nil {
			return err
		}
	}
	if err := e.settleUnderReview(ctx, target); err != nil {
		return err
	}

	subtasks, err := e.store.ListSubtasks(ctx, target.TaskID)
	if err != nil {
		return err
	}
	superseded := 0
	for _, node := range subtasks {
		if node.TargetID != target.ID || node.Status.Terminal() {
			continue
		}
		if node.Status.InFlight() && node.WorkerID != "" {
			e.release(node.WorkerID, node.ID)
		}
		if err := e.cancelSubtask(ctx, node); err != nil {
			return err
		}
		superseded++
	}

	after, artifact := target, target.Result
	for _, node := range subtasks {
		if node.TargetID != target.ID || node.Status != scheduler.SubtaskCompleted {
			continue
		}
		after = node
		if node.ProducesArtifact() && node.Result != nil {
			artifact = node.Result
		}
	}

	correction := e.builder.NewCorrection(target, after, artifact, cp.Feedback)
	if err := e.appendChainNode(ctx, correction); err != nil {
		return err
	}
	e.logger.Info("correction scheduled", "task", target.TaskID, "target", target.ID, "subtask", correction.ID,
		"superseded", superseded)
	return nil
}

func (e *Engine) rejectCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	subtasks, err := e.store.ListSubtasks(ctx, cp.TaskID)
	if err != nil {
		return err
	}
	dag, err := scheduler.Build(subtasks)
	if err != nil {
		return err
	}
	target, ok := dag.Get(cp.SubtaskID)
	if !ok {
		return fmt.Errorf("%w: subtask %s", persistence.ErrNotFound, cp.SubtaskID)
	}

	if target.Status != scheduler.SubtaskFailed && target.Status != scheduler.SubtaskCancelled {
		if target.Status.InFlight() && target.WorkerID != "" {
			e.release(target.WorkerID, target.ID)
		}
		if err := e.cancelSubtask(ctx, target); err != nil {
			return err
		}
	}

	cancelled := 0
	for _, id := range dag.Descendants(target.ID) {
		st, _ := dag.Get(id)
		if !st.Status.Schedulable() && st.Status != scheduler.SubtaskNeedsRevision {
			continue
		}
		if err := e.cancelSubtask(ctx, st); err != nil {
			return err
		}
		cancelled++
	}

	e.logger.Info("subtask rejected", "task", cp.TaskID, "subtask", target.ID, "descendants_cancelled", cancelled)
	return nil
}

// settleUnderReview completes an artifact that was waiting for a human.
func (e *Engine) settleUnderReview(ctx context.Context, st *scheduler.Subtask) error {
	if st.Status != scheduler.SubtaskUnderReview {
		return nil
	}
	st.Status = scheduler.SubtaskCompleted
	st.UpdatedAt = e.now()
	return e.store.UpdateSubtask(ctx, st)
}

func (e *Engine) cancelSubtask(ctx context.Context, st *scheduler.Subtask) error {
	st.Status = scheduler.SubtaskCancelled
	st.UpdatedAt = e.now()
	if err := e.store.UpdateSubtask(ctx, st); err != nil {
		return fmt.Errorf("failed to cancel %s: %w", st.ID, err)
	}
	return nil
}

// resume returns a paused task to in_progress once nothing is pending.
func (e *Engine) resume(ctx context.Context, task *scheduler.Task) error {
	if task.Status != scheduler.TaskPaused {
		return nil
	}
	pending, err := e.gate.Pending(ctx, task.ID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		e.logger.Info("task still waiting on checkpoints", "task", task.ID, "pending", len(pending))
		return nil
	}
	e.setTaskStatus(ctx, task, scheduler.TaskInProgress, "checkpoints resolved")
	return nil
}
