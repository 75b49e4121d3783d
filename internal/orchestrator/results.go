package orchestrator

import (
	"context"
	"fmt"

	"github.com/aristath/agentgrid/internal/checkpoint"
	"github.com/aristath/agentgrid/internal/dispatch"
	"github.com/aristath/agentgrid/internal/evaluation"
	"github.com/aristath/agentgrid/internal/events"
	"github.com/aristath/agentgrid/internal/review"
	"github.com/aristath/agentgrid/internal/scheduler"
)

// SubmitResult applies a worker's result. It is idempotent per subtask: a
// result for a subtask that is already terminal, including one cancelled in
// the meantime, is accepted and ignored.
//
// A malformed review leaves the review subtask needs_revision and returns an
// error wrapping review.ErrInvalidReviewFormat; a corrected result may be
// submitted again.
func (e *Engine) SubmitResult(ctx context.Context, r dispatch.Result) error {
	st, err := e.store.GetSubtask(ctx, r.SubtaskID)
	if err != nil {
		return err
	}

	unlock := e.lockTask(st.TaskID)
	defer unlock()
	defer e.trigger()

	// Reload under the lock
	st, err = e.store.GetSubtask(ctx, r.SubtaskID)
	if err != nil {
		return err
	}

	if st.Status.Terminal() {
		e.logger.Debug("duplicate result ignored", "subtask", st.ID, "status", st.Status)
		return nil
	}
	switch {
	case st.Status.InFlight():
		if r.WorkerID != "" && r.WorkerID != st.WorkerID {
			return fmt.Errorf("%w: subtask %s is held by %q, not %q", ErrStaleResult, st.ID, st.WorkerID, r.WorkerID)
		}
	case st.Status == scheduler.SubtaskNeedsRevision:
	default:
		return fmt.Errorf("%w: subtask %s is %s", ErrStaleResult, st.ID, st.Status)
	}

	task, err := e.store.GetTask(ctx, st.TaskID)
	if err != nil {
		return err
	}

	holder := st.WorkerID
	switch r.Status {
	case dispatch.ResultFailed:
		err = e.onFailure(ctx, task, st, r)
	case dispatch.ResultCompleted:
		if st.Origin == scheduler.OriginReview {
			err = e.onReview(ctx, task, st, r)
		} else {
			err = e.onCompletion(ctx, task, st, r)
		}
	default:
		return fmt.Errorf("unknown result status %q", r.Status)
	}

	if holder != "" {
		e.release(holder, st.ID)
	}
	return err
}

func (e *Engine) onFailure(ctx context.Context, task *scheduler.Task, st *scheduler.Subtask, r dispatch.Result) error {
	st.Status = scheduler.SubtaskFailed
	st.Error = r.Error
	if st.Error == "" {
		st.Error = "worker reported failure"
	}
	st.UpdatedAt = e.now()
	if err := e.store.UpdateSubtask(ctx, st); err != nil {
		return fmt.Errorf("failed to record failure of %s: %w", st.ID, err)
	}

	e.logger.Warn("subtask failed", "task", task.ID, "subtask", st.ID, "worker", r.WorkerID, "err", st.Error)
	e.bus.Publish(events.SubtaskFailedEvent{
		Task:      task.ID,
		Subtask:   st.ID,
		Worker:    r.WorkerID,
		Err:       st.Error,
		Timestamp: e.now(),
	})

	if st.IsPrimary() {
		return nil
	}

	// A broken review chain leaves the artifact for a human
	target, err := e.store.GetSubtask(ctx, st.TargetID)
	if err != nil {
		return err
	}
	if err := e.markUnderReview(ctx, target); err != nil {
		return err
	}
	_, err = e.raise(ctx, task, target, checkpoint.ReasonChainFailed)
	return err
}

func (e *Engine) onCompletion(ctx context.Context, task *scheduler.Task, st *scheduler.Subtask, r dispatch.Result) error {
	st.Status = scheduler.SubtaskCompleted
	st.Result = r.Payload
	st.Error = ""
	st.UpdatedAt = e.now()
	if err := e.store.UpdateSubtask(ctx, st); err != nil {
		return fmt.Errorf("failed to record completion of %s: %w", st.ID, err)
	}

	e.logger.Info("subtask completed", "task", task.ID, "subtask", st.ID, "worker", r.WorkerID, "duration", r.ExecutionTime)
	e.bus.Publish(events.SubtaskCompletedEvent{
		Task:      task.ID,
		Subtask:   st.ID,
		Worker:    r.WorkerID,
		Duration:  r.ExecutionTime,
		Timestamp: e.now(),
	})

	if !st.ProducesArtifact() {
		return e.gateCompletion(ctx, task, st, false)
	}

	ev := e.evaluate(ctx, task, st)
	if err := e.spawnReview(ctx, st); err != nil {
		return err
	}
	return e.gateCompletion(ctx, task, st, ev != nil && ev.NeedsCheckpoint)
}

// evaluate scores an artifact and records the evaluation. Evaluation problems
// are logged and never fail the subtask.
func (e *Engine) evaluate(ctx context.Context, task *scheduler.Task, st *scheduler.Subtask) *evaluation.Evaluation {
	if e.evaluator == nil {
		return nil
	}

	ev, err := e.evaluator.Evaluate(ctx, st.Result, evaluation.Context{Task: task, Subtask: st})
	if err != nil {
		e.logger.Warn("evaluation skipped", "subtask", st.ID, "err", err)
		return nil
	}
	ev.SubtaskID = st.ID
	if err := e.store.SaveEvaluation(ctx, ev); err != nil {
		e.logger.Error("failed to save evaluation", "subtask", st.ID, "err", err)
		return nil
	}

	score := ev.Overall
	st.Score = &score
	st.UpdatedAt = e.now()
	if err := e.store.UpdateSubtask(ctx, st); err != nil {
		e.logger.Error("failed to store evaluation score", "subtask", st.ID, "err", err)
	}

	e.bus.Publish(events.EvaluationCompletedEvent{
		Task:            task.ID,
		Subtask:         st.ID,
		Overall:         ev.Overall,
		Band:            string(ev.Band),
		NeedsCheckpoint: ev.NeedsCheckpoint,
		Timestamp:       e.now(),
	})
	return ev
}

// spawnReview appends the review round that follows a completed artifact.
// A template artifact starts its chain at cycle zero, a fix is re-reviewed
// one cycle later and a human correction opens a fresh chain.
// The artifact itself stays completed while it is reviewed, so its
// dependents proceed on the unreviewed version; later fixes and corrections
// revise the artifact but are not replayed into work that already consumed it.
func (e *Engine) spawnReview(ctx context.Context, st *scheduler.Subtask) error {
	target, cycle := st, 0
	if !st.IsPrimary() {
		var err error
		if target, err = e.store.GetSubtask(ctx, st.TargetID); err != nil {
			return err
		}
		if rejected(target) {
			return nil
		}
		stale, err := e.superseded(ctx, st)
		if err != nil || stale {
			return err
		}
		if st.Origin == scheduler.OriginFix {
			cycle = st.ReviewCycle + 1
		}
	}

	rev := e.builder.NewReview(target, st, st.Result, st.WorkerID, cycle)
	return e.appendChainNode(ctx, rev)
}

func (e *Engine) onReview(ctx context.Context, task *scheduler.Task, st *scheduler.Subtask, r dispatch.Result) error {
	out, err := review.Parse(r.Payload)
	if err != nil {
		st.Status = scheduler.SubtaskNeedsRevision
		st.Result = r.Payload
		st.Error = err.Error()
		st.UpdatedAt = e.now()
		if uerr := e.store.UpdateSubtask(ctx, st); uerr != nil {
			return fmt.Errorf("failed to flag review %s: %w", st.ID, uerr)
		}
		e.logger.Warn("malformed review output", "task", task.ID, "subtask", st.ID, "err", err)
		return fmt.Errorf("review %s: %w", st.ID, err)
	}

	score := out.Score
	st.Status = scheduler.SubtaskCompleted
	st.Result = &scheduler.Payload{Kind: scheduler.PayloadReview, Review: out}
	st.Score = &score
	st.Error = ""
	st.UpdatedAt = e.now()
	if err := e.store.UpdateSubtask(ctx, st); err != nil {
		return fmt.Errorf("failed to record review %s: %w", st.ID, err)
	}
	e.bus.Publish(events.SubtaskCompletedEvent{
		Task:      task.ID,
		Subtask:   st.ID,
		Worker:    r.WorkerID,
		Duration:  r.ExecutionTime,
		Timestamp: e.now(),
	})

	target, err := e.store.GetSubtask(ctx, st.TargetID)
	if err != nil {
		return err
	}
	if rejected(target) {
		e.logger.Info("review of a rejected artifact ignored", "task", task.ID, "subtask", st.ID, "target", target.ID)
		return nil
	}
	stale, err := e.superseded(ctx, st)
	if err != nil {
		return err
	}
	if stale {
		e.logger.Info("review of a corrected artifact ignored", "task", task.ID, "subtask", st.ID, "target", target.ID)
		return nil
	}

	decision := e.opts.Review.Decide(out.Score, st.ReviewCycle)
	e.logger.Info("review scored", "task", task.ID, "subtask", st.ID, "target", target.ID,
		"score", out.Score, "cycle", st.ReviewCycle, "action", decision.Action)

	switch decision.Action {
	case review.ActionAccept:
		target.Score = &score
		if target.Status == scheduler.SubtaskUnderReview {
			target.Status = scheduler.SubtaskCompleted
		}
		target.UpdatedAt = e.now()
		if err := e.store.UpdateSubtask(ctx, target); err != nil {
			return fmt.Errorf("failed to accept %s: %w", target.ID, err)
		}
		return nil

	case review.ActionFix:
		return e.appendChainNode(ctx, e.builder.NewFix(target, st, out))

	default:
		if err := e.markUnderReview(ctx, target); err != nil {
			return err
		}
		cp, err := e.raise(ctx, task, target, checkpoint.ReasonEscalation)
		if err != nil {
			return err
		}
		e.logger.Warn("review chain escalated", "task", task.ID, "target", target.ID, "checkpoint", cp.ID)
		return nil
	}
}

// gateCompletion raises at most one checkpoint for a completed subtask,
// merging every reason that fired.
func (e *Engine) gateCompletion(ctx context.Context, task *scheduler.Task, st *scheduler.Subtask, needsCheckpoint bool) error {
	reasons := checkpoint.Triggers(task.CheckpointFrequency, st, needsCheckpoint)
	if len(reasons) == 0 {
		return nil
	}
	_, err := e.raise(ctx, task, st, checkpoint.JoinReasons(reasons))
	return err
}

func (e *Engine) appendChainNode(ctx context.Context, st *scheduler.Subtask) error {
	if err := e.store.CreateSubtasks(ctx, []*scheduler.Subtask{st}); err != nil {
		return fmt.Errorf("failed to append %s: %w", st.Name, err)
	}
	e.bus.Publish(events.ReviewSpawnedEvent{
		Task:      st.TaskID,
		Subtask:   st.ID,
		Target:    st.TargetID,
		Origin:    string(st.Origin),
		Cycle:     st.ReviewCycle,
		Timestamp: e.now(),
	})
	return nil
}

// markUnderReview flags an artifact as waiting for a human.
func (e *Engine) markUnderReview(ctx context.Context, target *scheduler.Subtask) error {
	if target.Status == scheduler.SubtaskUnderReview {
		return nil
	}
	target.Status = scheduler.SubtaskUnderReview
	target.UpdatedAt = e.now()
	if err := e.store.UpdateSubtask(ctx, target); err != nil {
		return fmt.Errorf("failed to flag %s for human review: %w", target.ID, err)
	}
	return nil
}

// rejected reports whether an artifact left the review loop for good.
func rejected(target *scheduler.Subtask) bool {
	return target.Status == scheduler.SubtaskCancelled || target.Status == scheduler.SubtaskFailed
}

// superseded reports whether a human correction replaced the version the
// chain node st works on.
func (e *Engine) superseded(ctx context.Context, st *scheduler.Subtask) (bool, error) {
	subtasks, err := e.store.ListSubtasks(ctx, st.TaskID)
	if err != nil {
		return false, err
	}
	return supersededIn(subtasks, st), nil
}

// supersededIn walks st's chain back to its artifact. Every live correction
// of the artifact must lie on that path; nodes forked off before the latest
// correction are stale.
func supersededIn(subtasks []*scheduler.Subtask, st *scheduler.Subtask) bool {
	byID := make(map[string]*scheduler.Subtask, len(subtasks))
	for _, node := range subtasks {
		byID[node.ID] = node
	}

	lineage := make(map[string]bool)
	for node := st; node != nil && node.ID != st.TargetID; {
		lineage[node.ID] = true
		if len(node.DependsOn) == 0 {
			break
		}
		node = byID[node.DependsOn[0]]
	}

	for _, node := range subtasks {
		if node.TargetID != st.TargetID || node.Origin != scheduler.OriginCorrection {
			continue
		}
		if node.Status != scheduler.SubtaskCancelled && !lineage[node.ID] {
			return true
		}
	}
	return false
}
