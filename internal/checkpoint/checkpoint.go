// Package checkpoint implements human review gates: raising a checkpoint
// pauses a task until a reviewer accepts, corrects or rejects the work.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/agentgrid/internal/scheduler"
	"github.com/google/uuid"
)

var (
	// ErrAlreadyResolved is returned when a checkpoint has already been decided.
	ErrAlreadyResolved = errors.New("checkpoint already resolved")
	// ErrInvalidDecision rejects decisions other than accept, correct and reject.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrMissingFeedback rejects a correct decision without feedback for the fix.
	ErrMissingFeedback = errors.New("a correction needs feedback")
)

// Status is the lifecycle state of a checkpoint.
type Status string

const (
	StatusPending         Status = "pending"
	StatusApproved        Status = "approved"
	StatusNeedsCorrection Status = "needs_correction"
	StatusRejected        Status = "rejected"
)

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionCorrect Decision = "correct"
	DecisionReject  Decision = "reject"
)

// Status returns the checkpoint status a decision resolves to.
func (d Decision) Status() (Status, error) {
	switch d {
	case DecisionAccept:
		return StatusApproved, nil
	case DecisionCorrect:
		return StatusNeedsCorrection, nil
	case DecisionReject:
		return StatusRejected, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, d)
}

// Trigger reasons.
const (
	ReasonEvaluation  = "evaluation below threshold"
	ReasonEscalation  = "max cycles exceeded"
	ReasonCadence     = "checkpoint frequency"
	ReasonCompletion  = "task completion"
	ReasonChainFailed = "review chain failed"
)

// Snapshot captures the work under review when the checkpoint was raised.
type Snapshot struct {
	SubtaskName string                  `json:"subtask_name,omitempty"`
	SubtaskType scheduler.SubtaskType   `json:"subtask_type,omitempty"`
	Result      *scheduler.Payload      `json:"result,omitempty"`
	Review      *scheduler.ReviewOutput `json:"review,omitempty"`
	Score       *float64                `json:"score,omitempty"` // Overall evaluation score
	Band        string                  `json:"band,omitempty"`
	Issues      []scheduler.Issue       `json:"issues,omitempty"`
	Progress    int                     `json:"progress"`
}

// Checkpoint is a pause point awaiting a human decision.
type Checkpoint struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	SubtaskID  string     `json:"subtask_id,omitempty"`
	Reason     string     `json:"reason"`
	Snapshot   Snapshot   `json:"snapshot"`
	Status     Status     `json:"status"`
	Decision   Decision   `json:"decision,omitempty"`
	Feedback   string     `json:"feedback,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store persists checkpoints.
type Store interface {
	// RaiseCheckpoint records a pending checkpoint and pauses its task atomically.
	RaiseCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// ResolveCheckpoint moves a pending checkpoint to status, or fails with
	// ErrAlreadyResolved if it is no longer pending.
	ResolveCheckpoint(ctx context.Context, id string, status Status, decision Decision, feedback string, at time.Time) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]*Checkpoint, error)
}

// Gate raises and resolves checkpoints and wakes up callers awaiting them.
type Gate struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan *Checkpoint
}

// NewGate creates a Gate over store. A nil logger uses slog.Default().
func NewGate(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:   store,
		logger:  logger,
		now:     time.Now,
		waiters: make(map[string][]chan *Checkpoint),
	}
}

// Raise creates a pending checkpoint and pauses the task.
func (g *Gate) Raise(ctx context.Context, taskID, subtaskID, reason string, snap Snapshot) (*Checkpoint, error) {
	now := g.now()
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		SubtaskID: subtaskID,
		Reason:    reason,
		Snapshot:  snap,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.store.RaiseCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to raise checkpoint: %w", err)
	}
	g.logger.Info("checkpoint raised", "checkpoint", cp.ID, "task", taskID, "subtask", subtaskID, "reason", reason)
	return cp, nil
}

// Resolve records decision exactly once. Later calls fail with ErrAlreadyResolved.
func (g *Gate) Resolve(ctx context.Context, id string, decision Decision, feedback string) (*Checkpoint, error) {
	status, err := decision.Status()
	if err != nil {
		return nil, err
	}
	if decision == DecisionCorrect && feedback == "" {
		return nil, ErrMissingFeedback
	}

	cp, err := g.store.ResolveCheckpoint(ctx, id, status, decision, feedback, g.now())
	if err != nil {
		return nil, err
	}

	g.notify(cp)
	g.logger.Info("checkpoint resolved", "checkpoint", id, "task", cp.TaskID, "decision", decision)
	return cp, nil
}

// Await blocks until the checkpoint is resolved or ctx is done.
func (g *Gate) Await(ctx context.Context, id string) (*Checkpoint, error) {
	// Buffered so Resolve never blocks on a departed waiter
	ch := make(chan *Checkpoint, 1)

	g.mu.Lock()
	g.waiters[id] = append(g.waiters[id], ch)
	g.mu.Unlock()
	defer g.unregister(id, ch)

	// Registered first, so a resolution between here and the select is not lost
	cp, err := g.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.Status != StatusPending {
		return cp, nil
	}

	select {
	case resolved := <-ch:
		return resolved, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns every checkpoint of a task, oldest first.
func (g *Gate) List(ctx context.Context, taskID string) ([]*Checkpoint, error) {
	return g.store.ListCheckpoints(ctx, taskID)
}

// Pending returns the unresolved checkpoints of a task.
func (g *Gate) Pending(ctx context.Context, taskID string) ([]*Checkpoint, error) {
	all, err := g.store.ListCheckpoints(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var pending []*Checkpoint
	for _, cp := range all {
		if cp.Status == StatusPending {
			pending = append(pending, cp)
		}
	}
	return pending, nil
}

func (g *Gate) notify(cp *Checkpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, ch := range g.waiters[cp.ID] {
		select {
		case ch <- cp:
		default:
		}
	}
	delete(g.waiters, cp.ID)
}

func (g *Gate) unregister(id string, ch chan *Checkpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()

	list := g.waiters[id]
	for i, c := range list {
		if c == ch {
			g.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.waiters[id]) == 0 {
		delete(g.waiters, id)
	}
}
