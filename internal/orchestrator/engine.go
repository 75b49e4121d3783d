// Package orchestrator runs the task orchestration engine: it decomposes
// submitted tasks, allocates ready subtasks to workers, dispatches them in
// parallel, drives the review and fix loop and gates progress on human
// checkpoints.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentgrid/internal/allocator"
	"github.com/aristath/agentgrid/internal/checkpoint"
	"github.com/aristath/agentgrid/internal/config"
	"github.com/aristath/agentgrid/internal/decompose"
	"github.com/aristath/agentgrid/internal/dispatch"
	"github.com/aristath/agentgrid/internal/evaluation"
	"github.com/aristath/agentgrid/internal/events"
	"github.com/aristath/agentgrid/internal/persistence"
	"github.com/aristath/agentgrid/internal/registry"
	"github.com/aristath/agentgrid/internal/review"
	"github.com/aristath/agentgrid/internal/scheduler"
)

var (
	// ErrInvalidTask is returned for submissions with unknown enum values.
	ErrInvalidTask = errors.New("invalid task")
	// ErrTaskTerminal is returned when a finished task is asked to change.
	ErrTaskTerminal = errors.New("task already finished")
	// ErrStaleResult is returned for a result from a worker that no longer
	// holds the subtask.
	ErrStaleResult = errors.New("stale result")
	// ErrNothingToCorrect is returned when a correction targets a checkpoint
	// without a subtask.
	ErrNothingToCorrect = errors.New("checkpoint has no subtask to correct")
)

// WorkerRegistry is the part of the worker registry the engine relies on.
type WorkerRegistry interface {
	List(filter registry.Filter) []*registry.Worker
	Get(workerID string) (*registry.Worker, error)
	Assign(workerID, subtaskID string) error
	Release(workerID, subtaskID string) error
}

// Evaluator scores a completed artifact.
type Evaluator interface {
	Evaluate(ctx context.Context, artifact *scheduler.Payload, ec evaluation.Context) (*evaluation.Evaluation, error)
}

// Options tune the engine.
type Options struct {
	TickInterval   time.Duration // Safety-net scheduling interval
	Concurrency    int           // Max parallel dispatches per tick
	Review         review.Policy
	LivenessPolicy string // config.LivenessReallocate or config.LivenessWait
	Retry          RetryConfig
}

// DefaultOptions returns the defaults used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		TickInterval:   30 * time.Second,
		Concurrency:    4,
		Review:         review.DefaultPolicy(),
		LivenessPolicy: config.LivenessReallocate,
		Retry:          DefaultRetryConfig(),
	}
}

// OptionsFromConfig maps the engine configuration section onto Options.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	opts := DefaultOptions()
	opts.TickInterval = cfg.TickInterval.Duration
	opts.Concurrency = cfg.Concurrency
	opts.Review = review.Policy{Threshold: cfg.ReviewThreshold, MaxFixCycles: cfg.MaxFixCycles}
	opts.LivenessPolicy = cfg.LivenessPolicy
	opts.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	opts.Retry.InitialInterval = cfg.Retry.InitialInterval.Duration
	opts.Retry.MaxInterval = cfg.Retry.MaxInterval.Duration
	return opts
}

// Deps are the collaborators of an Engine. Store, Registry, Decomposer and
// Dispatcher are required.
type Deps struct {
	Store      persistence.Store
	Registry   WorkerRegistry
	Allocator  *allocator.Allocator // Defaults to allocator.DefaultWeights
	Decomposer *decompose.Decomposer
	Evaluator  Evaluator // Nil skips automated evaluation
	Dispatcher dispatch.Dispatcher
	Bus        events.Bus // Defaults to events.Discard
	Logger     *slog.Logger
}

// Engine coordinates tasks from submission to completion. All state lives in
// the store; every mutation of a task's subtasks holds that task's lock.
type Engine struct {
	store      persistence.Store
	registry   WorkerRegistry
	allocator  *allocator.Allocator
	decomposer *decompose.Decomposer
	evaluator  Evaluator
	dispatcher dispatch.Dispatcher
	bus        events.Bus
	gate       *checkpoint.Gate
	builder    review.Builder
	breakers   *CircuitBreakerRegistry
	locks      *scheduler.KeyedLocker
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	wake chan struct{}
}

var _ dispatch.Submitter = (*Engine)(nil)

// NewEngine wires an engine from its collaborators.
func NewEngine(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Decomposer == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("store, registry, decomposer and dispatcher are required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	if opts.Review.MaxFixCycles < 1 {
		opts.Review = review.DefaultPolicy()
	}
	if opts.LivenessPolicy == "" {
		opts.LivenessPolicy = config.LivenessReallocate
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alloc := deps.Allocator
	if alloc == nil {
		alloc = allocator.New(allocator.DefaultWeights())
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.Discard
	}

	e := &Engine{
		store:      deps.Store,
		registry:   deps.Registry,
		allocator:  alloc,
		decomposer: deps.Decomposer,
		evaluator:  deps.Evaluator,
		dispatcher: deps.Dispatcher,
		bus:        bus,
		gate:       checkpoint.NewGate(deps.Store, logger),
		breakers:   NewCircuitBreakerRegistry(logger),
		locks:      scheduler.NewKeyedLocker(),
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
	e.builder = review.Builder{
		NewID:      uuid.NewString,
		Now:        func() time.Time { return e.now() },
		ReviewTool: deps.Decomposer.ToolFor(scheduler.SubtaskCodeReview),
		FixTool:    deps.Decomposer.ToolFor(scheduler.SubtaskCodeFix),
	}
	return e, nil
}

// TaskRequest is a new task as submitted by a caller.
type TaskRequest struct {
	Description         string                        `json:"description"`
	Type                scheduler.TaskType            `json:"type"`
	CheckpointFrequency scheduler.CheckpointFrequency `json:"checkpoint_frequency,omitempty"`
	PrivacyLevel        scheduler.PrivacyLevel        `json:"privacy_level,omitempty"`
}

// SubmitTask records a pending task. It is not decomposed yet.
func (e *Engine) SubmitTask(ctx context.Context, req TaskRequest) (*scheduler.Task, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidTask)
	}
	if _, err := e.decomposer.Template(req.Type); err != nil {
		return nil, err
	}
	if req.CheckpointFrequency == "" {
		req.CheckpointFrequency = scheduler.FrequencyMedium
	}
	switch req.CheckpointFrequency {
	case scheduler.FrequencyLow, scheduler.FrequencyMedium, scheduler.FrequencyHigh:
	default:
		return nil, fmt.Errorf("%w: checkpoint frequency %q", ErrInvalidTask, req.CheckpointFrequency)
	}
	if req.PrivacyLevel == "" {
		req.PrivacyLevel = scheduler.PrivacyNormal
	}
	switch req.PrivacyLevel {
	case scheduler.PrivacyNormal, scheduler.PrivacySensitive:
	default:
		return nil, fmt.Errorf("%w: privacy level %q", ErrInvalidTask, req.PrivacyLevel)
	}

	now := e.now()
	task := &scheduler.Task{
		ID:                  uuid.NewString(),
		Description:         req.Description,
		Type:                req.Type,
		Status:              scheduler.TaskPending,
		CheckpointFrequency: req.CheckpointFrequency,
		PrivacyLevel:        req.PrivacyLevel,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	e.logger.Info("task submitted", "task", task.ID, "type", task.Type)
	e.publishStatus(task, "")
	return task, nil
}

// DecomposeTask creates the baseline subtask graph of a task and starts it.
// A second call fails with decompose.ErrAlreadyDecomposed.
func (e *Engine) DecomposeTask(ctx context.Context, taskID string) ([]*scheduler.Subtask, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 && task.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Status)
	}

	subtasks, err := e.decomposer.Decompose(task, existing)
	if err != nil {
		if errors.Is(err, decompose.ErrAlreadyDecomposed) {
			return nil, err
		}
		e.setTaskStatus(ctx, task, scheduler.TaskFailed, err.Error())
		return nil, err
	}

	e.setTaskStatus(ctx, task, scheduler.TaskDecomposing, "")
	if err := e.store.CreateSubtasks(ctx, subtasks); err != nil {
		e.setTaskStatus(ctx, task, scheduler.TaskFailed, err.Error())
		return nil, fmt.Errorf("failed to persist subtasks: %w", err)
	}
	e.setTaskStatus(ctx, task, scheduler.TaskInProgress, "")

	e.logger.Info("task decomposed", "task", taskID, "subtasks", len(subtasks))
	e.trigger()
	return subtasks, nil
}

// GetTask returns a task.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// ListTasks returns every task, oldest first.
func (e *Engine) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	return e.store.ListTasks(ctx)
}

// ListSubtasks returns the subtasks of a task in creation order.
func (e *Engine) ListSubtasks(ctx context.Context, taskID string) ([]*scheduler.Subtask, error) {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.store.ListSubtasks(ctx, taskID)
}

// GetSubtask returns one subtask.
func (e *Engine) GetSubtask(ctx context.Context, subtaskID string) (*scheduler.Subtask, error) {
	return e.store.GetSubtask(ctx, subtaskID)
}

// GetReadySubtasks returns the subtasks whose dependencies are all completed
// and that still wait for a worker.
func (e *Engine) GetReadySubtasks(ctx context.Context, taskID string) ([]*scheduler.Subtask, error) {
	dag, err := e.loadDAG(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return dag.Ready(), nil
}

// PlanLevels returns the remaining schedulable subtasks of a task grouped
// into parallel batches.
func (e *Engine) PlanLevels(ctx context.Context, taskID string) ([][]*scheduler.Subtask, error) {
	dag, err := e.loadDAG(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return dag.ReadyLevels()
}

// GetEvaluation returns the latest evaluation of a subtask.
func (e *Engine) GetEvaluation(ctx context.Context, subtaskID string) (*evaluation.Evaluation, error) {
	return e.store.GetLatestEvaluation(ctx, subtaskID)
}

// ListEvaluations returns every evaluation of a subtask, oldest first.
func (e *Engine) ListEvaluations(ctx context.Context, subtaskID string) ([]*evaluation.Evaluation, error) {
	return e.store.ListEvaluations(ctx, subtaskID)
}

// ListCheckpoints returns the checkpoints of a task, oldest first.
func (e *Engine) ListCheckpoints(ctx context.Context, taskID string) ([]*checkpoint.Checkpoint, error) {
	return e.gate.List(ctx, taskID)
}

// GetCheckpoint returns one checkpoint.
func (e *Engine) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	return e.store.GetCheckpoint(ctx, id)
}

// AwaitCheckpoint blocks until the checkpoint is resolved or ctx is done.
func (e *Engine) AwaitCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	return e.gate.Await(ctx, id)
}

// CancelTask cancels every non-terminal subtask, releases their workers and
// marks the task cancelled. Results arriving later are discarded.
func (e *Engine) CancelTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == scheduler.TaskCancelled {
		return task, nil
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Status)
	}

	subtasks, err := e.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, st := range subtasks {
		if st.Status.Terminal() {
			continue
		}
		holder := st.WorkerID
		inFlight := st.Status.InFlight()
		st.Status = scheduler.SubtaskCancelled
		st.UpdatedAt = e.now()
		if err := e.store.UpdateSubtask(ctx, st); err != nil {
			return nil, fmt.Errorf("failed to cancel subtask %s: %w", st.ID, err)
		}
		if inFlight && holder != "" {
			e.release(holder, st.ID)
		}
	}

	e.setTaskStatus(ctx, task, scheduler.TaskCancelled, "cancelled by request")
	e.logger.Info("task cancelled", "task", taskID)
	e.trigger()
	return task, nil
}

// Run schedules on every trigger and on the safety-net tick until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("scheduling tick failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// trigger asks Run for another pass without blocking.
func (e *Engine) trigger() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) lockTask(taskID string) func() {
	return e.locks.Lock("task:" + taskID)
}

func (e *Engine) loadDAG(ctx context.Context, taskID string) (*scheduler.DAG, error) {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	subtasks, err := e.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return scheduler.Build(subtasks)
}

// setTaskStatus persists a task transition. Failures are logged only: the
// next tick recomputes the status from the subtasks.
func (e *Engine) setTaskStatus(ctx context.Context, task *scheduler.Task, status scheduler.TaskStatus, reason string) {
	if task.Status == status {
		return
	}
	task.Status = status
	if status == scheduler.TaskFailed {
		task.Error = reason
	}
	task.UpdatedAt = e.now()
	if err := e.store.UpdateTask(ctx, task); err != nil {
		e.logger.Error("failed to update task", "task", task.ID, "status", status, "err", err)
		return
	}
	e.publishStatus(task, reason)
}

func (e *Engine) publishStatus(task *scheduler.Task, reason string) {
	e.bus.Publish(events.TaskStatusEvent{
		ID:        task.ID,
		Status:    string(task.Status),
		Reason:    reason,
		Timestamp: e.now(),
	})
}

func (e *Engine) release(workerID, subtaskID string) {
	if err := e.registry.Release(workerID, subtaskID); err != nil {
		e.logger.Warn("failed to release worker", "worker", workerID, "subtask", subtaskID, "err", err)
	}
}
