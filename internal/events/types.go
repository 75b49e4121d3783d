package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicSubtask    = "subtask"
	TopicReview     = "review"
	TopicCheckpoint = "checkpoint"
	TopicWorker     = "worker"
)

// Event type constants
const (
	EventTypeTaskStatus          = "task.status"
	EventTypeTaskProgress        = "task.progress"
	EventTypeSubtaskAllocated    = "subtask.allocated"
	EventTypeSubtaskDeferred     = "subtask.deferred"
	EventTypeSubtaskDispatched   = "subtask.dispatched"
	EventTypeSubtaskCompleted    = "subtask.completed"
	EventTypeSubtaskFailed       = "subtask.failed"
	EventTypeReviewSpawned       = "review.spawned"
	EventTypeEvaluationCompleted = "evaluation.completed"
	EventTypeCheckpointRaised    = "checkpoint.raised"
	EventTypeCheckpointResolved  = "checkpoint.resolved"
	EventTypeWorkerOffline       = "worker.offline"
)

// TaskStatusEvent is published when a task changes lifecycle state.
type TaskStatusEvent struct {
	ID        string    `json:"task_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) Topic() string     { return TopicTask }
func (e TaskStatusEvent) TaskID() string    { return e.ID }

// TaskProgressEvent is published when the subtask counts of a task change.
type TaskProgressEvent struct {
	ID        string    `json:"task_id"`
	Progress  int       `json:"progress"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Running   int       `json:"running"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) Topic() string     { return TopicTask }
func (e TaskProgressEvent) TaskID() string    { return e.ID }

// SubtaskAllocatedEvent is published when a worker is bound to a subtask.
type SubtaskAllocatedEvent struct {
	Task      string    `json:"task_id"`
	Subtask   string    `json:"subtask_id"`
	Worker    string    `json:"worker_id"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

func (e SubtaskAllocatedEvent) EventType() string { return EventTypeSubtaskAllocated }
func (e SubtaskAllocatedEvent) Topic() string     { return TopicSubtask }
func (e SubtaskAllocatedEvent) TaskID() string    { return e.Task }

// SubtaskDeferredEvent is published when no worker could take a ready subtask.
type SubtaskDeferredEvent struct {
	Task      string    `json:"task_id"`
	Subtask   string    `json:"subtask_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e SubtaskDeferredEvent) EventType() string { return EventTypeSubtaskDeferred }
func (e SubtaskDeferredEvent) Topic() string     { return TopicSubtask }
func (e SubtaskDeferredEvent) TaskID() string    { return e.Task }

// SubtaskDispatchedEvent is published once instructions reached the worker.
type SubtaskDispatchedEvent struct {
	Task      string    `json:"task_id"`
	Subtask   string    `json:"subtask_id"`
	Worker    string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e SubtaskDispatchedEvent) EventType() string { return EventTypeSubtaskDispatched }
func (e SubtaskDispatchedEvent) Topic() string     { return TopicSubtask }
func (e SubtaskDispatchedEvent) TaskID() string    { return e.Task }

// SubtaskCompletedEvent is published when a subtask completes successfully.
type SubtaskCompletedEvent struct {
	Task      string        `json:"task_id"`
	Subtask   string        `json:"subtask_id"`
	Worker    string        `json:"worker_id,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e SubtaskCompletedEvent) EventType() string { return EventTypeSubtaskCompleted }
func (e SubtaskCompletedEvent) Topic() string     { return TopicSubtask }
func (e SubtaskCompletedEvent) TaskID() string    { return e.Task }

// SubtaskFailedEvent is published when a subtask fails, runs or not.
type SubtaskFailedEvent struct {
	Task      string    `json:"task_id"`
	Subtask   string    `json:"subtask_id"`
	Worker    string    `json:"worker_id,omitempty"`
	Err       string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (e SubtaskFailedEvent) EventType() string { return EventTypeSubtaskFailed }
func (e SubtaskFailedEvent) Topic() string     { return TopicSubtask }
func (e SubtaskFailedEvent) TaskID() string    { return e.Task }

// ReviewSpawnedEvent is published when a review, fix or correction node is added.
type ReviewSpawnedEvent struct {
	Task      string    `json:"task_id"`
	Subtask   string    `json:"subtask_id"`
	Target    string    `json:"target_id"`
	Origin    string    `json:"origin"`
	Cycle     int       `json:"review_cycle"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ReviewSpawnedEvent) EventType() string { return EventTypeReviewSpawned }
func (e ReviewSpawnedEvent) Topic() string     { return TopicReview }
func (e ReviewSpawnedEvent) TaskID() string    { return e.Task }

// EvaluationCompletedEvent is published after an artifact was scored.
type EvaluationCompletedEvent struct {
	Task            string    `json:"task_id"`
	Subtask         string    `json:"subtask_id"`
	Overall         float64   `json:"overall_score"`
	Band            string    `json:"band"`
	NeedsCheckpoint bool      `json:"needs_checkpoint"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e EvaluationCompletedEvent) EventType() string { return EventTypeEvaluationCompleted }
func (e EvaluationCompletedEvent) Topic() string     { return TopicReview }
func (e EvaluationCompletedEvent) TaskID() string    { return e.Task }

// CheckpointRaisedEvent is published when a task pauses for a human decision.
type CheckpointRaisedEvent struct {
	Task       string    `json:"task_id"`
	Checkpoint string    `json:"checkpoint_id"`
	Subtask    string    `json:"subtask_id,omitempty"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e CheckpointRaisedEvent) EventType() string { return EventTypeCheckpointRaised }
func (e CheckpointRaisedEvent) Topic() string     { return TopicCheckpoint }
func (e CheckpointRaisedEvent) TaskID() string    { return e.Task }

// CheckpointResolvedEvent is published when a human decision was recorded.
type CheckpointResolvedEvent struct {
	Task       string    `json:"task_id"`
	Checkpoint string    `json:"checkpoint_id"`
	Decision   string    `json:"decision"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e CheckpointResolvedEvent) EventType() string { return EventTypeCheckpointResolved }
func (e CheckpointResolvedEvent) Topic() string     { return TopicCheckpoint }
func (e CheckpointResolvedEvent) TaskID() string    { return e.Task }

// WorkerOfflineEvent is published when the liveness sweep drops a worker.
type WorkerOfflineEvent struct {
	Worker    string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e WorkerOfflineEvent) EventType() string { return EventTypeWorkerOffline }
func (e WorkerOfflineEvent) Topic() string     { return TopicWorker }
func (e WorkerOfflineEvent) TaskID() string    { return "" }
