package scheduler

import (
	"time"
)

// TaskType selects the decomposition template for a submitted task.
type TaskType string

const (
	TaskDevelopFeature TaskType = "develop_feature"
	TaskBugFix         TaskType = "bug_fix"
	TaskRefactor       TaskType = "refactor"
	TaskCodeReview     TaskType = "code_review"
	TaskDocumentation  TaskType = "documentation"
	TaskTesting        TaskType = "testing"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDecomposing TaskStatus = "decomposing"
	TaskInProgress  TaskStatus = "in_progress"
	TaskPaused      TaskStatus = "paused" // Waiting on a checkpoint decision
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CheckpointFrequency controls how often a task pauses for human review.
type CheckpointFrequency string

const (
	FrequencyLow    CheckpointFrequency = "low"    // Completion and critical subtasks only
	FrequencyMedium CheckpointFrequency = "medium" // After each major subtask
	FrequencyHigh   CheckpointFrequency = "high"   // After every subtask
)

// PrivacyLevel restricts where a task's subtasks should run.
type PrivacyLevel string

const (
	PrivacyNormal    PrivacyLevel = "normal"
	PrivacySensitive PrivacyLevel = "sensitive"
)

// Task is a user-submitted unit of work that is decomposed into subtasks.
type Task struct {
	ID                  string              `json:"id"`
	Description         string              `json:"description"`
	Type                TaskType            `json:"type"`
	Status              TaskStatus          `json:"status"`
	CheckpointFrequency CheckpointFrequency `json:"checkpoint_frequency"`
	PrivacyLevel        PrivacyLevel        `json:"privacy_level"`
	Progress            int                 `json:"progress"`        // 0-100, derived from completed primary subtasks
	Error               string              `json:"error,omitempty"` // Reason for failure, if any
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// SubtaskType identifies the kind of work a subtask performs.
type SubtaskType string

const (
	SubtaskCodeGeneration SubtaskType = "code_generation"
	SubtaskCodeReview     SubtaskType = "code_review"
	SubtaskCodeFix        SubtaskType = "code_fix"
	SubtaskTest           SubtaskType = "test"
	SubtaskDocumentation  SubtaskType = "documentation"
	SubtaskAnalysis       SubtaskType = "analysis"
	SubtaskDeployment     SubtaskType = "deployment"
)

// SubtaskStatus represents the current state of a DAG node.
type SubtaskStatus string

const (
	SubtaskPending       SubtaskStatus = "pending"        // Waiting for dependencies or a worker
	SubtaskReady         SubtaskStatus = "ready"          // All dependencies completed
	SubtaskAllocated     SubtaskStatus = "allocated"      // Bound to a worker, not yet dispatched
	SubtaskInProgress    SubtaskStatus = "in_progress"    // Dispatched to the worker
	SubtaskUnderReview   SubtaskStatus = "under_review"   // Artifact escalated to a human
	SubtaskNeedsRevision SubtaskStatus = "needs_revision" // Result rejected as malformed, awaiting resubmission
	SubtaskCompleted     SubtaskStatus = "completed"
	SubtaskFailed        SubtaskStatus = "failed"
	SubtaskCancelled     SubtaskStatus = "cancelled"
)

// Terminal reports whether the subtask can no longer change.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed || s == SubtaskCancelled
}

// InFlight reports whether the subtask currently holds a worker.
func (s SubtaskStatus) InFlight() bool {
	return s == SubtaskAllocated || s == SubtaskInProgress
}

// Schedulable reports whether the subtask still waits for allocation.
func (s SubtaskStatus) Schedulable() bool {
	return s == SubtaskPending || s == SubtaskReady
}

// Complexity is the estimated effort of a subtask.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Priority orders subtasks; higher values are more important.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Origin records which component created a subtask.
type Origin string

const (
	OriginTemplate   Origin = "template"   // Baseline node from the decomposer
	OriginReview     Origin = "review"     // Automated peer review
	OriginFix        Origin = "fix"        // Automated fix after a low review score
	OriginCorrection Origin = "correction" // Fix requested by a checkpoint decision
)

// Instructions carry everything a worker needs to execute a subtask.
type Instructions struct {
	Goal     string   `json:"goal"`
	Details  string   `json:"details,omitempty"`
	Feedback string   `json:"feedback,omitempty"` // Human correction notes or review summary
	Issues   []Issue  `json:"issues,omitempty"`   // Review findings a fix must address
	Artifact *Payload `json:"artifact,omitempty"` // Output under review or being fixed
}

// Subtask is a node of a task's dependency graph.
// DependsOn holds subtask IDs, never pointers, so the graph stays serializable.
type Subtask struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	Name         string        `json:"name"` // Symbolic name; template names are unique within a task
	Type         SubtaskType   `json:"type"`
	Description  string        `json:"description"`
	Instructions Instructions  `json:"instructions"`
	Status       SubtaskStatus `json:"status"`
	DependsOn    []string      `json:"depends_on"`
	WorkerID     string        `json:"worker_id,omitempty"` // Assigned worker, empty when unassigned
	Tool         string        `json:"tool"`                // Tool the worker must provide
	Complexity   Complexity    `json:"complexity"`
	Priority     Priority      `json:"priority"`
	Result       *Payload      `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	Score        *float64      `json:"score,omitempty"` // Latest evaluation or review score
	ReviewCycle  int           `json:"review_cycle"`
	TargetID     string        `json:"target_id,omitempty"`   // Artifact subtask this review/fix node belongs to
	ProducerID   string        `json:"producer_id,omitempty"` // Worker that produced the artifact under review
	Origin       Origin        `json:"origin,omitempty"`
	Version      int           `json:"version"` // Optimistic concurrency counter
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// IsPrimary reports whether the subtask came from the decomposition template.
func (s *Subtask) IsPrimary() bool {
	return s.Origin == "" || s.Origin == OriginTemplate
}

// ProducesArtifact reports whether completion of this subtask yields work that
// must go through automated peer review.
func (s *Subtask) ProducesArtifact() bool {
	switch s.Type {
	case SubtaskCodeGeneration, SubtaskCodeFix:
		return true
	}
	return false
}

// Clone returns a deep copy safe for mutation by the caller.
func (s *Subtask) Clone() *Subtask {
	return cloneSubtask(s)
}

func cloneSubtask(s *Subtask) *Subtask {
	if s == nil {
		return nil
	}

	cp := *s
	if s.DependsOn != nil {
		cp.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if s.Instructions.Issues != nil {
		cp.Instructions.Issues = append([]Issue(nil), s.Instructions.Issues...)
	}
	if s.Score != nil {
		score := *s.Score
		cp.Score = &score
	}
	return &cp
}
