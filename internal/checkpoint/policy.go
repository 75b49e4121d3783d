package checkpoint

import (
	"strings"

	"github.com/aristath/agentgrid/internal/scheduler"
)

// CadenceDue reports whether the configured frequency asks for a checkpoint
// after st completes. Only template subtasks count toward cadence.
//
//	low:    critical-priority subtasks (plus one checkpoint at task completion)
//	medium: high complexity or priority of high and above
//	high:   every subtask
func CadenceDue(freq scheduler.CheckpointFrequency, st *scheduler.Subtask) bool {
	if !st.IsPrimary() {
		return false
	}
	switch freq {
	case scheduler.FrequencyHigh:
		return true
	case scheduler.FrequencyMedium:
		return st.Complexity == scheduler.ComplexityHigh || st.Priority >= scheduler.PriorityHigh
	case scheduler.FrequencyLow:
		return st.Priority >= scheduler.PriorityCritical
	}
	return false
}

// CompletionDue reports whether the task gets a final checkpoint before it
// is marked completed.
func CompletionDue(freq scheduler.CheckpointFrequency) bool {
	return freq == scheduler.FrequencyLow
}

// Triggers returns every reason that fires for a completed subtask.
// needsCheckpoint is the evaluation verdict, false when nothing was evaluated.
func Triggers(freq scheduler.CheckpointFrequency, st *scheduler.Subtask, needsCheckpoint bool) []string {
	var reasons []string
	if needsCheckpoint {
		reasons = append(reasons, ReasonEvaluation)
	}
	if CadenceDue(freq, st) {
		reasons = append(reasons, ReasonCadence)
	}
	return reasons
}

// JoinReasons merges reasons into the single reason string of one checkpoint.
func JoinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}
