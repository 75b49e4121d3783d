package review

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agentgrid/internal/scheduler"
)

// Action is the outcome of scoring one review round.
type Action string

const (
	ActionAccept   Action = "accept"   // Score meets the threshold
	ActionFix      Action = "fix"      // Spawn a fix, then re-review
	ActionEscalate Action = "escalate" // Hand over to a human checkpoint
)

// Policy bounds the review loop. MaxFixCycles is the number of review rounds
// an artifact gets; a low score on the last round escalates instead of
// spawning another fix, so at most MaxFixCycles-1 fixes run per chain.
type Policy struct {
	Threshold    float64
	MaxFixCycles int
}

// DefaultPolicy returns threshold 6.0 and two review rounds.
func DefaultPolicy() Policy {
	return Policy{Threshold: 6.0, MaxFixCycles: 2}
}

// Decision is what the orchestrator should do after a review round.
type Decision struct {
	Action Action
	Reason string
}

// Decide applies the state machine to the score of review round cycle
// (zero-based).
func (p Policy) Decide(score float64, cycle int) Decision {
	if score >= p.Threshold {
		return Decision{Action: ActionAccept, Reason: fmt.Sprintf("score %.1f meets threshold %.1f", score, p.Threshold)}
	}
	if cycle+1 >= p.MaxFixCycles {
		return Decision{Action: ActionEscalate, Reason: ErrMaxFixCyclesExceeded.Error()}
	}
	return Decision{Action: ActionFix, Reason: fmt.Sprintf("score %.1f below threshold %.1f", score, p.Threshold)}
}

// Builder creates review-chain subtasks with consistent IDs and timestamps.
type Builder struct {
	NewID func() string
	Now   func() time.Time
	// Tool used for review subtasks; empty keeps the artifact's tool.
	ReviewTool string
	// Tool used for fix subtasks; empty keeps the artifact's tool.
	FixTool string
}

// NewReview creates the review round cycle for target. after is the subtask
// the review waits on: the target itself for the first round, the fix for
// later ones. artifact is the output under review and producer the worker
// that must not review it.
func (b Builder) NewReview(target, after *scheduler.Subtask, artifact *scheduler.Payload, producer string, cycle int) *scheduler.Subtask {
	now := b.Now()
	tool := b.ReviewTool
	if tool == "" {
		tool = target.Tool
	}
	return &scheduler.Subtask{
		ID:          b.NewID(),
		TaskID:      target.TaskID,
		Name:        fmt.Sprintf("%s.review%d", baseName(target), cycle),
		Type:        scheduler.SubtaskCodeReview,
		Description: fmt.Sprintf("Review the output of %q", baseName(target)),
		Instructions: scheduler.Instructions{
			Goal: "Review the artifact and respond with a JSON object " +
				`{"score": 0-10, "issues": [{"dimension": "syntax|style|logic|security|readability", ` +
				`"severity": "high|medium|low", "message": "..."}], "suggestions": ["..."], "summary": "..."}`,
			Details:  target.Instructions.Details,
			Artifact: artifact,
		},
		Status:      scheduler.SubtaskPending,
		DependsOn:   []string{after.ID},
		Tool:        tool,
		Complexity:  scheduler.ComplexityLow,
		Priority:    target.Priority,
		ReviewCycle: cycle,
		TargetID:    target.ID,
		ProducerID:  producer,
		Origin:      scheduler.OriginReview,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewFix creates the fix that follows a low-scoring review. The fix keeps
// the review's cycle; the re-review that follows it gets cycle+1.
func (b Builder) NewFix(target, rev *scheduler.Subtask, out *scheduler.ReviewOutput) *scheduler.Subtask {
	now := b.Now()
	tool := b.FixTool
	if tool == "" {
		tool = target.Tool
	}
	return &scheduler.Subtask{
		ID:          b.NewID(),
		TaskID:      target.TaskID,
		Name:        fmt.Sprintf("%s.fix%d", baseName(target), rev.ReviewCycle),
		Type:        scheduler.SubtaskCodeFix,
		Description: fmt.Sprintf("Address review findings for %q", baseName(target)),
		Instructions: scheduler.Instructions{
			Goal:     "Revise the artifact to resolve every review issue",
			Details:  target.Instructions.Details,
			Feedback: feedbackFrom(out),
			Issues:   append([]scheduler.Issue(nil), out.Issues...),
			Artifact: rev.Instructions.Artifact,
		},
		Status:      scheduler.SubtaskPending,
		DependsOn:   []string{rev.ID},
		Tool:        tool,
		Complexity:  target.Complexity,
		Priority:    target.Priority,
		ReviewCycle: rev.ReviewCycle,
		TargetID:    target.ID,
		ProducerID:  rev.ProducerID,
		Origin:      scheduler.OriginFix,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewCorrection creates the fix requested by a human checkpoint decision.
// It starts a fresh chain at cycle zero and carries the human feedback.
// after is the completed node it waits on and artifact the version to revise.
func (b Builder) NewCorrection(target, after *scheduler.Subtask, artifact *scheduler.Payload, feedback string) *scheduler.Subtask {
	now := b.Now()
	tool := b.FixTool
	if tool == "" {
		tool = target.Tool
	}
	return &scheduler.Subtask{
		ID:          b.NewID(),
		TaskID:      target.TaskID,
		Name:        fmt.Sprintf("%s.correction", baseName(target)),
		Type:        scheduler.SubtaskCodeFix,
		Description: fmt.Sprintf("Apply reviewer corrections to %q", baseName(target)),
		Instructions: scheduler.Instructions{
			Goal:     "Revise the artifact according to the reviewer feedback",
			Details:  target.Instructions.Details,
			Feedback: feedback,
			Artifact: artifact,
		},
		Status:      scheduler.SubtaskPending,
		DependsOn:   []string{after.ID},
		Tool:        tool,
		Complexity:  target.Complexity,
		Priority:    target.Priority,
		ReviewCycle: 0,
		TargetID:    target.ID,
		ProducerID:  target.WorkerID,
		Origin:      scheduler.OriginCorrection,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func baseName(st *scheduler.Subtask) string {
	if st.Name != "" {
		return st.Name
	}
	return st.ID
}

func feedbackFrom(out *scheduler.ReviewOutput) string {
	var b strings.Builder
	if out.Summary != "" {
		b.WriteString(out.Summary)
	}
	for _, s := range out.Suggestions {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(s)
	}
	return b.String()
}
