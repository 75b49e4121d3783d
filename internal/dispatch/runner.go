package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aristath/agentgrid/internal/backend"
	"github.com/aristath/agentgrid/internal/scheduler"
)

// Submitter accepts worker results. The engine implements it.
type Submitter interface {
	SubmitResult(ctx context.Context, r Result) error
}

// Runner is an in-process worker: it executes assignments from its queue one
// at a time through the backend of the assigned tool and submits the outcome.
type Runner struct {
	WorkerID string
	Backends map[string]backend.Backend // Keyed by tool name
	Submit   Submitter
	Logger   *slog.Logger
}

// Run consumes inbox until it is closed or ctx is done.
func (r *Runner) Run(ctx context.Context, inbox <-chan Assignment) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker", r.WorkerID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-inbox:
			if !ok {
				return nil
			}
			res := r.execute(ctx, a)
			if err := r.Submit.SubmitResult(ctx, res); err != nil {
				logger.Warn("result submission failed", "subtask", a.SubtaskID, "err", err)
				continue
			}
			logger.Info("subtask executed", "subtask", a.SubtaskID, "status", res.Status, "duration", res.ExecutionTime)
		}
	}
}

func (r *Runner) execute(ctx context.Context, a Assignment) Result {
	res := Result{
		SubtaskID: a.SubtaskID,
		WorkerID:  r.WorkerID,
	}
	b, ok := r.Backends[a.Tool]
	if !ok {
		res.Status = ResultFailed
		res.Error = fmt.Sprintf("no backend for tool %q", a.Tool)
		return res
	}

	start := time.Now()
	resp, err := b.Send(ctx, backend.Message{Content: BuildPrompt(a), Role: "user"})
	res.ExecutionTime = time.Since(start)
	if err != nil {
		res.Status = ResultFailed
		res.Error = err.Error()
		return res
	}
	if resp.Error != "" {
		res.Status = ResultFailed
		res.Error = resp.Error
		return res
	}

	res.Status = ResultCompleted
	res.Payload = scheduler.DecodePayload([]byte(resp.Content))
	return res
}

// BuildPrompt renders an assignment as the instruction text sent to a tool.
func BuildPrompt(a Assignment) string {
	var b strings.Builder
	in := a.Instructions

	fmt.Fprintf(&b, "You are working on a %s subtask.\n\n", a.Type)
	if a.Description != "" {
		fmt.Fprintf(&b, "Subtask: %s\n", a.Description)
	}
	fmt.Fprintf(&b, "Goal: %s\n", in.Goal)
	if in.Details != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", in.Details)
	}
	if in.Feedback != "" {
		fmt.Fprintf(&b, "\nFeedback to address:\n%s\n", in.Feedback)
	}
	if len(in.Issues) > 0 {
		b.WriteString("\nIssues:\n")
		for _, issue := range in.Issues {
			fmt.Fprintf(&b, "- [%s] %s: %s", issue.Severity, issue.Dimension, issue.Message)
			if issue.File != "" {
				fmt.Fprintf(&b, " (%s:%d)", issue.File, issue.Line)
			}
			b.WriteString("\n")
		}
	}
	if in.Artifact != nil {
		if data, err := json.MarshalIndent(in.Artifact, "", "  "); err == nil {
			fmt.Fprintf(&b, "\nArtifact:\n```json\n%s\n```\n", data)
		}
	}

	if a.Expect != "" && a.Expect != scheduler.PayloadOpaque {
		fmt.Fprintf(&b, "\nRespond with a single JSON object of the form {\"kind\": %q, %q: {...}}.\n", a.Expect, a.Expect)
	}
	return b.String()
}
