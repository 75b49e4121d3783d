package decompose

import "github.com/aristath/agentgrid/internal/scheduler"

// Step is one entry of a decomposition template. After holds symbolic
// names of earlier steps; the decomposer resolves them into subtask IDs.
type Step struct {
	Name        string
	Type        scheduler.SubtaskType
	Description string
	Tool        string // Recommended tool; empty falls back to the per-type default
	Complexity  scheduler.Complexity
	Priority    scheduler.Priority
	After       []string
}

// DefaultTools maps each subtask type to the tool recommended when neither the
// template step nor the configuration names one.
var DefaultTools = map[scheduler.SubtaskType]string{
	scheduler.SubtaskCodeGeneration: "codex",
	scheduler.SubtaskCodeFix:        "codex",
	scheduler.SubtaskCodeReview:     "claude",
	scheduler.SubtaskAnalysis:       "claude",
	scheduler.SubtaskDocumentation:  "claude",
	scheduler.SubtaskTest:           "goose",
	scheduler.SubtaskDeployment:     "goose",
}

var builtinTemplates = map[scheduler.TaskType][]Step{
	scheduler.TaskDevelopFeature: {
		{
			Name:        "analyze",
			Type:        scheduler.SubtaskAnalysis,
			Description: "Analyze requirements and outline an implementation plan",
			Complexity:  scheduler.ComplexityMedium,
			Priority:    scheduler.PriorityHigh,
		},
		{
			Name:        "implement",
			Type:        scheduler.SubtaskCodeGeneration,
			Description: "Implement the feature",
			Complexity:  scheduler.ComplexityHigh,
			Priority:    scheduler.PriorityHigh,
			After:       []string{"analyze"},
		},
		{
			Name:        "test",
			Type:        scheduler.SubtaskTest,
			Description: "Write and run tests covering the new feature",
			Complexity:  scheduler.ComplexityMedium,
			Priority:    scheduler.PriorityNormal,
			After:       []string{"implement"},
		},
		{
			Name:        "document",
			Type:        scheduler.SubtaskDocumentation,
			Description: "Document the feature and its usage",
			Complexity:  scheduler.ComplexityLow,
			Priority:    scheduler.PriorityLow,
			After:       []string{"implement"},
		},
	},
	scheduler.TaskBugFix: {
		{
			Name:        "reproduce",
			Type:        scheduler.SubtaskAnalysis,
			Description: "Reproduce the bug and locate the root cause",
			Complexity:  scheduler.ComplexityMedium,
			Priority:    scheduler.PriorityCritical,
		},
		{
			Name:        "fix",
			Type:        scheduler.SubtaskCodeGeneration,
			Description: "Patch the root cause",
			Complexity:  scheduler.ComplexityMedium,
			Priority:    scheduler.PriorityCritical,
			After:       []string{"reproduce"},
		},
		{
			Name:        "regression_test",
			Type:        scheduler.SubtaskTest,
			Description: "Add a regression test proving the fix",
			Complexity:  scheduler.ComplexityLow,
			Priority:    scheduler.PriorityHigh,
			After:       []string{"fix"},
		},
	},
	scheduler.TaskRefactor: {
		{
			Name:        "analyze",
			Type:        scheduler.SubtaskAnalysis,
			Description: "Map the code to be restructured and its callers",
			Complexity:  scheduler.ComplexityMedium,
			Priority:    scheduler.PriorityNormal,
		},
		{
			Name:        "baseline_tests",
			Type:        scheduler.SubtaskTest,
			Description: "Capture current behavior with tests before changing structure",
			Complexity:  scheduler.ComplexityMedium,
			Priority:    scheduler.PriorityHigh,
			After:       []string{"analyze"},
		},
		{
			Name:        "refactor",
			Type:        scheduler.SubtaskCodeGeneration,
			Description: "Restructure the code without changing behavior",
			Complexity:  scheduler.ComplexityHigh,
			Priority:    scheduler.PriorityHigh,
			After:       []string{"analyze", "baseline_tests"},
		},
		{
			Name:        "verify",
			Type:        scheduler.SubtaskTest,
			Description: "Run the baseline tests against the refactored code",
			Complexity:  scheduler.ComplexityLow,
			Priority:    scheduler.PriorityNormal,
			After:       []string{"refactor"},
		},
	},
	scheduler.TaskCodeReview: {
		{
			Name:        "inspect",
			Type:        scheduler.SubtaskAnalysis,
			Description: "Inspect the change set and gather context",
			Complexity:  scheduler.ComplexityLow,
			Priority:    scheduler.PriorityNormal,
		},
		{
			Name:        "review",
			Type:        scheduler.SubtaskCodeReview,
			Description: "Review the change for correctness, style and security",
			Complexity:  scheduler.ComplexityMedium,
			Priority:    scheduler.PriorityHigh,
			After:       []string{"inspect"},
		},
		{
			Name:        "report",
			Type:        scheduler.SubtaskDocumentation,
			Description: "Summarize findings into a review report",
			Complexity:  scheduler.ComplexityLow,
			Priority:    scheduler.PriorityLow,
			After:       []string{"review"},
		},
	},
	scheduler.TaskDocumentation: {
		{
			Name:        "survey",
			Type:        scheduler.SubtaskAnalysis,
			Description: "Survey the code and existing documentation",
			Complexity:  scheduler.ComplexityLow,
			Priority:    scheduler.PriorityNormal,
		},
		{
			Name:        "write",
			Type:        scheduler.SubtaskDocumentation,
			Description: "Write the documentation",
			Complexity:  scheduler.ComplexityMedium,
			Priority:    scheduler.PriorityHigh,
			After:       []string{"survey"},
		},
	},
	scheduler.TaskTesting: {
		{
			Name:        "plan",
			Type:        scheduler.SubtaskAnalysis,
			Description: "Identify untested behavior and plan test cases",
			Complexity:  scheduler.ComplexityLow,
			Priority:    scheduler.PriorityNormal,
		},
		{
			Name:        "write_tests",
			Type:        scheduler.SubtaskCodeGeneration,
			Description: "Write the planned tests",
			Complexity:  scheduler.ComplexityMedium,
			Priority:    scheduler.PriorityHigh,
			After:       []string{"plan"},
		},
		{
			Name:        "run_tests",
			Type:        scheduler.SubtaskTest,
			Description: "Run the suite and report failures",
			Complexity:  scheduler.ComplexityLow,
			Priority:    scheduler.PriorityNormal,
			After:       []string{"write_tests"},
		},
	},
}
