package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/agentgrid/internal/decompose"
	"github.com/aristath/agentgrid/internal/scheduler"
)

var priorityLabels = map[scheduler.Priority]string{
	scheduler.PriorityLow:      "low",
	scheduler.PriorityNormal:   "normal",
	scheduler.PriorityHigh:     "high",
	scheduler.PriorityCritical: "critical",
}

func newPlanCmd(v *viper.Viper) *cobra.Command {
	var taskType string
	var list bool

	cmd := &cobra.Command{
		Use:   "plan [description]",
		Short: "Preview how a task type decomposes into execution levels",
		Example: `  agentgrid plan --type bug_fix "login fails after password reset"
  agentgrid plan --list`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			dec := decompose.New(decompose.WithToolByType(cfg.ToolByType))
			out := cmd.OutOrStdout()

			if list {
				for _, t := range dec.Supported() {
					fmt.Fprintln(out, t)
				}
				return nil
			}
			if taskType == "" {
				return fmt.Errorf("--type is required")
			}
			description := "preview"
			if len(args) == 1 {
				description = args[0]
			}
			return printPlan(out, dec, scheduler.TaskType(taskType), description)
		},
	}
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "task type to decompose")
	cmd.Flags().BoolVar(&list, "list", false, "list supported task types")
	return cmd
}

// printPlan decomposes a throwaway task and prints its subtasks grouped by
// the level at which they become schedulable.
func printPlan(w io.Writer, dec *decompose.Decomposer, taskType scheduler.TaskType, description string) error {
	task := &scheduler.Task{ID: "plan", Type: taskType, Description: description}
	subtasks, err := dec.Decompose(task, nil)
	if err != nil {
		return err
	}
	dag, err := scheduler.Build(subtasks)
	if err != nil {
		return err
	}
	levels, err := dag.ReadyLevels()
	if err != nil {
		return err
	}

	names := make(map[string]string, len(subtasks))
	for _, st := range subtasks {
		names[st.ID] = st.Name
	}

	bold := color.New(color.Bold)
	fmt.Fprintf(w, "%s %s (%d subtasks)\n", bold.Sprint("Plan:"), taskType, len(subtasks))
	for i, level := range levels {
		fmt.Fprintln(w, color.CyanString("Level %d", i))
		for _, st := range level {
			line := fmt.Sprintf("  - %-18s %-16s tool=%-7s priority=%s complexity=%s",
				st.Name, st.Type, st.Tool, priorityLabels[st.Priority], st.Complexity)
			if len(st.DependsOn) > 0 {
				deps := make([]string, len(st.DependsOn))
				for j, id := range st.DependsOn {
					deps[j] = names[id]
				}
				line += color.HiBlackString(" after: %s", strings.Join(deps, ", "))
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
