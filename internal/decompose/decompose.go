// Package decompose turns a submitted task into its baseline subtask graph
// using a static template per task type.
package decompose

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/agentgrid/internal/scheduler"
	"github.com/google/uuid"
)

var (
	// ErrUnsupportedTaskType is returned for task types without a template.
	ErrUnsupportedTaskType = errors.New("unsupported task type")
	// ErrAlreadyDecomposed is returned when the task already has subtasks.
	ErrAlreadyDecomposed = errors.New("task already decomposed")
)

// Decomposer resolves templates into subtasks. It has no side effects beyond
// generating identifiers; persisting the result is the caller's job.
type Decomposer struct {
	templates  map[scheduler.TaskType][]Step
	toolByType map[scheduler.SubtaskType]string
	newID      func() string
	now        func() time.Time
}

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithToolByType overrides the default tool per subtask type.
// Keys are subtask type names as they appear in configuration.
func WithToolByType(tools map[string]string) Option {
	return func(d *Decomposer) {
		for typ, tool := range tools {
			if tool != "" {
				d.toolByType[scheduler.SubtaskType(typ)] = tool
			}
		}
	}
}

// WithIDGenerator replaces the UUID generator, mainly for deterministic tests.
func WithIDGenerator(fn func() string) Option {
	return func(d *Decomposer) {
		d.newID = fn
	}
}

// New creates a Decomposer loaded with the built-in templates.
func New(opts ...Option) *Decomposer {
	d := &Decomposer{
		templates:  make(map[scheduler.TaskType][]Step, len(builtinTemplates)),
		toolByType: make(map[scheduler.SubtaskType]string, len(DefaultTools)),
		newID:      func() string { return uuid.NewString() },
		now:        time.Now,
	}
	for typ, steps := range builtinTemplates {
		d.templates[typ] = steps
	}
	for typ, tool := range DefaultTools {
		d.toolByType[typ] = tool
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds or replaces the template for a task type after checking that
// step names are unique, predecessors exist and the graph is acyclic.
func (d *Decomposer) Register(taskType scheduler.TaskType, steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("template for %q has no steps", taskType)
	}

	seen := make(map[string]bool, len(steps))
	nodes := make([]*scheduler.Subtask, 0, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return fmt.Errorf("template for %q has a step without a name", taskType)
		}
		if seen[step.Name] {
			return fmt.Errorf("template for %q has duplicate step %q", taskType, step.Name)
		}
		if scheduler.KindFor(step.Type) == scheduler.PayloadOpaque {
			return fmt.Errorf("template for %q: step %q has unknown subtask type %q", taskType, step.Name, step.Type)
		}
		seen[step.Name] = true
		nodes = append(nodes, &scheduler.Subtask{ID: step.Name, DependsOn: step.After})
	}

	dag, err := scheduler.Build(nodes)
	if err != nil {
		return fmt.Errorf("template for %q: %w", taskType, err)
	}
	if _, err := dag.Validate(); err != nil {
		return fmt.Errorf("template for %q: %w", taskType, err)
	}

	d.templates[taskType] = append([]Step(nil), steps...)
	return nil
}

// Template returns the steps registered for a task type.
func (d *Decomposer) Template(taskType scheduler.TaskType) ([]Step, error) {
	steps, ok := d.templates[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTaskType, taskType)
	}
	return append([]Step(nil), steps...), nil
}

// Supported lists task types with a template, sorted by name.
func (d *Decomposer) Supported() []scheduler.TaskType {
	types := make([]scheduler.TaskType, 0, len(d.templates))
	for typ := range d.templates {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ToolFor returns the tool recommended for a subtask type.
func (d *Decomposer) ToolFor(t scheduler.SubtaskType) string {
	return d.toolByType[t]
}

// Decompose builds the baseline subtasks for task in template order.
// existing holds subtasks already recorded for the task; any entry there
// means the task was decomposed before and the call is rejected.
func (d *Decomposer) Decompose(task *scheduler.Task, existing []*scheduler.Subtask) ([]*scheduler.Subtask, error) {
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: task %s has %d subtasks", ErrAlreadyDecomposed, task.ID, len(existing))
	}

	steps, err := d.Template(task.Type)
	if err != nil {
		return nil, err
	}

	now := d.now()
	ids := make(map[string]string, len(steps))
	for _, step := range steps {
		ids[step.Name] = d.newID()
	}

	subtasks := make([]*scheduler.Subtask, 0, len(steps))
	for _, step := range steps {
		deps := make([]string, 0, len(step.After))
		for _, name := range step.After {
			id, ok := ids[name]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.Name, name)
			}
			deps = append(deps, id)
		}

		tool := step.Tool
		if tool == "" {
			tool = d.toolByType[step.Type]
		}

		subtasks = append(subtasks, &scheduler.Subtask{
			ID:          ids[step.Name],
			TaskID:      task.ID,
			Name:        step.Name,
			Type:        step.Type,
			Description: step.Description,
			Instructions: scheduler.Instructions{
				Goal:    step.Description,
				Details: task.Description,
			},
			Status:     scheduler.SubtaskPending,
			DependsOn:  deps,
			Tool:       tool,
			Complexity: step.Complexity,
			Priority:   step.Priority,
			Origin:     scheduler.OriginTemplate,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	dag, err := scheduler.Build(subtasks)
	if err != nil {
		return nil, err
	}
	if _, err := dag.Validate(); err != nil {
		return nil, err
	}

	return subtasks, nil
}
