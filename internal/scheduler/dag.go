package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

var (
	// ErrCyclicDependency is returned when the subtask graph contains a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrHardDependencyFailed marks subtasks failed because a predecessor failed.
	ErrHardDependencyFailed = errors.New("hard dependency failed")
)

// DAG is a flat arena of subtasks keyed by ID with adjacency lists in both
// directions. It is a derived view: callers rebuild it from the persisted
// subtask table whenever they need a fresh picture.
type DAG struct {
	mu         sync.RWMutex
	nodes      map[string]*Subtask // All subtasks indexed by ID
	order      []string            // Insertion order, for deterministic output
	dependents map[string][]string // Maps subtaskID -> subtasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		nodes:      make(map[string]*Subtask),
		dependents: make(map[string][]string),
	}
}

// Build creates a DAG from a subtask list. Subtasks are cloned.
func Build(subtasks []*Subtask) (*DAG, error) {
	d := NewDAG()
	for _, st := range subtasks {
		if err := d.AddSubtask(st); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddSubtask adds a subtask to the DAG. Returns error if the ID already exists.
func (d *DAG) AddSubtask(st *Subtask) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.nodes[st.ID]; exists {
		return fmt.Errorf("subtask with ID %q already exists", st.ID)
	}

	d.nodes[st.ID] = cloneSubtask(st)
	d.order = append(d.order, st.ID)

	for _, depID := range st.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], st.ID)
	}

	return nil
}

// Validate runs a topological sort over the graph.
// Returns ordered subtask IDs, or an error wrapping ErrCyclicDependency.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range d.order {
		for _, depID := range d.nodes[id].DependsOn {
			if _, exists := d.nodes[depID]; !exists {
				return nil, fmt.Errorf("subtask %q depends on non-existent subtask %q", id, depID)
			}
		}
	}

	var edges []toposort.Edge
	for _, id := range d.order {
		st := d.nodes[id]
		if len(st.DependsOn) == 0 {
			// Root node - edge from nil keeps it in the result
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range st.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCyclicDependency, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.nodes) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range d.order {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("%w: unreachable subtasks %s", ErrCyclicDependency, strings.Join(missing, ", "))
	}

	return order, nil
}

// ReadyLevels groups every pending or ready subtask into topological batches.
// Batch 0 holds nodes whose dependencies are all completed; batch k holds the
// remaining nodes whose dependencies are completed or placed in batches 0..k-1.
// Dependencies that are still running count as satisfied from batch 1 on.
// Nodes blocked by a failed or cancelled predecessor are left out.
func (d *DAG) ReadyLevels() ([][]*Subtask, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	blocked := d.blockedLocked()

	remaining := make(map[string]bool)
	for _, id := range d.order {
		st := d.nodes[id]
		if st.Status.Schedulable() && !blocked[id] {
			remaining[id] = true
		}
	}

	placed := make(map[string]int)
	var levels [][]*Subtask

	for level := 0; len(remaining) > 0; level++ {
		var batch []*Subtask
		for _, id := range d.order {
			if !remaining[id] {
				continue
			}
			if d.satisfiedAtLocked(d.nodes[id], level, placed) {
				batch = append(batch, cloneSubtask(d.nodes[id]))
			}
		}

		if len(batch) == 0 {
			if level == 0 {
				// Everything waits on running work; plan from level 1
				continue
			}
			ids := make([]string, 0, len(remaining))
			for _, id := range d.order {
				if remaining[id] {
					ids = append(ids, id)
				}
			}
			return levels, fmt.Errorf("%w: no progress possible for %s", ErrCyclicDependency, strings.Join(ids, ", "))
		}

		for _, st := range batch {
			placed[st.ID] = level
			delete(remaining, st.ID)
		}
		d.sortBatch(batch)
		levels = append(levels, batch)
	}

	return levels, nil
}

func (d *DAG) satisfiedAtLocked(st *Subtask, level int, placed map[string]int) bool {
	for _, depID := range st.DependsOn {
		dep, ok := d.nodes[depID]
		if !ok {
			return false
		}
		if dep.Status == SubtaskCompleted {
			continue
		}
		if lvl, ok := placed[depID]; ok && lvl < level {
			continue
		}
		if level > 0 && !dep.Status.Terminal() && !dep.Status.Schedulable() {
			// Running or awaiting review; expected to complete
			continue
		}
		return false
	}
	return true
}

// sortBatch orders a batch by priority (highest first), then insertion order.
func (d *DAG) sortBatch(batch []*Subtask) {
	index := make(map[string]int, len(d.order))
	for i, id := range d.order {
		index[id] = i
	}
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return index[batch[i].ID] < index[batch[j].ID]
	})
}

// Ready returns pending or ready subtasks whose dependencies are ALL completed.
func (d *DAG) Ready() []*Subtask {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []*Subtask
	for _, id := range d.order {
		st := d.nodes[id]
		if !st.Status.Schedulable() {
			continue
		}
		if d.allCompletedLocked(st) {
			ready = append(ready, cloneSubtask(st))
		}
	}
	d.sortBatch(ready)
	return ready
}

func (d *DAG) allCompletedLocked(st *Subtask) bool {
	for _, depID := range st.DependsOn {
		dep, ok := d.nodes[depID]
		if !ok || dep.Status != SubtaskCompleted {
			return false
		}
	}
	return true
}

// Blocked returns schedulable subtasks that can never run because a direct or
// transitive predecessor failed or was cancelled.
func (d *DAG) Blocked() []*Subtask {
	d.mu.RLock()
	defer d.mu.RUnlock()

	blocked := d.blockedLocked()
	var out []*Subtask
	for _, id := range d.order {
		if blocked[id] {
			out = append(out, cloneSubtask(d.nodes[id]))
		}
	}
	return out
}

// blockedLocked computes the blocked set as a fixpoint so that cycles in a
// malformed graph cannot cause unbounded recursion.
func (d *DAG) blockedLocked() map[string]bool {
	blocked := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, id := range d.order {
			st := d.nodes[id]
			if blocked[id] || !st.Status.Schedulable() {
				continue
			}
			for _, depID := range st.DependsOn {
				dep, ok := d.nodes[depID]
				if !ok {
					continue
				}
				if dep.Status == SubtaskFailed || dep.Status == SubtaskCancelled || blocked[depID] {
					blocked[id] = true
					changed = true
					break
				}
			}
		}
	}
	return blocked
}

// Descendants returns the IDs of every subtask that transitively depends on id,
// in breadth-first order.
func (d *DAG) Descendants(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range d.dependents[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// Get returns subtask by ID.
func (d *DAG) Get(id string) (*Subtask, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, exists := d.nodes[id]
	if !exists {
		return nil, false
	}
	return cloneSubtask(st), true
}

// Subtasks returns all subtasks in insertion order.
func (d *DAG) Subtasks() []*Subtask {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Subtask, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, cloneSubtask(d.nodes[id]))
	}
	return out
}

// Len returns the number of nodes.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}
