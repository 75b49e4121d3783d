package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func node(id string, status SubtaskStatus, deps ...string) *Subtask {
	return &Subtask{ID: id, Status: status, DependsOn: deps}
}

func mustBuild(t *testing.T, subtasks ...*Subtask) *DAG {
	t.Helper()
	dag, err := Build(subtasks)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return dag
}

func ids(batch []*Subtask) []string {
	out := make([]string, len(batch))
	for i, st := range batch {
		out[i] = st.ID
	}
	return out
}

// TestDAGValidate tests DAG validation with various graph structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name        string
		subtasks    []*Subtask
		wantErr     error
		errContains string
	}{
		{
			name: "valid linear chain",
			subtasks: []*Subtask{
				node("A", SubtaskPending),
				node("B", SubtaskPending, "A"),
				node("C", SubtaskPending, "B"),
			},
		},
		{
			name: "valid diamond",
			subtasks: []*Subtask{
				node("A", SubtaskPending),
				node("B", SubtaskPending, "A"),
				node("C", SubtaskPending, "A"),
				node("D", SubtaskPending, "B", "C"),
			},
		},
		{
			name: "direct cycle",
			subtasks: []*Subtask{
				node("A", SubtaskPending, "B"),
				node("B", SubtaskPending, "A"),
			},
			wantErr: ErrCyclicDependency,
		},
		{
			name: "transitive cycle",
			subtasks: []*Subtask{
				node("A", SubtaskPending, "C"),
				node("B", SubtaskPending, "A"),
				node("C", SubtaskPending, "B"),
			},
			wantErr: ErrCyclicDependency,
		},
		{
			name:     "self-loop",
			subtasks: []*Subtask{node("A", SubtaskPending, "A")},
			wantErr:  ErrCyclicDependency,
		},
		{
			name:        "missing dependency",
			subtasks:    []*Subtask{node("A", SubtaskPending, "nonexistent")},
			errContains: "nonexistent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := mustBuild(t, tt.subtasks...)
			order, err := dag.Validate()

			wantAnyErr := tt.wantErr != nil || tt.errContains != ""
			if (err != nil) != wantAnyErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, wantAnyErr)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want errors.Is %v", err, tt.wantErr)
			}
			if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Error message %q doesn't contain %q", err.Error(), tt.errContains)
			}
			if err == nil && len(order) != len(tt.subtasks) {
				t.Errorf("order has %d entries, want %d", len(order), len(tt.subtasks))
			}
		})
	}
}

func TestAddSubtaskDuplicate(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddSubtask(node("A", SubtaskPending)); err != nil {
		t.Fatalf("first AddSubtask() error = %v", err)
	}
	if err := dag.AddSubtask(node("A", SubtaskPending)); err == nil {
		t.Fatal("expected error when adding duplicate subtask ID")
	}
}

// Scenario: A and B independent, C depends on both.
func TestReadyLevels_TwoIndependentOneDependent(t *testing.T) {
	dag := mustBuild(t,
		node("A", SubtaskPending),
		node("B", SubtaskPending),
		node("C", SubtaskPending, "A", "B"),
	)

	levels, err := dag.ReadyLevels()
	if err != nil {
		t.Fatalf("ReadyLevels() error = %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("got %d levels, want 2: %v", len(levels), levels)
	}
	if got := strings.Join(ids(levels[0]), ","); got != "A,B" {
		t.Errorf("level 0 = %s, want A,B", got)
	}
	if got := strings.Join(ids(levels[1]), ","); got != "C" {
		t.Errorf("level 1 = %s, want C", got)
	}

	ready := dag.Ready()
	if got := strings.Join(ids(ready), ","); got != "A,B" {
		t.Errorf("Ready() = %s, want A,B", got)
	}
}

func TestReadyLevels_PartialCompletionReleasesSpecificDependents(t *testing.T) {
	// A done, B still running: D (on A only) is ready, C (on A and B) waits.
	dag := mustBuild(t,
		node("A", SubtaskCompleted),
		node("B", SubtaskInProgress),
		node("C", SubtaskPending, "A", "B"),
		node("D", SubtaskPending, "A"),
	)

	ready := dag.Ready()
	if got := strings.Join(ids(ready), ","); got != "D" {
		t.Errorf("Ready() = %s, want D", got)
	}

	levels, err := dag.ReadyLevels()
	if err != nil {
		t.Fatalf("ReadyLevels() error = %v", err)
	}
	if len(levels) != 2 || ids(levels[0])[0] != "D" || ids(levels[1])[0] != "C" {
		t.Errorf("levels = %v, want [[D] [C]]", levels)
	}
}

func TestReadyLevels_OnlyRunningWork(t *testing.T) {
	dag := mustBuild(t,
		node("A", SubtaskInProgress),
		node("B", SubtaskPending, "A"),
	)

	levels, err := dag.ReadyLevels()
	if err != nil {
		t.Fatalf("ReadyLevels() error = %v", err)
	}
	if len(levels) != 1 || levels[0][0].ID != "B" {
		t.Errorf("levels = %v, want [[B]]", levels)
	}
	if ready := dag.Ready(); len(ready) != 0 {
		t.Errorf("Ready() = %v, want none", ids(ready))
	}
}

func TestReadyLevels_Cycle(t *testing.T) {
	dag := mustBuild(t,
		node("A", SubtaskPending),
		node("B", SubtaskPending, "C"),
		node("C", SubtaskPending, "B"),
	)

	_, err := dag.ReadyLevels()
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("ReadyLevels() error = %v, want ErrCyclicDependency", err)
	}
}

func TestReadyLevels_PriorityOrdering(t *testing.T) {
	low := node("low", SubtaskPending)
	low.Priority = PriorityLow
	crit := node("crit", SubtaskPending)
	crit.Priority = PriorityCritical

	dag := mustBuild(t, low, crit)
	levels, err := dag.ReadyLevels()
	if err != nil {
		t.Fatalf("ReadyLevels() error = %v", err)
	}
	if got := strings.Join(ids(levels[0]), ","); got != "crit,low" {
		t.Errorf("level 0 = %s, want crit,low", got)
	}
}

func TestBlocked(t *testing.T) {
	dag := mustBuild(t,
		node("A", SubtaskFailed),
		node("B", SubtaskPending, "A"),
		node("C", SubtaskPending, "B"),
		node("D", SubtaskPending),
		node("E", SubtaskCancelled),
		node("F", SubtaskPending, "E"),
	)

	blocked := dag.Blocked()
	if got := strings.Join(ids(blocked), ","); got != "B,C,F" {
		t.Errorf("Blocked() = %s, want B,C,F", got)
	}

	levels, err := dag.ReadyLevels()
	if err != nil {
		t.Fatalf("ReadyLevels() error = %v", err)
	}
	if len(levels) != 1 || strings.Join(ids(levels[0]), ",") != "D" {
		t.Errorf("levels = %v, want [[D]]", levels)
	}
}

func TestDescendants(t *testing.T) {
	dag := mustBuild(t,
		node("A", SubtaskPending),
		node("B", SubtaskPending, "A"),
		node("C", SubtaskPending, "B"),
		node("D", SubtaskPending),
		node("E", SubtaskPending, "A", "D"),
	)

	got := strings.Join(dag.Descendants("A"), ",")
	if got != "B,E,C" {
		t.Errorf("Descendants(A) = %s, want B,E,C", got)
	}
	if d := dag.Descendants("C"); len(d) != 0 {
		t.Errorf("Descendants(C) = %v, want none", d)
	}
}

func TestGetReturnsClone(t *testing.T) {
	dag := mustBuild(t, node("A", SubtaskPending), node("B", SubtaskPending, "A"))

	st, ok := dag.Get("B")
	if !ok {
		t.Fatal("Get(B) not found")
	}
	st.Status = SubtaskCompleted
	st.DependsOn[0] = "mutated"

	again, _ := dag.Get("B")
	if again.Status != SubtaskPending || again.DependsOn[0] != "A" {
		t.Errorf("DAG state mutated through returned clone: %+v", again)
	}
}

// For random acyclic graphs, levels partition all nodes and every node sits
// strictly after all of its dependencies.
func TestReadyLevels_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(25)
		var subtasks []*Subtask
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, fmt.Sprintf("n%d", j))
				}
			}
			subtasks = append(subtasks, node(fmt.Sprintf("n%d", i), SubtaskPending, deps...))
		}

		dag := mustBuild(t, subtasks...)
		levels, err := dag.ReadyLevels()
		if err != nil {
			t.Fatalf("trial %d: ReadyLevels() error = %v", trial, err)
		}

		levelOf := make(map[string]int)
		for lvl, batch := range levels {
			for _, st := range batch {
				if _, dup := levelOf[st.ID]; dup {
					t.Fatalf("trial %d: %s appears in more than one batch", trial, st.ID)
				}
				levelOf[st.ID] = lvl
			}
		}
		if len(levelOf) != n {
			t.Fatalf("trial %d: levels cover %d nodes, want %d", trial, len(levelOf), n)
		}
		for _, st := range subtasks {
			for _, dep := range st.DependsOn {
				if levelOf[dep] >= levelOf[st.ID] {
					t.Errorf("trial %d: %s (level %d) not after dependency %s (level %d)",
						trial, st.ID, levelOf[st.ID], dep, levelOf[dep])
				}
			}
		}
	}
}
