package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/aristath/agentgrid/internal/checkpoint"
	"github.com/aristath/agentgrid/internal/config"
	"github.com/aristath/agentgrid/internal/decompose"
	"github.com/aristath/agentgrid/internal/dispatch"
	"github.com/aristath/agentgrid/internal/evaluation"
	"github.com/aristath/agentgrid/internal/events"
	"github.com/aristath/agentgrid/internal/persistence"
	"github.com/aristath/agentgrid/internal/registry"
	"github.com/aristath/agentgrid/internal/review"
	"github.com/aristath/agentgrid/internal/scheduler"
)

const scenarioType scheduler.TaskType = "scenario"

// recordingDispatcher queues assignments for the test to complete by hand.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []dispatch.Assignment
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, a dispatch.Assignment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, a)
	return nil
}

func (d *recordingDispatcher) take() []dispatch.Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.sent
	d.sent = nil
	return out
}

func (d *recordingDispatcher) failWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// fixedEvaluator scores every artifact the same.
type fixedEvaluator struct {
	dim   evaluation.Dimension
	score float64
}

func (f fixedEvaluator) Dimension() evaluation.Dimension { return f.dim }

func (f fixedEvaluator) Evaluate(ctx context.Context, artifact *scheduler.Payload, ec evaluation.Context) (evaluation.Result, error) {
	return evaluation.Result{Score: f.score}, nil
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	store  persistence.Store
	reg    *registry.Registry
	disp   *recordingDispatcher
	dec    *decompose.Decomposer
	bus    *events.EventBus
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness builds an engine over an in-memory store whose evaluators all
// return evalScore.
func newHarness(t *testing.T, evalScore float64, configure ...func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := quietLogger()
	agg := evaluation.NewAggregator(nil, 7.0, logger)
	for _, dim := range []evaluation.Dimension{
		evaluation.DimensionCodeQuality, evaluation.DimensionCompleteness, evaluation.DimensionSecurity,
	} {
		if err := agg.Register(fixedEvaluator{dim: dim, score: evalScore}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	opts := DefaultOptions()
	opts.Retry = fastRetry(1)
	for _, fn := range configure {
		fn(&opts)
	}

	h := &harness{
		t:     t,
		ctx:   ctx,
		store: store,
		reg:   registry.New(logger),
		disp:  &recordingDispatcher{},
		dec:   decompose.New(),
		bus:   bus,
	}
	h.engine, err = NewEngine(Deps{
		Store:      store,
		Registry:   h.reg,
		Decomposer: h.dec,
		Evaluator:  agg,
		Dispatcher: h.disp,
		Bus:        bus,
		Logger:     logger,
	}, opts)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return h
}

func (h *harness) worker(machine string, tools ...string) *registry.Worker {
	h.t.Helper()
	w, err := h.reg.Register(machine, tools, false)
	if err != nil {
		h.t.Fatalf("Register(%s) error = %v", machine, err)
	}
	return w
}

// start registers steps as the scenario template and submits a decomposed task.
func (h *harness) start(freq scheduler.CheckpointFrequency, steps ...decompose.Step) *scheduler.Task {
	h.t.Helper()
	if err := h.dec.Register(scenarioType, steps); err != nil {
		h.t.Fatalf("Register template error = %v", err)
	}
	task, err := h.engine.SubmitTask(h.ctx, TaskRequest{
		Description:         "scenario task",
		Type:                scenarioType,
		CheckpointFrequency: freq,
	})
	if err != nil {
		h.t.Fatalf("SubmitTask() error = %v", err)
	}
	if _, err := h.engine.DecomposeTask(h.ctx, task.ID); err != nil {
		h.t.Fatalf("DecomposeTask() error = %v", err)
	}
	return task
}

func (h *harness) tick() []dispatch.Assignment {
	h.t.Helper()
	if err := h.engine.Tick(h.ctx); err != nil {
		h.t.Fatalf("Tick() error = %v", err)
	}
	return h.disp.take()
}

func (h *harness) complete(a dispatch.Assignment, p *scheduler.Payload) {
	h.t.Helper()
	err := h.engine.SubmitResult(h.ctx, dispatch.Result{
		SubtaskID: a.SubtaskID,
		WorkerID:  a.WorkerID,
		Status:    dispatch.ResultCompleted,
		Payload:   p,
	})
	if err != nil {
		h.t.Fatalf("SubmitResult(%s) error = %v", a.SubtaskID, err)
	}
}

func (h *harness) subtask(id string) *scheduler.Subtask {
	h.t.Helper()
	st, err := h.store.GetSubtask(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetSubtask(%s) error = %v", id, err)
	}
	return st
}

func (h *harness) named(taskID, name string) *scheduler.Subtask {
	h.t.Helper()
	for _, st := range h.subtasks(taskID) {
		if st.Name == name {
			return st
		}
	}
	h.t.Fatalf("no subtask named %q", name)
	return nil
}

func (h *harness) subtasks(taskID string) []*scheduler.Subtask {
	h.t.Helper()
	subtasks, err := h.engine.ListSubtasks(h.ctx, taskID)
	if err != nil {
		h.t.Fatalf("ListSubtasks() error = %v", err)
	}
	return subtasks
}

func (h *harness) byOrigin(taskID string, origin scheduler.Origin) []*scheduler.Subtask {
	var out []*scheduler.Subtask
	for _, st := range h.subtasks(taskID) {
		if st.Origin == origin {
			out = append(out, st)
		}
	}
	return out
}

func (h *harness) taskStatus(id string) scheduler.TaskStatus {
	h.t.Helper()
	task, err := h.engine.GetTask(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetTask() error = %v", err)
	}
	return task.Status
}

func (h *harness) pending(taskID string) []*checkpoint.Checkpoint {
	h.t.Helper()
	cps, err := h.engine.ListCheckpoints(h.ctx, taskID)
	if err != nil {
		h.t.Fatalf("ListCheckpoints() error = %v", err)
	}
	var out []*checkpoint.Checkpoint
	for _, cp := range cps {
		if cp.Status == checkpoint.StatusPending {
			out = append(out, cp)
		}
	}
	return out
}

func (h *harness) resolve(id string, d checkpoint.Decision, feedback string) {
	h.t.Helper()
	if _, err := h.engine.ResolveCheckpoint(h.ctx, id, d, feedback); err != nil {
		h.t.Fatalf("ResolveCheckpoint(%s, %s) error = %v", id, d, err)
	}
}

func analysisStep(name string, after ...string) decompose.Step {
	return decompose.Step{
		Name:        name,
		Type:        scheduler.SubtaskAnalysis,
		Description: "analyze " + name,
		Complexity:  scheduler.ComplexityLow,
		Priority:    scheduler.PriorityNormal,
		After:       after,
	}
}

func implementStep() decompose.Step {
	return decompose.Step{
		Name:        "implement",
		Type:        scheduler.SubtaskCodeGeneration,
		Description: "implement it",
		Complexity:  scheduler.ComplexityMedium,
		Priority:    scheduler.PriorityNormal,
	}
}

func analysisPayload() *scheduler.Payload {
	return &scheduler.Payload{Kind: scheduler.PayloadAnalysis, Analysis: &scheduler.AnalysisOutput{Findings: []string{"ok"}}}
}

func codePayload(summary string) *scheduler.Payload {
	return &scheduler.Payload{Kind: scheduler.PayloadCode, Code: &scheduler.CodeOutput{
		Files:   []scheduler.File{{Path: "main.go", Content: "package main\n\nfunc main() {}\n"}},
		Summary: summary,
	}}
}

func reviewPayload(score float64) *scheduler.Payload {
	return &scheduler.Payload{Kind: scheduler.PayloadReview, Review: &scheduler.ReviewOutput{
		Score:       score,
		Issues:      []scheduler.Issue{{Dimension: scheduler.DimensionLogic, Severity: scheduler.SeverityMedium, Message: "edge case"}},
		Suggestions: []string{"handle the edge case"},
		Summary:     "needs work",
	}}
}

func only(t *testing.T, as []dispatch.Assignment) dispatch.Assignment {
	t.Helper()
	if len(as) != 1 {
		t.Fatalf("got %d assignments, want 1: %+v", len(as), as)
	}
	return as[0]
}

// Two independent subtasks run in parallel; their dependent waits for both.
func TestScenarioLevels(t *testing.T) {
	h := newHarness(t, 9)
	for _, m := range []string{"m1", "m2", "m3"} {
		h.worker(m, "claude")
	}
	all := h.bus.SubscribeAll(256)
	task := h.start(scheduler.FrequencyMedium, analysisStep("A"), analysisStep("B"), analysisStep("C", "A", "B"))

	levels, err := h.engine.PlanLevels(h.ctx, task.ID)
	if err != nil {
		t.Fatalf("PlanLevels() error = %v", err)
	}
	if len(levels) != 2 || len(levels[0]) != 2 || len(levels[1]) != 1 || levels[1][0].Name != "C" {
		t.Fatalf("levels = %v", levels)
	}

	first := h.tick()
	if len(first) != 2 {
		t.Fatalf("level 0 dispatched %d subtasks, want 2", len(first))
	}
	got := map[string]dispatch.Assignment{}
	for _, a := range first {
		got[h.subtask(a.SubtaskID).Name] = a
	}
	if _, ok := got["A"]; !ok {
		t.Fatalf("A not dispatched: %v", got)
	}
	if got["A"].WorkerID == got["B"].WorkerID {
		t.Error("A and B share a worker")
	}
	if st := h.subtask(got["A"].SubtaskID); st.Status != scheduler.SubtaskInProgress {
		t.Errorf("A status = %s, want in_progress", st.Status)
	}

	h.complete(got["A"], analysisPayload())
	if as := h.tick(); len(as) != 0 {
		t.Fatalf("C dispatched before B completed: %+v", as)
	}
	if c := h.named(task.ID, "C"); c.Status != scheduler.SubtaskPending {
		t.Errorf("C status = %s, want pending", c.Status)
	}
	ready, err := h.engine.GetReadySubtasks(h.ctx, task.ID)
	if err != nil || len(ready) != 0 {
		t.Errorf("GetReadySubtasks() = %v, %v; want none", ready, err)
	}

	h.complete(got["B"], analysisPayload())
	c := only(t, h.tick())
	if h.subtask(c.SubtaskID).Name != "C" {
		t.Fatalf("dispatched %s, want C", c.SubtaskID)
	}

	h.complete(c, analysisPayload())
	h.tick()

	final, _ := h.engine.GetTask(h.ctx, task.ID)
	if final.Status != scheduler.TaskCompleted || final.Progress != 100 {
		t.Errorf("task = %s at %d%%, want completed at 100%%", final.Status, final.Progress)
	}

	allocated := 0
	for len(all) > 0 {
		if ev := <-all; ev.EventType() == events.EventTypeSubtaskAllocated {
			allocated++
		}
	}
	if allocated != 3 {
		t.Errorf("saw %d allocation events, want 3", allocated)
	}
}

// A low review score spawns one fix; the re-review accepts it.
func TestScenarioFixThenAccept(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "codex", "claude")
	h.worker("m2", "codex", "claude")
	task := h.start(scheduler.FrequencyMedium, implementStep())

	impl := only(t, h.tick())
	producer := impl.WorkerID
	h.complete(impl, codePayload("v1"))

	rev := only(t, h.tick())
	if rev.WorkerID == producer {
		t.Fatal("review assigned to the producer")
	}
	if rev.Type != scheduler.SubtaskCodeReview || rev.Instructions.Artifact == nil {
		t.Fatalf("review assignment = %+v", rev)
	}
	h.complete(rev, reviewPayload(4.0))

	fix := only(t, h.tick())
	if fix.WorkerID != producer {
		t.Errorf("fix assigned to %s, want producer %s", fix.WorkerID, producer)
	}
	if fix.Instructions.Feedback == "" || len(fix.Instructions.Issues) != 1 {
		t.Errorf("fix instructions = %+v", fix.Instructions)
	}
	h.complete(fix, codePayload("v2"))

	rerev := only(t, h.tick())
	if rerev.WorkerID == fix.WorkerID {
		t.Fatal("re-review assigned to the fixer")
	}
	h.complete(rerev, reviewPayload(8.0))
	h.tick()

	if st := h.taskStatus(task.ID); st != scheduler.TaskCompleted {
		t.Errorf("task status = %s, want completed", st)
	}
	if cps, _ := h.engine.ListCheckpoints(h.ctx, task.ID); len(cps) != 0 {
		t.Errorf("raised %d checkpoints, want none", len(cps))
	}
	if fixes := h.byOrigin(task.ID, scheduler.OriginFix); len(fixes) != 1 {
		t.Errorf("spawned %d fixes, want 1", len(fixes))
	}
	last := h.subtask(rerev.SubtaskID)
	if last.ReviewCycle != 1 {
		t.Errorf("final review cycle = %d, want 1", last.ReviewCycle)
	}
	target := h.named(task.ID, "implement")
	if target.Score == nil || *target.Score != 8.0 {
		t.Errorf("target score = %v, want 8", target.Score)
	}
	if evs, _ := h.engine.ListEvaluations(h.ctx, fix.SubtaskID); len(evs) != 1 {
		t.Errorf("fix evaluated %d times, want 1", len(evs))
	}
}

// Two low scores exhaust the cycle budget and escalate to a human.
func TestScenarioEscalation(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "codex", "claude")
	h.worker("m2", "codex", "claude")
	task := h.start(scheduler.FrequencyMedium, implementStep())

	h.complete(only(t, h.tick()), codePayload("v1"))
	h.complete(only(t, h.tick()), reviewPayload(4.0))
	h.complete(only(t, h.tick()), codePayload("v2"))
	h.complete(only(t, h.tick()), reviewPayload(3.0))

	if as := h.tick(); len(as) != 0 {
		t.Fatalf("dispatched %+v after escalation", as)
	}
	if reviews := h.byOrigin(task.ID, scheduler.OriginReview); len(reviews) != 2 {
		t.Errorf("ran %d reviews, want 2", len(reviews))
	}
	if fixes := h.byOrigin(task.ID, scheduler.OriginFix); len(fixes) != 1 {
		t.Errorf("spawned %d fixes, want 1", len(fixes))
	}

	pending := h.pending(task.ID)
	if len(pending) != 1 || pending[0].Reason != review.ErrMaxFixCyclesExceeded.Error() {
		t.Fatalf("pending checkpoints = %+v", pending)
	}
	cp := pending[0]
	if cp.Snapshot.Review == nil || cp.Snapshot.Review.Score != 3.0 {
		t.Errorf("snapshot review = %+v", cp.Snapshot.Review)
	}
	if h.taskStatus(task.ID) != scheduler.TaskPaused {
		t.Errorf("task status = %s, want paused", h.taskStatus(task.ID))
	}
	target := h.named(task.ID, "implement")
	if target.Status != scheduler.SubtaskUnderReview {
		t.Errorf("target status = %s, want under_review", target.Status)
	}

	h.resolve(cp.ID, checkpoint.DecisionAccept, "")
	h.tick()
	if h.named(task.ID, "implement").Status != scheduler.SubtaskCompleted {
		t.Error("accepted target not completed")
	}
	if st := h.taskStatus(task.ID); st != scheduler.TaskCompleted {
		t.Errorf("task status = %s, want completed", st)
	}
}

// High frequency pauses after every subtask; each checkpoint resolves on its own.
func TestScenarioHighFrequency(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "claude")
	h.worker("m2", "claude")

	var steps []decompose.Step
	for _, name := range []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9"} {
		steps = append(steps, analysisStep(name))
	}
	task := h.start(scheduler.FrequencyHigh, steps...)

	for round := 0; round < 5; round++ {
		batch := h.tick()
		if len(batch) != 2 {
			t.Fatalf("round %d dispatched %d subtasks, want 2", round, len(batch))
		}
		for _, a := range batch {
			h.complete(a, analysisPayload())
		}

		pending := h.pending(task.ID)
		if len(pending) != 2 {
			t.Fatalf("round %d: %d pending checkpoints, want 2", round, len(pending))
		}
		if as := h.tick(); len(as) != 0 {
			t.Fatalf("round %d: dispatched while paused", round)
		}

		h.resolve(pending[0].ID, checkpoint.DecisionAccept, "")
		if st := h.taskStatus(task.ID); st != scheduler.TaskPaused {
			t.Fatalf("round %d: task %s with a checkpoint still pending", round, st)
		}
		h.resolve(pending[1].ID, checkpoint.DecisionAccept, "")
		if st := h.taskStatus(task.ID); st != scheduler.TaskInProgress {
			t.Fatalf("round %d: task %s after all checkpoints resolved", round, st)
		}
	}
	h.tick()

	cps, _ := h.engine.ListCheckpoints(h.ctx, task.ID)
	if len(cps) != 10 {
		t.Fatalf("raised %d checkpoints, want 10", len(cps))
	}
	for _, cp := range cps {
		if cp.Status != checkpoint.StatusApproved || cp.Reason != checkpoint.ReasonCadence {
			t.Errorf("checkpoint %s = %s (%s)", cp.ID, cp.Status, cp.Reason)
		}
	}
	if _, err := h.engine.ResolveCheckpoint(h.ctx, cps[0].ID, checkpoint.DecisionReject, ""); !errors.Is(err, checkpoint.ErrAlreadyResolved) {
		t.Errorf("second resolution error = %v, want ErrAlreadyResolved", err)
	}
	if st := h.taskStatus(task.ID); st != scheduler.TaskCompleted {
		t.Errorf("task status = %s, want completed", st)
	}
}

func TestSubmitResultIdempotent(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "codex", "claude")
	h.worker("m2", "codex", "claude")
	task := h.start(scheduler.FrequencyMedium, implementStep())

	a := only(t, h.tick())
	h.complete(a, codePayload("v1"))
	h.complete(a, codePayload("v1"))

	if reviews := h.byOrigin(task.ID, scheduler.OriginReview); len(reviews) != 1 {
		t.Errorf("spawned %d reviews, want 1", len(reviews))
	}
	if evs, _ := h.engine.ListEvaluations(h.ctx, a.SubtaskID); len(evs) != 1 {
		t.Errorf("recorded %d evaluations, want 1", len(evs))
	}

	w, _ := h.reg.Get(a.WorkerID)
	if w.CurrentAssignment != "" {
		t.Errorf("worker still holds %s", w.CurrentAssignment)
	}
}

func TestFailurePropagation(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "claude")
	h.worker("m2", "claude")
	task := h.start(scheduler.FrequencyMedium,
		analysisStep("A"), analysisStep("B", "A"), analysisStep("C", "B"), analysisStep("D"))

	var a, d dispatch.Assignment
	for _, as := range h.tick() {
		switch h.subtask(as.SubtaskID).Name {
		case "A":
			a = as
		case "D":
			d = as
		}
	}
	err := h.engine.SubmitResult(h.ctx, dispatch.Result{
		SubtaskID: a.SubtaskID, WorkerID: a.WorkerID, Status: dispatch.ResultFailed, Error: "tool crashed",
	})
	if err != nil {
		t.Fatalf("SubmitResult(failed) error = %v", err)
	}
	if as := h.tick(); len(as) != 0 {
		t.Fatalf("dispatched %+v after failure", as)
	}

	for _, name := range []string{"B", "C"} {
		st := h.named(task.ID, name)
		if st.Status != scheduler.SubtaskFailed {
			t.Errorf("%s status = %s, want failed", name, st.Status)
		}
		if !strings.Contains(st.Error, scheduler.ErrHardDependencyFailed.Error()) {
			t.Errorf("%s error = %q", name, st.Error)
		}
		if st.WorkerID != "" {
			t.Errorf("%s was allocated to %s", name, st.WorkerID)
		}
	}
	if st := h.taskStatus(task.ID); st != scheduler.TaskInProgress {
		t.Errorf("task status = %s while D runs", st)
	}

	h.complete(d, analysisPayload())
	h.tick()
	final, _ := h.engine.GetTask(h.ctx, task.ID)
	if final.Status != scheduler.TaskFailed || !strings.Contains(final.Error, "A") {
		t.Errorf("task = %s (%q), want failed naming A", final.Status, final.Error)
	}
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "codex", "claude")
	h.worker("m2", "codex", "claude")
	task := h.start(scheduler.FrequencyMedium, implementStep(), analysisStep("A"))

	batch := h.tick()
	if len(batch) != 2 {
		t.Fatalf("dispatched %d, want 2", len(batch))
	}

	cancelled, err := h.engine.CancelTask(h.ctx, task.ID)
	if err != nil || cancelled.Status != scheduler.TaskCancelled {
		t.Fatalf("CancelTask() = %v, %v", cancelled, err)
	}
	for _, w := range h.reg.List(registry.FilterAll) {
		if w.CurrentAssignment != "" {
			t.Errorf("worker %s still holds %s", w.ID, w.CurrentAssignment)
		}
	}

	for _, a := range batch {
		h.complete(a, codePayload("late"))
		if st := h.subtask(a.SubtaskID); st.Status != scheduler.SubtaskCancelled || st.Result != nil {
			t.Errorf("late result applied to %s: %s", a.SubtaskID, st.Status)
		}
	}
	if reviews := h.byOrigin(task.ID, scheduler.OriginReview); len(reviews) != 0 {
		t.Errorf("late result spawned %d reviews", len(reviews))
	}
	if _, err := h.engine.CancelTask(h.ctx, task.ID); err != nil {
		t.Errorf("second CancelTask() error = %v", err)
	}
	if as := h.tick(); len(as) != 0 {
		t.Errorf("dispatched %+v for a cancelled task", as)
	}
}

func TestLivenessPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		wantStatus scheduler.SubtaskStatus
	}{
		{"reallocate", config.LivenessReallocate, scheduler.SubtaskPending},
		{"wait", config.LivenessWait, scheduler.SubtaskInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 9, func(o *Options) { o.LivenessPolicy = tt.policy })
			w1 := h.worker("m1", "claude")
			task := h.start(scheduler.FrequencyMedium, analysisStep("A"))

			a := only(t, h.tick())
			if err := h.reg.MarkOffline(w1.ID); err != nil {
				t.Fatal(err)
			}
			h.engine.HandleOffline(h.ctx, []string{w1.ID})

			st := h.subtask(a.SubtaskID)
			if st.Status != tt.wantStatus {
				t.Fatalf("status after offline = %s, want %s", st.Status, tt.wantStatus)
			}
			if tt.policy == config.LivenessWait {
				return
			}

			w2 := h.worker("m2", "claude")
			again := only(t, h.tick())
			if again.WorkerID != w2.ID {
				t.Errorf("reallocated to %s, want %s", again.WorkerID, w2.ID)
			}
			err := h.engine.SubmitResult(h.ctx, dispatch.Result{
				SubtaskID: a.SubtaskID, WorkerID: w1.ID, Status: dispatch.ResultCompleted, Payload: analysisPayload(),
			})
			if !errors.Is(err, ErrStaleResult) {
				t.Errorf("late result from offline worker error = %v, want ErrStaleResult", err)
			}
			h.complete(again, analysisPayload())
			h.tick()
			if st := h.taskStatus(task.ID); st != scheduler.TaskCompleted {
				t.Errorf("task status = %s, want completed", st)
			}
		})
	}
}

func TestCorrectionStartsFreshChain(t *testing.T) {
	h := newHarness(t, 5)
	h.worker("m1", "codex", "claude")
	h.worker("m2", "codex", "claude")
	task := h.start(scheduler.FrequencyMedium, implementStep())

	impl := only(t, h.tick())
	h.complete(impl, codePayload("v1"))

	pending := h.pending(task.ID)
	if len(pending) != 1 || pending[0].Reason != checkpoint.ReasonEvaluation {
		t.Fatalf("pending = %+v, want one evaluation checkpoint", pending)
	}
	if pending[0].Snapshot.Band != string(evaluation.BandAcceptable) || len(h.byOrigin(task.ID, scheduler.OriginReview)) != 1 {
		t.Fatalf("snapshot = %+v", pending[0].Snapshot)
	}
	if _, err := h.engine.ResolveCheckpoint(h.ctx, pending[0].ID, checkpoint.DecisionCorrect, ""); !errors.Is(err, checkpoint.ErrMissingFeedback) {
		t.Fatalf("correction without feedback error = %v, want ErrMissingFeedback", err)
	}

	h.resolve(pending[0].ID, checkpoint.DecisionCorrect, "propagate the context")
	if st := h.taskStatus(task.ID); st != scheduler.TaskInProgress {
		t.Fatalf("task status = %s after correction", st)
	}

	corrections := h.byOrigin(task.ID, scheduler.OriginCorrection)
	if len(corrections) != 1 {
		t.Fatalf("spawned %d corrections, want 1", len(corrections))
	}
	corr := corrections[0]
	if corr.Instructions.Feedback != "propagate the context" || corr.ReviewCycle != 0 || corr.TargetID != impl.SubtaskID {
		t.Errorf("correction = %+v", corr)
	}
	if corr.Instructions.Artifact == nil || corr.Instructions.Artifact.Code.Summary != "v1" {
		t.Errorf("correction artifact = %+v", corr.Instructions.Artifact)
	}

	var fix dispatch.Assignment
	for _, a := range h.tick() {
		if a.SubtaskID == corr.ID {
			fix = a
		}
	}
	if fix.WorkerID != impl.WorkerID {
		t.Errorf("correction assigned to %s, want producer %s", fix.WorkerID, impl.WorkerID)
	}
	h.complete(fix, codePayload("v2"))

	var rereview *scheduler.Subtask
	for _, st := range h.byOrigin(task.ID, scheduler.OriginReview) {
		if len(st.DependsOn) == 1 && st.DependsOn[0] == corr.ID {
			rereview = st
		}
	}
	if rereview == nil || rereview.ReviewCycle != 0 || rereview.ProducerID != fix.WorkerID {
		t.Errorf("review after correction = %+v", rereview)
	}
}

// A review opened on the same completion as a cadence checkpoint must not
// outlive a correction of that artifact.
func TestCorrectionCancelsOpenChain(t *testing.T) {
	h := newHarness(t, 9)
	for _, m := range []string{"m1", "m2", "m3"} {
		h.worker(m, "codex", "claude")
	}
	step := implementStep()
	step.Complexity = scheduler.ComplexityHigh
	task := h.start(scheduler.FrequencyMedium, step)

	h.complete(only(t, h.tick()), codePayload("v1"))
	pending := h.pending(task.ID)
	if len(pending) != 1 || pending[0].Reason != checkpoint.ReasonCadence {
		t.Fatalf("pending = %+v, want one cadence checkpoint", pending)
	}
	stale := h.byOrigin(task.ID, scheduler.OriginReview)
	if len(stale) != 1 {
		t.Fatalf("spawned %d reviews, want 1", len(stale))
	}

	h.resolve(pending[0].ID, checkpoint.DecisionCorrect, "use the new API")
	if st := h.subtask(stale[0].ID).Status; st != scheduler.SubtaskCancelled {
		t.Errorf("open review status = %s, want cancelled", st)
	}

	corr := only(t, h.tick())
	if st := h.subtask(corr.SubtaskID); st.Origin != scheduler.OriginCorrection {
		t.Fatalf("dispatched %s (%s), want only the correction", st.Name, st.Origin)
	}

	// A late low score for the replaced review changes nothing
	h.complete(dispatch.Assignment{SubtaskID: stale[0].ID}, reviewPayload(3))
	if fixes := h.byOrigin(task.ID, scheduler.OriginFix); len(fixes) != 0 {
		t.Fatalf("stale review spawned %d fixes", len(fixes))
	}

	h.complete(corr, codePayload("v2"))
	rev := only(t, h.tick())
	if st := h.subtask(rev.SubtaskID); st.DependsOn[0] != corr.SubtaskID {
		t.Fatalf("review depends on %v, want the correction", st.DependsOn)
	}
	h.complete(rev, reviewPayload(3))

	fixes := h.byOrigin(task.ID, scheduler.OriginFix)
	if len(fixes) != 1 || fixes[0].DependsOn[0] != rev.SubtaskID {
		t.Fatalf("fixes = %+v, want one fix after the new review", fixes)
	}
	if fixes[0].Instructions.Artifact == nil || fixes[0].Instructions.Artifact.Code.Summary != "v2" {
		t.Errorf("fix revises %+v, want v2", fixes[0].Instructions.Artifact)
	}

	live := 0
	for _, st := range h.subtasks(task.ID) {
		if st.TargetID != "" && !st.Status.Terminal() {
			live++
		}
	}
	if live != 1 {
		t.Errorf("%d open chain nodes, want 1", live)
	}
}

func TestSupersededIn(t *testing.T) {
	node := func(id string, origin scheduler.Origin, status scheduler.SubtaskStatus, after string) *scheduler.Subtask {
		return &scheduler.Subtask{ID: id, TargetID: "impl", Origin: origin, Status: status, DependsOn: []string{after}}
	}
	impl := &scheduler.Subtask{ID: "impl", Status: scheduler.SubtaskCompleted}

	tests := []struct {
		name     string
		subtasks []*scheduler.Subtask
		check    string
		want     bool
	}{
		{
			name:     "no correction",
			subtasks: []*scheduler.Subtask{impl, node("r0", scheduler.OriginReview, scheduler.SubtaskCompleted, "impl")},
			check:    "r0",
		},
		{
			name: "review forked before the correction",
			subtasks: []*scheduler.Subtask{impl,
				node("r0", scheduler.OriginReview, scheduler.SubtaskCompleted, "impl"),
				node("c", scheduler.OriginCorrection, scheduler.SubtaskPending, "impl")},
			check: "r0",
			want:  true,
		},
		{
			name: "review of the correction",
			subtasks: []*scheduler.Subtask{impl,
				node("c", scheduler.OriginCorrection, scheduler.SubtaskCompleted, "impl"),
				node("r1", scheduler.OriginReview, scheduler.SubtaskCompleted, "c")},
			check: "r1",
		},
		{
			name: "cancelled correction does not count",
			subtasks: []*scheduler.Subtask{impl,
				node("r0", scheduler.OriginReview, scheduler.SubtaskCompleted, "impl"),
				node("c", scheduler.OriginCorrection, scheduler.SubtaskCancelled, "impl")},
			check: "r0",
		},
		{
			name: "second correction builds on the first",
			subtasks: []*scheduler.Subtask{impl,
				node("c1", scheduler.OriginCorrection, scheduler.SubtaskCompleted, "impl"),
				node("r1", scheduler.OriginReview, scheduler.SubtaskCompleted, "c1"),
				node("c2", scheduler.OriginCorrection, scheduler.SubtaskCompleted, "r1"),
				node("r2", scheduler.OriginReview, scheduler.SubtaskCompleted, "c2")},
			check: "r2",
		},
		{
			name: "fix from before the second correction",
			subtasks: []*scheduler.Subtask{impl,
				node("c1", scheduler.OriginCorrection, scheduler.SubtaskCompleted, "impl"),
				node("r1", scheduler.OriginReview, scheduler.SubtaskCompleted, "c1"),
				node("f1", scheduler.OriginFix, scheduler.SubtaskInProgress, "r1"),
				node("c2", scheduler.OriginCorrection, scheduler.SubtaskPending, "r1")},
			check: "f1",
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var st *scheduler.Subtask
			for _, n := range tt.subtasks {
				if n.ID == tt.check {
					st = n
				}
			}
			if got := supersededIn(tt.subtasks, st); got != tt.want {
				t.Errorf("supersededIn(%s) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestRejectCancelsDescendants(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "claude")
	h.worker("m2", "claude")
	task := h.start(scheduler.FrequencyHigh, analysisStep("A"), analysisStep("B", "A"), analysisStep("C"))

	var a, c dispatch.Assignment
	for _, as := range h.tick() {
		switch h.subtask(as.SubtaskID).Name {
		case "A":
			a = as
		case "C":
			c = as
		}
	}
	h.complete(a, analysisPayload())
	cpA := h.pending(task.ID)[0]

	h.resolve(cpA.ID, checkpoint.DecisionReject, "wrong approach")
	if st := h.named(task.ID, "A").Status; st != scheduler.SubtaskCancelled {
		t.Errorf("A status = %s, want cancelled", st)
	}
	if st := h.named(task.ID, "B").Status; st != scheduler.SubtaskCancelled {
		t.Errorf("B status = %s, want cancelled", st)
	}
	if st := h.named(task.ID, "C").Status; st != scheduler.SubtaskInProgress {
		t.Errorf("independent C status = %s, want in_progress", st)
	}

	h.complete(c, analysisPayload())
	h.resolve(h.pending(task.ID)[0].ID, checkpoint.DecisionAccept, "")
	h.tick()

	final, _ := h.engine.GetTask(h.ctx, task.ID)
	if final.Status != scheduler.TaskFailed || !strings.Contains(final.Error, "rejected") {
		t.Errorf("task = %s (%q), want failed after rejection", final.Status, final.Error)
	}
}

func TestRejectedLeafLetsTaskComplete(t *testing.T) {
	tests := []struct {
		name    string
		steps   []decompose.Step
		want    scheduler.TaskStatus
		wantErr string
	}{
		{
			name:  "independent branch completed",
			steps: []decompose.Step{analysisStep("A"), analysisStep("C")},
			want:  scheduler.TaskCompleted,
		},
		{
			name:    "nothing left",
			steps:   []decompose.Step{analysisStep("A")},
			want:    scheduler.TaskFailed,
			wantErr: "subtasks rejected: A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 9)
			h.worker("m1", "claude")
			h.worker("m2", "claude")
			task := h.start(scheduler.FrequencyHigh, tt.steps...)

			for _, a := range h.tick() {
				h.complete(a, analysisPayload())
			}
			for _, cp := range h.pending(task.ID) {
				decision := checkpoint.DecisionAccept
				if h.subtask(cp.SubtaskID).Name == "A" {
					decision = checkpoint.DecisionReject
				}
				h.resolve(cp.ID, decision, "")
			}
			h.tick()

			final, _ := h.engine.GetTask(h.ctx, task.ID)
			if final.Status != tt.want || final.Error != tt.wantErr {
				t.Errorf("task = %s (%q), want %s (%q)", final.Status, final.Error, tt.want, tt.wantErr)
			}
		})
	}
}

func TestMalformedReviewNeedsRevision(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "codex", "claude")
	h.worker("m2", "codex", "claude")
	task := h.start(scheduler.FrequencyMedium, implementStep())

	h.complete(only(t, h.tick()), codePayload("v1"))
	rev := only(t, h.tick())

	err := h.engine.SubmitResult(h.ctx, dispatch.Result{
		SubtaskID: rev.SubtaskID,
		WorkerID:  rev.WorkerID,
		Status:    dispatch.ResultCompleted,
		Payload:   &scheduler.Payload{Kind: scheduler.PayloadOpaque, Raw: []byte(`"looks fine to me"`)},
	})
	if !errors.Is(err, review.ErrInvalidReviewFormat) {
		t.Fatalf("SubmitResult(malformed) error = %v, want ErrInvalidReviewFormat", err)
	}
	if st := h.subtask(rev.SubtaskID); st.Status != scheduler.SubtaskNeedsRevision {
		t.Errorf("review status = %s, want needs_revision", st.Status)
	}
	if w, _ := h.reg.Get(rev.WorkerID); w.CurrentAssignment != "" {
		t.Error("reviewer not released")
	}
	if fixes := h.byOrigin(task.ID, scheduler.OriginFix); len(fixes) != 0 {
		t.Error("malformed review advanced the chain")
	}

	h.complete(dispatch.Assignment{SubtaskID: rev.SubtaskID}, reviewPayload(9))
	h.tick()
	if st := h.taskStatus(task.ID); st != scheduler.TaskCompleted {
		t.Errorf("task status = %s, want completed", st)
	}
}

func TestReviewChainFailureRaisesCheckpoint(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "codex", "claude")
	h.worker("m2", "codex", "claude")
	task := h.start(scheduler.FrequencyMedium, implementStep())

	h.complete(only(t, h.tick()), codePayload("v1"))
	rev := only(t, h.tick())
	err := h.engine.SubmitResult(h.ctx, dispatch.Result{
		SubtaskID: rev.SubtaskID, WorkerID: rev.WorkerID, Status: dispatch.ResultFailed, Error: "reviewer crashed",
	})
	if err != nil {
		t.Fatalf("SubmitResult() error = %v", err)
	}

	pending := h.pending(task.ID)
	if len(pending) != 1 || pending[0].Reason != checkpoint.ReasonChainFailed {
		t.Fatalf("pending = %+v", pending)
	}
	if st := h.named(task.ID, "implement").Status; st != scheduler.SubtaskUnderReview {
		t.Errorf("target status = %s, want under_review", st)
	}
}

func TestReviewDeferredWithoutIndependentWorker(t *testing.T) {
	h := newHarness(t, 9)
	h.worker("m1", "codex", "claude")
	task := h.start(scheduler.FrequencyMedium, implementStep())

	h.complete(only(t, h.tick()), codePayload("v1"))
	if as := h.tick(); len(as) != 0 {
		t.Fatalf("review forced onto the producer: %+v", as)
	}
	rev := h.byOrigin(task.ID, scheduler.OriginReview)[0]
	if rev.Status != scheduler.SubtaskReady {
		t.Errorf("deferred review status = %s, want ready", rev.Status)
	}

	w2 := h.worker("m2", "claude")
	if a := only(t, h.tick()); a.WorkerID != w2.ID {
		t.Errorf("review assigned to %s, want %s", a.WorkerID, w2.ID)
	}
}

func TestCompletionCheckpoint(t *testing.T) {
	tests := []struct {
		name     string
		decision checkpoint.Decision
		want     scheduler.TaskStatus
	}{
		{"accept", checkpoint.DecisionAccept, scheduler.TaskCompleted},
		{"reject", checkpoint.DecisionReject, scheduler.TaskFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 9)
			h.worker("m1", "claude")
			task := h.start(scheduler.FrequencyLow, analysisStep("A"))

			h.complete(only(t, h.tick()), analysisPayload())
			h.tick()

			pending := h.pending(task.ID)
			if len(pending) != 1 || pending[0].Reason != checkpoint.ReasonCompletion || pending[0].SubtaskID != "" {
				t.Fatalf("pending = %+v", pending)
			}
			if _, err := h.engine.ResolveCheckpoint(h.ctx, pending[0].ID, checkpoint.DecisionCorrect, "more"); !errors.Is(err, ErrNothingToCorrect) {
				t.Errorf("correct on completion error = %v", err)
			}

			h.resolve(pending[0].ID, tt.decision, "")
			h.tick()
			if st := h.taskStatus(task.ID); st != tt.want {
				t.Errorf("task status = %s, want %s", st, tt.want)
			}
			if cps, _ := h.engine.ListCheckpoints(h.ctx, task.ID); len(cps) != 1 {
				t.Errorf("raised %d checkpoints, want 1", len(cps))
			}
		})
	}
}

func TestDispatchFailureReturnsSubtask(t *testing.T) {
	h := newHarness(t, 9)
	w := h.worker("m1", "claude")
	task := h.start(scheduler.FrequencyMedium, analysisStep("A"))

	h.disp.failWith(dispatch.ErrWorkerQueueFull)
	h.tick()

	st := h.named(task.ID, "A")
	if st.Status != scheduler.SubtaskReady || st.WorkerID != "" {
		t.Errorf("after failed dispatch: %s on %q", st.Status, st.WorkerID)
	}
	if got, _ := h.reg.Get(w.ID); got.CurrentAssignment != "" {
		t.Error("worker not released after failed dispatch")
	}

	h.disp.failWith(nil)
	if a := only(t, h.tick()); a.SubtaskID != st.ID {
		t.Errorf("dispatched %s, want %s", a.SubtaskID, st.ID)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	h := newHarness(t, 9)

	tests := []struct {
		name string
		req  TaskRequest
		want error
	}{
		{"unsupported type", TaskRequest{Description: "x", Type: "poetry"}, decompose.ErrUnsupportedTaskType},
		{"empty description", TaskRequest{Type: scheduler.TaskBugFix}, ErrInvalidTask},
		{"bad frequency", TaskRequest{Description: "x", Type: scheduler.TaskBugFix, CheckpointFrequency: "hourly"}, ErrInvalidTask},
		{"bad privacy", TaskRequest{Description: "x", Type: scheduler.TaskBugFix, PrivacyLevel: "secret"}, ErrInvalidTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.engine.SubmitTask(h.ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("SubmitTask() error = %v, want %v", err, tt.want)
			}
		})
	}

	task, err := h.engine.SubmitTask(h.ctx, TaskRequest{Description: "fix the crash", Type: scheduler.TaskBugFix})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	if task.CheckpointFrequency != scheduler.FrequencyMedium || task.PrivacyLevel != scheduler.PrivacyNormal {
		t.Errorf("defaults = %s/%s", task.CheckpointFrequency, task.PrivacyLevel)
	}
	if _, err := h.engine.DecomposeTask(h.ctx, task.ID); err != nil {
		t.Fatalf("DecomposeTask() error = %v", err)
	}
	if _, err := h.engine.DecomposeTask(h.ctx, task.ID); !errors.Is(err, decompose.ErrAlreadyDecomposed) {
		t.Errorf("second DecomposeTask() error = %v", err)
	}
	if _, err := h.engine.GetTask(h.ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("GetTask(missing) error = %v", err)
	}
}
