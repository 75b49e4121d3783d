// Package api exposes the orchestration engine over HTTP: task submission,
// worker registration and polling, result submission, checkpoint decisions and
// a server-sent event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aristath/agentgrid/internal/checkpoint"
	"github.com/aristath/agentgrid/internal/decompose"
	"github.com/aristath/agentgrid/internal/dispatch"
	"github.com/aristath/agentgrid/internal/evaluation"
	"github.com/aristath/agentgrid/internal/events"
	"github.com/aristath/agentgrid/internal/orchestrator"
	"github.com/aristath/agentgrid/internal/persistence"
	"github.com/aristath/agentgrid/internal/registry"
	"github.com/aristath/agentgrid/internal/review"
	"github.com/aristath/agentgrid/internal/scheduler"
)

// Engine is the orchestration surface the handlers drive.
type Engine interface {
	SubmitTask(ctx context.Context, req orchestrator.TaskRequest) (*scheduler.Task, error)
	DecomposeTask(ctx context.Context, taskID string) ([]*scheduler.Subtask, error)
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	CancelTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListSubtasks(ctx context.Context, taskID string) ([]*scheduler.Subtask, error)
	GetSubtask(ctx context.Context, subtaskID string) (*scheduler.Subtask, error)
	GetReadySubtasks(ctx context.Context, taskID string) ([]*scheduler.Subtask, error)
	PlanLevels(ctx context.Context, taskID string) ([][]*scheduler.Subtask, error)
	SubmitResult(ctx context.Context, r dispatch.Result) error
	GetEvaluation(ctx context.Context, subtaskID string) (*evaluation.Evaluation, error)
	ListEvaluations(ctx context.Context, subtaskID string) ([]*evaluation.Evaluation, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]*checkpoint.Checkpoint, error)
	GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error)
	AwaitCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error)
	ResolveCheckpoint(ctx context.Context, id string, decision checkpoint.Decision, feedback string) (*checkpoint.Checkpoint, error)
	HandleOffline(ctx context.Context, workerIDs []string)
}

// Registry is the worker registry as seen by remote workers.
type Registry interface {
	Register(machineID string, capabilities []string, localOnly bool) (*registry.Worker, error)
	Heartbeat(workerID string, res registry.Resources) error
	Get(workerID string) (*registry.Worker, error)
	List(filter registry.Filter) []*registry.Worker
	MarkOffline(workerID string) error
}

// Mailbox queues assignments for remote workers.
type Mailbox interface {
	Register(workerID string) <-chan dispatch.Assignment
	Next(ctx context.Context, workerID string) (dispatch.Assignment, error)
	Unregister(workerID string)
}

// Stream feeds the event endpoint.
type Stream interface {
	SubscribeAll(bufSize int) <-chan events.Event
	Unsubscribe(sub <-chan events.Event)
	Dropped() uint64
}

// Handlers bundles all API handler dependencies.
type Handlers struct {
	Engine   Engine
	Registry Registry
	Mailbox  Mailbox
	Events   Stream // Nil disables GET /api/events
	Logger   *slog.Logger
	Version  string

	// PollTimeout caps how long GET /api/workers/{id}/next and checkpoint
	// awaits block. Zero means 30 seconds.
	PollTimeout time.Duration
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", h.submitTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/decompose", h.decomposeTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("GET /api/tasks/{id}/subtasks", h.listSubtasks)
	mux.HandleFunc("GET /api/tasks/{id}/ready", h.readySubtasks)
	mux.HandleFunc("GET /api/tasks/{id}/levels", h.planLevels)
	mux.HandleFunc("GET /api/tasks/{id}/checkpoints", h.listCheckpoints)

	mux.HandleFunc("GET /api/subtasks/{id}", h.getSubtask)
	mux.HandleFunc("POST /api/subtasks/{id}/result", h.submitResult)
	mux.HandleFunc("GET /api/subtasks/{id}/evaluation", h.getEvaluation)
	mux.HandleFunc("GET /api/subtasks/{id}/evaluations", h.listEvaluations)

	mux.HandleFunc("GET /api/checkpoints/{id}", h.getCheckpoint)
	mux.HandleFunc("GET /api/checkpoints/{id}/await", h.awaitCheckpoint)
	mux.HandleFunc("POST /api/checkpoints/{id}/resolve", h.resolveCheckpoint)

	mux.HandleFunc("POST /api/workers", h.registerWorker)
	mux.HandleFunc("GET /api/workers", h.listWorkers)
	mux.HandleFunc("GET /api/workers/{id}", h.getWorker)
	mux.HandleFunc("DELETE /api/workers/{id}", h.leaveWorker)
	mux.HandleFunc("POST /api/workers/{id}/heartbeat", h.heartbeat)
	mux.HandleFunc("GET /api/workers/{id}/next", h.nextAssignment)

	if h.Events != nil {
		mux.HandleFunc("GET /api/events", h.streamEvents)
	}
	mux.HandleFunc("GET /api/status", h.status)
}

// Handler returns the routes wrapped in request logging.
func (h *Handlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h.logRequests(mux)
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handlers) pollTimeout() time.Duration {
	if h.PollTimeout <= 0 {
		return 30 * time.Second
	}
	return h.PollTimeout
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger().Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if h.Events != nil {
		body["events_dropped"] = h.Events.Dropped()
	}
	writeJSON(w, http.StatusOK, body)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps an engine error onto its HTTP status.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, registry.ErrWorkerNotFound),
		errors.Is(err, dispatch.ErrWorkerNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, checkpoint.ErrAlreadyResolved),
		errors.Is(err, decompose.ErrAlreadyDecomposed),
		errors.Is(err, orchestrator.ErrStaleResult),
		errors.Is(err, orchestrator.ErrTaskTerminal),
		errors.Is(err, persistence.ErrVersionConflict),
		errors.Is(err, registry.ErrWorkerBusy):
		return http.StatusConflict
	case errors.Is(err, review.ErrInvalidReviewFormat),
		errors.Is(err, decompose.ErrUnsupportedTaskType),
		errors.Is(err, scheduler.ErrCyclicDependency):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrInvalidTask),
		errors.Is(err, orchestrator.ErrNothingToCorrect),
		errors.Is(err, checkpoint.ErrInvalidDecision),
		errors.Is(err, checkpoint.ErrMissingFeedback):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
