package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aristath/agentgrid/internal/checkpoint"
	"github.com/aristath/agentgrid/internal/dispatch"
	"github.com/aristath/agentgrid/internal/orchestrator"
	"github.com/aristath/agentgrid/internal/scheduler"
)

// --- Task handlers ---

type submitTaskRequest struct {
	orchestrator.TaskRequest
	// Decompose runs decomposition right after submission.
	Decompose bool `json:"decompose"`
}

type taskResponse struct {
	*scheduler.Task
	Subtasks []*scheduler.Subtask `json:"subtasks,omitempty"`
}

func (h *Handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if !decode(w, r, &req) {
		return
	}

	task, err := h.Engine.SubmitTask(r.Context(), req.TaskRequest)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := taskResponse{Task: task}
	if req.Decompose {
		subtasks, err := h.Engine.DecomposeTask(r.Context(), task.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.Subtasks = subtasks
		if resp.Task, err = h.Engine.GetTask(r.Context(), task.ID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Engine.ListTasks(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Engine.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handlers) decomposeTask(w http.ResponseWriter, r *http.Request) {
	subtasks, err := h.Engine.DecomposeTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subtasks)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Engine.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handlers) listSubtasks(w http.ResponseWriter, r *http.Request) {
	subtasks, err := h.Engine.ListSubtasks(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(subtasks))
}

func (h *Handlers) readySubtasks(w http.ResponseWriter, r *http.Request) {
	ready, err := h.Engine.GetReadySubtasks(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ready))
}

func (h *Handlers) planLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := h.Engine.PlanLevels(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(levels))
}

// --- Subtask handlers ---

func (h *Handlers) getSubtask(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.GetSubtask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// resultRequest is a worker's report. Payload may be a typed payload object
// or any other JSON document, which is kept as an opaque blob.
type resultRequest struct {
	WorkerID        string                `json:"worker_id"`
	Status          dispatch.ResultStatus `json:"status"`
	Payload         json.RawMessage       `json:"payload,omitempty"`
	Error           string                `json:"error,omitempty"`
	ExecutionTimeMS int64                 `json:"execution_time_ms,omitempty"`
}

func (h *Handlers) submitResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status != dispatch.ResultCompleted && req.Status != dispatch.ResultFailed {
		writeError(w, http.StatusBadRequest, "status must be completed or failed")
		return
	}

	res := dispatch.Result{
		SubtaskID:     r.PathValue("id"),
		WorkerID:      req.WorkerID,
		Status:        req.Status,
		Error:         req.Error,
		ExecutionTime: time.Duration(req.ExecutionTimeMS) * time.Millisecond,
	}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		res.Payload = scheduler.DecodePayload(req.Payload)
	}

	if err := h.Engine.SubmitResult(r.Context(), res); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) getEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Engine.GetEvaluation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handlers) listEvaluations(w http.ResponseWriter, r *http.Request) {
	evs, err := h.Engine.ListEvaluations(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(evs))
}

// --- Checkpoint handlers ---

func (h *Handlers) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := h.Engine.ListCheckpoints(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := cps[:0]
		for _, cp := range cps {
			if string(cp.Status) == status {
				filtered = append(filtered, cp)
			}
		}
		cps = filtered
	}
	writeJSON(w, http.StatusOK, nonNil(cps))
}

func (h *Handlers) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.Engine.GetCheckpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// awaitCheckpoint blocks until the checkpoint is resolved. A checkpoint still
// pending when the poll window closes yields 204.
func (h *Handlers) awaitCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.pollTimeout())
	defer cancel()

	cp, err := h.Engine.AwaitCheckpoint(ctx, r.PathValue("id"))
	if errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

type resolveRequest struct {
	Decision checkpoint.Decision `json:"decision"`
	Feedback string              `json:"feedback,omitempty"`
}

func (h *Handlers) resolveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	cp, err := h.Engine.ResolveCheckpoint(r.Context(), r.PathValue("id"), req.Decision, req.Feedback)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}
